package audio

import (
	"bytes"
)

// Format is the advisory container tag sniffed from leading magic bytes
type Format string

const (
	FormatWAV     Format = "wav"
	FormatOGG     Format = "ogg"
	FormatMP3     Format = "mp3"
	FormatFLAC    Format = "flac"
	FormatRawPCM  Format = "raw_pcm"
	FormatUnknown Format = "unknown"
)

const (
	// defaultHeaderSize is the canonical WAV header length, also used as the
	// fallback strip length for unrecognized headers
	defaultHeaderSize = 44

	// oggSkip approximates the first OGG page; pages are not parsed
	oggSkip = 100

	// id3HeaderSize is the fixed ID3v2 header length preceding the tag body
	id3HeaderSize = 10

	// varianceSampleSize is how many leading bytes are inspected for raw PCM detection
	varianceSampleSize = 1024

	// rawPCMDistinctThreshold is the distinct byte count above which data is treated as raw PCM
	rawPCMDistinctThreshold = 50
)

var (
	magicRIFF  = []byte("RIFF")
	magicOggS  = []byte("OggS")
	magicID3   = []byte("ID3")
	magicFLAC  = []byte("fLaC")
	markerData = []byte("data")
)

// DetectFormat sniffs the container format of an audio buffer.
// The result is diagnostic only and never decides whether a chunk is processed.
func DetectFormat(data []byte) Format {
	if len(data) < 4 {
		return FormatUnknown
	}

	switch {
	case bytes.HasPrefix(data, magicRIFF):
		return FormatWAV
	case bytes.HasPrefix(data, magicOggS):
		return FormatOGG
	case bytes.HasPrefix(data, magicID3):
		return FormatMP3
	case bytes.HasPrefix(data, magicFLAC):
		return FormatFLAC
	default:
		return FormatRawPCM
	}
}

// StripHeader removes common file headers so the remainder is sample data.
// Buffers shorter than a WAV header are returned unchanged.
func StripHeader(data []byte) []byte {
	if len(data) < defaultHeaderSize {
		return data
	}

	switch {
	case bytes.HasPrefix(data, magicRIFF):
		// Payload starts after the "data" marker and its 4-byte size field
		if idx := bytes.Index(data, markerData); idx != -1 {
			return tail(data, idx+8)
		}
		return tail(data, defaultHeaderSize)

	case bytes.HasPrefix(data, magicOggS):
		return tail(data, oggSkip)

	case bytes.HasPrefix(data, magicID3):
		return tail(data, id3HeaderSize+id3TagSize(data))

	default:
		if distinctBytes(data, varianceSampleSize) > rawPCMDistinctThreshold {
			return data
		}
		return tail(data, defaultHeaderSize)
	}
}

// id3TagSize reads the ID3v2 tag size at offset 6 as a plain big-endian
// 24-bit integer. The field is synchsafe in the ID3v2 format (7 bits per
// byte); this reading only matches it when no size byte has its high bit set.
// TODO: confirm with real producer captures whether synchsafe decoding is needed.
func id3TagSize(data []byte) int {
	if len(data) < id3HeaderSize {
		return 0
	}
	return int(data[6])<<16 | int(data[7])<<8 | int(data[8])
}

// distinctBytes counts distinct byte values among the first n bytes
func distinctBytes(data []byte, n int) int {
	if len(data) < n {
		n = len(data)
	}
	var seen [256]bool
	count := 0
	for _, b := range data[:n] {
		if !seen[b] {
			seen[b] = true
			count++
		}
	}
	return count
}

func tail(data []byte, offset int) []byte {
	if offset >= len(data) {
		return data[len(data):]
	}
	return data[offset:]
}
