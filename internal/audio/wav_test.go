package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sinePCM generates a 440Hz tone as little-endian PCM-16 bytes
func sinePCM(sampleRate int, seconds float64) []byte {
	numSamples := int(float64(sampleRate) * seconds)
	out := make([]byte, 0, numSamples*2)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		sample := int16(16383.0 * math.Sin(2*math.Pi*440.0*t))
		out = binary.LittleEndian.AppendUint16(out, uint16(sample))
	}
	return out
}

func TestEncodeWAV(t *testing.T) {
	pcm := sinePCM(8000, 0.1)

	wavData, err := EncodeWAV(pcm, 8000)
	require.NoError(t, err)

	assert.Len(t, wavData, 44+len(pcm))
	assert.NoError(t, ValidateWAV(wavData))
	assert.Equal(t, pcm, wavData[44:])

	info, err := GetWAVInfo(wavData)
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), info.SampleRate)
	assert.Equal(t, uint16(1), info.Channels)
	assert.Equal(t, uint16(16), info.BitsPerSample)
	assert.Equal(t, uint32(800), info.NumSamples)
	assert.InDelta(t, 0.1, info.Duration, 0.001)
}

func TestEncodeWAVDropsOddByte(t *testing.T) {
	wavData, err := EncodeWAV([]byte{1, 2, 3}, 16000)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, wavData[44:])
}

func TestEncodeWAVEmpty(t *testing.T) {
	_, err := EncodeWAV(nil, 8000)
	assert.Error(t, err)
}

func TestEncodeWAVInvalidSampleRate(t *testing.T) {
	for _, rate := range []int{0, -1} {
		_, err := EncodeWAV([]byte{0, 0}, rate)
		assert.Error(t, err, "sample rate %d", rate)
	}
}

func TestValidateWAV(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("RIFF")},
		{"missing RIFF", append([]byte("JUNK"), make([]byte, 40)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateWAV(tt.data))
		})
	}

	valid, err := EncodeWAV(make([]byte, 32), 16000)
	require.NoError(t, err)

	corrupt := append([]byte(nil), valid...)
	copy(corrupt[36:40], "xxxx")
	assert.Error(t, ValidateWAV(corrupt))
}
