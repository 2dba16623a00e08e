package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DecodeErrorKind classifies a payload decoding failure
type DecodeErrorKind int

const (
	// InvalidByteValue means an array element was not an integer in [0,255]
	InvalidByteValue DecodeErrorKind = iota + 1
	// InvalidBase64 means a string payload was not valid base64
	InvalidBase64
	// UnsupportedType means the payload was neither an array nor a string
	UnsupportedType
)

// String returns the kind name used in logs
func (k DecodeErrorKind) String() string {
	switch k {
	case InvalidByteValue:
		return "invalid_byte_value"
	case InvalidBase64:
		return "invalid_base64"
	case UnsupportedType:
		return "unsupported_type"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// DecodeError is returned by Decode for malformed audio payloads
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case InvalidByteValue:
		return fmt.Sprintf("invalid audio data values: %v", e.Err)
	case InvalidBase64:
		return fmt.Sprintf("invalid base64 data: %v", e.Err)
	default:
		if e.Err != nil {
			return fmt.Sprintf("invalid audio data format: %v", e.Err)
		}
		return "invalid audio data format"
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Chunk is one decoded unit of producer audio
type Chunk struct {
	Seq        uint64
	Data       []byte
	Format     Format
	ReceivedAt time.Time
}

// Decode converts an audio_chunk payload into raw bytes.
// The payload is either a JSON array of integers in [0,255] or a base64 string.
func Decode(payload json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Kind: UnsupportedType, Err: fmt.Errorf("missing data")}
	}

	switch trimmed[0] {
	case '[':
		var values []json.Number
		if err := json.Unmarshal(trimmed, &values); err != nil {
			return nil, &DecodeError{Kind: InvalidByteValue, Err: err}
		}
		ints := make([]int64, len(values))
		for i, v := range values {
			n, err := v.Int64()
			if err != nil {
				return nil, &DecodeError{Kind: InvalidByteValue, Err: fmt.Errorf("element %d: %q is not an integer", i, v.String())}
			}
			ints[i] = n
		}
		return DecodeValues(ints)

	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, &DecodeError{Kind: InvalidBase64, Err: err}
		}
		return DecodeBase64(s)

	default:
		return nil, &DecodeError{Kind: UnsupportedType, Err: fmt.Errorf("unexpected JSON value %.16q", string(trimmed))}
	}
}

// DecodeValues converts integer byte values into a byte buffer
func DecodeValues(values []int64) ([]byte, error) {
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, &DecodeError{Kind: InvalidByteValue, Err: fmt.Errorf("element %d: %d out of range [0,255]", i, v)}
		}
		out[i] = byte(v)
	}
	return out, nil
}

// DecodeBase64 decodes a standard base64 string, tolerating whitespace and missing padding
func DecodeBase64(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)

	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err == nil {
		return data, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, &DecodeError{Kind: InvalidBase64, Err: err}
}
