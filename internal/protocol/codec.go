package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type *Type `json:"type"`
}

// Parse decodes one inbound text frame
func Parse(frame []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &Error{Kind: KindProtocol, Message: "Invalid JSON", Err: err}
	}

	if env.Type == nil {
		return nil, ProtocolErrorf("Missing message type")
	}

	var msg Inbound
	switch *env.Type {
	case TypeRegisterClient:
		var m RegisterClient
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, fieldError(*env.Type, err)
		}
		msg = m

	case TypeAudioChunk:
		var m AudioChunk
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, fieldError(*env.Type, err)
		}
		msg = m

	case TypeGetRecommendations:
		msg = GetRecommendations{}

	case TypeClearAudioChunks:
		msg = ClearAudioChunks{}

	case TypeToggleAudioPlayback:
		var m ToggleAudioPlayback
		if err := json.Unmarshal(frame, &m); err != nil {
			return nil, fieldError(*env.Type, err)
		}
		msg = m

	default:
		return nil, ProtocolErrorf("Unknown message type: %s", *env.Type)
	}

	return msg, nil
}

func fieldError(t Type, err error) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf("Invalid %s message", t), Err: err}
}

// Encode serializes an outbound event with its type tag and timestamp (ms)
func Encode(msg Outbound, timestamp int64) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Type(), err)
	}

	head, err := json.Marshal(struct {
		Type      Type  `json:"type"`
		Timestamp int64 `json:"timestamp"`
	}{msg.Type(), timestamp})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	// Splice the envelope fields in front of the message fields
	body = bytes.TrimPrefix(body, []byte("{"))
	if len(body) == 0 || body[0] == '}' {
		return head, nil
	}

	var buf bytes.Buffer
	buf.Grow(len(head) + len(body) + 1)
	buf.Write(head[:len(head)-1])
	buf.WriteByte(',')
	buf.Write(body)
	return buf.Bytes(), nil
}
