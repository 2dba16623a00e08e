package protocol

import (
	"encoding/json"
)

// Type is the value of the "type" field carried by every message
type Type string

// Inbound message types
const (
	TypeRegisterClient      Type = "register_client"
	TypeAudioChunk          Type = "audio_chunk"
	TypeGetRecommendations  Type = "get_recommendations"
	TypeClearAudioChunks    Type = "clear_audio_chunks"
	TypeToggleAudioPlayback Type = "toggle_audio_playback"
)

// Outbound message types
const (
	TypeWelcome             Type = "welcome"
	TypeConnected           Type = "connected"
	TypeData                Type = "data"
	TypeAudioAck            Type = "audio_ack"
	TypeAudioChunksCleared  Type = "audio_chunks_cleared"
	TypeAudioPlaybackStatus Type = "audio_playback_status"
	TypeError               Type = "error"
	TypeServerShutdown      Type = "server_shutdown"
)

// Client types declared in register_client
const (
	ClientTypeSite  = "site"
	ClientTypePhone = "phone"
)

// Ack statuses
const (
	AckReceived = "received"
	AckDropped  = "dropped"
)

// Inbound is a message received from a client. The set of implementations is
// closed; callers switch on the concrete type.
type Inbound interface {
	Type() Type
	inbound()
}

// RegisterClient declares the sender's role
type RegisterClient struct {
	ClientType string `json:"client_type"`
}

// AudioChunk carries one piece of producer audio. Data is either an array of
// byte values or a base64 string; Timestamp is echoed back as the chunk id.
type AudioChunk struct {
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// GetRecommendations asks for the current topic and recommendation snapshot
type GetRecommendations struct{}

// ClearAudioChunks discards retained and pending audio
type ClearAudioChunks struct{}

// ToggleAudioPlayback sets playback retention; a nil Enabled toggles it
type ToggleAudioPlayback struct {
	Enabled *bool `json:"enabled,omitempty"`
}

func (RegisterClient) Type() Type      { return TypeRegisterClient }
func (AudioChunk) Type() Type          { return TypeAudioChunk }
func (GetRecommendations) Type() Type  { return TypeGetRecommendations }
func (ClearAudioChunks) Type() Type    { return TypeClearAudioChunks }
func (ToggleAudioPlayback) Type() Type { return TypeToggleAudioPlayback }

func (RegisterClient) inbound()      {}
func (AudioChunk) inbound()          {}
func (GetRecommendations) inbound()  {}
func (ClearAudioChunks) inbound()    {}
func (ToggleAudioPlayback) inbound() {}

// Outbound is an event sent to a client. The timestamp is assigned by the
// dispatcher at send time.
type Outbound interface {
	Type() Type
	outbound()
}

// Welcome is sent on every new connection
type Welcome struct {
	Message string `json:"message"`
}

// Connected confirms a registration
type Connected struct {
	ClientID   string `json:"client_id,omitempty"`
	ClientType string `json:"client_type"`
	Message    string `json:"message"`
}

// ContentChunk is one blurb/content pair of a topic's content stack
type ContentChunk struct {
	Blurb   string `json:"blurb"`
	Content string `json:"content"`
}

// Topic is one entry of a data event
type Topic struct {
	TopicKey        string         `json:"topic_key"`
	TopicSummary    string         `json:"topic_summary"`
	ContentStack    []ContentChunk `json:"content_stack"`
	Recommendations []string       `json:"recommendations"`
}

// Payload is the body of a data event
type Payload struct {
	Topics []Topic `json:"topics"`
}

// Data pushes a consolidated topic and recommendation snapshot
type Data struct {
	Data Payload `json:"data"`
}

// AudioAck acknowledges one audio_chunk
type AudioAck struct {
	ChunkID     json.RawMessage `json:"chunk_id"`
	Status      string          `json:"status"`
	AudioFormat string          `json:"audio_format"`
	ChunkSize   int             `json:"chunk_size"`
}

// AudioChunksCleared reports how many retained chunks were discarded
type AudioChunksCleared struct {
	ChunksCleared int `json:"chunks_cleared"`
}

// AudioPlaybackStatus reports the playback retention flag
type AudioPlaybackStatus struct {
	Enabled bool `json:"enabled"`
}

// ErrorEvent reports a failure to the sender
type ErrorEvent struct {
	Message string `json:"message"`
}

// ServerShutdown is sent to every connection before close
type ServerShutdown struct {
	Message string `json:"message"`
}

func (Welcome) Type() Type             { return TypeWelcome }
func (Connected) Type() Type           { return TypeConnected }
func (Data) Type() Type                { return TypeData }
func (AudioAck) Type() Type            { return TypeAudioAck }
func (AudioChunksCleared) Type() Type  { return TypeAudioChunksCleared }
func (AudioPlaybackStatus) Type() Type { return TypeAudioPlaybackStatus }
func (ErrorEvent) Type() Type          { return TypeError }
func (ServerShutdown) Type() Type      { return TypeServerShutdown }

func (Welcome) outbound()             {}
func (Connected) outbound()           {}
func (Data) outbound()                {}
func (AudioAck) outbound()            {}
func (AudioChunksCleared) outbound()  {}
func (AudioPlaybackStatus) outbound() {}
func (ErrorEvent) outbound()          {}
func (ServerShutdown) outbound()      {}
