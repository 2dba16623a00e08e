package topics

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTopicNotFound is returned when a topic ID has no snapshot
	ErrTopicNotFound = errors.New("topic not found")

	// ErrInvalidID is returned for an empty topic ID
	ErrInvalidID = errors.New("invalid topic id")
)

// ContentChunk is one blurb/content pair appended to a topic
type ContentChunk struct {
	Blurb   string `json:"blurb"`
	Content string `json:"content"`
}

// Snapshot is the current state of one topic
type Snapshot struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Content     []ContentChunk `json:"content"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Store resolves and accumulates topic snapshots for one session
type Store interface {
	// Get returns the snapshot for id or ErrTopicNotFound
	Get(ctx context.Context, id string) (Snapshot, error)

	// Append adds a content chunk to the topic, creating it if needed.
	// A non-empty description replaces the stored one.
	Append(ctx context.Context, id, description string, chunk ContentChunk) error

	// List returns all topics in creation order
	List(ctx context.Context) ([]Snapshot, error)

	// Clear removes every topic
	Clear(ctx context.Context) error
}

func apply(s *Snapshot, description string, chunk ContentChunk, now time.Time) {
	if description != "" {
		s.Description = description
	}
	if chunk.Blurb != "" || chunk.Content != "" {
		s.Content = append(s.Content, chunk)
	}
	s.UpdatedAt = now
}
