// Package topics stores the per-session topic snapshots produced by the
// transcription pipeline. Each topic keeps its latest description and an
// append-only, chronological stack of content chunks.
//
// Two implementations are provided: an in-memory store and a Redis-backed
// store whose keys expire after a TTL.
package topics
