// Package session implements the per-session relay: a hub goroutine that owns
// the role registry, recommendation set and playback record, the connection
// pumps that feed it, the outbound dispatcher and the shutdown coordinator.
//
// A Manager keys hubs by session id, creates them on first connection and
// reaps the ones left without connections.
package session
