// Package stream moves producer audio from the websocket into the
// transcription engine.
//
// The inline adapter feeds each chunk from the caller's goroutine. The
// background adapter takes over reading the producer's transport: a reader
// goroutine decodes audio frames into a bounded queue and a drain goroutine
// feeds the engine. Frames that are not audio are handed back to the caller.
package stream
