// Package transcription turns a session's PCM audio into topic updates.
//
// The HTTP engine cuts the stream into utterances with voice activity
// detection, uploads each one as a WAV file to the transcription API
// (multipart, retry with exponential backoff, bounded concurrency), writes
// the returned topic updates into the session's topic store and publishes a
// ChunksProduced event per utterance.
package transcription
