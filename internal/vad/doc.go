// Package vad provides energy-based voice activity detection over fixed-size
// windows of 16-bit PCM samples. Results are smoothed across windows and
// compared with a configurable threshold.
package vad
