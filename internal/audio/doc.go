// Package audio normalizes inbound audio payloads and buffers them for transcription.
// It decodes integer-array and base64 payloads, sniffs container formats, strips
// common file headers, queues chunks under a bounded capacity, cuts PCM into
// utterance segments and wraps PCM windows as WAV for upload.
package audio
