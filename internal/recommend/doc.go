// Package recommend generates conversational recommendations for topics.
//
// The client speaks the OpenAI-compatible chat-completions API: it builds a
// prompt from topic snapshots, throttles requests with a token bucket,
// retries transient failures and parses the reply (optionally wrapped in a
// ```json fence) into a topic ID to recommendations map.
package recommend
