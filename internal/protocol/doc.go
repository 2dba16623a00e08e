// Package protocol defines the JSON messages exchanged with producer and
// consumer websocket clients. Inbound frames are parsed into a closed set of
// message types; outbound events are encoded with their type tag and a
// millisecond timestamp.
package protocol
