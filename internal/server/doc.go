// Package server exposes the relay over HTTP: the websocket endpoint that
// feeds connections into session hubs, and the monitoring API (health,
// sessions, stats, sanitized config and Prometheus metrics).
package server
