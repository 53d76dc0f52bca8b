// Package stream keeps the registry of open streaming sessions on the server.
// Sessions carry per-connection counters for the HTTP API and are dropped after
// a period without audio.
package stream
