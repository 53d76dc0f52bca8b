// Package protocol implements the wire formats exchanged between the device and the server.
// It covers the length-prefixed batch frame (4-byte little-endian length + payload),
// the text conventions carried in batch response payloads, and the JSON messages used
// on the streaming connection.
package protocol
