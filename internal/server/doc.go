// Package server implements the network side of the speech service.
//
// TCPServer accepts batch connections: each carries one length-prefixed PCM
// recording and receives one length-prefixed transcript. StreamHandler serves
// the WebSocket endpoint, relaying audio chunks to an incremental recognizer
// and transcript events back to the device. HTTPServer exposes health,
// statistics, recordings and Prometheus metrics next to the streaming route.
//
// Every received recording is written to the rotation store before it is
// transcribed; a failed write is logged and does not affect the response.
package server
