// Package client implements the device side of push-to-talk speech recognition.
// Recorder captures an utterance and sends it through BatchClient over the framed TCP protocol;
// StreamingSession sends audio continuously over a websocket and shows transcripts as they arrive.
package client
