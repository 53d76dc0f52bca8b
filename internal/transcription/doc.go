// Package transcription turns recorded audio into text.
// It defines the Recognizer contract, an HTTP client for Whisper-compatible transcription APIs
// with retry logic and concurrency limiting, and an incremental adapter that produces
// partial and final results for streaming sessions.
package transcription
