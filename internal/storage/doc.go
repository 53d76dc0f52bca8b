// Package storage persists received recordings as WAV files in a capped rotation.
package storage
