// Package audio handles raw PCM capture on the device side.
// It provides recording buffers that hold one utterance between button press and release,
// chunk sources that stand in for the microphone, and WAV encoding for persistence.
package audio
