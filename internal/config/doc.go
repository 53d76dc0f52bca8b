// Package config provides configuration loading and validation for the push-to-talk speech service.
// Values come from a YAML file layered over Default, with environment overrides for
// secrets and endpoints (TRANSCRIPTION_API_KEY, TRANSCRIPTION_ENDPOINT, SERVER_HOST, ...).
package config
