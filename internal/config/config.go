package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	Storage       StorageConfig       `yaml:"storage"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Client        ClientConfig        `yaml:"client"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains batch TCP server configuration
type ServerConfig struct {
	TCPPort        int     `yaml:"tcp_port" env:"SERVER_PORT"`
	BindAddress    string  `yaml:"bind_address" env:"SERVER_HOST"`
	MaxConnections int     `yaml:"max_connections"`
	ReadTimeout    int     `yaml:"read_timeout"`   // seconds
	MaxFrameSize   int     `yaml:"max_frame_size"` // bytes
	RateLimit      float64 `yaml:"rate_limit"`     // new connections per second per peer, 0 disables
	RateBurst      int     `yaml:"rate_burst"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" env:"HTTP_PORT"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains the PCM format shared by devices and server
type AudioConfig struct {
	SampleRate           int     `yaml:"sample_rate"`
	Channels             int     `yaml:"channels"`
	BitDepth             int     `yaml:"bit_depth"`
	MaxRecordingDuration float64 `yaml:"max_recording_duration"` // seconds
}

// StorageConfig contains rotation store configuration
type StorageConfig struct {
	Dir           string `yaml:"dir" env:"STORAGE_DIR"`
	MaxRecordings int    `yaml:"max_recordings"`
}

// TranscriptionConfig contains transcription API configuration.
// An empty endpoint runs the service in simulation mode.
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint" env:"TRANSCRIPTION_ENDPOINT"`
	APIKey        string `yaml:"api_key" env:"TRANSCRIPTION_API_KEY"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Prompt        string `yaml:"prompt"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format"`
}

// StreamingConfig contains server-side streaming session settings
type StreamingConfig struct {
	PartialInterval float64 `yaml:"partial_interval"` // seconds
	SessionTimeout  int     `yaml:"session_timeout"`  // seconds without audio before a session is dropped
	MaxSessions     int     `yaml:"max_sessions"`
}

// ClientConfig contains device settings used by the client simulator
type ClientConfig struct {
	ServerAddress    string  `yaml:"server_address" env:"CLIENT_SERVER_ADDRESS"`
	StreamURL        string  `yaml:"stream_url" env:"CLIENT_STREAM_URL"`
	ConnectTimeout   int     `yaml:"connect_timeout"`   // seconds
	ResponseTimeout  int     `yaml:"response_timeout"`  // seconds, before the size allowance
	UploadRate       int     `yaml:"upload_rate"`       // bytes per second assumed for the deadline
	ChunkInterval    float64 `yaml:"chunk_interval"`    // seconds
	ReconnectBackoff float64 `yaml:"reconnect_backoff"` // seconds
	MemoryBudget     int64   `yaml:"memory_budget"`     // bytes
	BufferDir        string  `yaml:"buffer_dir"`        // file-backed recording when set
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for any field a file leaves out
func Default() Config {
	return Config{
		Server: ServerConfig{
			TCPPort:        5000,
			BindAddress:    "0.0.0.0",
			MaxConnections: 64,
			ReadTimeout:    30,
			MaxFrameSize:   6000000,
			RateLimit:      5,
			RateBurst:      10,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:           16000,
			Channels:             1,
			BitDepth:             16,
			MaxRecordingDuration: 60,
		},
		Storage: StorageConfig{
			Dir:           "recordings",
			MaxRecordings: 5,
		},
		Transcription: TranscriptionConfig{
			Model:         "whisper-1",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
			OutputFormat:  "json",
		},
		Streaming: StreamingConfig{
			PartialInterval: 1,
			SessionTimeout:  300,
			MaxSessions:     32,
		},
		Client: ClientConfig{
			ServerAddress:    "localhost:5000",
			StreamURL:        "ws://localhost:8080/ws",
			ConnectTimeout:   10,
			ResponseTimeout:  30,
			UploadRate:       16000,
			ChunkInterval:    0.25,
			ReconnectBackoff: 3,
			MemoryBudget:     2 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cleanenv.UpdateEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Streaming.Validate(); err != nil {
		return fmt.Errorf("streaming config: %w", err)
	}

	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.TCPPort < 1 || s.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", s.TCPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1, got %d", s.MaxConnections)
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	if s.MaxFrameSize < 1024 {
		return fmt.Errorf("max_frame_size must be at least 1024 bytes, got %d", s.MaxFrameSize)
	}

	if s.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %f", s.RateLimit)
	}

	if s.RateLimit > 0 && s.RateBurst < 1 {
		return fmt.Errorf("rate_burst must be at least 1 when rate limiting is enabled, got %d", s.RateBurst)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if err := a.Format().Validate(); err != nil {
		return err
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.MaxRecordingDuration <= 0 {
		return fmt.Errorf("max_recording_duration must be positive, got %f", a.MaxRecordingDuration)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}

	if s.MaxRecordings < 1 {
		return fmt.Errorf("max_recordings must be at least 1, got %d", s.MaxRecordings)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint != "" {
		u, err := url.Parse(t.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("endpoint must be an http(s) URL, got '%s'", t.Endpoint)
		}
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	return nil
}

// Validate validates streaming configuration
func (s *StreamingConfig) Validate() error {
	if s.PartialInterval <= 0 {
		return fmt.Errorf("partial_interval must be positive, got %f", s.PartialInterval)
	}

	if s.SessionTimeout < 1 {
		return fmt.Errorf("session_timeout must be at least 1 second, got %d", s.SessionTimeout)
	}

	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	return nil
}

// Validate validates client configuration
func (c *ClientConfig) Validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server_address cannot be empty")
	}

	if u, err := url.Parse(c.StreamURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("stream_url must be a ws(s) URL, got '%s'", c.StreamURL)
	}

	if c.ConnectTimeout < 1 || c.ResponseTimeout < 1 {
		return fmt.Errorf("connect_timeout and response_timeout must be at least 1 second")
	}

	if c.UploadRate < 1 {
		return fmt.Errorf("upload_rate must be positive, got %d", c.UploadRate)
	}

	if c.ChunkInterval <= 0 {
		return fmt.Errorf("chunk_interval must be positive, got %f", c.ChunkInterval)
	}

	if c.ReconnectBackoff <= 0 {
		return fmt.Errorf("reconnect_backoff must be positive, got %f", c.ReconnectBackoff)
	}

	if c.MemoryBudget < 1 {
		return fmt.Errorf("memory_budget must be positive, got %d", c.MemoryBudget)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path

	return nil
}

// SlogLevel maps the configured level to a slog.Level
func (l *LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Format returns the configured PCM format
func (a *AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels, BitDepth: a.BitDepth}
}

// GetMaxRecordingDuration returns the recording ceiling as a time.Duration
func (a *AudioConfig) GetMaxRecordingDuration() time.Duration {
	return time.Duration(a.MaxRecordingDuration * float64(time.Second))
}

// GetReadTimeoutDuration returns the request read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// Simulated reports whether no transcription endpoint is configured
func (t *TranscriptionConfig) Simulated() bool {
	return t.Endpoint == ""
}

// GetPartialInterval returns the partial result interval as a time.Duration
func (s *StreamingConfig) GetPartialInterval() time.Duration {
	return time.Duration(s.PartialInterval * float64(time.Second))
}

// GetSessionTimeoutDuration returns the idle session timeout as a time.Duration
func (s *StreamingConfig) GetSessionTimeoutDuration() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// GetConnectTimeoutDuration returns the client connect timeout as a time.Duration
func (c *ClientConfig) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// GetResponseTimeoutDuration returns the client base response timeout as a time.Duration
func (c *ClientConfig) GetResponseTimeoutDuration() time.Duration {
	return time.Duration(c.ResponseTimeout) * time.Second
}

// GetChunkInterval returns the streaming chunk interval as a time.Duration
func (c *ClientConfig) GetChunkInterval() time.Duration {
	return time.Duration(c.ChunkInterval * float64(time.Second))
}

// GetReconnectBackoff returns the streaming reconnect delay as a time.Duration
func (c *ClientConfig) GetReconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectBackoff * float64(time.Second))
}
