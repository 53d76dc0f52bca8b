package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
)

// Client recognizes speech through a Whisper-compatible HTTP transcription API
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains transcription client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Model         string
	Language      string
	Prompt        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	MaxDuration   time.Duration // Longest utterance the API accepts
	RetryBackoff  time.Duration // First retry delay, doubled on each attempt
	OutputFormat  string        // "json" or "text"
}

// transcriptionResponse is the JSON body returned by the API
type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// NewClient creates a new transcription HTTP client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.MaxDuration <= 0 {
		config.MaxDuration = 60 * time.Second
	}

	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}

	if config.OutputFormat == "" {
		config.OutputFormat = "json"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Recognize sends one utterance for transcription.
// Retryable failures are retried with exponential backoff.
func (c *Client) Recognize(ctx context.Context, pcm []byte, f audio.Format) (string, error) {
	if d := f.Duration(int64(len(pcm))); d > c.config.MaxDuration {
		return "", &TranscriptionError{
			Op:  "recognize",
			Err: fmt.Errorf("%w: %v > %v", ErrAudioTooLong, d, c.config.MaxDuration),
		}
	}

	wav, err := audio.EncodeWAV(pcm, f)
	if err != nil {
		return "", &TranscriptionError{Op: "encode", Err: err}
	}

	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return "", &TranscriptionError{Op: "recognize", Err: ctx.Err()}
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryBackoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.incrementFailedRequests()
				return "", &TranscriptionError{Op: "recognize", Err: ctx.Err()}
			}
		}

		text, err := c.doRequest(ctx, wav)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return strings.TrimSpace(text), nil
		}

		lastErr = err

		if !IsRetryable(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return "", lastErr
}

// doRequest performs a single HTTP request to the transcription API
func (c *Client) doRequest(ctx context.Context, wav []byte) (string, error) {
	body, contentType, err := c.createMultipartRequest(wav)
	if err != nil {
		return "", &TranscriptionError{Op: "request", Err: fmt.Errorf("failed to create multipart request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return "", &TranscriptionError{Op: "request", Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "PTT-Speech-Service/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &TranscriptionError{Op: "request", Retryable: isNetworkError(err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TranscriptionError{Op: "request", Retryable: true, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(resp.StatusCode, respBody)
	}

	if c.config.OutputFormat == "text" {
		return string(respBody), nil
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &TranscriptionError{Op: "decode", Err: fmt.Errorf("failed to parse response JSON: %w", err)}
	}

	if parsed.Error != nil {
		return "", &TranscriptionError{Op: "recognize", Err: fmt.Errorf("%w: %s", ErrUnintelligible, parsed.Error.Message)}
	}

	return parsed.Text, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *Client) createMultipartRequest(wav []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(wav); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"response_format": c.config.OutputFormat,
	}

	if c.config.Model != "" {
		fields["model"] = c.config.Model
	}
	if c.config.Language != "" {
		fields["language"] = c.config.Language
	}
	if c.config.Prompt != "" {
		fields["prompt"] = c.config.Prompt
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// statusError maps an HTTP error status to a TranscriptionError
func statusError(status int, body []byte) error {
	detail := fmt.Errorf("HTTP error %d: %s", status, strings.TrimSpace(string(body)))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &TranscriptionError{Op: "request", Err: fmt.Errorf("%w: %v", ErrNoCredentials, detail)}
	case status == http.StatusTooManyRequests:
		// Rate limiting is retryable
		return &TranscriptionError{Op: "request", Retryable: true, Err: fmt.Errorf("%w: %v", ErrQuotaExceeded, detail)}
	case status >= 500:
		return &TranscriptionError{Op: "request", Retryable: true, Err: detail}
	case status == http.StatusUnprocessableEntity:
		return &TranscriptionError{Op: "request", Err: fmt.Errorf("%w: %v", ErrUnintelligible, detail)}
	default:
		return &TranscriptionError{Op: "request", Err: detail}
	}
}

// isNetworkError reports whether a transport failure is worth retrying
func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests to finish
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}

	c.httpClient.CloseIdleConnections()
	return nil
}
