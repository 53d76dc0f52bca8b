package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
	"github.com/skypro1111/ptt-speech-service/internal/protocol"
)

// ErrBusy is returned when an exchange or recording is already in progress
var ErrBusy = errors.New("client busy")

// TransportError reports a failed batch exchange. The client is Idle again when it is returned.
type TransportError struct {
	Op  string // "connect", "send", "receive" or "timeout"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// State of a batch client
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSending
	StateAwaitingResponse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaiting_response"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BatchConfig contains batch transport settings
type BatchConfig struct {
	Address         string        // host:port of the batch listener
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration // Base time allowed for the server to answer
	UploadRate      int           // Assumed upload speed in bytes/s, extends the deadline for large payloads
	MaxResponseSize uint32
}

// BatchStats represents batch client statistics
type BatchStats struct {
	State       string        `json:"state"`
	Exchanges   uint64        `json:"exchanges"`
	Failures    uint64        `json:"failures"`
	Timeouts    uint64        `json:"timeouts"`
	BytesSent   uint64        `json:"bytes_sent"`
	LastLatency time.Duration `json:"last_latency"`
}

// BatchClient sends one recording per TCP connection and waits for its transcript
type BatchClient struct {
	config BatchConfig
	logger *slog.Logger
	dialer net.Dialer

	state State

	exchanges   uint64
	failures    uint64
	timeouts    uint64
	bytesSent   uint64
	lastLatency time.Duration

	mu sync.Mutex
}

// NewBatchClient creates a batch transport client
func NewBatchClient(config BatchConfig, logger *slog.Logger) *BatchClient {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = 30 * time.Second
	}
	if config.UploadRate <= 0 {
		config.UploadRate = 16000
	}
	if config.MaxResponseSize == 0 {
		config.MaxResponseSize = 64 * 1024
	}

	return &BatchClient{
		config: config,
		logger: logger.With(slog.String("server", config.Address)),
		dialer: net.Dialer{Timeout: config.ConnectTimeout},
	}
}

// Deadline returns how long an exchange of a payloadSize byte recording may take
func (c *BatchClient) Deadline(payloadSize int64) time.Duration {
	return c.config.ResponseTimeout + time.Duration(payloadSize)*time.Second/time.Duration(c.config.UploadRate)
}

// Send transmits payload as one request frame and returns the interpreted response.
// Failures are not retried; the caller decides whether to record again.
func (c *BatchClient) Send(ctx context.Context, payload audio.Payload) (protocol.Response, error) {
	return c.SendNotify(ctx, payload, nil)
}

// SendNotify is Send with uploaded called once the whole request frame has been
// written and only the response is outstanding.
func (c *BatchClient) SendNotify(ctx context.Context, payload audio.Payload, uploaded func()) (protocol.Response, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return protocol.Response{}, ErrBusy
	}
	c.state = StateConnecting
	c.mu.Unlock()

	start := time.Now()
	resp, err := c.exchange(ctx, payload, uploaded)

	c.mu.Lock()
	c.state = StateIdle
	c.exchanges++
	if err != nil {
		c.failures++
		var te *TransportError
		if errors.As(err, &te) && te.Op == "timeout" {
			c.timeouts++
		}
	} else {
		c.bytesSent += uint64(payload.Len())
		c.lastLatency = time.Since(start)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Batch exchange failed",
			slog.Int64("bytes", payload.Len()),
			slog.String("error", err.Error()),
		)
		return protocol.Response{}, err
	}

	c.logger.Debug("Batch exchange complete",
		slog.Int64("bytes", payload.Len()),
		slog.Duration("latency", time.Since(start)),
	)

	return resp, nil
}

func (c *BatchClient) exchange(ctx context.Context, payload audio.Payload, uploaded func()) (protocol.Response, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		return protocol.Response{}, transportError("connect", err)
	}
	defer conn.Close()

	// Unblock pending I/O when the caller gives up
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(c.Deadline(payload.Len()))); err != nil {
		return protocol.Response{}, transportError("connect", err)
	}

	c.setState(StateSending)

	body, err := payload.Open()
	if err != nil {
		return protocol.Response{}, &TransportError{Op: "send", Err: err}
	}
	defer body.Close()

	if err := protocol.WriteFrameFrom(conn, body, payload.Len()); err != nil {
		return protocol.Response{}, c.ioError(ctx, "send", err)
	}

	c.setState(StateAwaitingResponse)
	if uploaded != nil {
		uploaded()
	}

	data, err := protocol.ReadFrame(conn, c.config.MaxResponseSize)
	if err != nil {
		return protocol.Response{}, c.ioError(ctx, "receive", err)
	}

	return protocol.ParseResponse(data), nil
}

func (c *BatchClient) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &TransportError{Op: op, Err: ctxErr}
	}
	return transportError(op, err)
}

func transportError(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Op: "timeout", Err: err}
	}
	return &TransportError{Op: op, Err: err}
}

func (c *BatchClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current client state
func (c *BatchClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns current client statistics
func (c *BatchClient) Stats() BatchStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return BatchStats{
		State:       c.state.String(),
		Exchanges:   c.exchanges,
		Failures:    c.failures,
		Timeouts:    c.timeouts,
		BytesSent:   c.bytesSent,
		LastLatency: c.lastLatency,
	}
}
