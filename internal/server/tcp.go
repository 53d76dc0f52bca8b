package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/ptt-speech-service/internal/metrics"
	"github.com/skypro1111/ptt-speech-service/internal/protocol"
)

// TCPServerConfig contains batch listener settings
type TCPServerConfig struct {
	Address        string
	MaxConnections int
}

// TCPServer accepts batch connections from devices and hands each one to the BatchHandler
type TCPServer struct {
	listener net.Listener
	config   TCPServerConfig
	logger   *slog.Logger
	handler  *BatchHandler
	limiter  *PeerLimiter
	metrics  *metrics.Metrics

	// Concurrency management
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	slots     chan struct{}
	conns     map[net.Conn]struct{}
	connsMu   sync.Mutex
	startTime time.Time

	// Statistics
	connectionsAccepted uint64
	connectionsRejected uint64
	rateLimited         uint64
	mu                  sync.RWMutex
}

// NewTCPServer creates a new TCP server instance
func NewTCPServer(cfg TCPServerConfig, handler *BatchHandler, limiter *PeerLimiter,
	m *metrics.Metrics, logger *slog.Logger) *TCPServer {

	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &TCPServer{
		config:  cfg,
		logger:  logger,
		handler: handler,
		limiter: limiter,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(chan struct{}, cfg.MaxConnections),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins listening for batch connections
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}

	s.listener = listener
	s.startTime = time.Now()

	s.logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_connections", s.config.MaxConnections),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the listening address, or nil before Start
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting connections and waits for in-flight exchanges to
// finish their recognition. When ctx is done first, running recognitions are
// cancelled and the remaining connections are closed.
func (s *TCPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping TCP server...")

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("Error closing TCP listener", slog.String("error", err.Error()))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout reached, closing open connections")
		s.cancel()
		s.connsMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()
		<-done
	}
	s.cancel()

	stats := s.GetStatistics()
	s.logger.Info("TCP server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("connections_rejected", stats.ConnectionsRejected),
		slog.Uint64("rate_limited", stats.RateLimited),
	)

	return nil
}

// acceptLoop is the main connection accepting loop
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}

			s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))
			select {
			case <-time.After(100 * time.Millisecond):
				continue
			case <-s.ctx.Done():
				return
			}
		}

		remote := conn.RemoteAddr().String()

		if s.limiter != nil && !s.limiter.Allow(remote) {
			s.mu.Lock()
			s.rateLimited++
			s.mu.Unlock()
			s.metrics.RecordConnectionRejected("rate_limited")

			s.logger.Warn("Connection rate limited", slog.String("remote_addr", remote))
			conn.Close()
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			s.mu.Lock()
			s.connectionsRejected++
			s.mu.Unlock()
			s.metrics.RecordConnectionRejected("overloaded")

			s.logger.Warn("Connection limit reached, rejecting",
				slog.String("remote_addr", remote),
				slog.Int("max_connections", s.config.MaxConnections),
			)
			s.wg.Add(1)
			go s.reject(conn)
			continue
		}

		s.mu.Lock()
		s.connectionsAccepted++
		s.mu.Unlock()
		s.metrics.RecordConnectionAccepted()

		s.track(conn, true)
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *TCPServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() { <-s.slots }()
	defer s.metrics.RecordConnectionClosed()
	defer s.track(conn, false)

	s.handler.Serve(s.ctx, conn)
}

// reject answers an over-limit connection with an error response without
// processing its request. Unread request bytes are drained briefly so the
// close does not reset the connection before the device reads the answer.
func (s *TCPServer) reject(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(time.Second))
	if err := protocol.WriteFrame(conn, protocol.EncodeError("server busy")); err != nil {
		return
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.CloseWrite()
	}
	io.Copy(io.Discard, io.LimitReader(conn, int64(protocol.DefaultMaxFrameSize)+protocol.LengthPrefixSize))
}

func (s *TCPServer) track(conn net.Conn, add bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		ConnectionsAccepted: s.connectionsAccepted,
		ConnectionsRejected: s.connectionsRejected,
		RateLimited:         s.rateLimited,
		ActiveConnections:   uint64(len(s.slots)),
		MaxConnections:      uint64(cap(s.slots)),
	}
}

// ServerStatistics represents batch server metrics
type ServerStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	RateLimited         uint64 `json:"rate_limited"`
	ActiveConnections   uint64 `json:"active_connections"`
	MaxConnections      uint64 `json:"max_connections"`
}
