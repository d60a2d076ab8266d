package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/untoldecay/workspace-state-core/internal/broadcast"
	"github.com/untoldecay/workspace-state-core/internal/coreerr"
	"github.com/untoldecay/workspace-state-core/internal/types"
)

// Dispatcher is the subset of dispatch.Dispatcher the Server depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error)
}

// Server listens on a Unix domain socket and routes decoded requests to a
// Dispatcher, adapted from the teacher's internal/rpc.Server (connection
// semaphore, per-request timeout, start time for health reporting).
type Server struct {
	socketPath     string
	dispatcher     Dispatcher
	bus            *broadcast.Bus
	logger         *slog.Logger
	listener       net.Listener
	startTime      time.Time
	maxConns       int
	connSemaphore  chan struct{}
	requestTimeout time.Duration

	mu       sync.Mutex
	shutdown bool

	nextConnID atomic.Int64
}

// Config holds the daemon-only RPC tunables spec §6 groups with socket path,
// max connections, and request timeout.
type Config struct {
	SocketPath     string
	MaxConns       int
	RequestTimeout time.Duration
}

// NewServer constructs a Server. Call Serve to accept connections.
func NewServer(cfg Config, dispatcher Dispatcher, bus *broadcast.Bus, logger *slog.Logger) *Server {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 100
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath:     cfg.SocketPath,
		dispatcher:     dispatcher,
		bus:            bus,
		logger:         logger,
		startTime:      time.Now(),
		maxConns:       cfg.MaxConns,
		connSemaphore:  make(chan struct{}, cfg.MaxConns),
		requestTimeout: cfg.RequestTimeout,
	}
}

// Serve binds the socket (removing any stale file first) and accepts
// connections until Shutdown is called. Blocks until the listener closes.
func (s *Server) Serve() error {
	_ = os.Remove(s.socketPath)
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.logger.Warn("chmod socket failed", "error", err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("rpc server listening", "socket", s.socketPath)

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.shutdown
			s.mu.Unlock()
			if down {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	s.shutdown = true
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		return l.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	select {
	case s.connSemaphore <- struct{}{}:
	default:
		s.logger.Warn("rpc connection refused: max connections reached")
		_ = conn.Close()
		return
	}
	defer func() { <-s.connSemaphore }()
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := conn.Write(append(data, '\n')); err != nil {
			return err
		}
		return nil
	}

	var subscriberID string
	if s.bus != nil {
		subscriberID = newSubscriberID(s.nextConnID.Add(1))
		s.bus.Subscribe(subscriberID, broadcast.SubscriberFunc(func(msg types.StateUpdated) {
			data, _ := json.Marshal(msg)
			_ = write(PushEnvelope{Type: PushStateUpdated, Data: data})
		}))
		defer s.bus.Unsubscribe(subscriberID)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = write(Response{Success: false, Error: "invalid request: " + err.Error()})
			continue
		}
		resp := s.handleRequest(req)
		if err := write(resp); err != nil {
			return
		}
	}
}

func (s *Server) handleRequest(req Request) Response {
	switch req.Operation {
	case OpPing:
		return Response{Success: true}
	case OpHealth:
		s.mu.Lock()
		down := s.shutdown
		s.mu.Unlock()
		status := statusHealthy
		if down {
			status = statusUnhealthy
		}
		data, _ := json.Marshal(HealthStatus{Status: status, Uptime: time.Since(s.startTime).Seconds()})
		return Response{Success: true, Data: data}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	data, err := s.dispatcher.Dispatch(ctx, req.Operation, req.Args)
	if err != nil {
		return Response{Success: false, Error: err.Error(), ErrKind: string(coreerr.KindOf(err))}
	}
	return Response{Success: true, Data: data}
}

func newSubscriberID(n int64) string {
	return "conn-" + strconv.FormatInt(n, 10)
}
