package ctlsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	portmon "github.com/luhtfiimanal/go-linux-portmon"
	"github.com/luhtfiimanal/go-linux-portmon/internal/codec"
)

// writeTimeout is how long we wait for a response to be written.
const writeTimeout = 10 * time.Second

// Server exposes a Monitor's control channel on a Unix socket.
//
// Every connection is one listener: it is opened when the client connects and
// closed, with all of its subscriptions, when the client goes away. Requests
// on a connection are handled one at a time in arrival order, so a parked
// GetEventInfo holds back later requests from the same client, just as a
// sequential control queue would.
type Server struct {
	socketPath string
	monitor    *portmon.Monitor
	logger     *slog.Logger

	// activeConnections tracks connection handlers for graceful shutdown.
	activeConnections sync.WaitGroup
}

// NewServer creates a server that will listen on socketPath.
func NewServer(socketPath string, monitor *portmon.Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		socketPath: socketPath,
		monitor:    monitor,
		logger:     logger,
	}
}

// Serve accepts connections until ctx is cancelled, then closes every open
// connection and waits for their handlers to return.
//
// Any existing socket file at the configured path is removed before
// listening. The socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection serves one listener for the lifetime of conn.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	encoder := codec.NewEncoder(conn)

	listener, err := s.monitor.Connect()
	if err != nil {
		s.logger.Warn("rejecting connection", "error", err)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		encoder.Encode(Response{Code: CodeClosed, Error: err.Error()})
		return
	}
	defer listener.Close()
	logger := s.logger.With("listener", listener.ID())
	logger.Debug("listener connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The decoder runs on its own goroutine so that a client hanging up
	// while a request is parked cancels connCtx and releases it.
	requests := make(chan Request)
	go func() {
		defer cancel()
		decoder := codec.NewDecoder(conn)
		for {
			var request Request
			if err := decoder.Decode(&request); err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					logger.Debug("decoding request", "error", err)
				}
				return
			}
			select {
			case requests <- request:
			case <-connCtx.Done():
				return
			}
		}
	}()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		var request Request
		select {
		case request = <-requests:
		case <-connCtx.Done():
			return
		}

		op := portmon.Op(request.Op)
		output, err := listener.Dispatch(connCtx, op, request.Input, request.NonBlocking)
		if err != nil && connCtx.Err() != nil {
			return
		}

		response := Response{OK: err == nil, Output: output}
		if err != nil {
			response.Code = codeFor(err)
			response.Error = err.Error()
			logger.Debug("request failed", "op", op, "error", err)
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := encoder.Encode(response); err != nil {
			logger.Debug("writing response", "op", op, "error", err)
			return
		}
	}
}
