package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
)

// --- Unix socket ---

// ListenUnix binds a Unix domain socket at path, removing a stale socket
// file left by a previous run.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path) //nolint:noctx // UDS bind is instant
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return ln, nil
}

// ServeListener accepts connections until ctx is cancelled and serves each
// one as a line stream. The listener is closed on return.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.Close() }()

	// Unblock the reader when the server shuts down.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if err := s.Serve(ctx, conn, conn); err != nil && ctx.Err() == nil {
		s.logger.Debug("connection closed", "error", err)
	}
}

// --- WebSocket ---

// WebSocketHandler returns an http.Handler that upgrades each request to a
// WebSocket. Every text frame is treated as one line; each response is sent
// as its own text frame.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Local tool clients connect without an Origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade", "error", err)
			return
		}
		s.serveWebSocket(ctx, conn)
	})
}

func (s *Server) serveWebSocket(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(MaxLineSize)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	defer wg.Wait()

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.HandleLine(ctx, msg)
			if resp == nil {
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
				s.logger.Debug("websocket write", "error", err)
			}
		}()
	}
}
