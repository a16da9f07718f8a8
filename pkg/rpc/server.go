package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// MaxLineSize is the longest line Serve accepts. Longer lines are answered
// with a parse error and skipped.
const MaxLineSize = 4 * 1024 * 1024

// Handler executes one method. params is the raw "params" member, nil when
// absent. The returned value is encoded as the result.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches JSON-RPC requests to registered handlers.
type Server struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServer creates a server with no methods.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger.With("component", "rpc"),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a method name, replacing any previous one.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

func (s *Server) handler(method string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[method]
	return h, ok
}

// --- Stream serving ---

// Serve reads newline-delimited messages from r and writes responses to w,
// one per line. Each line is handled in its own goroutine; writes are
// serialized. Serve returns when r is exhausted and every in-flight request
// has been answered, or when ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := &lineWriter{w: w}
	var wg sync.WaitGroup
	defer wg.Wait()

	lines := make(chan inputLine)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		br := bufio.NewReaderSize(r, 64*1024)
		for {
			line, err := readLine(br)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					scanErr <- err
				}
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("rpc: read: %w", err)
					}
				default:
				}
				return nil
			}
			if line.tooLong {
				s.logger.Warn("input line over limit", "limit", MaxLineSize)
				if err := out.writeLine(parseErrorLine); err != nil {
					s.logger.Warn("write response", "error", err)
				}
				continue
			}
			if len(bytes.TrimSpace(line.data)) == 0 {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if resp := s.HandleLine(ctx, line.data); resp != nil {
					if err := out.writeLine(resp); err != nil {
						s.logger.Warn("write response", "error", err)
					}
				}
			}()
		}
	}
}

// inputLine is one line of input without its newline. An oversized line
// carries no data.
type inputLine struct {
	data    []byte
	tooLong bool
}

// readLine returns the next line. A line over MaxLineSize is consumed to its
// newline without being kept. The last line may lack a newline; io.EOF comes
// only once nothing is left.
func readLine(br *bufio.Reader) (inputLine, error) {
	var line inputLine
	read := false
	for {
		chunk, err := br.ReadSlice('\n')
		read = read || len(chunk) > 0
		if !line.tooLong {
			line.data = append(line.data, chunk...)
			// +2 leaves room for "\r\n".
			if len(line.data) > MaxLineSize+2 {
				line.data, line.tooLong = nil, true
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && read:
		default:
			return inputLine{}, err
		}
		break
	}

	line.data = bytes.TrimSuffix(line.data, []byte("\n"))
	line.data = bytes.TrimSuffix(line.data, []byte("\r"))
	if len(line.data) > MaxLineSize {
		line.data, line.tooLong = nil, true
	}
	return line, nil
}

// lineWriter serializes whole-line writes.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) writeLine(b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, '\n')
	_, err := l.w.Write(buf)
	return err
}

// --- Message handling ---

var (
	parseErrorLine = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`)
	emptyBatchLine = []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"Invalid Request: empty batch"}}`)
)

// HandleLine processes one line and returns the bytes to write, without the
// trailing newline, or nil when nothing should be written.
func (s *Server) HandleLine(ctx context.Context, line []byte) []byte {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	if !json.Valid(line) {
		return parseErrorLine
	}

	if line[0] != '[' {
		resp := s.handleOne(ctx, line)
		if resp == nil {
			return nil
		}
		return s.encode(resp)
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(line, &batch); err != nil {
		return parseErrorLine
	}
	if len(batch) == 0 {
		return emptyBatchLine
	}

	responses := make([]*response, len(batch))
	var wg sync.WaitGroup
	for i, candidate := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = s.handleOne(ctx, candidate)
		}()
	}
	wg.Wait()

	out := make([]*response, 0, len(responses))
	for _, r := range responses {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return s.encode(out)
}

func (s *Server) encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		b, _ = json.Marshal(errorResponse(nil, &Error{Code: CodeInternalError, Message: "Internal error"}))
	}
	return b
}

// handleOne validates and executes a single candidate. It returns nil for a
// notification.
func (s *Server) handleOne(ctx context.Context, raw json.RawMessage) *response {
	req, invalid := parseRequest(raw)
	if invalid != nil {
		return invalid
	}

	result, rpcErr := s.call(ctx, req)
	if !req.hasID {
		if rpcErr != nil {
			s.logger.Debug("notification failed", "method", req.method, "code", rpcErr.Code, "error", rpcErr.Message)
		}
		return nil
	}
	if rpcErr != nil {
		return errorResponse(req.id, rpcErr)
	}
	resp, err := resultResponse(req.id, result)
	if err != nil {
		return errorResponse(req.id, &Error{Code: CodeInternalError, Message: err.Error()})
	}
	return resp
}

func (s *Server) call(ctx context.Context, req *request) (result any, rpcErr *Error) {
	h, ok := s.handler(req.method)
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: "Method not found: " + req.method}
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("handler panic", "method", req.method, "panic", p)
			result, rpcErr = nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("internal error: %v", p)}
		}
	}()

	result, err := h(ctx, req.params)
	s.logger.Debug("rpc call", "method", req.method, "duration", time.Since(start), "error", err)
	if err != nil {
		return nil, toError(err)
	}
	return result, nil
}
