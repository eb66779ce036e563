package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/wopr-dev/wopr-acp/bridge"
	"github.com/wopr-dev/wopr-acp/editor"
	"github.com/wopr-dev/wopr-acp/errors"
	"github.com/wopr-dev/wopr-acp/session"
)

// Static server identity reported by initialize.
const (
	ServerName    = "wopr-acp"
	ServerVersion = "0.2.0"
)

// Engine lifecycle states.
const (
	stateIdle = iota
	stateListening
	stateClosed
)

// Options configures a Server.
type Options struct {
	// DefaultSession names the backend session family minted ids derive
	// from. Defaults to "wopr".
	DefaultSession string
	// Hidden holds doublestar glob patterns; matching file paths have
	// their content withheld from formatted context.
	Hidden []string
	// Trace receives debug lines. Nil disables tracing. Trace output must
	// never go to the protocol stream.
	Trace func(string)
	// Store overrides the engine-owned context store, for hosts that share
	// editor state between engine instances.
	Store *editor.Store
}

// Server is one protocol engine instance: it consumes newline-delimited
// JSON-RPC frames from in, dispatches them, and emits response and
// notification frames to out. All mutable state is owned by the instance;
// several servers can coexist in one process.
type Server struct {
	bridge   bridge.Bridge
	store    *editor.Store
	sessions *session.Table
	hidden   []string
	trace    func(string)

	in  io.Reader
	out io.Writer

	// writeMu serializes frame writes so concurrent turn goroutines never
	// interleave partial lines.
	writeMu sync.Mutex

	mu          sync.Mutex
	state       int
	initialized bool
	ctx         context.Context

	bufMu sync.Mutex
	buf   lineBuffer

	done chan struct{}
}

// NewServer creates an idle engine. in may be nil when the host feeds
// chunks through Receive itself.
func NewServer(b bridge.Bridge, in io.Reader, out io.Writer, opts Options) *Server {
	if opts.DefaultSession == "" {
		opts.DefaultSession = "wopr"
	}
	trace := opts.Trace
	if trace == nil {
		trace = func(string) {}
	}
	store := opts.Store
	if store == nil {
		store = editor.NewStore()
	}
	return &Server{
		bridge:   b,
		store:    store,
		sessions: session.NewTable(opts.DefaultSession),
		hidden:   opts.Hidden,
		trace:    trace,
		in:       in,
		out:      out,
		done:     make(chan struct{}),
	}
}

// Run drives a fresh engine over in/out until the input stream ends or ctx
// is cancelled.
func Run(ctx context.Context, b bridge.Bridge, in io.Reader, out io.Writer, opts Options) error {
	s := NewServer(b, in, out, opts)
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.Wait()
	return nil
}

// Start moves the engine from idle to listening and, when an input stream
// was supplied, begins consuming it.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return errors.New("engine already started")
	}
	s.state = stateListening
	s.ctx = ctx
	s.mu.Unlock()

	s.trace("Start: engine listening")
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = s.Close()
			case <-s.done:
			}
		}()
	}
	if s.in != nil {
		go s.readLoop()
	}
	return nil
}

// Wait blocks until the engine is closed.
func (s *Server) Wait() {
	<-s.done
}

// Close moves the engine to its terminal state: all session bindings are
// dropped, tracked editor context is cleared, and every later send is
// suppressed. Idempotent.
func (s *Server) Close() error {
	// Taking writeMu here makes close ordered with the write path: an
	// in-flight frame finishes before the state flips, and any write
	// attempted afterwards observes the closed state.
	s.writeMu.Lock()
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		s.writeMu.Unlock()
		return nil
	}
	s.state = stateClosed
	s.mu.Unlock()
	s.writeMu.Unlock()

	for _, id := range s.sessions.ClientIDs() {
		s.store.Clear(id)
	}
	s.sessions.Clear()
	close(s.done)
	s.trace("Close: engine closed")
	return nil
}

func (s *Server) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// readLoop consumes raw chunks from the input stream. The loop keeps
// reading after Close so late input is still parsed; silence is enforced
// on the write side.
func (s *Server) readLoop() {
	defer func() { _ = s.Close() }()
	chunk := make([]byte, 4096)
	for {
		n, err := s.in.Read(chunk)
		if n > 0 {
			s.Receive(chunk[:n])
		}
		if err != nil {
			if err != io.EOF {
				s.trace(fmt.Sprintf("readLoop: read error: %v", err))
			}
			return
		}
	}
}

// Receive feeds one chunk of input to the engine. A chunk may hold any
// number of complete frames plus a trailing partial one; complete frames
// dispatch immediately in order of appearance.
func (s *Server) Receive(chunk []byte) {
	s.bufMu.Lock()
	lines := s.buf.split(chunk)
	s.bufMu.Unlock()
	for _, line := range lines {
		s.dispatch(line)
	}
}

// dispatch handles one candidate line. Nothing thrown inside a frame may
// take the engine down: failures become error frames and processing of
// later frames continues.
func (s *Server) dispatch(line []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.trace(fmt.Sprintf("dispatch: recovered: %v", r))
			s.writeResponseError(nil, CodeInternalError, fmt.Sprintf("%v", r))
		}
	}()

	raw, ok := Decode(line)
	if !ok {
		if len(bytes.TrimSpace(line)) == 0 {
			// Whitespace-only lines are not frames.
			return
		}
		s.trace(fmt.Sprintf("dispatch: parse error on line: %s", line))
		s.writeResponseError(nil, CodeParseError, "Parse error")
		return
	}

	var req jsonrpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		// Valid JSON, but not a request envelope.
		s.writeResponseError(nil, CodeInvalidRequest, "Invalid request")
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeResponseError(req.ID, CodeInvalidRequest, `Invalid request: jsonrpc must be "2.0"`)
		return
	}

	s.trace(fmt.Sprintf("dispatch: method=%s id=%v", req.Method, req.ID))
	switch req.Method {
	case "initialize":
		s.handleInitialize(&req)
	case "chat/message":
		s.handleChatMessage(&req)
	case "chat/cancel":
		s.handleChatCancel(&req)
	case "context/update":
		s.handleContextUpdate(&req)
	default:
		s.writeResponseError(req.ID, CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}
}

// requireInitialized enforces the handshake gate for every method except
// initialize.
func (s *Server) requireInitialized(req *jsonrpcRequest) bool {
	s.mu.Lock()
	ok := s.initialized
	s.mu.Unlock()
	if !ok {
		s.writeResponseError(req.ID, CodeInvalidRequest, "Not initialized")
	}
	return ok
}

// ---- Handlers ----

func (s *Server) handleInitialize(req *jsonrpcRequest) {
	var p initializeParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.writeResponseError(req.ID, CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err))
		return
	}
	if err := p.validate(); err != nil {
		s.writeResponseError(req.ID, CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err))
		return
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	s.trace(fmt.Sprintf("handleInitialize: client=%s/%s protocol=%s", p.ClientInfo.Name, p.ClientInfo.Version, p.ProtocolVersion))
	s.writeResponseOK(req.ID, map[string]any{
		"protocolVersion": p.ProtocolVersion,
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
		"capabilities": map[string]any{
			"context":   true,
			"streaming": true,
		},
	})
}

func (s *Server) handleChatMessage(req *jsonrpcRequest) {
	if !s.requireInitialized(req) {
		return
	}
	var p chatParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.writeResponseError(req.ID, CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err))
		return
	}
	if err := p.validate(); err != nil {
		s.writeResponseError(req.ID, CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err))
		return
	}

	clientID, backendID := s.sessions.Resolve(p.SessionID)
	s.trace(fmt.Sprintf("handleChatMessage: session %s -> %s", clientID, backendID))

	var stored *editor.Context
	if c, ok := s.store.Get(clientID); ok {
		stored = &c
	}
	message := p.Message
	if formatted := editor.Format(p.Context, stored, editor.FormatOptions{Hidden: s.hidden}); formatted != "" {
		message = formatted + "\n\n" + p.Message
	}

	// The bridge call is the suspension point: it runs on its own goroutine
	// so a slow turn never stalls dispatch of later frames.
	go s.runChatTurn(req.ID, clientID, backendID, message)
}

func (s *Server) runChatTurn(id any, clientID, backendID, message string) {
	defer func() {
		if r := recover(); r != nil {
			s.trace(fmt.Sprintf("runChatTurn: recovered: %v", r))
			s.writeResponseError(id, CodeInternalError, fmt.Sprintf("%v", r))
		}
	}()

	res, err := s.bridge.ChatTurn(s.context(), backendID, message, bridge.TurnOptions{
		Silent: true,
		From:   "acp",
		OnDelta: func(d bridge.Delta) {
			if d.Kind != bridge.DeltaText {
				return
			}
			s.writeNotification("chat/streamChunk", map[string]any{
				"sessionId": clientID,
				"delta":     d.Content,
			})
		},
	})
	if err != nil {
		s.trace(fmt.Sprintf("runChatTurn: bridge error: %v", err))
		s.writeResponseError(id, CodeInternalError, err.Error())
		return
	}

	s.writeNotification("chat/streamEnd", map[string]any{"sessionId": clientID})
	s.writeResponseOK(id, map[string]any{
		"sessionId": clientID,
		"content":   res.Response,
	})
}

func (s *Server) handleChatCancel(req *jsonrpcRequest) {
	if !s.requireInitialized(req) {
		return
	}
	var p cancelParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.writeResponseError(req.ID, CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err))
		return
	}
	if err := p.validate(); err != nil {
		s.writeResponseError(req.ID, CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err))
		return
	}

	backendID, ok := s.sessions.Lookup(p.SessionID)
	if !ok {
		// Never seen this session; nothing to ask the bridge.
		s.writeResponseOK(req.ID, map[string]any{"cancelled": false})
		return
	}

	id := req.ID
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.writeResponseError(id, CodeInternalError, fmt.Sprintf("%v", r))
			}
		}()
		cancelled, err := s.bridge.Cancel(s.context(), backendID)
		if err != nil {
			s.writeResponseError(id, CodeInternalError, err.Error())
			return
		}
		s.writeResponseOK(id, map[string]any{"cancelled": cancelled})
	}()
}

func (s *Server) handleContextUpdate(req *jsonrpcRequest) {
	if !s.requireInitialized(req) {
		return
	}
	var p contextUpdateParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.writeResponseError(req.ID, CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err))
		return
	}
	if err := p.validate(); err != nil {
		s.writeResponseError(req.ID, CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err))
		return
	}

	// Register the session so shutdown cleanup reaches its context.
	s.sessions.Resolve(p.SessionID)
	s.store.Update(p.SessionID, *p.Context)
	s.writeResponseOK(req.ID, map[string]any{"ok": true})
}

// ---- Outbound frames ----

// writeFramedJSON serializes one frame and writes it as a single line.
// Writes are dropped once the engine is closed, so a handler that finishes
// late stays silent.
func (s *Server) writeFramedJSON(v any) {
	data, err := Encode(v)
	if err != nil {
		s.trace(fmt.Sprintf("writeFramedJSON: marshal error: %v", err))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed() {
		s.trace("writeFramedJSON: engine closed, dropping frame")
		return
	}
	if _, err := s.out.Write(data); err != nil {
		s.trace(fmt.Sprintf("writeFramedJSON: write error: %v", err))
	}
}

func (s *Server) writeResponseOK(id any, result any) {
	s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) writeResponseError(id any, code int, msg string) {
	s.writeFramedJSON(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &jsonrpcError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) writeNotification(method string, params any) {
	// Notifications have no id.
	s.writeFramedJSON(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}
