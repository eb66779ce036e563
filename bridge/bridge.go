package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DeltaKind discriminates streamed fragments.
type DeltaKind string

// DeltaText is a plain text fragment of the agent's reply.
const DeltaText DeltaKind = "text"

// Delta is one streamed fragment of an agent turn.
type Delta struct {
	Kind    DeltaKind
	Content string
}

// TurnOptions controls a single chat turn.
type TurnOptions struct {
	// Silent suppresses any provider-side echo of the turn.
	Silent bool
	// From labels the origin of the turn, e.g. "acp" or "terminal".
	From string
	// OnDelta receives streamed fragments in production order. Every delta
	// is delivered before ChatTurn returns.
	OnDelta func(Delta)
}

// Result is the terminal outcome of a chat turn. Response carries the full
// reply text even when deltas were streamed.
type Result struct {
	Response  string
	SessionID string
}

// Bridge executes agent turns against a backend session and supports
// best-effort cancellation of an in-flight turn.
type Bridge interface {
	ChatTurn(ctx context.Context, sessionID, message string, opts TurnOptions) (*Result, error)
	Cancel(ctx context.Context, sessionID string) (bool, error)
}

// Conversation history roles.
const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

// Message is one entry of a backend session's conversation history.
type Message struct {
	Role    string
	Content string
}

// memory holds per-session conversation history in process.
type memory struct {
	mu       sync.Mutex
	sessions map[string][]Message
}

func newMemory() *memory {
	return &memory{sessions: make(map[string][]Message)}
}

// history returns a copy of the session's messages.
func (m *memory) history(sessionID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.sessions[sessionID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

func (m *memory) append(sessionID string, msgs ...Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = append(m.sessions[sessionID], msgs...)
}

// turnTracker registers the cancel func of each in-flight turn so Cancel
// can abort the provider stream for that session.
type turnTracker struct {
	mu    sync.Mutex
	turns map[string]context.CancelFunc
}

func newTurnTracker() *turnTracker {
	return &turnTracker{turns: make(map[string]context.CancelFunc)}
}

// begin derives a cancellable context for one turn and registers it under
// sessionID. The returned done func unregisters and releases the context.
func (t *turnTracker) begin(ctx context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.turns[sessionID] = cancel
	t.mu.Unlock()
	return ctx, func() {
		t.mu.Lock()
		if t.turns[sessionID] != nil {
			delete(t.turns, sessionID)
		}
		t.mu.Unlock()
		cancel()
	}
}

// cancel aborts the in-flight turn for sessionID, reporting whether one
// was actually running.
func (t *turnTracker) cancel(sessionID string) bool {
	t.mu.Lock()
	fn, ok := t.turns[sessionID]
	delete(t.turns, sessionID)
	t.mu.Unlock()
	if !ok {
		return false
	}
	fn()
	return true
}

// emit delivers one text delta if a sink was supplied.
func emit(opts TurnOptions, text string) {
	if opts.OnDelta != nil && text != "" {
		opts.OnDelta(Delta{Kind: DeltaText, Content: text})
	}
}

// Mock is an in-process bridge for tests and offline runs. It streams the
// reply word by word and parrots the prompt. Unlike a real provider it
// never touches the network, and it writes nothing to stdout.
type Mock struct {
	mem   *memory
	turns *turnTracker
}

func NewMock() *Mock {
	return &Mock{mem: newMemory(), turns: newTurnTracker()}
}

func (m *Mock) ChatTurn(ctx context.Context, sessionID, message string, opts TurnOptions) (*Result, error) {
	ctx, done := m.turns.begin(ctx, sessionID)
	defer done()

	m.mem.append(sessionID, Message{Role: roleUser, Content: message})
	response := fmt.Sprintf("I am a mock agent. You said: %q.", message)
	for _, word := range strings.Fields(response) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		emit(opts, word+" ")
	}
	m.mem.append(sessionID, Message{Role: roleAssistant, Content: response})
	return &Result{Response: response, SessionID: sessionID}, nil
}

func (m *Mock) Cancel(ctx context.Context, sessionID string) (bool, error) {
	return m.turns.cancel(sessionID), nil
}
