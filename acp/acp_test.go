package acp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wopr-dev/wopr-acp/bridge"
)

// syncBuffer collects engine output from concurrent turn goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines []string
	for _, l := range strings.Split(b.buf.String(), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// scriptedBridge is a controllable bridge test double.
type scriptedBridge struct {
	mu           sync.Mutex
	calls        []string // messages received, in order
	sessions     []string // backend session ids received, in order
	deltas       []string
	response     string
	err          error
	block        chan struct{} // when non-nil, ChatTurn waits on it after streaming
	cancelCalls  int
	cancelResult bool
}

func (b *scriptedBridge) ChatTurn(ctx context.Context, sessionID, message string, opts bridge.TurnOptions) (*bridge.Result, error) {
	b.mu.Lock()
	b.calls = append(b.calls, message)
	b.sessions = append(b.sessions, sessionID)
	block := b.block
	b.mu.Unlock()

	for _, d := range b.deltas {
		if opts.OnDelta != nil {
			opts.OnDelta(bridge.Delta{Kind: bridge.DeltaText, Content: d})
		}
	}
	if block != nil {
		<-block
	}
	if b.err != nil {
		return nil, b.err
	}
	return &bridge.Result{Response: b.response, SessionID: sessionID}, nil
}

func (b *scriptedBridge) Cancel(ctx context.Context, sessionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls += 1
	return b.cancelResult, nil
}

func (b *scriptedBridge) chatCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func startServer(t *testing.T, b bridge.Bridge) (*Server, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	s := NewServer(b, nil, out, Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, out
}

func send(s *Server, frame string) {
	s.Receive([]byte(frame + "\n"))
}

func sendInitialize(t *testing.T, s *Server) {
	t.Helper()
	send(s, `{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"0.1.0","clientInfo":{"name":"Test","version":"1.0"}}}`)
}

// waitLines polls until the output holds at least n frames.
func waitLines(t *testing.T, out *syncBuffer, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lines := out.Lines(); len(lines) >= n {
			return lines
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d output frames, have %d: %v", n, len(out.Lines()), out.Lines())
	return nil
}

func decodeFrame(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("output frame is not valid JSON: %q: %v", line, err)
	}
	return m
}

func errorCode(t *testing.T, frame map[string]any) int {
	t.Helper()
	e, ok := frame["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected an error frame, got %v", frame)
	}
	return int(e["code"].(float64))
}

func TestInitializeHandshake(t *testing.T) {
	s, out := startServer(t, &scriptedBridge{})
	sendInitialize(t, s)

	lines := waitLines(t, out, 1)
	frame := decodeFrame(t, lines[0])
	if frame["id"] != "init" {
		t.Errorf("expected id to be echoed, got %v", frame["id"])
	}
	result := frame["result"].(map[string]any)
	if result["protocolVersion"] != "0.1.0" {
		t.Errorf("expected protocolVersion 0.1.0, got %v", result["protocolVersion"])
	}
	serverInfo := result["serverInfo"].(map[string]any)
	if serverInfo["name"] != "wopr-acp" {
		t.Errorf("expected serverInfo.name wopr-acp, got %v", serverInfo["name"])
	}
	caps := result["capabilities"].(map[string]any)
	if caps["context"] != true || caps["streaming"] != true {
		t.Errorf("expected context and streaming capabilities, got %v", caps)
	}
}

func TestMethodsRequireInitialize(t *testing.T) {
	for _, method := range []string{"chat/message", "chat/cancel", "context/update"} {
		t.Run(method, func(t *testing.T) {
			s, out := startServer(t, &scriptedBridge{})
			send(s, fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"%s","params":{"sessionId":"x","message":"hi"}}`, method))

			frame := decodeFrame(t, waitLines(t, out, 1)[0])
			if code := errorCode(t, frame); code != CodeInvalidRequest {
				t.Errorf("expected code %d, got %d", CodeInvalidRequest, code)
			}
			if msg := frame["error"].(map[string]any)["message"]; msg != "Not initialized" {
				t.Errorf("expected message %q, got %v", "Not initialized", msg)
			}
		})
	}
}

func TestWrongJSONRPCVersion(t *testing.T) {
	s, out := startServer(t, &scriptedBridge{})
	send(s, `{"jsonrpc":"1.0","id":3,"method":"initialize","params":{}}`)

	frame := decodeFrame(t, waitLines(t, out, 1)[0])
	if code := errorCode(t, frame); code != CodeInvalidRequest {
		t.Errorf("expected code %d, got %d", CodeInvalidRequest, code)
	}
	if frame["id"] != float64(3) {
		t.Errorf("expected id 3 echoed, got %v", frame["id"])
	}
}

func TestParseErrorHasNoID(t *testing.T) {
	s, out := startServer(t, &scriptedBridge{})
	send(s, `{this is not json`)

	frame := decodeFrame(t, waitLines(t, out, 1)[0])
	if code := errorCode(t, frame); code != CodeParseError {
		t.Errorf("expected code %d, got %d", CodeParseError, code)
	}
	if _, ok := frame["id"]; ok {
		t.Errorf("parse error must not carry a correlation id, got %v", frame["id"])
	}
}

func TestBlankLinesAreSkipped(t *testing.T) {
	s, out := startServer(t, &scriptedBridge{})
	s.Receive([]byte("\n   \n\t\n"))

	time.Sleep(50 * time.Millisecond)
	if lines := out.Lines(); len(lines) != 0 {
		t.Errorf("blank lines must produce no output, got %v", lines)
	}
}

func TestMethodNotFound(t *testing.T) {
	s, out := startServer(t, &scriptedBridge{})
	sendInitialize(t, s)
	send(s, `{"jsonrpc":"2.0","id":9,"method":"chat/unknown"}`)

	lines := waitLines(t, out, 2)
	frame := decodeFrame(t, lines[1])
	if code := errorCode(t, frame); code != CodeMethodNotFound {
		t.Errorf("expected code %d, got %d", CodeMethodNotFound, code)
	}
	if msg := frame["error"].(map[string]any)["message"].(string); !strings.Contains(msg, "chat/unknown") {
		t.Errorf("expected message to name the method, got %q", msg)
	}
}

func TestInvalidParams(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"initialize missing protocolVersion", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"clientInfo":{"name":"T","version":"1"}}}`},
		{"initialize unknown field", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"0.1.0","clientInfo":{"name":"T","version":"1"},"bogus":true}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, out := startServer(t, &scriptedBridge{})
			send(s, tc.frame)
			frame := decodeFrame(t, waitLines(t, out, 1)[0])
			if code := errorCode(t, frame); code != CodeInvalidParams {
				t.Errorf("expected code %d, got %d", CodeInvalidParams, code)
			}
		})
	}

	t.Run("chat/message missing message", func(t *testing.T) {
		s, out := startServer(t, &scriptedBridge{})
		sendInitialize(t, s)
		send(s, `{"jsonrpc":"2.0","id":2,"method":"chat/message","params":{}}`)
		frame := decodeFrame(t, waitLines(t, out, 2)[1])
		if code := errorCode(t, frame); code != CodeInvalidParams {
			t.Errorf("expected code %d, got %d", CodeInvalidParams, code)
		}
	})
}

func TestChatMessageStreamsThenResponds(t *testing.T) {
	br := &scriptedBridge{deltas: []string{"Hel", "lo"}, response: "Hello"}
	s, out := startServer(t, br)
	sendInitialize(t, s)
	send(s, `{"jsonrpc":"2.0","id":42,"method":"chat/message","params":{"message":"hello world"}}`)

	// init response + 2 chunks + streamEnd + final response
	lines := waitLines(t, out, 5)

	if br.chatCalls() != 1 {
		t.Fatalf("expected exactly one bridge invocation, got %d", br.chatCalls())
	}

	chunk1 := decodeFrame(t, lines[1])
	chunk2 := decodeFrame(t, lines[2])
	end := decodeFrame(t, lines[3])
	final := decodeFrame(t, lines[4])

	if chunk1["method"] != "chat/streamChunk" || chunk2["method"] != "chat/streamChunk" {
		t.Fatalf("expected two streamChunk notifications, got %v / %v", chunk1["method"], chunk2["method"])
	}
	if _, ok := chunk1["id"]; ok {
		t.Error("notifications must not carry an id")
	}
	d1 := chunk1["params"].(map[string]any)["delta"]
	d2 := chunk2["params"].(map[string]any)["delta"]
	if d1 != "Hel" || d2 != "lo" {
		t.Errorf("deltas out of order: %v, %v", d1, d2)
	}
	if end["method"] != "chat/streamEnd" {
		t.Errorf("expected streamEnd before the final response, got %v", end["method"])
	}

	result := final["result"].(map[string]any)
	if final["id"] != float64(42) {
		t.Errorf("expected final response id 42, got %v", final["id"])
	}
	if result["content"] != "Hello" {
		t.Errorf("expected content to equal the bridge response, got %v", result["content"])
	}
	if result["sessionId"] != "acp-1" {
		t.Errorf("expected freshly minted session id acp-1, got %v", result["sessionId"])
	}
}

func TestMintedSessionIDsIncrease(t *testing.T) {
	br := &scriptedBridge{response: "ok"}
	s, out := startServer(t, br)
	sendInitialize(t, s)

	for i := 0; i < 3; i++ {
		send(s, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"chat/message","params":{"message":"m"}}`, i))
		// one streamEnd + one response per turn, plus the init response
		waitLines(t, out, 1+(i+1)*2)
	}

	seen := map[string]bool{}
	for _, line := range out.Lines() {
		frame := decodeFrame(t, line)
		result, ok := frame["result"].(map[string]any)
		if !ok {
			continue
		}
		if sid, ok := result["sessionId"].(string); ok {
			if seen[sid] {
				t.Errorf("session id %s minted twice", sid)
			}
			seen[sid] = true
		}
	}
	for _, want := range []string{"acp-1", "acp-2", "acp-3"} {
		if !seen[want] {
			t.Errorf("expected minted session id %s, have %v", want, seen)
		}
	}

	br.mu.Lock()
	defer br.mu.Unlock()
	for i, backend := range br.sessions {
		if want := fmt.Sprintf("wopr-%d", i+1); backend != want {
			t.Errorf("expected backend session %s, got %s", want, backend)
		}
	}
}

func TestSuppliedSessionIDBindsStably(t *testing.T) {
	br := &scriptedBridge{response: "ok"}
	s, out := startServer(t, br)
	sendInitialize(t, s)

	send(s, `{"jsonrpc":"2.0","id":1,"method":"chat/message","params":{"sessionId":"alpha","message":"one"}}`)
	waitLines(t, out, 3)
	send(s, `{"jsonrpc":"2.0","id":2,"method":"chat/message","params":{"sessionId":"alpha","message":"two"}}`)
	waitLines(t, out, 5)

	br.mu.Lock()
	defer br.mu.Unlock()
	if len(br.sessions) != 2 {
		t.Fatalf("expected two bridge turns, got %d", len(br.sessions))
	}
	for _, backend := range br.sessions {
		if backend != "wopr-alpha" {
			t.Errorf("expected stable backend binding wopr-alpha, got %s", backend)
		}
	}
}

func TestChatMessageEnrichedWithStoredContext(t *testing.T) {
	br := &scriptedBridge{response: "ok"}
	s, out := startServer(t, br)
	sendInitialize(t, s)

	send(s, `{"jsonrpc":"2.0","id":1,"method":"context/update","params":{"sessionId":"edit-1","context":{"cursorPosition":{"path":"main.go","line":10,"column":4}}}}`)
	lines := waitLines(t, out, 2)
	if ok := decodeFrame(t, lines[1])["result"].(map[string]any)["ok"]; ok != true {
		t.Fatalf("context/update did not succeed: %v", lines[1])
	}

	send(s, `{"jsonrpc":"2.0","id":2,"method":"chat/message","params":{"sessionId":"edit-1","message":"hello"}}`)
	waitLines(t, out, 4)

	br.mu.Lock()
	defer br.mu.Unlock()
	if len(br.calls) != 1 {
		t.Fatalf("expected one bridge turn, got %d", len(br.calls))
	}
	want := "Cursor: main.go:10:4\n\nhello"
	if br.calls[0] != want {
		t.Errorf("enriched message mismatch:\nwant %q\ngot  %q", want, br.calls[0])
	}
}

func TestChatMessageWithoutContextIsRaw(t *testing.T) {
	br := &scriptedBridge{response: "ok"}
	s, out := startServer(t, br)
	sendInitialize(t, s)
	send(s, `{"jsonrpc":"2.0","id":1,"method":"chat/message","params":{"message":"plain"}}`)
	waitLines(t, out, 3)

	br.mu.Lock()
	defer br.mu.Unlock()
	if br.calls[0] != "plain" {
		t.Errorf("expected raw message with no context, got %q", br.calls[0])
	}
}

func TestChatCancelUnknownSession(t *testing.T) {
	br := &scriptedBridge{cancelResult: true}
	s, out := startServer(t, br)
	sendInitialize(t, s)
	send(s, `{"jsonrpc":"2.0","id":5,"method":"chat/cancel","params":{"sessionId":"ghost"}}`)

	lines := waitLines(t, out, 2)
	result := decodeFrame(t, lines[1])["result"].(map[string]any)
	if result["cancelled"] != false {
		t.Errorf("expected cancelled false for unknown session, got %v", result["cancelled"])
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.cancelCalls != 0 {
		t.Errorf("bridge cancel must not be invoked for unknown sessions, got %d calls", br.cancelCalls)
	}
}

func TestChatCancelKnownSession(t *testing.T) {
	br := &scriptedBridge{response: "ok", cancelResult: true}
	s, out := startServer(t, br)
	sendInitialize(t, s)
	send(s, `{"jsonrpc":"2.0","id":1,"method":"chat/message","params":{"sessionId":"s1","message":"m"}}`)
	waitLines(t, out, 3)

	send(s, `{"jsonrpc":"2.0","id":2,"method":"chat/cancel","params":{"sessionId":"s1"}}`)
	lines := waitLines(t, out, 4)
	result := decodeFrame(t, lines[3])["result"].(map[string]any)
	if result["cancelled"] != true {
		t.Errorf("expected the bridge's cancellation outcome, got %v", result["cancelled"])
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.cancelCalls != 1 {
		t.Errorf("expected one bridge cancel call, got %d", br.cancelCalls)
	}
}

func TestBridgeFailureBecomesInternalError(t *testing.T) {
	br := &scriptedBridge{err: fmt.Errorf("backend exploded")}
	s, out := startServer(t, br)
	sendInitialize(t, s)
	send(s, `{"jsonrpc":"2.0","id":8,"method":"chat/message","params":{"message":"m"}}`)

	lines := waitLines(t, out, 2)
	frame := decodeFrame(t, lines[1])
	if code := errorCode(t, frame); code != CodeInternalError {
		t.Errorf("expected code %d, got %d", CodeInternalError, code)
	}
	if msg := frame["error"].(map[string]any)["message"].(string); !strings.Contains(msg, "backend exploded") {
		t.Errorf("expected the bridge error text to surface, got %q", msg)
	}
	// A failed turn must not emit streamEnd.
	for _, line := range lines {
		if strings.Contains(line, "chat/streamEnd") {
			t.Error("streamEnd must not be emitted when the bridge fails")
		}
	}
	// The engine keeps serving frames afterwards.
	send(s, `{"jsonrpc":"2.0","id":9,"method":"chat/cancel","params":{"sessionId":"nope"}}`)
	waitLines(t, out, 3)
}

func TestCloseIsIdempotentAndSilencesOutput(t *testing.T) {
	s, out := startServer(t, &scriptedBridge{response: "ok"})
	sendInitialize(t, s)
	waitLines(t, out, 1)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}

	// Late input is still parsed but must never produce output.
	sendInitialize(t, s)
	send(s, `{not json`)
	time.Sleep(50 * time.Millisecond)
	if lines := out.Lines(); len(lines) != 1 {
		t.Errorf("expected no output after close, got %v", lines)
	}
}

func TestInFlightTurnIsSilencedByClose(t *testing.T) {
	br := &scriptedBridge{response: "late", block: make(chan struct{})}
	s, out := startServer(t, br)
	sendInitialize(t, s)
	send(s, `{"jsonrpc":"2.0","id":1,"method":"chat/message","params":{"message":"m"}}`)

	// Wait until the turn is in flight, then close and release it.
	deadline := time.Now().Add(2 * time.Second)
	for br.chatCalls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if br.chatCalls() == 0 {
		t.Fatal("bridge turn never started")
	}
	_ = s.Close()
	close(br.block)

	time.Sleep(50 * time.Millisecond)
	for _, line := range out.Lines() {
		if strings.Contains(line, "late") || strings.Contains(line, "streamEnd") {
			t.Errorf("late-finishing turn wrote to the output stream: %q", line)
		}
	}
}

func TestNoFrameEscapesAfterCloseReturns(t *testing.T) {
	s, out := startServer(t, &scriptedBridge{})
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s.dispatch([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`))
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close is ordered with the write path, so the frame count is final
	// the moment it returns.
	n := len(out.Lines())
	time.Sleep(50 * time.Millisecond)
	if got := len(out.Lines()); got != n {
		t.Errorf("%d frames written after Close returned", got-n)
	}
	close(stop)
	wg.Wait()
}

func TestTwoFramesInOneChunk(t *testing.T) {
	s, out := startServer(t, &scriptedBridge{})
	sendInitialize(t, s)
	waitLines(t, out, 1)

	chunk := `{"jsonrpc":"2.0","id":1,"method":"context/update","params":{"sessionId":"a","context":{}}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"context/update","params":{"sessionId":"b","context":{}}}` + "\n"
	s.Receive([]byte(chunk))

	lines := waitLines(t, out, 3)
	first := decodeFrame(t, lines[1])
	second := decodeFrame(t, lines[2])
	if first["id"] != float64(1) || second["id"] != float64(2) {
		t.Errorf("expected responses in chunk order, got ids %v, %v", first["id"], second["id"])
	}
}

func TestFrameSplitAcrossChunks(t *testing.T) {
	s, out := startServer(t, &scriptedBridge{})
	frame := `{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"0.1.0","clientInfo":{"name":"Test","version":"1.0"}}}` + "\n"
	s.Receive([]byte(frame[:40]))
	time.Sleep(20 * time.Millisecond)
	if lines := out.Lines(); len(lines) != 0 {
		t.Fatalf("partial frame must not dispatch, got %v", lines)
	}
	s.Receive([]byte(frame[40:]))

	lines := waitLines(t, out, 1)
	if len(lines) != 1 {
		t.Fatalf("expected exactly one response, got %v", lines)
	}
	if decodeFrame(t, lines[0])["id"] != "init" {
		t.Errorf("reassembled frame produced the wrong response: %v", lines[0])
	}
}

func TestEndOfInputClosesEngine(t *testing.T) {
	out := &syncBuffer{}
	in := strings.NewReader(`{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"0.1.0","clientInfo":{"name":"Test","version":"1.0"}}}` + "\n")
	s := NewServer(&scriptedBridge{}, in, out, Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not close on end of input")
	}
	if lines := out.Lines(); len(lines) != 1 {
		t.Errorf("expected the initialize response before shutdown, got %v", lines)
	}
}

type panickyBridge struct{ scriptedBridge }

func (b *panickyBridge) ChatTurn(ctx context.Context, sessionID, message string, opts bridge.TurnOptions) (*bridge.Result, error) {
	panic("bridge bug")
}

func TestBridgePanicBecomesInternalError(t *testing.T) {
	s, out := startServer(t, &panickyBridge{})
	sendInitialize(t, s)
	send(s, `{"jsonrpc":"2.0","id":11,"method":"chat/message","params":{"message":"m"}}`)

	lines := waitLines(t, out, 2)
	frame := decodeFrame(t, lines[1])
	if code := errorCode(t, frame); code != CodeInternalError {
		t.Errorf("expected code %d, got %d", CodeInternalError, code)
	}
	// The engine survives the panic.
	send(s, `{"jsonrpc":"2.0","id":12,"method":"chat/cancel","params":{"sessionId":"nope"}}`)
	waitLines(t, out, 3)
}

func TestStartTwiceFails(t *testing.T) {
	s := NewServer(&scriptedBridge{}, nil, &syncBuffer{}, Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	defer s.Close()
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start must fail")
	}
}
