package editor

import "sync"

// File is an open editor buffer. Content may be absent when the client only
// reports that the file is open.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content,omitempty"`
	Language string `json:"language,omitempty"`
}

// Selection is the active text selection in the editor.
type Selection struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Text      string `json:"text"`
}

// Diagnostic is a single reported problem.
type Diagnostic struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Diagnostic severities accepted on the wire.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityHint    = "hint"
)

// Cursor is the caret position in the editor.
type Cursor struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Update is one context/update payload (or the inline context of a chat
// request). A nil/absent field leaves the stored value untouched; a present
// field replaces it wholesale.
type Update struct {
	Files       []File       `json:"files,omitempty"`
	Selection   *Selection   `json:"selection,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Cursor      *Cursor      `json:"cursorPosition,omitempty"`
}

// Context is the most recently known editor state for one session.
type Context struct {
	Files       []File
	Selection   *Selection
	Diagnostics []Diagnostic
	Cursor      *Cursor
}

// Store tracks editor context per session. It is safe for concurrent use
// and may be shared between engine instances.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Context
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Context)}
}

// Update merges u into the record for sessionID, creating it on first use.
// The merge is field-level: only fields present in u change.
func (s *Store) Update(sessionID string, u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.sessions[sessionID]
	if !ok {
		c = &Context{}
		s.sessions[sessionID] = c
	}
	if u.Files != nil {
		c.Files = u.Files
	}
	if u.Selection != nil {
		c.Selection = u.Selection
	}
	if u.Diagnostics != nil {
		c.Diagnostics = u.Diagnostics
	}
	if u.Cursor != nil {
		c.Cursor = u.Cursor
	}
}

// Get returns a copy of the record for sessionID, and whether one exists.
func (s *Store) Get(sessionID string) (Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[sessionID]
	if !ok {
		return Context{}, false
	}
	return *c, true
}

// Clear removes the record for sessionID. No-op when absent.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
