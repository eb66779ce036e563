package session

import (
	"fmt"
	"sync"
)

// Table maps client-visible session ids to backend session ids. Entries are
// created lazily and live until Clear; a client id, once bound, always
// resolves to the same backend id.
type Table struct {
	mu      sync.Mutex
	backend map[string]string
	seq     int64
	prefix  string
}

// NewTable creates an empty table. prefix names the backend session family
// that minted ids are derived from.
func NewTable(prefix string) *Table {
	return &Table{
		backend: make(map[string]string),
		prefix:  prefix,
	}
}

// Resolve returns the client and backend ids for clientID, binding them
// first if needed. An empty clientID mints a fresh pair from the sequence
// counter; a supplied but unknown clientID is bound to a backend id derived
// from it.
func (t *Table) Resolve(clientID string) (string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if clientID == "" {
		t.seq++
		clientID = fmt.Sprintf("acp-%d", t.seq)
		backendID := fmt.Sprintf("%s-%d", t.prefix, t.seq)
		t.backend[clientID] = backendID
		return clientID, backendID
	}

	if backendID, ok := t.backend[clientID]; ok {
		return clientID, backendID
	}

	backendID := fmt.Sprintf("%s-%s", t.prefix, clientID)
	t.backend[clientID] = backendID
	return clientID, backendID
}

// Lookup returns the backend id bound to clientID without creating one.
func (t *Table) Lookup(clientID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	backendID, ok := t.backend[clientID]
	return backendID, ok
}

// ClientIDs returns every client id currently bound.
func (t *Table) ClientIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.backend))
	for id := range t.backend {
		ids = append(ids, id)
	}
	return ids
}

// Clear drops every binding. The sequence counter is not reset, so ids
// minted after a clear are still never reused.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backend = make(map[string]string)
}
