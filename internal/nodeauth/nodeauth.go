// Package nodeauth is the in-memory side of the auth-token table that the
// external inter-node handshake process populates. A remote server node
// presents one of these opaque tokens when it joins a call on another
// node's behalf; this package only looks tokens up, it never issues them.
package nodeauth

import "sync"

// Table maps an opaque auth token to the node ID it authenticates.
type Table struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// New returns an empty token table.
func New() *Table {
	return &Table{tokens: make(map[string]string)}
}

// Register records that token authenticates nodeID. Called by the external
// handshake process; exported so a future HTTP/RPC binding can wire to it
// without this package knowing about that transport.
func (t *Table) Register(token, nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[token] = nodeID
}

// Lookup returns the node ID for token, or ok=false if it is unknown.
func (t *Table) Lookup(token string) (nodeID string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nodeID, ok = t.tokens[token]
	return nodeID, ok
}

// Revoke removes token from the table.
func (t *Table) Revoke(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tokens, token)
}
