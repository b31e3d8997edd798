// Package callmgr is the process-wide directory of live calls: it mints
// call ids, owns one room.Room per call, and is what the ops HTTP surface's
// state endpoints and the ws dispatcher's JoinCall handler both talk to. It
// has no HTTP route of its own for creating or leaving calls. A Manager has no state of its own beyond the map — all participant,
// role, and chat state lives in the rooms it holds.
package callmgr

import (
	"fmt"
	"sync"
	"time"

	"callroom/internal/protocol"
	"callroom/internal/room"
	"callroom/internal/wordlist"
)

// CallInfo is the external-facing summary of a call, returned from Create
// and from a call-state lookup. It never carries participant or chat detail
// — callers that need that join the room and get a JoinResult instead.
type CallInfo struct {
	ID               string
	CreatedAt        int64
	ParticipantCount int
	DefaultRole      protocol.Role
}

type callRecord struct {
	createdAt   int64
	defaultRole protocol.Role
}

// Manager owns every live call on this server node.
type Manager struct {
	mu       sync.Mutex
	hostNode string
	sender   room.Sender
	rooms    map[string]*room.Room
	records  map[string]callRecord
}

// New returns an empty manager for hostNode. sender is handed to every room
// it creates, so all rooms share the same outbound fan-out (normally the
// ws layer's registry-backed implementation).
func New(hostNode string, sender room.Sender) *Manager {
	return &Manager{
		hostNode: hostNode,
		sender:   sender,
		rooms:    make(map[string]*room.Room),
		records:  make(map[string]callRecord),
	}
}

// Create mints a fresh call id and an empty room for it.
func (m *Manager) Create(defaultRole protocol.Role) (*room.Room, CallInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	callID := wordlist.CallID(m.hostNode)
	r := room.New(callID, defaultRole, m.sender)
	now := time.Now().Unix()

	m.rooms[callID] = r
	m.records[callID] = callRecord{createdAt: now, defaultRole: defaultRole}

	return r, CallInfo{
		ID:               callID,
		CreatedAt:        now,
		ParticipantCount: 0,
		DefaultRole:      defaultRole,
	}
}

// Get returns the room for callID, if one is live.
func (m *Manager) Get(callID string) (*room.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[callID]
	return r, ok
}

// Info returns the current summary for callID.
func (m *Manager) Info(callID string) (CallInfo, error) {
	m.mu.Lock()
	r, ok := m.rooms[callID]
	rec := m.records[callID]
	m.mu.Unlock()
	if !ok {
		return CallInfo{}, fmt.Errorf("callmgr: call %s not found", callID)
	}
	return CallInfo{
		ID:               callID,
		CreatedAt:        rec.createdAt,
		ParticipantCount: r.ParticipantCount(),
		DefaultRole:      rec.defaultRole,
	}, nil
}

// Remove drops callID from the directory. Safe to call whether or not the
// room has already torn itself down; the ws dispatcher calls this when a
// room's Leave reports that the call terminated, so the manager doesn't
// accumulate dead calls.
func (m *Manager) Remove(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, callID)
	delete(m.records, callID)
}

// Count returns the number of live calls.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// List returns a summary of every live call, for the ops state surface.
func (m *Manager) List() []CallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]CallInfo, 0, len(m.rooms))
	for callID, r := range m.rooms {
		rec := m.records[callID]
		infos = append(infos, CallInfo{
			ID:               callID,
			CreatedAt:        rec.createdAt,
			ParticipantCount: r.ParticipantCount(),
			DefaultRole:      rec.defaultRole,
		})
	}
	return infos
}
