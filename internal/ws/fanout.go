package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"callroom/internal/protocol"
	"callroom/internal/registry"
)

// sendTimeout bounds how long a push to one connection's write queue may
// block before it is dropped.
const sendTimeout = 50 * time.Millisecond

// Fanout implements room.Sender on top of the connection registry: it
// resolves a participant id to its live channel and pushes the same
// serialized bytes onto every target's write queue, so a broadcast to N
// participants marshals the message exactly once.
type Fanout struct {
	mu       sync.RWMutex
	registry *registry.Registry
	conns    map[uint64]chan []byte
}

// NewFanout returns a Fanout backed by reg. The websocket handler Register
// and Unregister each connection's write queue as it opens and closes.
func NewFanout(reg *registry.Registry) *Fanout {
	return &Fanout{
		registry: reg,
		conns:    make(map[uint64]chan []byte),
	}
}

// Register associates channelID with its connection's outbound write queue.
func (f *Fanout) Register(channelID uint64, queue chan []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[channelID] = queue
}

// Unregister drops channelID's write queue.
func (f *Fanout) Unregister(channelID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, channelID)
}

// SendTo implements room.Sender: send_to_channel(C, msg).
func (f *Fanout) SendTo(participantID string, msg protocol.Message) {
	channelID, ok := f.registry.ChannelForParticipant(participantID)
	if !ok {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("fanout marshal failed", "type", msg.Type, "err", err)
		return
	}
	f.push(channelID, msg.Type, data)
}

// BroadcastTo implements room.Sender: broadcast_to_call(R, msg), restricted
// to the participant ids the room passes in. It serializes msg once and
// pushes the same bytes to every resolved channel.
func (f *Fanout) BroadcastTo(participantIDs []string, msg protocol.Message) {
	if len(participantIDs) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("fanout marshal failed", "type", msg.Type, "err", err)
		return
	}
	for _, pid := range participantIDs {
		channelID, ok := f.registry.ChannelForParticipant(pid)
		if !ok {
			continue
		}
		f.push(channelID, msg.Type, data)
	}
}

func (f *Fanout) push(channelID uint64, msgType string, data []byte) {
	f.mu.RLock()
	queue, ok := f.conns[channelID]
	f.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case queue <- data:
	case <-time.After(sendTimeout):
		slog.Debug("fanout send timeout", "channel_id", channelID, "type", msgType)
	}
}
