// Package room implements the call state machine: participants, roles,
// chat history, host/creator identity, and the glue between the dispatcher
// and the per-call mixer. Authorization (which role may do what) is decided
// by the caller; Room only carries out the resulting state change and
// broadcast, mirroring the single coarse room-level lock the concurrency
// model calls for.
package room

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"callroom/internal/mixer"
	"callroom/internal/protocol"
	"callroom/internal/wordlist"
)

// Sender is how a Room reaches the outside world without knowing anything
// about transports or channels. The ws layer's fan-out implementation
// resolves a participant id to its live channel (or channels, for
// broadcast) via the connection registry.
type Sender interface {
	SendTo(participantID string, msg protocol.Message)
	BroadcastTo(participantIDs []string, msg protocol.Message)
}

type participant struct {
	id             string
	displayName    string
	role           protocol.Role
	connectionType protocol.ConnectionType
	isMuted        bool
	avatarURL      string
	settings       map[string]any
	isSpeaking     bool
	outputSeq      uint32
}

// AudioOutput is one target's share of a mix step: the re-encoded frame,
// that target's next output sequence number, and the derived timestamp.
type AudioOutput struct {
	Encoded     []byte
	Sequence    uint32
	TimestampMs int64
}

// JoinResult carries what the dispatcher needs to build a JoinSuccess event.
type JoinResult struct {
	Role         protocol.Role
	IsCreator    bool
	HostID       string
	Participants []protocol.Participant
	ChatHistory  []protocol.ChatMessage
	// AuthNonce is a fresh per-connection ephemeral token, unrelated to the
	// cross-node auth-token table: it identifies this one connection to
	// itself across a reconnect, nothing more.
	AuthNonce string
}

// Room is one call: its participants, chat log, host/creator identity, and
// its mixer. Safe for concurrent use behind a single coarse lock.
type Room struct {
	mu sync.Mutex

	id          string
	defaultRole protocol.Role
	sender      Sender
	mixer       *mixer.Mixer

	creatorID string
	hostID    string

	participants  map[string]*participant
	chatHistory   []protocol.ChatMessage
	usedPlebNames map[string]bool

	ended bool
}

// New returns an empty room for callID with its own real-codec mixer.
func New(callID string, defaultRole protocol.Role, sender Sender) *Room {
	return newRoom(callID, defaultRole, sender, mixer.New())
}

// NewWithMixer is the same as New but takes an already-constructed mixer,
// so tests can inject one wired with fake codec pairs.
func NewWithMixer(callID string, defaultRole protocol.Role, sender Sender, mx *mixer.Mixer) *Room {
	return newRoom(callID, defaultRole, sender, mx)
}

func newRoom(callID string, defaultRole protocol.Role, sender Sender, mx *mixer.Mixer) *Room {
	return &Room{
		id:            callID,
		defaultRole:   defaultRole,
		sender:        sender,
		mixer:         mx,
		participants:  make(map[string]*participant),
		usedPlebNames: make(map[string]bool),
	}
}

// ID returns the call id.
func (r *Room) ID() string {
	return r.id
}

// HostID returns the current host's participant id, or "" if the room has
// no host yet (never joined) or has already terminated.
func (r *Room) HostID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostID
}

// Has reports whether participantID currently holds a seat in the room.
func (r *Room) Has(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[participantID]
	return ok
}

// ParticipantCount returns the number of seats currently held.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Role returns participantID's current role.
func (r *Room) Role(participantID string) (protocol.Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[participantID]
	if !ok {
		return "", false
	}
	return p.role, true
}

// Join admits participantID into the room: the first joiner becomes creator
// and host with Admin; everyone else gets the call's default role. Anonymous
// browser joiners with no supplied display name draw a pleb name from the
// call's word dictionary, except the very first joiner, who becomes "Host".
func (r *Room) Join(participantID, displayName string, connType protocol.ConnectionType, settings map[string]any, avatarURL string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[participantID]; ok {
		return JoinResult{}, fmt.Errorf("room: participant %s already joined", participantID)
	}

	isCreator := r.creatorID == ""

	if displayName == "" {
		switch {
		case isCreator:
			displayName = "Host"
		case connType.Kind == protocol.ConnectionBrowser:
			displayName = wordlist.PlebName(r.usedPlebNames)
		default:
			displayName = participantID
		}
	}

	role := r.defaultRole
	if isCreator {
		role = protocol.RoleAdmin
		r.creatorID = participantID
		r.hostID = participantID
	}

	p := &participant{
		id:             participantID,
		displayName:    displayName,
		role:           role,
		connectionType: connType,
		isMuted:        true,
		avatarURL:      avatarURL,
		settings:       settings,
	}
	r.participants[participantID] = p

	if err := r.mixer.Add(participantID); err != nil {
		delete(r.participants, participantID)
		if isCreator {
			r.creatorID = ""
			r.hostID = ""
		}
		return JoinResult{}, fmt.Errorf("room: attach mixer: %w", err)
	}

	slog.Info("participant joined", "call_id", r.id, "participant_id", participantID, "role", role, "is_creator", isCreator)

	others := make([]string, 0, len(r.participants)-1)
	for id := range r.participants {
		if id != participantID {
			others = append(others, id)
		}
	}
	joined := toProtocolParticipant(p)
	r.sender.BroadcastTo(others, protocol.Message{
		Type:        protocol.TypeParticipantJoined,
		Participant: &joined,
	})

	return JoinResult{
		Role:         role,
		IsCreator:    isCreator,
		HostID:       r.hostID,
		Participants: r.snapshotLocked(),
		ChatHistory:  append([]protocol.ChatMessage(nil), r.chatHistory...),
		AuthNonce:    uuid.NewString(),
	}, nil
}

// Leave removes participantID from the room. If the leaver is the host, or
// is the last remaining participant, the whole call terminates instead.
func (r *Room) Leave(participantID string) (terminated bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[participantID]; !ok {
		return false, fmt.Errorf("room: participant %s not in call", participantID)
	}

	if participantID == r.hostID || len(r.participants) == 1 {
		r.terminateLocked()
		return true, nil
	}

	delete(r.participants, participantID)
	r.mixer.Remove(participantID)

	ids := r.participantIDsLocked()
	r.sender.BroadcastTo(ids, protocol.Message{
		Type:     protocol.TypeParticipantLeft,
		TargetID: participantID,
	})

	slog.Info("participant left", "call_id", r.id, "participant_id", participantID, "remaining", len(r.participants))
	return false, nil
}

// terminateLocked ends the call for everyone: CallEnded is broadcast to
// every participant before CloseConnection, so a client always sees the
// ended state rendered before its transport goes away, then every piece of
// room state is dropped in one step.
func (r *Room) terminateLocked() {
	ids := r.participantIDsLocked()

	r.sender.BroadcastTo(ids, protocol.Message{Type: protocol.TypeCallEnded})
	r.sender.BroadcastTo(ids, protocol.Message{Type: protocol.TypeCloseConnection})

	slog.Info("call ended", "call_id", r.id, "participant_count", len(ids))

	for _, id := range ids {
		r.mixer.Remove(id)
	}
	r.participants = make(map[string]*participant)
	r.chatHistory = nil
	r.usedPlebNames = make(map[string]bool)
	r.creatorID = ""
	r.hostID = ""
	r.ended = true
}

// Ended reports whether the call has already been torn down.
func (r *Room) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Chat appends a chat message from participantID and broadcasts it to the
// whole room, including the sender.
func (r *Room) Chat(participantID, content string) (protocol.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return protocol.ChatMessage{}, fmt.Errorf("room: participant %s not in call", participantID)
	}

	msg := protocol.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   participantID,
		SenderName: p.displayName,
		Content:    content,
		TS:         time.Now().UnixMilli(),
	}
	r.chatHistory = append(r.chatHistory, msg)

	ids := r.participantIDsLocked()
	r.sender.BroadcastTo(ids, protocol.Message{Type: protocol.TypeChatMessage, ChatMsg: &msg})

	return msg, nil
}

// SetMute updates participantID's advisory mute flag and broadcasts it.
func (r *Room) SetMute(participantID string, muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return fmt.Errorf("room: participant %s not in call", participantID)
	}
	p.isMuted = muted

	ids := r.participantIDsLocked()
	r.sender.BroadcastTo(ids, protocol.Message{
		Type:     protocol.TypeMuteChanged,
		TargetID: participantID,
		Muted:    &muted,
	})
	return nil
}

// UpdateRole changes targetID's role and broadcasts the change. The caller
// is responsible for checking that the request came from an Admin.
func (r *Room) UpdateRole(targetID string, newRole protocol.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[targetID]
	if !ok {
		return fmt.Errorf("room: participant %s not in call", targetID)
	}
	p.role = newRole

	ids := r.participantIDsLocked()
	r.sender.BroadcastTo(ids, protocol.Message{
		Type:     protocol.TypeRoleChanged,
		TargetID: targetID,
		Role:     newRole,
	})
	return nil
}

// UpdateSettings stores participantID's settings and echoes the change back
// to them, plus separately to the host if the host is someone else.
func (r *Room) UpdateSettings(participantID string, settings map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return fmt.Errorf("room: participant %s not in call", participantID)
	}
	p.settings = settings

	msg := protocol.Message{
		Type:     protocol.TypeSettingsChanged,
		TargetID: participantID,
		Settings: settings,
	}
	r.sender.SendTo(participantID, msg)
	if r.hostID != "" && r.hostID != participantID {
		r.sender.SendTo(r.hostID, msg)
	}
	return nil
}

// UpdateSpeakingState updates participantID's speaking flag and broadcasts
// it. The caller is responsible for checking Speaker/Admin authorization.
func (r *Room) UpdateSpeakingState(participantID string, isSpeaking bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return fmt.Errorf("room: participant %s not in call", participantID)
	}
	p.isSpeaking = isSpeaking

	ids := r.participantIDsLocked()
	r.sender.BroadcastTo(ids, protocol.Message{
		Type:       protocol.TypeSpeakingState,
		TargetID:   participantID,
		IsSpeaking: &isSpeaking,
	})
	return nil
}

// UpdateAvatar updates participantID's avatar URL and broadcasts it.
func (r *Room) UpdateAvatar(participantID string, avatarURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[participantID]
	if !ok {
		return fmt.Errorf("room: participant %s not in call", participantID)
	}
	p.avatarURL = avatarURL

	ids := r.participantIDsLocked()
	r.sender.BroadcastTo(ids, protocol.Message{
		Type:      protocol.TypeAvatarChanged,
		TargetID:  participantID,
		AvatarURL: avatarURL,
	})
	return nil
}

// IngestAudio decodes participantID's frame, runs the mix step, and returns
// each target's re-encoded output with a freshly-allocated output sequence
// and derived timestamp. The caller is responsible for checking
// Speaker/Admin authorization before calling this.
func (r *Room) IngestAudio(participantID string, data []byte) (map[string]AudioOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[participantID]; !ok {
		return nil, fmt.Errorf("room: participant %s not in call", participantID)
	}

	encoded, err := r.mixer.Ingest(participantID, data)
	if err != nil {
		return nil, err
	}

	out := make(map[string]AudioOutput, len(encoded))
	for targetID, bytes := range encoded {
		p, ok := r.participants[targetID]
		if !ok {
			continue
		}
		seq := p.outputSeq
		p.outputSeq++
		out[targetID] = AudioOutput{
			Encoded:     bytes,
			Sequence:    seq,
			TimestampMs: int64(seq) * 20,
		}
	}
	return out, nil
}

func (r *Room) participantIDsLocked() []string {
	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	return ids
}

func (r *Room) snapshotLocked() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, toProtocolParticipant(p))
	}
	return out
}

func toProtocolParticipant(p *participant) protocol.Participant {
	return protocol.Participant{
		ID:             p.id,
		DisplayName:    p.displayName,
		Role:           p.role,
		ConnectionType: p.connectionType,
		IsMuted:        p.isMuted,
		AvatarURL:      p.avatarURL,
		Settings:       p.settings,
		IsSpeaking:     p.isSpeaking,
	}
}
