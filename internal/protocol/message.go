// Package protocol defines the JSON message envelope exchanged between a
// participant's connection and the call server, and the shared identity
// types (Role, ConnectionType, Participant) those messages carry.
package protocol

// Inbound message types — sent by a participant's connection to the server.
const (
	TypeJoinCall            = "join_call"
	TypeChat                = "chat"
	TypeMute                = "mute"
	TypeAudioData           = "audio_data"
	TypeUpdateRole          = "update_role"
	TypeUpdateSettings      = "update_settings"
	TypeUpdateSpeakingState = "update_speaking_state"
	TypeUpdateAvatar        = "update_avatar"
	TypeHeartbeat           = "heartbeat"
)

// Outbound message types — sent by the server to one or more connections.
const (
	TypeCallJoined        = "call_joined"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeChatMessage       = "chat_message"
	TypeMuteChanged       = "mute_changed"
	TypeMixedAudio        = "mixed_audio"
	TypeRoleChanged       = "role_changed"
	TypeSettingsChanged   = "settings_changed"
	TypeSpeakingState     = "speaking_state"
	TypeAvatarChanged     = "avatar_changed"
	TypeCallEnded         = "call_ended"
	TypeCloseConnection   = "close_connection"
	TypeError             = "error"
	TypeHeartbeatAck      = "heartbeat_ack"
)

// AudioStreamLabel is the stream identity every mixed_audio message carries
// in place of the real contributing sender(s).
const AudioStreamLabel = "audio-stream"

// Role is the authorization level of a participant within a call.
// The lattice is Listener ⊂ Chatter ⊂ Speaker ⊂ Admin: each role inherits
// every permission of the roles before it.
type Role string

const (
	RoleListener Role = "listener"
	RoleChatter  Role = "chatter"
	RoleSpeaker  Role = "speaker"
	RoleAdmin    Role = "admin"
)

// rank orders roles for lattice comparisons. Higher is more privileged.
var rank = map[Role]int{
	RoleListener: 0,
	RoleChatter:  1,
	RoleSpeaker:  2,
	RoleAdmin:    3,
}

// AtLeast reports whether r grants at least the privileges of min.
// An unrecognized role never satisfies any minimum.
func (r Role) AtLeast(min Role) bool {
	rr, ok := rank[r]
	if !ok {
		return false
	}
	mr, ok := rank[min]
	if !ok {
		return false
	}
	return rr >= mr
}

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	_, ok := rank[r]
	return ok
}

// ConnectionType distinguishes a remote-node relay participant (another
// server instance mixing audio on behalf of its own local listeners) from a
// direct browser connection.
type ConnectionType struct {
	Kind   ConnectionKind `json:"kind"`
	NodeID string         `json:"node_id,omitempty"`
}

type ConnectionKind string

const (
	ConnectionRemoteNode ConnectionKind = "remote_node"
	ConnectionBrowser    ConnectionKind = "browser"
)

// Participant is the public identity/state snapshot of one call member.
type Participant struct {
	ID             string         `json:"id"`
	DisplayName    string         `json:"display_name"`
	Role           Role           `json:"role"`
	ConnectionType ConnectionType `json:"connection_type"`
	IsMuted        bool           `json:"is_muted"`
	AvatarURL      string         `json:"avatar_url,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
	IsSpeaking     bool           `json:"is_speaking"`
}

// ChatMessage is one entry in a call's ordered chat history.
type ChatMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	TS         int64  `json:"ts"`
}

// Message is the tagged-union JSON envelope carried over the persistent
// bidirectional channel. Only the fields relevant to Type are populated.
type Message struct {
	Type string `json:"type"`

	// join_call
	CallID      string `json:"call_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`

	// chat
	Content string `json:"content,omitempty"`

	// mute / update_role / update_speaking_state / targeted ops
	TargetID   string `json:"target_id,omitempty"`
	Muted      *bool  `json:"muted,omitempty"`
	Role       Role   `json:"role,omitempty"`
	IsSpeaking *bool  `json:"is_speaking,omitempty"`

	// update_settings / update_avatar
	Settings  map[string]any `json:"settings,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`

	// audio_data / mixed_audio
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Sequence   uint32 `json:"sequence,omitempty"`
	Payload    []byte `json:"payload,omitempty"`

	// mixed_audio only: a stable opaque stream label, not the upstream
	// sender's id — the client decodes every mixed_audio message it
	// receives as one continuous stream regardless of who contributed to
	// any given frame.
	StreamID string `json:"participant_id,omitempty"`

	// server → client identity/roster payloads
	SelfID       string        `json:"self_id,omitempty"`
	HostID       string        `json:"host_id,omitempty"`
	Participant  *Participant  `json:"participant,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Chat         []ChatMessage `json:"chat,omitempty"`
	ChatMsg      *ChatMessage  `json:"chat_message,omitempty"`

	TS    int64  `json:"ts,omitempty"`
	Error string `json:"error,omitempty"`
}
