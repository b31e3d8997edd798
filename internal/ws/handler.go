// Package ws is the message dispatcher: it owns the websocket transport,
// resolves each connection's identity on JoinCall, enforces role-based
// authorization per message type, and drives the room/mixer operations
// that message implies. Authorization lives here, not in internal/room, so
// there is exactly one place a permission rule can be wrong.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"callroom/internal/callmgr"
	"callroom/internal/nodeauth"
	"callroom/internal/protocol"
	"callroom/internal/registry"
	"callroom/internal/room"
	"callroom/internal/wordlist"
)

const writeTimeout = 5 * time.Second

// Error taxonomy surfaced to clients as protocol.Message{Type: TypeError}.
// Never fatal to the room: a handler that hits one of these returns at the
// first failed precondition without mutating any state.
var (
	errNotAuthenticated = errors.New("channel is not bound to a participant")
	errNotInCall        = errors.New("bound participant but room lookup failed")
	errCallNotFound     = errors.New("call not found")
	errInvalidAuthToken = errors.New("auth token is not recognized")
	errPermissionDenied = errors.New("insufficient role for this action")
	errInvalidMessage   = errors.New("message did not parse")
)

// Handler owns websocket transport and dispatches every inbound message.
type Handler struct {
	calls    *callmgr.Manager
	nodeAuth *nodeauth.Table
	registry *registry.Registry
	fanout   *Fanout
	hostNode string
	upgrader websocket.Upgrader
}

// NewHandler wires a dispatcher around an already-constructed call manager,
// node-auth table, registry, and fanout. fanout must be the same instance
// the manager's rooms were built with, so a room's broadcast reaches the
// connections this handler owns.
func NewHandler(calls *callmgr.Manager, nodeAuth *nodeauth.Table, reg *registry.Registry, fanout *Fanout, hostNode string) *Handler {
	return &Handler{
		calls:    calls,
		nodeAuth: nodeAuth,
		registry: reg,
		fanout:   fanout,
		hostNode: hostNode,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	channelID := h.registry.NewChannelID()
	queue := make(chan []byte, 64)
	h.fanout.Register(channelID, queue)
	slog.Debug("ws connected", "channel_id", channelID, "remote", remoteAddr)

	go func() {
		for data := range queue {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("ws write error", "channel_id", channelID, "err", err)
				return
			}
		}
	}()

	defer func() {
		h.fanout.Unregister(channelID)
		close(queue)

		callID, participantID, ok := h.registry.Unbind(channelID)
		if !ok {
			return
		}
		r, ok := h.calls.Get(callID)
		if !ok {
			return
		}
		terminated, err := r.Leave(participantID)
		if err != nil {
			slog.Debug("leave on disconnect failed", "call_id", callID, "participant_id", participantID, "err", err)
			return
		}
		if terminated {
			h.calls.Remove(callID)
		}
	}()

	bound := false
	var callID, participantID string
	var currentRole protocol.Role

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "channel_id", channelID, "err", err)
			}
			return
		}

		var in protocol.Message
		if err := json.Unmarshal(data, &in); err != nil {
			h.writeDirect(queue, protocol.Message{Type: protocol.TypeError, Error: errInvalidMessage.Error()})
			continue
		}

		if !bound {
			if in.Type != protocol.TypeJoinCall {
				h.writeDirect(queue, protocol.Message{Type: protocol.TypeError, Error: errNotAuthenticated.Error()})
				continue
			}
			result, rCallID, rParticipantID, role, err := h.handleJoin(channelID, in)
			if err != nil {
				h.writeDirect(queue, protocol.Message{Type: protocol.TypeError, Error: err.Error()})
				continue
			}
			bound, callID, participantID, currentRole = true, rCallID, rParticipantID, role
			h.writeDirect(queue, protocol.Message{
				Type:         protocol.TypeCallJoined,
				SelfID:       participantID,
				Role:         role,
				Participants: result.Participants,
				Chat:         result.ChatHistory,
				AuthToken:    result.AuthNonce,
				HostID:       result.HostID,
			})
			continue
		}

		r, ok := h.calls.Get(callID)
		if !ok {
			h.writeDirect(queue, protocol.Message{Type: protocol.TypeError, Error: errNotInCall.Error()})
			return
		}
		if role, ok := r.Role(participantID); ok {
			currentRole = role
		}
		h.dispatch(r, participantID, currentRole, in, queue)
	}
}

// handleJoin resolves identity per the dispatcher's JoinCall rules, joins
// the resolved participant into the named call, and binds the connection
// in the registry.
func (h *Handler) handleJoin(channelID uint64, in protocol.Message) (room.JoinResult, string, string, protocol.Role, error) {
	r, callExists := h.calls.Get(in.CallID)
	if !callExists {
		return room.JoinResult{}, "", "", "", errCallNotFound
	}

	participantID, connType, err := h.resolveIdentity(r, in)
	if err != nil {
		return room.JoinResult{}, "", "", "", err
	}

	result, err := r.Join(participantID, in.DisplayName, connType, in.Settings, in.AvatarURL)
	if err != nil {
		return room.JoinResult{}, "", "", "", err
	}

	h.registry.Bind(channelID, in.CallID, participantID)
	slog.Info("ws participant bound", "call_id", in.CallID, "participant_id", participantID, "channel_id", channelID, "role", result.Role)
	return result, in.CallID, participantID, result.Role, nil
}

// resolveIdentity implements the dispatcher's JoinCall identity-resolution
// ladder (spec §4.4): node-auth token, host rejoin, unknown token rejection,
// anonymous browser join, in that order.
func (h *Handler) resolveIdentity(r *room.Room, in protocol.Message) (string, protocol.ConnectionType, error) {
	if in.AuthToken != "" {
		if nodeID, ok := h.nodeAuth.Lookup(in.AuthToken); ok {
			return nodeID, protocol.ConnectionType{Kind: protocol.ConnectionRemoteNode, NodeID: nodeID}, nil
		}
		return "", protocol.ConnectionType{}, errInvalidAuthToken
	}
	if strings.HasPrefix(in.CallID, h.hostNode+"-") && r.HostID() == "" {
		return h.hostNode, protocol.ConnectionType{Kind: protocol.ConnectionBrowser}, nil
	}
	return wordlist.Token(), protocol.ConnectionType{Kind: protocol.ConnectionBrowser}, nil
}

// dispatch runs the authenticated-path message variants. The caller has
// already resolved C -> (callID, participantID, currentRole).
func (h *Handler) dispatch(r *room.Room, participantID string, currentRole protocol.Role, in protocol.Message, queue chan []byte) {
	switch in.Type {
	case protocol.TypeChat:
		if !currentRole.AtLeast(protocol.RoleChatter) {
			h.writeDirect(queue, errMsg(errPermissionDenied))
			return
		}
		if _, err := r.Chat(participantID, in.Content); err != nil {
			h.writeDirect(queue, errMsg(err))
		}

	case protocol.TypeMute:
		muted := in.Muted != nil && *in.Muted
		if err := r.SetMute(participantID, muted); err != nil {
			h.writeDirect(queue, errMsg(err))
		}

	case protocol.TypeAudioData:
		if !currentRole.AtLeast(protocol.RoleSpeaker) {
			h.writeDirect(queue, errMsg(errPermissionDenied))
			return
		}
		outputs, err := r.IngestAudio(participantID, in.Payload)
		if err != nil {
			h.writeDirect(queue, errMsg(err))
			return
		}
		for targetID, out := range outputs {
			h.fanout.SendTo(targetID, protocol.Message{
				Type:       protocol.TypeMixedAudio,
				StreamID:   protocol.AudioStreamLabel,
				Codec:      "opus",
				SampleRate: in.SampleRate,
				Channels:   in.Channels,
				Sequence:   out.Sequence,
				TS:         out.TimestampMs,
				Payload:    out.Encoded,
			})
		}

	case protocol.TypeUpdateRole:
		if !currentRole.AtLeast(protocol.RoleAdmin) {
			h.writeDirect(queue, errMsg(errPermissionDenied))
			return
		}
		if err := r.UpdateRole(in.TargetID, in.Role); err != nil {
			h.writeDirect(queue, errMsg(err))
		}

	case protocol.TypeUpdateSettings:
		if err := r.UpdateSettings(participantID, in.Settings); err != nil {
			h.writeDirect(queue, errMsg(err))
		}

	case protocol.TypeUpdateSpeakingState:
		if !currentRole.AtLeast(protocol.RoleSpeaker) {
			h.writeDirect(queue, errMsg(errPermissionDenied))
			return
		}
		speaking := in.IsSpeaking != nil && *in.IsSpeaking
		if err := r.UpdateSpeakingState(participantID, speaking); err != nil {
			h.writeDirect(queue, errMsg(err))
		}

	case protocol.TypeUpdateAvatar:
		if err := r.UpdateAvatar(participantID, in.AvatarURL); err != nil {
			h.writeDirect(queue, errMsg(err))
		}

	case protocol.TypeHeartbeat:
		h.writeDirect(queue, protocol.Message{Type: protocol.TypeHeartbeatAck, TS: in.TS})

	default:
		slog.Warn("ws unknown message type", "participant_id", participantID, "type", in.Type)
		h.writeDirect(queue, protocol.Message{Type: protocol.TypeError, Error: "unsupported message type"})
	}
}

func errMsg(err error) protocol.Message {
	return protocol.Message{Type: protocol.TypeError, Error: err.Error()}
}

func (h *Handler) writeDirect(queue chan []byte, msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("ws marshal failed", "type", msg.Type, "err", err)
		return
	}
	select {
	case queue <- data:
	case <-time.After(writeTimeout):
		slog.Debug("ws direct write timeout", "type", msg.Type)
	}
}
