package room

import (
	"sync"
	"testing"

	"callroom/internal/codec"
	"callroom/internal/mixer"
	"callroom/internal/protocol"
)

// fakeSender records every send/broadcast so tests can assert on fan-out
// behavior without a real transport.
type fakeSender struct {
	mu     sync.Mutex
	unicast []sentMsg
	broadcast []broadcastMsg
}

type sentMsg struct {
	to  string
	msg protocol.Message
}

type broadcastMsg struct {
	to  []string
	msg protocol.Message
}

func (s *fakeSender) SendTo(participantID string, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unicast = append(s.unicast, sentMsg{participantID, msg})
}

func (s *fakeSender) BroadcastTo(participantIDs []string, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := append([]string(nil), participantIDs...)
	s.broadcast = append(s.broadcast, broadcastMsg{ids, msg})
}

func (s *fakeSender) broadcastTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.broadcast))
	for i, b := range s.broadcast {
		out[i] = b.msg.Type
	}
	return out
}

func newTestRoom(defaultRole protocol.Role) (*Room, *fakeSender) {
	sender := &fakeSender{}
	r := New("node1-apple-banana-cherry", defaultRole, sender)
	return r, sender
}

func TestFirstJoinerBecomesHostAdmin(t *testing.T) {
	r, _ := newTestRoom(protocol.RoleListener)

	res, err := r.Join("p1", "", protocol.ConnectionType{Kind: protocol.ConnectionBrowser}, nil, "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !res.IsCreator {
		t.Fatal("expected first joiner to be creator")
	}
	if res.Role != protocol.RoleAdmin {
		t.Fatalf("expected Admin role, got %s", res.Role)
	}
	if res.HostID != "p1" {
		t.Fatalf("expected host p1, got %s", res.HostID)
	}
	if res.Participants[0].DisplayName != "Host" {
		t.Fatalf("expected first anonymous joiner named Host, got %q", res.Participants[0].DisplayName)
	}
	if !res.Participants[0].IsMuted {
		t.Fatal("expected new participant inserted muted")
	}
}

func TestSecondJoinerGetsDefaultRoleAndPlebName(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	if _, err := r.Join("p1", "", protocol.ConnectionType{Kind: protocol.ConnectionBrowser}, nil, ""); err != nil {
		t.Fatalf("Join p1: %v", err)
	}
	sender.broadcast = nil

	res, err := r.Join("p2", "", protocol.ConnectionType{Kind: protocol.ConnectionBrowser}, nil, "")
	if err != nil {
		t.Fatalf("Join p2: %v", err)
	}
	if res.IsCreator {
		t.Fatal("expected second joiner not to be creator")
	}
	if res.Role != protocol.RoleListener {
		t.Fatalf("expected default role listener, got %s", res.Role)
	}
	if res.HostID != "p1" {
		t.Fatalf("expected host to remain p1, got %s", res.HostID)
	}

	var p2Name string
	for _, p := range res.Participants {
		if p.ID == "p2" {
			p2Name = p.DisplayName
		}
	}
	if p2Name == "" || p2Name == "Host" {
		t.Fatalf("expected a pleb name for p2, got %q", p2Name)
	}

	types := sender.broadcastTypes()
	if len(types) != 1 || types[0] != protocol.TypeParticipantJoined {
		t.Fatalf("expected one participant_joined broadcast, got %v", types)
	}
}

func TestAnonymousJoinersGetDistinctPlebNames(t *testing.T) {
	r, _ := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "") // host, named "Host"

	seen := make(map[string]bool)
	for i, id := range []string{"p2", "p3", "p4"} {
		res, err := r.Join(id, "", protocol.ConnectionType{Kind: protocol.ConnectionBrowser}, nil, "")
		if err != nil {
			t.Fatalf("Join %s: %v", id, err)
		}
		var name string
		for _, p := range res.Participants {
			if p.ID == id {
				name = p.DisplayName
			}
		}
		if name == "" {
			t.Fatalf("joiner %d: expected a pleb name, got none", i)
		}
		if seen[name] {
			t.Fatalf("joiner %d: pleb name %q collided with an earlier joiner", i, name)
		}
		seen[name] = true
	}
}

func TestLeaveNonHostNonLastRemovesParticipant(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "")
	mustJoin(t, r, "p2", "")

	terminated, err := r.Leave("p2")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if terminated {
		t.Fatal("expected call not to terminate when a non-host leaves")
	}
	if r.Has("p2") {
		t.Fatal("expected p2 removed")
	}
	if !r.Has("p1") {
		t.Fatal("expected p1 to remain")
	}

	types := sender.broadcastTypes()
	if types[len(types)-1] != protocol.TypeParticipantLeft {
		t.Fatalf("expected trailing participant_left broadcast, got %v", types)
	}
}

func TestHostLeavingTerminatesCallTwoPass(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "")
	mustJoin(t, r, "p2", "")
	sender.broadcast = nil

	terminated, err := r.Leave("p1")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !terminated {
		t.Fatal("expected host leaving to terminate the call")
	}

	types := sender.broadcastTypes()
	if len(types) != 2 || types[0] != protocol.TypeCallEnded || types[1] != protocol.TypeCloseConnection {
		t.Fatalf("expected [call_ended, close_connection] in order, got %v", types)
	}
	if !r.Ended() {
		t.Fatal("expected room to report ended")
	}
	if r.Has("p1") || r.Has("p2") {
		t.Fatal("expected all participants dropped after termination")
	}
}

func TestLastParticipantLeavingTerminatesCall(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "")
	mustJoin(t, r, "p2", "")
	if _, err := r.Leave("p2"); err != nil {
		t.Fatalf("Leave p2: %v", err)
	}
	sender.broadcast = nil

	terminated, err := r.Leave("p1")
	if err != nil {
		t.Fatalf("Leave p1: %v", err)
	}
	if !terminated {
		t.Fatal("expected last remaining participant leaving to terminate the call")
	}
}

func TestChatAppendsAndBroadcastsWithSenderName(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "")

	msg, err := r.Chat("p1", "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if msg.Content != "hi" || msg.SenderName != "Host" {
		t.Fatalf("unexpected chat message: %+v", msg)
	}

	types := sender.broadcastTypes()
	if types[len(types)-1] != protocol.TypeChatMessage {
		t.Fatalf("expected trailing chat_message broadcast, got %v", types)
	}
}

func TestSetMuteBroadcasts(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "")

	if err := r.SetMute("p1", true); err != nil {
		t.Fatalf("SetMute: %v", err)
	}
	types := sender.broadcastTypes()
	if types[len(types)-1] != protocol.TypeMuteChanged {
		t.Fatalf("expected mute_changed broadcast, got %v", types)
	}
}

func TestUpdateRoleChangesRoleAndBroadcasts(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "")
	mustJoin(t, r, "p2", "")

	if err := r.UpdateRole("p2", protocol.RoleSpeaker); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	role, ok := r.Role("p2")
	if !ok || role != protocol.RoleSpeaker {
		t.Fatalf("expected p2 promoted to speaker, got %s (ok=%v)", role, ok)
	}
	types := sender.broadcastTypes()
	if types[len(types)-1] != protocol.TypeRoleChanged {
		t.Fatalf("expected role_changed broadcast, got %v", types)
	}
}

func TestUpdateSettingsNotifiesSelfAndHost(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "") // host
	mustJoin(t, r, "p2", "")

	if err := r.UpdateSettings("p2", map[string]any{"noiseSuppression": true}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.unicast) != 2 {
		t.Fatalf("expected 2 unicasts (self + host), got %d", len(sender.unicast))
	}
	targets := map[string]bool{sender.unicast[0].to: true, sender.unicast[1].to: true}
	if !targets["p2"] || !targets["p1"] {
		t.Fatalf("expected unicasts to p2 and host p1, got %v", targets)
	}
}

func TestUpdateSettingsSkipsDuplicateWhenSenderIsHost(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "") // host

	if err := r.UpdateSettings("p1", map[string]any{"x": 1}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.unicast) != 1 {
		t.Fatalf("expected a single unicast when sender is already host, got %d", len(sender.unicast))
	}
}

func TestUpdateSpeakingStateBroadcasts(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "")

	if err := r.UpdateSpeakingState("p1", true); err != nil {
		t.Fatalf("UpdateSpeakingState: %v", err)
	}
	types := sender.broadcastTypes()
	if types[len(types)-1] != protocol.TypeSpeakingState {
		t.Fatalf("expected speaking_state broadcast, got %v", types)
	}
}

func TestUpdateAvatarBroadcasts(t *testing.T) {
	r, sender := newTestRoom(protocol.RoleListener)
	mustJoin(t, r, "p1", "")

	if err := r.UpdateAvatar("p1", "https://example.com/a.png"); err != nil {
		t.Fatalf("UpdateAvatar: %v", err)
	}
	types := sender.broadcastTypes()
	if types[len(types)-1] != protocol.TypeAvatarChanged {
		t.Fatalf("expected avatar_changed broadcast, got %v", types)
	}
}

func TestIngestAudioAssignsMonotonicSequencePerTarget(t *testing.T) {
	sender := &fakeSender{}
	mx := mixer.New()
	r := NewWithMixer("node1-apple-banana-cherry", protocol.RoleListener, sender, mx)

	mx.AddPair("p1", &codec.Pair{Decoder: &fixedDecoder{pcm: fill(100)}, Encoder: &capturingEncoder{}})
	mx.AddPair("p2", &codec.Pair{Decoder: &fixedDecoder{pcm: fill(200)}, Encoder: &capturingEncoder{}})
	joinRaw(t, r, "p1")
	joinRaw(t, r, "p2")

	out1, err := r.IngestAudio("p1", []byte{0xFC})
	if err != nil {
		t.Fatalf("IngestAudio: %v", err)
	}
	if o, ok := out1["p2"]; !ok || o.Sequence != 0 || o.TimestampMs != 0 {
		t.Fatalf("expected p2's first output at seq 0 / ts 0, got %+v (ok=%v)", o, ok)
	}

	out2, err := r.IngestAudio("p2", []byte{0xFC})
	if err != nil {
		t.Fatalf("IngestAudio: %v", err)
	}
	if o, ok := out2["p1"]; !ok || o.Sequence != 0 {
		t.Fatalf("expected p1's first output at seq 0, got %+v (ok=%v)", o, ok)
	}
}

func mustJoin(t *testing.T, r *Room, id, displayName string) {
	t.Helper()
	if _, err := r.Join(id, displayName, protocol.ConnectionType{Kind: protocol.ConnectionBrowser}, nil, ""); err != nil {
		t.Fatalf("Join %s: %v", id, err)
	}
}

// joinRaw joins a participant whose mixer pair is pre-attached via AddPair,
// bypassing Room's own mixer.Add call (which would try to build a real Opus
// codec). Room.Join always calls mixer.Add, but Add is a no-op for an
// already-registered id, so the pre-attached fake pair survives.
func joinRaw(t *testing.T, r *Room, id string) {
	t.Helper()
	mustJoin(t, r, id, id)
}

func fill(v int16) []int16 {
	pcm := make([]int16, mixer.FrameSize)
	for i := range pcm {
		pcm[i] = v
	}
	return pcm
}

type fixedDecoder struct {
	pcm []int16
}

func (d *fixedDecoder) Decode(data []byte, pcm []int16) (int, error) {
	return copy(pcm, d.pcm), nil
}

type capturingEncoder struct{}

func (e *capturingEncoder) Encode(pcm []int16, data []byte) (int, error) {
	return copy(data, []byte{0xAA}), nil
}
