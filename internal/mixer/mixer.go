// Package mixer implements the per-call audio pipeline: per-participant
// codec state, mix-minus summation, and soft-knee compression.
//
// One Mixer instance belongs to exactly one room/call. Ingest is the single
// entry point: it decodes an inbound frame, folds it into every registered
// participant's personalized mix, and returns each target's re-encoded
// output in one pass. This mirrors the reactive, per-packet pipeline it is
// modeled on — there is no separate tick or scheduler; the mixer runs
// exactly once per inbound audio message.
package mixer

import (
	"fmt"
	"sync"
	"time"

	"callroom/internal/codec"
)

// Soft-knee compression constants. Above threshold, excess amplitude is
// compressed by ratio:1 instead of being hard-clipped. A summed sample of
// magnitude up to threshold + ratio*(1-threshold) = 1.9 comes out inside
// [-1, 1]; anything louder still exceeds 1 after compression and is clamped
// when codec.Encode converts the frame to int16.
const (
	threshold = 0.7
	ratio     = 4.0
)

// FrameSize is the number of float32 samples in every decoded/mixed frame.
const FrameSize = codec.FrameSize

// VADState is an inert placeholder for a future voice-activity-detection
// gate. Ingest never reads it; it exists only so a participant's mixer slot
// has somewhere to carry VAD state once a detector is added.
type VADState struct {
	Energy float64
}

// participantState is the per-participant mixer record: codec state, the
// last raw input (cleared once this tick's mix is computed), the last
// decoded frame (persists as the baseline between ticks), and the
// speaker-classification fields.
type participantState struct {
	pair *codec.Pair

	raw []byte
	pcm []float32

	hasEverSent bool
	lastInputAt time.Time

	vad *VADState
}

// Mixer holds per-participant codec and mix state. Safe for concurrent use,
// though the room that owns it is expected to serialize calls through its
// own room-level lock per the single coarse-lock concurrency model.
type Mixer struct {
	mu    sync.Mutex
	pool  *codec.Pool
	state map[string]*participantState
}

// New returns an empty mixer with its own codec pool.
func New() *Mixer {
	return &Mixer{
		pool:  codec.NewPool(),
		state: make(map[string]*participantState),
	}
}

// Has reports whether id is currently registered.
func (m *Mixer) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state[id]
	return ok
}

// Add attaches real codec state for id and resets its PCM slot to silence.
// A second Add for an already-registered id is a no-op.
func (m *Mixer) Add(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state[id]; ok {
		return nil
	}
	pair, err := m.pool.Attach(id)
	if err != nil {
		return err
	}
	m.state[id] = newParticipantState(pair)
	return nil
}

// AddPair registers id with an already-constructed codec pair, bypassing
// real Opus construction. Tests use this to inject fakes.
func (m *Mixer) AddPair(id string, pair *codec.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state[id]; ok {
		return
	}
	m.pool.AttachPair(id, pair)
	m.state[id] = newParticipantState(pair)
}

func newParticipantState(pair *codec.Pair) *participantState {
	return &participantState{
		pair: pair,
		pcm:  make([]float32, FrameSize),
		vad:  &VADState{},
	}
}

// Remove detaches id's codec state and drops its mix state.
func (m *Mixer) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, id)
	m.pool.Detach(id)
}

// HasEverSentAudio reports whether id has ever successfully ingested a frame.
func (m *Mixer) HasEverSentAudio(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[id]
	return ok && st.hasEverSent
}

// LastInputAt returns the time of id's most recent ingested frame.
func (m *Mixer) LastInputAt(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.state[id]
	if !ok || st.lastInputAt.IsZero() {
		return time.Time{}, false
	}
	return st.lastInputAt, true
}

// Ingest decodes an inbound frame from id, then produces and encodes a
// personalized mix for every registered participant:
//
//  1. Decode data into id's PCM slot; on error, propagate and do not mix.
//  2. active is the set of participants whose raw slot is currently
//     non-empty — the contributors to this tick's mix.
//  3. For every registered target T: if T is active, T's frame is the sum
//     of every other active participant's PCM (mix-minus); otherwise it is
//     the sum of every active participant's PCM (full mix). A target with
//     no contributors is omitted from the result entirely.
//  4. Each resulting frame is soft-knee compressed, then re-encoded with
//     the target's own encoder.
//  5. Every active participant's raw slot is cleared; PCM slots persist as
//     next tick's baseline for whichever of them reappear in active.
func (m *Mixer) Ingest(id string, data []byte) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[id]
	if !ok {
		return nil, fmt.Errorf("mixer: participant %s is not registered", id)
	}

	pcm, err := codec.Decode(st.pair.Decoder, data)
	if err != nil {
		return nil, err
	}

	st.hasEverSent = true
	st.lastInputAt = time.Now()
	st.raw = data
	st.pcm = pcm

	type contributor struct {
		id  string
		pcm []float32
	}
	var active []contributor
	for pid, s := range m.state {
		if len(s.raw) > 0 {
			active = append(active, contributor{pid, s.pcm})
		}
	}

	out := make(map[string][]byte)
	if len(active) == 0 {
		return out, nil
	}

	for targetID, targetState := range m.state {
		isActiveSpeaker := false
		for _, a := range active {
			if a.id == targetID {
				isActiveSpeaker = true
				break
			}
		}

		mix := make([]float32, FrameSize)
		contributed := false
		for _, a := range active {
			if isActiveSpeaker && a.id == targetID {
				continue
			}
			contributed = true
			for i := 0; i < FrameSize && i < len(a.pcm); i++ {
				mix[i] += a.pcm[i]
			}
		}
		if !contributed {
			continue
		}

		compress(mix)

		encoded, err := codec.Encode(targetState.pair.Encoder, mix)
		if err != nil {
			continue
		}
		out[targetID] = encoded
	}

	for _, a := range active {
		m.state[a.id].raw = nil
	}

	return out, nil
}

// compress applies sign-preserving soft-knee compression in place: samples
// within [-threshold, threshold] pass through unchanged; samples beyond it
// are compressed by ratio:1 instead of hard-clipped.
func compress(buf []float32) {
	for i, x := range buf {
		ax := x
		neg := false
		if ax < 0 {
			ax = -ax
			neg = true
		}
		if ax <= threshold {
			continue
		}
		y := threshold + (ax-threshold)/ratio
		if neg {
			y = -y
		}
		buf[i] = y
	}
}
