package codec

import (
	"fmt"
	"sync"
)

// Pair holds one participant's encoder and decoder for the lifetime of
// their connection. A Pair is not safe for concurrent use — the mixer
// calls into it only from the room's serializing goroutine.
type Pair struct {
	Encoder Encoder
	Decoder Decoder
}

// Pool hands out one codec Pair per participant and tracks them so the
// mixer never leaks an Opus encoder/decoder after a participant leaves.
type Pool struct {
	mu    sync.Mutex
	pairs map[string]*Pair
}

// NewPool returns an empty codec pool.
func NewPool() *Pool {
	return &Pool{pairs: make(map[string]*Pair)}
}

// Attach creates and registers a fresh encoder/decoder pair for participantID.
// Calling Attach twice for the same ID replaces the prior pair.
func (p *Pool) Attach(participantID string) (*Pair, error) {
	enc, err := NewEncoder()
	if err != nil {
		return nil, fmt.Errorf("codec pool: attach %s: %w", participantID, err)
	}
	dec, err := NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("codec pool: attach %s: %w", participantID, err)
	}

	pair := &Pair{Encoder: enc, Decoder: dec}

	p.mu.Lock()
	p.pairs[participantID] = pair
	p.mu.Unlock()
	return pair, nil
}

// AttachPair registers an already-constructed pair, bypassing real Opus
// construction. Tests use this to inject fakes.
func (p *Pool) AttachPair(participantID string, pair *Pair) {
	p.mu.Lock()
	p.pairs[participantID] = pair
	p.mu.Unlock()
}

// Get returns the pair for participantID, or ok=false if none is attached.
func (p *Pool) Get(participantID string) (*Pair, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pair, ok := p.pairs[participantID]
	return pair, ok
}

// Detach drops the pair for participantID. The underlying Opus handles are
// left for the garbage collector — opus.v2 wraps cgo resources behind a
// finalizer, so there is nothing to explicitly free here.
func (p *Pool) Detach(participantID string) {
	p.mu.Lock()
	delete(p.pairs, participantID)
	p.mu.Unlock()
}

// Count returns the number of attached pairs.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pairs)
}
