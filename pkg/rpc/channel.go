package rpc

import (
	"fmt"
	"sync"

	rtrmerrors "github.com/cuemby/rtrm/pkg/errors"
)

// TokenSequencer issues strictly increasing tokens for one application's
// RPC stream, and validates that inbound request tokens never regress.
// Replies are not validated here: they carry the token of the request they
// answer and are matched (or dropped) by PendingResponses.
type TokenSequencer struct {
	mu   sync.Mutex
	next uint32
	last uint32
	seen bool
}

// Next allocates the next outbound token.
func (s *TokenSequencer) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

// Validate checks that token is strictly greater than the last one
// accepted on this stream.
func (s *TokenSequencer) Validate(token uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen && token <= s.last {
		return fmt.Errorf("token %d did not increase past %d: %w", token, s.last, rtrmerrors.ErrProtocolError)
	}
	s.last = token
	s.seen = true
	return nil
}

// PendingResponses correlates a manager-originated request with the
// application's eventual reply by token. A reply carrying an unknown
// token (already delivered, or never sent) is dropped by the caller.
type PendingResponses struct {
	mu      sync.Mutex
	waiters map[uint32]chan Frame
}

// NewPendingResponses creates an empty response correlator.
func NewPendingResponses() *PendingResponses {
	return &PendingResponses{waiters: make(map[uint32]chan Frame)}
}

// Await registers token as awaiting a reply and returns the channel it
// will arrive on.
func (p *PendingResponses) Await(token uint32) <-chan Frame {
	ch := make(chan Frame, 1)
	p.mu.Lock()
	p.waiters[token] = ch
	p.mu.Unlock()
	return ch
}

// Cancel drops a pending wait, e.g. after its deadline expires.
func (p *PendingResponses) Cancel(token uint32) {
	p.mu.Lock()
	delete(p.waiters, token)
	p.mu.Unlock()
}

// Deliver hands f to whatever Await call is waiting on its token.
// Reports false, and drops the frame, if no such wait is registered.
func (p *PendingResponses) Deliver(f Frame) bool {
	p.mu.Lock()
	ch, ok := p.waiters[f.Header.Token]
	if ok {
		delete(p.waiters, f.Header.Token)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- f
	return true
}
