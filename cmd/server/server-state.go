package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matst80/factcheck/internal/obs"
)

type serverState struct {
	mu            sync.Mutex
	clock         clockwork.Clock
	sessions      map[string]time.Time     // session id -> opened
	tickets       map[string]*uploadTicket // object key -> ticket
	closing       bool
	ready         bool
	verifications int64
	rejected      int64
	ticketTTL     time.Duration
}

func newServerState(clock clockwork.Clock, ticketTTL time.Duration) *serverState {
	if ticketTTL <= 0 {
		ticketTTL = 15 * time.Minute
	}
	return &serverState{clock: clock, ticketTTL: ticketTTL, sessions: make(map[string]time.Time), tickets: make(map[string]*uploadTicket)}
}

// liveLocked returns the ticket for key unless it outlived ticketTTL.
func (s *serverState) liveLocked(key string) (*uploadTicket, bool) {
	t, ok := s.tickets[key]
	if !ok || !s.clock.Now().Before(t.Created.Add(s.ticketTTL)) {
		return nil, false
	}
	return t, true
}

var _ StateStore = (*serverState)(nil)

func (s *serverState) createTicket(t *uploadTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tickets[t.ObjectKey]; exists {
		return fmt.Errorf("ticket already exists: %s", t.ObjectKey)
	}
	cp := *t
	s.tickets[t.ObjectKey] = &cp
	obs.OpenTickets.Set(float64(len(s.tickets)))
	return nil
}

func (s *serverState) getTicket(key string) (*uploadTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.liveLocked(key)
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *serverState) markUploaded(key string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.liveLocked(key)
	if !ok {
		return fmt.Errorf("no ticket for %s", key)
	}
	t.Uploaded = true
	t.Size = size
	return nil
}

// cleanupExpired drops tickets older than maxAge, or all of them while closing.
func (s *serverState) cleanupExpired(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-maxAge)
	removed := 0
	for key, t := range s.tickets {
		if s.closing || !t.Created.After(cutoff) {
			delete(s.tickets, key)
			removed++
		}
	}
	obs.OpenTickets.Set(float64(len(s.tickets)))
	return removed
}

func (s *serverState) registerSession(id string) {
	s.mu.Lock()
	s.sessions[id] = s.clock.Now()
	n := len(s.sessions)
	s.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
}

func (s *serverState) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	obs.ActiveSessions.Set(float64(n))
}

func (s *serverState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *serverState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *serverState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *serverState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *serverState) incrementVerifications() {
	s.mu.Lock()
	s.verifications++
	s.mu.Unlock()
}

func (s *serverState) incrementRejected() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

func (s *serverState) getStats() storeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := storeStats{Sessions: len(s.sessions), Tickets: len(s.tickets), Verifications: s.verifications, Rejected: s.rejected}
	for _, t := range s.tickets {
		if t.Uploaded {
			st.Uploaded++
			st.Bytes += t.Size
		}
	}
	return st
}

func (s *serverState) backend() string { return "in-memory" }
