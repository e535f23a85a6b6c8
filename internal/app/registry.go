package app

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/Streamer/internal/core"
	"github.com/rs/zerolog/log"
)

var ErrSessionExists = errors.New("session already registered for connection")

type Registry struct {
	mu       sync.RWMutex
	sessions map[core.ConnectionID]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.ConnectionID]*Session),
	}
}

func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	r.sessions[s.ID] = s
	log.Info().Str("module", "app.registry").Str("conn", string(s.ID)).Int("active", len(r.sessions)).Msg("registered session")
	return nil
}

func (r *Registry) Lookup(id core.ConnectionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Exists(id core.ConnectionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Remove detaches the session for id and releases it outside the lock.
// Concurrent callers race on the delete; only the winner releases.
func (r *Registry) Remove(ctx context.Context, id core.ConnectionID) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	active := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	log.Info().Str("module", "app.registry").Str("conn", string(id)).Int("active", active).Msg("removed session")
	s.Release(ctx)
	return s, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SessionInfo is a read-only view for APIs (no engine handles).
type SessionInfo struct {
	ID        core.ConnectionID `json:"id"`
	SourceURL string            `json:"source_url,omitempty"`
	Profile   string            `json:"profile,omitempty"`
	Transcode bool              `json:"transcode"`
	Loopback  bool              `json:"loopback"`
	State     string            `json:"state"`
}

func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			ID:        s.ID,
			SourceURL: s.SourceURL,
			Profile:   string(s.Profile),
			Transcode: s.Transcode,
			Loopback:  s.Loopback,
			State:     s.State().String(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
