package app

import (
	"context"
	"sync"

	"github.com/dkeye/Streamer/internal/core"
	"github.com/dkeye/Streamer/internal/domain"
	"github.com/rs/zerolog/log"
)

type SessionState int32

const (
	StateNew SessionState = iota
	StateNegotiating
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session ties one connection to the engine resources built for it.
// It exclusively owns its pipeline, source and transport handles.
type Session struct {
	ID        core.ConnectionID
	SourceURL string
	Profile   domain.Profile
	Transcode bool
	// Loopback sessions have no source element; the transport feeds itself.
	Loopback bool

	engine core.MediaEngine

	mu        sync.Mutex
	state     SessionState
	pipeline  core.Handle
	source    core.Handle
	transport core.Handle
}

func NewSession(id core.ConnectionID, engine core.MediaEngine, req domain.StreamRequest) *Session {
	profile, _ := domain.ParseProfile(req.Profile)
	return &Session{
		ID:        id,
		SourceURL: req.SourceURL,
		Profile:   profile,
		Transcode: req.Transcode,
		engine:    engine,
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = st
}

// Attach records the engine handles built for this session. It is called
// only by the start path before the session is registered.
func (s *Session) Attach(pipeline, source, transport core.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline, s.source, s.transport = pipeline, source, transport
}

func (s *Session) Pipeline() core.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline
}

func (s *Session) Source() core.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

func (s *Session) Transport() core.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Owns reports whether h is one of the elements this session holds.
func (s *Session) Owns(h core.Handle) bool {
	if !h.IsSet() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return h == s.pipeline || h == s.source || h == s.transport
}

// Release stops the source and frees every owned element, pipeline last.
// Failures are logged and swallowed so teardown always completes. Handles are
// cleared before any engine call, so a second Release does nothing.
// Cancellation of ctx does not cut teardown short.
func (s *Session) Release(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	pipeline, source, transport := s.pipeline, s.source, s.transport
	s.pipeline, s.source, s.transport = "", "", ""
	s.state = StateClosed
	s.mu.Unlock()

	if !pipeline.IsSet() && !source.IsSet() && !transport.IsSet() {
		return
	}

	logger := log.With().Str("module", "app.session").Str("conn", string(s.ID)).Logger()

	if source.IsSet() {
		if err := s.engine.Stop(ctx, source); err != nil {
			logger.Warn().Err(err).Str("element", string(source)).Msg("stop source")
		}
		if err := s.engine.Release(ctx, source); err != nil {
			logger.Warn().Err(err).Str("element", string(source)).Msg("release source")
		}
	}
	if transport.IsSet() {
		if err := s.engine.Release(ctx, transport); err != nil {
			logger.Warn().Err(err).Str("element", string(transport)).Msg("release transport")
		}
	}
	if pipeline.IsSet() {
		if err := s.engine.Release(ctx, pipeline); err != nil {
			logger.Warn().Err(err).Str("element", string(pipeline)).Msg("release pipeline")
		}
	}
	logger.Info().Msg("session released")
}
