package orch

import (
	"context"

	"github.com/dkeye/Streamer/internal/app"
	"github.com/dkeye/Streamer/internal/core"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Engine   core.MediaEngine
	Notifier app.Notifier
	// StunServer is applied to every transport element when set.
	StunServer string
}

func (o *Orchestrator) notify(event string, id core.ConnectionID, attrs map[string]string) {
	if o.Notifier == nil {
		return
	}
	o.Notifier.Notify(event, id, attrs)
}

// Stop releases the session of id, if any. It reports whether one existed.
func (o *Orchestrator) Stop(ctx context.Context, id core.ConnectionID) bool {
	sess, ok := o.Registry.Remove(ctx, id)
	if !ok {
		return false
	}
	log.Info().Str("module", "orch").Str("conn", string(id)).Msg("stream stopped")
	o.notify(app.EventSessionStopped, id, map[string]string{"source_url": sess.SourceURL})
	return true
}

func (o *Orchestrator) OnDisconnect(ctx context.Context, id core.ConnectionID) {
	if o.Stop(ctx, id) {
		log.Info().Str("module", "orch").Str("conn", string(id)).Msg("session closed with connection")
	}
}

// Owns reports whether element belongs to the live session of id.
func (o *Orchestrator) Owns(id core.ConnectionID, element core.Handle) bool {
	sess, ok := o.Registry.Lookup(id)
	if !ok {
		return false
	}
	return sess.Owns(element)
}

// OnEngineEvent records terminal stream events on the lifecycle feed.
func (o *Orchestrator) OnEngineEvent(id core.ConnectionID, ev core.EngineEvent) {
	switch ev.Kind {
	case core.EventEndOfStream:
		o.notify(app.EventStreamEnded, id, nil)
	case core.EventError:
		o.notify(app.EventStreamError, id, map[string]string{"description": ev.Description})
	case core.EventCandidateFound:
	}
}
