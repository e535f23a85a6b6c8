package orch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dkeye/Streamer/internal/app"
	"github.com/dkeye/Streamer/internal/core"
	"github.com/dkeye/Streamer/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoSourceURL = errors.New("source url is required")

type StartRequest struct {
	domain.StreamRequest
	// Loopback connects the transport element to itself; no source is pulled.
	Loopback bool
	Offer    string
}

// Start builds the pipeline for id and negotiates the offer. The session is
// registered only once the answer exists; on any failure everything created
// so far is released and nothing stays registered, even if the engine panics.
//
// sink receives engine events for the new elements from engine goroutines.
func (o *Orchestrator) Start(ctx context.Context, id core.ConnectionID, req StartRequest, sink func(core.EngineEvent)) (string, error) {
	if !req.Loopback && req.SourceURL == "" {
		return "", ErrNoSourceURL
	}
	if o.Registry.Exists(id) {
		log.Info().Str("module", "orch").Str("conn", string(id)).Msg("restart: releasing previous session")
		o.Stop(ctx, id)
	}

	sess := app.NewSession(id, o.Engine, req.StreamRequest)
	sess.Loopback = req.Loopback
	sess.SetState(app.StateNegotiating)

	registered := false
	defer func() {
		if !registered {
			sess.Release(ctx)
		}
	}()

	answer, err := o.negotiate(ctx, sess, req, sink)
	if err != nil {
		return "", err
	}
	if err := o.Registry.Register(sess); err != nil {
		return "", err
	}
	registered = true

	log.Info().
		Str("module", "orch").
		Str("conn", string(id)).
		Str("source_url", sess.SourceURL).
		Str("profile", string(sess.Profile)).
		Bool("transcode", sess.Transcode).
		Bool("loopback", sess.Loopback).
		Msg("offer processed")
	return answer, nil
}

func (o *Orchestrator) negotiate(ctx context.Context, sess *app.Session, req StartRequest, sink func(core.EngineEvent)) (string, error) {
	pipeline, err := o.Engine.CreatePipeline(ctx)
	if err != nil {
		return "", fmt.Errorf("create pipeline: %w", err)
	}
	sess.Attach(pipeline, "", "")

	var source core.Handle
	if !req.Loopback {
		source, err = o.Engine.CreateSource(ctx, pipeline, req.SourceURL)
		if err != nil {
			return "", fmt.Errorf("create source: %w", err)
		}
		sess.Attach(pipeline, source, "")
	}

	transport, err := o.Engine.CreateTransport(ctx, pipeline, core.TransportOptions{StunServer: o.StunServer})
	if err != nil {
		return "", fmt.Errorf("create transport: %w", err)
	}
	sess.Attach(pipeline, source, transport)

	topo := app.Topology{Engine: o.Engine}
	if req.Loopback {
		err = topo.BuildLoopback(ctx, transport)
	} else {
		err = topo.Build(ctx, pipeline, source, transport, req.Profile, req.Transcode)
	}
	if err != nil {
		return "", err
	}

	if err := o.listen(source, transport, sink); err != nil {
		return "", err
	}

	answer, err := o.Engine.ProcessOffer(ctx, transport, req.Offer)
	if err != nil {
		return "", fmt.Errorf("process offer: %w", err)
	}
	return answer, nil
}

func (o *Orchestrator) listen(source, transport core.Handle, sink func(core.EngineEvent)) error {
	if source.IsSet() {
		if err := o.Engine.OnError(source, sink); err != nil {
			return fmt.Errorf("listen source errors: %w", err)
		}
		if err := o.Engine.OnEndOfStream(source, sink); err != nil {
			return fmt.Errorf("listen end of stream: %w", err)
		}
	}
	if err := o.Engine.OnError(transport, sink); err != nil {
		return fmt.Errorf("listen transport errors: %w", err)
	}
	if err := o.Engine.OnCandidateFound(transport, sink); err != nil {
		return fmt.Errorf("listen candidates: %w", err)
	}
	return nil
}

// Activate starts candidate gathering and playback once the answer has been
// sent. A failure tears the session down.
func (o *Orchestrator) Activate(ctx context.Context, id core.ConnectionID) error {
	sess, ok := o.Registry.Lookup(id)
	if !ok {
		return fmt.Errorf("activate %s: no session", id)
	}
	if err := o.Engine.GatherCandidates(ctx, sess.Transport()); err != nil {
		o.Stop(ctx, id)
		return fmt.Errorf("gather candidates: %w", err)
	}
	if src := sess.Source(); src.IsSet() {
		if err := o.Engine.Play(ctx, src); err != nil {
			o.Stop(ctx, id)
			return fmt.Errorf("play source: %w", err)
		}
	}
	sess.SetState(app.StateActive)

	log.Info().Str("module", "orch").Str("conn", string(id)).Msg("stream playing")
	o.notify(app.EventSessionStarted, id, map[string]string{
		"source_url": sess.SourceURL,
		"profile":    string(sess.Profile),
		"transcode":  strconv.FormatBool(sess.Transcode),
	})
	return nil
}

// AddCandidate forwards a remote candidate to the session's transport.
// Without a session it does nothing and reports false.
func (o *Orchestrator) AddCandidate(ctx context.Context, id core.ConnectionID, cand webrtc.ICECandidateInit) (bool, error) {
	sess, ok := o.Registry.Lookup(id)
	if !ok {
		return false, nil
	}
	transport := sess.Transport()
	if !transport.IsSet() {
		return false, nil
	}
	if err := o.Engine.AddCandidate(ctx, transport, cand); err != nil {
		return true, fmt.Errorf("add candidate: %w", err)
	}
	return true, nil
}
