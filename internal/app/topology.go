package app

import (
	"context"
	"fmt"

	"github.com/dkeye/Streamer/internal/core"
	"github.com/dkeye/Streamer/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	decodeCommand = "decodebin"
	encodeCommand = "x264enc tune=zerolatency speed-preset=ultrafast bitrate=2000"
	scaleCommand  = "videoscale"
	capsTemplate  = "capsfilter caps=video/x-raw,width=%d,height=%d"
)

// stage appends elements after tail and returns the new tail.
type stage func(ctx context.Context, tail core.Handle) (core.Handle, error)

// Topology wires a source element to a transport element through the
// filters a session asks for.
type Topology struct {
	Engine core.MediaEngine
}

// Build connects source to transport. Transcoding always runs before
// scaling; the scaler needs decoded frames. An unknown profile is treated
// as no profile.
func (t Topology) Build(ctx context.Context, pipeline, source, transport core.Handle, profile string, transcode bool) error {
	var stages []stage
	if transcode {
		stages = append(stages, t.transcodeStage(pipeline))
	}
	if p, ok := domain.ParseProfile(profile); ok {
		stages = append(stages, t.scaleStage(pipeline, p))
	}

	tail := source
	for _, st := range stages {
		next, err := st(ctx, tail)
		if err != nil {
			return err
		}
		tail = next
	}
	if err := t.Engine.Connect(ctx, tail, transport); err != nil {
		return fmt.Errorf("connect to transport: %w", err)
	}
	if len(stages) == 0 {
		log.Debug().Str("module", "app.topology").Msg("pass-through pipeline")
	}
	return nil
}

// BuildLoopback connects the transport element to itself.
func (t Topology) BuildLoopback(ctx context.Context, transport core.Handle) error {
	if err := t.Engine.Connect(ctx, transport, transport); err != nil {
		return fmt.Errorf("connect loopback: %w", err)
	}
	return nil
}

func (t Topology) transcodeStage(pipeline core.Handle) stage {
	return func(ctx context.Context, tail core.Handle) (core.Handle, error) {
		decoder, err := t.Engine.CreateFilter(ctx, pipeline, core.FilterDecode, decodeCommand)
		if err != nil {
			return "", fmt.Errorf("create decoder: %w", err)
		}
		encoder, err := t.Engine.CreateFilter(ctx, pipeline, core.FilterEncode, encodeCommand)
		if err != nil {
			return "", fmt.Errorf("create encoder: %w", err)
		}
		if err := t.Engine.Connect(ctx, tail, decoder); err != nil {
			return "", fmt.Errorf("connect decoder: %w", err)
		}
		if err := t.Engine.Connect(ctx, decoder, encoder); err != nil {
			return "", fmt.Errorf("connect encoder: %w", err)
		}
		log.Info().Str("module", "app.topology").Msg("transcoding enabled")
		return encoder, nil
	}
}

func (t Topology) scaleStage(pipeline core.Handle, p domain.Profile) stage {
	res, _ := p.Resolution()
	return func(ctx context.Context, tail core.Handle) (core.Handle, error) {
		scaler, err := t.Engine.CreateFilter(ctx, pipeline, core.FilterScale, scaleCommand)
		if err != nil {
			return "", fmt.Errorf("create scaler: %w", err)
		}
		caps, err := t.Engine.CreateFilter(ctx, pipeline, core.FilterCaps, fmt.Sprintf(capsTemplate, res.Width, res.Height))
		if err != nil {
			return "", fmt.Errorf("create caps filter: %w", err)
		}
		if err := t.Engine.Connect(ctx, tail, scaler); err != nil {
			return "", fmt.Errorf("connect scaler: %w", err)
		}
		if err := t.Engine.Connect(ctx, scaler, caps); err != nil {
			return "", fmt.Errorf("connect caps filter: %w", err)
		}
		log.Info().Str("module", "app.topology").Str("profile", string(p)).Int("width", res.Width).Int("height", res.Height).Msg("profile applied")
		return caps, nil
	}
}
