package signal

import (
	"errors"

	"github.com/dkeye/Streamer/internal/app/orch"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("too many start requests")

func (ctl *SignalWSController) handleStart(sc *streamConn, data []byte) error {
	if !ctl.opts.Limiter.Allow(sc.id) {
		return ErrRateLimited
	}
	m, err := decodeStart(data)
	if err != nil {
		return err
	}

	req := orch.StartRequest{Offer: m.SDPOffer}
	switch sc.variant {
	case VariantQuery:
		req.StreamRequest = sc.params
	case VariantInBand:
		if err := validateSourceURL(m.RTSPURL); err != nil {
			return err
		}
		req.StreamRequest = sc.params
		req.SourceURL = m.RTSPURL
	case VariantLoopback:
		req.Loopback = true
	}

	answer, err := ctl.Orch.Start(sc.ctx, sc.id, req, sc.sink)
	if err != nil {
		return err
	}
	ctl.sendJSON(sc, startResponse{
		ID:         MsgStartResponse,
		SDPAnswer:  answer,
		StunServer: ctl.opts.StunServer,
	})
	return ctl.Orch.Activate(sc.ctx, sc.id)
}

func (ctl *SignalWSController) handleStop(sc *streamConn) {
	if ctl.Orch.Stop(sc.ctx, sc.id) {
		log.Info().Str("module", "signal").Str("conn", string(sc.id)).Msg("stop requested")
	}
}

// handleCandidate is a no-op until a session exists; early candidates are
// neither parsed nor reported.
func (ctl *SignalWSController) handleCandidate(sc *streamConn, data []byte) error {
	if !ctl.Orch.Registry.Exists(sc.id) {
		return nil
	}
	cand, err := decodeCandidate(data)
	if err != nil {
		return err
	}
	if cand.Candidate == "" {
		// end-of-candidates marker
		log.Debug().Str("module", "signal").Str("conn", string(sc.id)).Msg("remote gathering complete")
		return nil
	}
	_, err = ctl.Orch.AddCandidate(sc.ctx, sc.id, cand)
	return err
}
