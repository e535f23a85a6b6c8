package signal

import (
	"github.com/dkeye/Streamer/internal/core"
	"github.com/rs/zerolog/log"
)

// forwardEvent turns an engine event into an outbound envelope. Events from
// elements of a session that has since been replaced or stopped are dropped.
func (ctl *SignalWSController) forwardEvent(sc *streamConn, ev core.EngineEvent) {
	if !ctl.Orch.Owns(sc.id, ev.Element) {
		log.Debug().Str("module", "signal").Str("conn", string(sc.id)).Str("element", string(ev.Element)).Str("event", ev.Kind.String()).Msg("stale engine event")
		return
	}

	switch ev.Kind {
	case core.EventCandidateFound:
		ctl.sendJSON(sc, iceCandidateMessage{ID: MsgIceCandidate, Candidate: ev.Candidate})
	case core.EventEndOfStream:
		log.Info().Str("module", "signal").Str("conn", string(sc.id)).Msg("end of stream")
		ctl.sendJSON(sc, eventMessage{ID: MsgStreamEnded})
	case core.EventError:
		log.Warn().Str("module", "signal").Str("conn", string(sc.id)).Str("element", string(ev.Element)).Str("description", ev.Description).Msg("engine error")
		ctl.sendError(sc, "stream error: "+ev.Description)
	}
	ctl.Orch.OnEngineEvent(sc.id, ev)
}
