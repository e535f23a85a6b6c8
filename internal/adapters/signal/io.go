package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
)

func (ctl *SignalWSController) readPump(sc *streamConn, ws *websocket.Conn, inbound chan<- []byte) {
	defer close(inbound)

	if p := ctl.opts.PingPeriod; p > 0 {
		pongWait := p * 10 / 9
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(sc.id)).Msg("readPump read error")
			} else {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(sc.id)).Msg("readPump closing")
			}
			return
		}
		select {
		case inbound <- data:
		case <-sc.ctx.Done():
			return
		}
	}
}

func (ctl *SignalWSController) pingLoop(sc *streamConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			if err := sc.out.Ping(); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(sc.id)).Msg("ping failed")
				sc.out.Close()
				return
			}
		}
	}
}

// run is the only goroutine that handles messages and engine events for a
// connection, so the two never race each other.
func (ctl *SignalWSController) run(sc *streamConn, inbound <-chan []byte) {
	defer ctl.teardown(sc)
	for {
		select {
		case data, ok := <-inbound:
			if !ok {
				return
			}
			ctl.dispatch(sc, data)
		case <-sc.wake:
			for _, ev := range sc.takeEvents() {
				ctl.forwardEvent(sc, ev)
			}
		case <-sc.ctx.Done():
			return
		}
	}
}

func (ctl *SignalWSController) teardown(sc *streamConn) {
	sc.cancel()
	ctl.Orch.OnDisconnect(context.WithoutCancel(sc.ctx), sc.id)
	ctl.opts.Limiter.Forget(sc.id)
	sc.out.Close()
	log.Info().Str("module", "signal").Str("conn", string(sc.id)).Msg("connection closed")
}

// dispatch is the error boundary for one inbound message: any failure,
// panics included, becomes an error envelope and the connection stays open.
func (ctl *SignalWSController) dispatch(sc *streamConn, data []byte) {
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = ctl.handleSignal(sc, data) })
	if r := pc.Recovered(); r != nil {
		log.Error().Str("module", "signal").Str("conn", string(sc.id)).Str("panic", r.String()).Msg("handler panic")
		err = fmt.Errorf("internal error: %v", r.Value)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("conn", string(sc.id)).Msg("message failed")
		ctl.sendError(sc, err.Error())
	}
}

func (ctl *SignalWSController) handleSignal(sc *streamConn, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed message: %w", err)
	}
	log.Debug().Str("module", "signal").Str("conn", string(sc.id)).Str("id", env.ID).Msg("message received")

	switch env.ID {
	case MsgStart:
		return ctl.handleStart(sc, data)
	case MsgStop:
		ctl.handleStop(sc)
		return nil
	case MsgOnIceCandidate:
		return ctl.handleCandidate(sc, data)
	default:
		return fmt.Errorf("invalid message id: %q", env.ID)
	}
}

func (ctl *SignalWSController) sendJSON(sc *streamConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := sc.out.Send(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(sc.id)).Msg("send failed")
	}
}

func (ctl *SignalWSController) sendError(sc *streamConn, message string) {
	ctl.sendJSON(sc, errorMessage{ID: MsgError, Message: message})
}
