package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Streamer/internal/app/orch"
	"github.com/dkeye/Streamer/internal/core"
	"github.com/dkeye/Streamer/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("connection closed")

const (
	writeWait     = 5 * time.Second
	eventBacklog  = 128
	inboundBuffer = 8
)

// Variant selects where a connection's source URL comes from.
type Variant int

const (
	// VariantQuery takes url, profile and transcode from the upgrade request.
	VariantQuery Variant = iota
	// VariantInBand takes rtspUrl from the start message.
	VariantInBand
	// VariantLoopback has no source; the transport element feeds itself.
	VariantLoopback
)

func (v Variant) String() string {
	switch v {
	case VariantQuery:
		return "query"
	case VariantInBand:
		return "in-band"
	case VariantLoopback:
		return "loopback"
	default:
		return "unknown"
	}
}

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	StunServer string
	Limiter    *StartRateLimiter
}

type SignalWSController struct {
	Orch *orch.Orchestrator
	opts Options
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch: o,
		opts: opts,
	}
}

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	WriteMessage(mt int, data []byte) error
	WriteControl(mt int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WsSignalConn serializes every write to one websocket. Handler code, the
// engine event path and the keepalive all write through it.
type WsSignalConn struct {
	conn WSConn

	mu     sync.Mutex
	closed bool
}

func NewWsSignalConn(conn WSConn) *WsSignalConn {
	return &WsSignalConn{conn: conn}
}

func (c *WsSignalConn) Send(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, f)
}

func (c *WsSignalConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}

// streamConn is the per-connection state the run loop owns.
type streamConn struct {
	id      core.ConnectionID
	variant Variant
	params  domain.StreamRequest
	out     *WsSignalConn

	// engine events waiting for the run loop; wake is signalled on append
	evMu   sync.Mutex
	queued []core.EngineEvent
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newStreamConn(ctx context.Context, id core.ConnectionID, variant Variant, params domain.StreamRequest, out *WsSignalConn) *streamConn {
	connCtx, cancel := context.WithCancel(ctx)
	return &streamConn{
		id:      id,
		variant: variant,
		params:  params,
		out:     out,
		wake:    make(chan struct{}, 1),
		ctx:     connCtx,
		cancel:  cancel,
	}
}

// sink hands an engine event to the run loop. It never blocks the engine.
// Candidates are always kept; other events are dropped once eventBacklog of
// them is queued.
func (sc *streamConn) sink(ev core.EngineEvent) {
	if sc.ctx.Err() != nil {
		return
	}
	sc.evMu.Lock()
	if ev.Kind != core.EventCandidateFound && len(sc.queued) >= eventBacklog {
		sc.evMu.Unlock()
		log.Warn().Str("module", "signal").Str("conn", string(sc.id)).Str("event", ev.Kind.String()).Msg("event backlog full, dropping")
		return
	}
	sc.queued = append(sc.queued, ev)
	sc.evMu.Unlock()

	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

// takeEvents returns every queued event in arrival order.
func (sc *streamConn) takeEvents() []core.EngineEvent {
	sc.evMu.Lock()
	defer sc.evMu.Unlock()
	evs := sc.queued
	sc.queued = nil
	return evs
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the signaling protocol on it
// until the peer goes away or ctx ends.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, variant Variant, params domain.StreamRequest) {
	id := core.ConnectionID(uuid.NewString())
	logger := log.With().Str("module", "signal").Str("conn", string(id)).Str("variant", variant.String()).Logger()
	logger.Info().Str("client", c.GetString("client_token")).Str("source_url", params.SourceURL).Str("profile", params.Profile).Bool("transcode", params.Transcode).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}

	sc := newStreamConn(ctx, id, variant, params, NewWsSignalConn(ws))

	inbound := make(chan []byte, inboundBuffer)
	go ctl.readPump(sc, ws, inbound)
	if ctl.opts.PingPeriod > 0 {
		go ctl.pingLoop(sc)
	}
	go ctl.run(sc, inbound)
}

var _ core.SignalConnection = (*WsSignalConn)(nil)
