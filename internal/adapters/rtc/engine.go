// Package rtc is an in-process media engine. Transport elements are real pion
// PeerConnections; pipelines, sources and filters are tracked as an element
// graph so callers can drive the full signaling flow without a remote engine.
// Video received on a transport is relayed to the transports it is connected
// to, which makes loopback a real echo. Pulling RTSP media is left to a
// remote engine deployment.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/dkeye/Streamer/internal/core"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownElement = errors.New("unknown element")
	ErrWrongKind      = errors.New("wrong element kind")
	ErrCrossPipeline  = errors.New("elements belong to different pipelines")
	ErrInvalidSource  = errors.New("invalid source url")
)

type elementKind int

const (
	kindPipeline elementKind = iota
	kindSource
	kindTransport
	kindFilter
)

func (k elementKind) String() string {
	switch k {
	case kindPipeline:
		return "pipeline"
	case kindSource:
		return "source"
	case kindTransport:
		return "transport"
	case kindFilter:
		return "filter"
	default:
		return "unknown"
	}
}

type element struct {
	id       core.Handle
	kind     elementKind
	pipeline core.Handle

	url     string
	filter  core.FilterKind
	params  string
	conn    *WebRTCConnection
	playing bool
	sinks   []core.Handle

	listeners map[core.EventKind][]func(core.EngineEvent)
}

type Options struct {
	LoggerFactory logging.LoggerFactory
}

type Engine struct {
	api *webrtc.API

	relays *RelayManager

	mu       sync.Mutex
	elements map[core.Handle]*element
}

func NewEngine(opts Options) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))
	return &Engine{
		api:      api,
		relays:   NewRelayManager(),
		elements: make(map[core.Handle]*element),
	}, nil
}

func newHandle(kind elementKind) core.Handle {
	return core.Handle(kind.String() + "/" + uuid.NewString())
}

func (e *Engine) add(el *element) {
	el.listeners = make(map[core.EventKind][]func(core.EngineEvent))
	e.mu.Lock()
	e.elements[el.id] = el
	e.mu.Unlock()
	log.Debug().Str("module", "rtc.engine").Str("element", string(el.id)).Str("kind", el.kind.String()).Msg("element created")
}

func (e *Engine) lookup(h core.Handle, kinds ...elementKind) (*element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lookupLocked(h, kinds...)
}

func (e *Engine) lookupLocked(h core.Handle, kinds ...elementKind) (*element, error) {
	el, ok := e.elements[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, h)
	}
	if len(kinds) == 0 {
		return el, nil
	}
	for _, k := range kinds {
		if el.kind == k {
			return el, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is a %s", ErrWrongKind, h, el.kind)
}

func (e *Engine) CreatePipeline(ctx context.Context) (core.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	el := &element{id: newHandle(kindPipeline), kind: kindPipeline}
	e.add(el)
	return el.id, nil
}

func (e *Engine) CreateSource(ctx context.Context, pipeline core.Handle, rawURL string) (core.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || (u.Host == "" && u.Path == "") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, rawURL)
	}
	if _, err := e.lookup(pipeline, kindPipeline); err != nil {
		return "", err
	}
	el := &element{id: newHandle(kindSource), kind: kindSource, pipeline: pipeline, url: rawURL}
	e.add(el)
	return el.id, nil
}

func (e *Engine) CreateTransport(ctx context.Context, pipeline core.Handle, opts core.TransportOptions) (core.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := e.lookup(pipeline, kindPipeline); err != nil {
		return "", err
	}
	id := newHandle(kindTransport)
	conn, err := NewWebRTCConnection(e.api, DefaultWebRTCConfig(opts.StunServer), id)
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}
	if err := conn.AddVideoTrack(); err != nil {
		conn.Close()
		return "", fmt.Errorf("add video track: %w", err)
	}
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		e.emit(core.EngineEvent{Kind: core.EventCandidateFound, Element: id, Candidate: ci})
	})
	conn.OnFailed(func(reason string) {
		e.emit(core.EngineEvent{Kind: core.EventError, Element: id, Description: reason})
	})
	conn.OnTrack(func(track *webrtc.TrackRemote) {
		e.onTrack(id, track)
	})
	e.add(&element{id: id, kind: kindTransport, pipeline: pipeline, conn: conn})
	return id, nil
}

func (e *Engine) CreateFilter(ctx context.Context, pipeline core.Handle, kind core.FilterKind, params string) (core.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := e.lookup(pipeline, kindPipeline); err != nil {
		return "", err
	}
	el := &element{id: newHandle(kindFilter), kind: kindFilter, pipeline: pipeline, filter: kind, params: params}
	e.add(el)
	return el.id, nil
}

func (e *Engine) Connect(ctx context.Context, src, sink core.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	from, err := e.lookupLocked(src, kindSource, kindFilter, kindTransport)
	if err != nil {
		return err
	}
	to, err := e.lookupLocked(sink, kindFilter, kindTransport)
	if err != nil {
		return err
	}
	if from.pipeline != to.pipeline {
		return ErrCrossPipeline
	}
	from.sinks = append(from.sinks, sink)
	if from.kind == kindTransport && to.kind == kindTransport {
		// media may already be flowing
		e.relays.AddSubscriber(from.id, to.id, to.conn.VideoTrack())
	}
	return nil
}

// onTrack relays video received on transport to every transport it is
// connected to, itself included.
func (e *Engine) onTrack(transport core.Handle, track *webrtc.TrackRemote) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	e.mu.Lock()
	el, ok := e.elements[transport]
	var sinks []*element
	if ok {
		for _, h := range el.sinks {
			if sink, ok := e.elements[h]; ok && sink.kind == kindTransport {
				sinks = append(sinks, sink)
			}
		}
	}
	e.mu.Unlock()
	if len(sinks) == 0 {
		log.Debug().Str("module", "rtc.engine").Str("element", string(transport)).Msg("remote track has no sink")
		return
	}

	e.relays.StartRelay(context.Background(), transport, track)
	for _, sink := range sinks {
		e.relays.AddSubscriber(transport, sink.id, sink.conn.VideoTrack())
	}
}

func (e *Engine) transport(h core.Handle) (*WebRTCConnection, error) {
	el, err := e.lookup(h, kindTransport)
	if err != nil {
		return nil, err
	}
	return el.conn, nil
}

func (e *Engine) ProcessOffer(ctx context.Context, transport core.Handle, offer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	conn, err := e.transport(transport)
	if err != nil {
		return "", err
	}
	answer, err := conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer})
	if err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (e *Engine) GatherCandidates(ctx context.Context, transport core.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := e.transport(transport)
	if err != nil {
		return err
	}
	conn.EnableTrickle()
	return nil
}

func (e *Engine) AddCandidate(ctx context.Context, transport core.Handle, c webrtc.ICECandidateInit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := e.transport(transport)
	if err != nil {
		return err
	}
	return conn.AddICECandidate(c)
}

func (e *Engine) setPlaying(source core.Handle, playing bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	el, err := e.lookupLocked(source, kindSource)
	if err != nil {
		return err
	}
	el.playing = playing
	return nil
}

func (e *Engine) Play(ctx context.Context, source core.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.setPlaying(source, true)
}

func (e *Engine) Stop(ctx context.Context, source core.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.setPlaying(source, false)
}

// Release frees h. A pipeline takes all of its elements with it.
func (e *Engine) Release(ctx context.Context, h core.Handle) error {
	e.mu.Lock()
	el, ok := e.elements[h]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownElement, h)
	}
	victims := []*element{el}
	if el.kind == kindPipeline {
		for _, child := range e.elements {
			if child.pipeline == h {
				victims = append(victims, child)
			}
		}
	}
	gone := make(map[core.Handle]bool, len(victims))
	for _, v := range victims {
		gone[v.id] = true
	}
	type edge struct{ src, dst core.Handle }
	var feeds []edge
	for _, other := range e.elements {
		if other.kind != kindTransport || gone[other.id] {
			continue
		}
		for _, dst := range other.sinks {
			if gone[dst] {
				feeds = append(feeds, edge{other.id, dst})
			}
		}
	}
	for _, v := range victims {
		delete(e.elements, v.id)
	}
	e.mu.Unlock()

	for _, f := range feeds {
		e.relays.MarkSubscriberDelete(f.src, f.dst)
	}
	for _, v := range victims {
		if v.kind == kindTransport {
			e.relays.StopRelay(v.id)
		}
		if v.conn != nil {
			v.conn.Close()
		}
	}
	log.Debug().Str("module", "rtc.engine").Str("element", string(h)).Int("released", len(victims)).Msg("released")
	return nil
}

func (e *Engine) listen(h core.Handle, kind core.EventKind, fn func(core.EngineEvent)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	el, err := e.lookupLocked(h)
	if err != nil {
		return err
	}
	el.listeners[kind] = append(el.listeners[kind], fn)
	return nil
}

func (e *Engine) OnError(h core.Handle, fn func(core.EngineEvent)) error {
	return e.listen(h, core.EventError, fn)
}

func (e *Engine) OnEndOfStream(h core.Handle, fn func(core.EngineEvent)) error {
	if _, err := e.lookup(h, kindSource); err != nil {
		return err
	}
	return e.listen(h, core.EventEndOfStream, fn)
}

func (e *Engine) OnCandidateFound(h core.Handle, fn func(core.EngineEvent)) error {
	if _, err := e.lookup(h, kindTransport); err != nil {
		return err
	}
	return e.listen(h, core.EventCandidateFound, fn)
}

// EndOfStream reports that source has no more media. It is the hook a media
// puller uses to signal a finished stream.
func (e *Engine) EndOfStream(source core.Handle) error {
	if err := e.setPlaying(source, false); err != nil {
		return err
	}
	e.emit(core.EngineEvent{Kind: core.EventEndOfStream, Element: source})
	return nil
}

func (e *Engine) emit(ev core.EngineEvent) {
	e.mu.Lock()
	el, ok := e.elements[ev.Element]
	var fns []func(core.EngineEvent)
	if ok {
		fns = append(fns, el.listeners[ev.Kind]...)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Len reports how many live elements the engine tracks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.elements)
}

// Playing reports whether source is currently playing.
func (e *Engine) Playing(source core.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	el, ok := e.elements[source]
	return ok && el.playing
}
