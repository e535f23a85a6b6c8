// Package enginetest provides an in-memory core.MediaEngine that records every
// call, for tests of code built on top of the engine.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/Streamer/internal/core"
	"github.com/pion/webrtc/v4"
)

const DefaultAnswer = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type listenerKey struct {
	element core.Handle
	kind    core.EventKind
}

// Engine is a recording fake. Handles are named "<kind>-<n>", for example
// "pipeline-1" or "decode-3".
type Engine struct {
	mu        sync.Mutex
	next      int
	calls     []string
	connects  []string
	filters   map[core.Handle]string
	released  []core.Handle
	stopped   []core.Handle
	played    []core.Handle
	cands     []webrtc.ICECandidateInit
	listeners map[listenerKey][]func(core.EngineEvent)

	// Answer is returned by ProcessOffer. Defaults to DefaultAnswer.
	Answer string
	// Fail makes the named method return the given error.
	Fail map[string]error
	// FailRelease makes Release of specific handles fail.
	FailRelease map[core.Handle]error
}

func New() *Engine {
	return &Engine{
		filters:     make(map[core.Handle]string),
		listeners:   make(map[listenerKey][]func(core.EngineEvent)),
		Fail:        make(map[string]error),
		FailRelease: make(map[core.Handle]error),
	}
}

func (e *Engine) record(method, detail string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if detail != "" {
		e.calls = append(e.calls, method+" "+detail)
	} else {
		e.calls = append(e.calls, method)
	}
	return e.Fail[method]
}

func (e *Engine) newHandle(label string) core.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	return core.Handle(fmt.Sprintf("%s-%d", label, e.next))
}

func (e *Engine) CreatePipeline(ctx context.Context) (core.Handle, error) {
	if err := e.record("CreatePipeline", ""); err != nil {
		return "", err
	}
	return e.newHandle("pipeline"), nil
}

func (e *Engine) CreateSource(ctx context.Context, pipeline core.Handle, url string) (core.Handle, error) {
	if err := e.record("CreateSource", url); err != nil {
		return "", err
	}
	return e.newHandle("source"), nil
}

func (e *Engine) CreateTransport(ctx context.Context, pipeline core.Handle, opts core.TransportOptions) (core.Handle, error) {
	if err := e.record("CreateTransport", opts.StunServer); err != nil {
		return "", err
	}
	return e.newHandle("transport"), nil
}

func (e *Engine) CreateFilter(ctx context.Context, pipeline core.Handle, kind core.FilterKind, params string) (core.Handle, error) {
	if err := e.record("CreateFilter", kind.String()); err != nil {
		return "", err
	}
	h := e.newHandle(kind.String())
	e.mu.Lock()
	e.filters[h] = params
	e.mu.Unlock()
	return h, nil
}

func (e *Engine) Connect(ctx context.Context, src, sink core.Handle) error {
	if err := e.record("Connect", string(src)+"->"+string(sink)); err != nil {
		return err
	}
	e.mu.Lock()
	e.connects = append(e.connects, string(src)+"->"+string(sink))
	e.mu.Unlock()
	return nil
}

func (e *Engine) ProcessOffer(ctx context.Context, transport core.Handle, offer string) (string, error) {
	if err := e.record("ProcessOffer", string(transport)); err != nil {
		return "", err
	}
	if e.Answer != "" {
		return e.Answer, nil
	}
	return DefaultAnswer, nil
}

func (e *Engine) GatherCandidates(ctx context.Context, transport core.Handle) error {
	return e.record("GatherCandidates", string(transport))
}

func (e *Engine) AddCandidate(ctx context.Context, transport core.Handle, c webrtc.ICECandidateInit) error {
	if err := e.record("AddCandidate", string(transport)); err != nil {
		return err
	}
	e.mu.Lock()
	e.cands = append(e.cands, c)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Play(ctx context.Context, source core.Handle) error {
	if err := e.record("Play", string(source)); err != nil {
		return err
	}
	e.mu.Lock()
	e.played = append(e.played, source)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Stop(ctx context.Context, source core.Handle) error {
	if err := e.record("Stop", string(source)); err != nil {
		return err
	}
	e.mu.Lock()
	e.stopped = append(e.stopped, source)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Release(ctx context.Context, h core.Handle) error {
	if err := e.record("Release", string(h)); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.FailRelease[h]; err != nil {
		return err
	}
	e.released = append(e.released, h)
	return nil
}

func (e *Engine) addListener(h core.Handle, kind core.EventKind, fn func(core.EngineEvent)) error {
	if err := e.record("Listen", kind.String()+" "+string(h)); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	k := listenerKey{element: h, kind: kind}
	e.listeners[k] = append(e.listeners[k], fn)
	return nil
}

func (e *Engine) OnError(h core.Handle, fn func(core.EngineEvent)) error {
	return e.addListener(h, core.EventError, fn)
}

func (e *Engine) OnEndOfStream(h core.Handle, fn func(core.EngineEvent)) error {
	return e.addListener(h, core.EventEndOfStream, fn)
}

func (e *Engine) OnCandidateFound(h core.Handle, fn func(core.EngineEvent)) error {
	return e.addListener(h, core.EventCandidateFound, fn)
}

// Emit delivers ev to the listeners registered for ev.Element and ev.Kind.
// It reports how many listeners were called.
func (e *Engine) Emit(ev core.EngineEvent) int {
	e.mu.Lock()
	fns := append([]func(core.EngineEvent){}, e.listeners[listenerKey{element: ev.Element, kind: ev.Kind}]...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return len(fns)
}

func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// CallCount counts recorded calls of method.
func (e *Engine) CallCount(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == method || (len(c) > len(method) && c[:len(method)+1] == method+" ") {
			n++
		}
	}
	return n
}

func (e *Engine) Connects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.connects...)
}

func (e *Engine) FilterParams(h core.Handle) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.filters[h]
}

func (e *Engine) Released() []core.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Handle(nil), e.released...)
}

func (e *Engine) Stopped() []core.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Handle(nil), e.stopped...)
}

func (e *Engine) Played() []core.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Handle(nil), e.played...)
}

func (e *Engine) Candidates() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), e.cands...)
}
