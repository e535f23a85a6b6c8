package signal

import (
	"context"
	"errors"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Streamer/internal/app"
	"github.com/dkeye/Streamer/internal/app/orch"
	"github.com/dkeye/Streamer/internal/core"
	"github.com/dkeye/Streamer/internal/domain"
	"github.com/dkeye/Streamer/internal/testutil/enginetest"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOffer = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

// fakeWS flags any write that overlaps another.
type fakeWS struct {
	inflight atomic.Int32
	overlap  atomic.Bool
	writes   atomic.Int32
	closes   atomic.Int32
}

func (f *fakeWS) write() {
	if f.inflight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	time.Sleep(100 * time.Microsecond)
	f.writes.Add(1)
	f.inflight.Add(-1)
}

func (f *fakeWS) WriteMessage(int, []byte) error { f.write(); return nil }

func (f *fakeWS) WriteControl(int, []byte, time.Time) error { f.write(); return nil }

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) Close() error {
	f.closes.Add(1)
	return nil
}

func TestWsSignalConnSerializesWrites(t *testing.T) {
	ws := &fakeWS{}
	out := NewWsSignalConn(ws)

	var wg conc.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Go(func() { _ = out.Send(core.Frame(`{"id":"iceCandidate"}`)) })
		wg.Go(func() { _ = out.Ping() })
	}
	wg.Wait()

	assert.False(t, ws.overlap.Load(), "writes interleaved")
	assert.Equal(t, int32(100), ws.writes.Load())
}

func TestWsSignalConnClosed(t *testing.T) {
	ws := &fakeWS{}
	out := NewWsSignalConn(ws)
	out.Close()
	out.Close()

	assert.ErrorIs(t, out.Send(core.Frame("x")), ErrConnClosed)
	assert.ErrorIs(t, out.Ping(), ErrConnClosed)
	assert.Equal(t, int32(1), ws.closes.Load())
	assert.Equal(t, int32(0), ws.writes.Load())
}

type harness struct {
	eng  *enginetest.Engine
	orch *orch.Orchestrator
	srv  *httptest.Server
}

func newHarness(t *testing.T, variant Variant, params domain.StreamRequest, opts Options) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	eng := enginetest.New()
	o := &orch.Orchestrator{
		Registry:   app.NewRegistry(),
		Engine:     eng,
		StunServer: opts.StunServer,
	}
	return newHarnessWith(t, eng, o, variant, params, opts)
}

func newHarnessWith(t *testing.T, eng *enginetest.Engine, o *orch.Orchestrator, variant Variant, params domain.StreamRequest, opts Options) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ctl := NewSignalWSController(o, opts)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c, variant, params)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &harness{eng: eng, orch: o, srv: srv}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

func read(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, c.ReadJSON(&m))
	return m
}

// probe proves nothing else was emitted: the next message must be the
// error for an unknown id.
func probe(t *testing.T, c *websocket.Conn) {
	t.Helper()
	send(t, c, map[string]string{"id": "probe"})
	m := read(t, c)
	assert.Equal(t, "error", m["id"])
	assert.Equal(t, `invalid message id: "probe"`, m["message"])
}

func start(offer string) map[string]string {
	return map[string]string{"id": "start", "sdpOffer": offer}
}

func TestQueryStreamLifecycle(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{StunServer: "stun.example.org:3478"})
	c := h.dial(t)

	send(t, c, start(testOffer))
	m := read(t, c)
	assert.Equal(t, "startResponse", m["id"])
	assert.Equal(t, enginetest.DefaultAnswer, m["sdpAnswer"])
	assert.Equal(t, "stun.example.org:3478", m["stunServer"])

	require.Eventually(t, func() bool {
		snap := h.orch.Registry.Snapshot()
		return len(snap) == 1 && snap[0].State == app.StateActive.String()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []core.Handle{"source-2"}, h.eng.Played())
	assert.Contains(t, h.eng.Calls(), "CreateSource rtsp://cam/1")
	assert.Contains(t, h.eng.Calls(), "CreateTransport stun.example.org:3478")

	require.Equal(t, 1, h.eng.Emit(core.EngineEvent{
		Kind:      core.EventCandidateFound,
		Element:   "transport-3",
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"},
	}))
	m = read(t, c)
	assert.Equal(t, "iceCandidate", m["id"])
	cand, ok := m["candidate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", cand["candidate"])

	send(t, c, map[string]any{"id": "onIceCandidate", "candidate": map[string]any{"candidate": "candidate:2 1 udp 1 10.0.0.2 6000 typ host", "sdpMid": "0"}})
	require.Eventually(t, func() bool { return len(h.eng.Candidates()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "candidate:2 1 udp 1 10.0.0.2 6000 typ host", h.eng.Candidates()[0].Candidate)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return h.orch.Registry.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []core.Handle{"source-2"}, h.eng.Stopped())
	assert.Equal(t, []core.Handle{"source-2", "transport-3", "pipeline-1"}, h.eng.Released())
}

func TestStopBeforeStartIsSilent(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{})
	c := h.dial(t)

	send(t, c, map[string]string{"id": "stop"})
	probe(t, c)
	assert.Equal(t, 0, h.orch.Registry.Count())
	assert.Empty(t, h.eng.Calls())
}

func TestCandidateBeforeStartIsIgnored(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{})
	c := h.dial(t)

	send(t, c, map[string]any{"id": "onIceCandidate", "candidate": "not even an object"})
	probe(t, c)
	assert.Empty(t, h.eng.Calls())
}

func TestEndOfCandidatesIsAccepted(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{})
	c := h.dial(t)

	send(t, c, start(testOffer))
	require.Equal(t, "startResponse", read(t, c)["id"])

	send(t, c, map[string]any{"id": "onIceCandidate", "candidate": map[string]any{"candidate": "", "sdpMid": "0"}})
	probe(t, c)
	assert.Empty(t, h.eng.Candidates())
	assert.Equal(t, 0, h.eng.CallCount("AddCandidate"))
	assert.Equal(t, 1, h.orch.Registry.Count())
}

func TestStopReleasesSession(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{})
	c := h.dial(t)

	send(t, c, start(testOffer))
	require.Equal(t, "startResponse", read(t, c)["id"])

	send(t, c, map[string]string{"id": "stop"})
	probe(t, c)
	assert.Equal(t, 0, h.orch.Registry.Count())
	assert.Equal(t, []core.Handle{"source-2", "transport-3", "pipeline-1"}, h.eng.Released())

	send(t, c, map[string]string{"id": "stop"})
	probe(t, c)
	assert.Len(t, h.eng.Released(), 3)
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{})
	c := h.dial(t)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	m := read(t, c)
	assert.Equal(t, "error", m["id"])
	assert.Contains(t, m["message"], "malformed message")

	send(t, c, map[string]string{"id": "start"})
	m = read(t, c)
	assert.Equal(t, "error", m["id"])
	assert.Contains(t, m["message"], "bad start payload")

	send(t, c, start("hello"))
	m = read(t, c)
	assert.Equal(t, "error", m["id"])
	assert.Contains(t, m["message"], "invalid sdpOffer")

	assert.Empty(t, h.eng.Calls())

	send(t, c, start(testOffer))
	assert.Equal(t, "startResponse", read(t, c)["id"])
}

func TestStartFailureRollsBack(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1", Profile: "HD"}, Options{})
	h.eng.Fail["CreateFilter"] = errors.New("no scaler")
	c := h.dial(t)

	send(t, c, start(testOffer))
	m := read(t, c)
	assert.Equal(t, "error", m["id"])
	assert.Equal(t, "create scaler: no scaler", m["message"])

	assert.Equal(t, 0, h.orch.Registry.Count())
	assert.Equal(t, []core.Handle{"source-2", "transport-3", "pipeline-1"}, h.eng.Released())
	assert.Equal(t, 0, h.eng.CallCount("ProcessOffer"))
}

func TestSecondStartReplacesSession(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{})
	c := h.dial(t)

	send(t, c, start(testOffer))
	require.Equal(t, "startResponse", read(t, c)["id"])
	send(t, c, start(testOffer))
	require.Equal(t, "startResponse", read(t, c)["id"])

	assert.Equal(t, 1, h.orch.Registry.Count())
	assert.Equal(t, []core.Handle{"source-2", "transport-3", "pipeline-1"}, h.eng.Released())

	// events from the replaced transport are stale
	h.eng.Emit(core.EngineEvent{Kind: core.EventError, Element: "transport-3", Description: "old"})
	probe(t, c)
}

func TestInBandSourceURL(t *testing.T) {
	h := newHarness(t, VariantInBand, domain.StreamRequest{}, Options{})
	c := h.dial(t)

	send(t, c, start(testOffer))
	m := read(t, c)
	assert.Equal(t, "error", m["id"])
	assert.Equal(t, "rtspUrl is required and must be a url", m["message"])

	send(t, c, map[string]string{"id": "start", "sdpOffer": testOffer, "rtspUrl": "rtsp://10.0.0.5/live"})
	assert.Equal(t, "startResponse", read(t, c)["id"])
	assert.Contains(t, h.eng.Calls(), "CreateSource rtsp://10.0.0.5/live")
}

func TestLoopback(t *testing.T) {
	h := newHarness(t, VariantLoopback, domain.StreamRequest{}, Options{})
	c := h.dial(t)

	send(t, c, start(testOffer))
	assert.Equal(t, "startResponse", read(t, c)["id"])

	assert.Equal(t, 0, h.eng.CallCount("CreateSource"))
	assert.Equal(t, []string{"transport-2->transport-2"}, h.eng.Connects())
	snap := h.orch.Registry.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Loopback)
}

func TestEngineEventsForwarded(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{})
	c := h.dial(t)

	send(t, c, start(testOffer))
	require.Equal(t, "startResponse", read(t, c)["id"])

	h.eng.Emit(core.EngineEvent{Kind: core.EventError, Element: "source-2", Description: "connection refused"})
	m := read(t, c)
	assert.Equal(t, "error", m["id"])
	assert.Equal(t, "stream error: connection refused", m["message"])

	h.eng.Emit(core.EngineEvent{Kind: core.EventEndOfStream, Element: "source-2"})
	assert.Equal(t, map[string]any{"id": "streamEnded"}, read(t, c))

	h.eng.Emit(core.EngineEvent{Kind: core.EventEndOfStream, Element: "source-99"})
	probe(t, c)
}

func TestStartRateLimited(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{Limiter: NewStartRateLimiter(1, time.Minute)})
	c := h.dial(t)

	send(t, c, start(testOffer))
	require.Equal(t, "startResponse", read(t, c)["id"])

	send(t, c, start(testOffer))
	m := read(t, c)
	assert.Equal(t, "error", m["id"])
	assert.Equal(t, ErrRateLimited.Error(), m["message"])
	assert.Equal(t, 1, h.eng.CallCount("CreatePipeline"))
}

type panickingEngine struct {
	*enginetest.Engine
}

func (panickingEngine) ProcessOffer(context.Context, core.Handle, string) (string, error) {
	panic("engine exploded")
}

func TestHandlerPanicBecomesError(t *testing.T) {
	eng := enginetest.New()
	o := &orch.Orchestrator{Registry: app.NewRegistry(), Engine: panickingEngine{eng}}
	h := newHarnessWith(t, eng, o, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{})
	c := h.dial(t)

	send(t, c, start(testOffer))
	m := read(t, c)
	assert.Equal(t, "error", m["id"])
	assert.Equal(t, "internal error: engine exploded", m["message"])

	probe(t, c)
	assert.Equal(t, 0, o.Registry.Count())
	assert.Equal(t, []core.Handle{"source-2", "transport-3", "pipeline-1"}, eng.Released())
}

func TestConcurrentConnectionsAreIndependent(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		c := h.dial(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.WriteJSON(start(testOffer))
		}()
	}
	wg.Wait()
	require.Eventually(t, func() bool { return h.orch.Registry.Count() == 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestSinkKeepsEveryCandidate(t *testing.T) {
	sc := newStreamConn(context.Background(), "c1", VariantQuery, domain.StreamRequest{}, nil)
	defer sc.cancel()

	for i := 0; i < eventBacklog+10; i++ {
		sc.sink(core.EngineEvent{Kind: core.EventError, Element: "source-1"})
	}
	for i := 0; i < 3*eventBacklog; i++ {
		sc.sink(core.EngineEvent{Kind: core.EventCandidateFound, Element: "transport-1"})
	}

	select {
	case <-sc.wake:
	default:
		t.Fatal("run loop was not woken")
	}

	evs := sc.takeEvents()
	require.Len(t, evs, eventBacklog+3*eventBacklog)
	candidates := 0
	for _, ev := range evs[eventBacklog:] {
		if ev.Kind == core.EventCandidateFound {
			candidates++
		}
	}
	assert.Equal(t, 3*eventBacklog, candidates)
	assert.Empty(t, sc.takeEvents())
}

func TestSinkAfterCloseIsDropped(t *testing.T) {
	sc := newStreamConn(context.Background(), "c1", VariantQuery, domain.StreamRequest{}, nil)
	sc.cancel()
	sc.sink(core.EngineEvent{Kind: core.EventCandidateFound, Element: "transport-1"})
	assert.Empty(t, sc.takeEvents())
}

func TestCandidatesForwardedPastBacklog(t *testing.T) {
	h := newHarness(t, VariantQuery, domain.StreamRequest{SourceURL: "rtsp://cam/1"}, Options{})
	c := h.dial(t)

	send(t, c, start(testOffer))
	require.Equal(t, "startResponse", read(t, c)["id"])

	const n = 2 * eventBacklog
	for i := 0; i < n; i++ {
		h.eng.Emit(core.EngineEvent{
			Kind:      core.EventCandidateFound,
			Element:   "transport-3",
			Candidate: webrtc.ICECandidateInit{Candidate: "candidate:" + strconv.Itoa(i) + " 1 udp 1 10.0.0.1 5000 typ host"},
		})
	}
	for i := 0; i < n; i++ {
		m := read(t, c)
		require.Equal(t, "iceCandidate", m["id"])
		cand := m["candidate"].(map[string]any)
		require.Equal(t, "candidate:"+strconv.Itoa(i)+" 1 udp 1 10.0.0.1 5000 typ host", cand["candidate"])
	}
}
