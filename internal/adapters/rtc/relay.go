package rtc

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Streamer/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateDelete
)

// rtpWriter is the outbound side of a transport, usually a
// *webrtc.TrackLocalStaticRTP.
type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// rtpReader is the inbound side, usually a *webrtc.TrackRemote.
type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// OutTrack is one destination of a relay.
type OutTrack struct {
	Track rtpWriter
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewOutTrack(track rtpWriter) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}

// Relay copies RTP from the media a transport receives to the transports
// it is connected to. A transport connected to itself echoes its input.
type Relay struct {
	Src rtpReader

	mu        sync.RWMutex
	outTracks map[core.Handle]*OutTrack

	cancel context.CancelFunc
}

func NewRelay(src rtpReader, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		outTracks: make(map[core.Handle]*OutTrack),
		cancel:    cancel,
	}
}

func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP stopped")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []core.Handle
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("dst", string(dst)).Msg("relay write RTP error, dropping out track")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []core.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range dirty {
		delete(r.outTracks, h)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(dst core.Handle, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[dst] = ot
}

func (r *Relay) outTrack(dst core.Handle) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[dst]
	return ot, ok
}

// RelayManager keeps one relay per receiving transport.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[core.Handle]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[core.Handle]*Relay),
	}
}

// StartRelay replaces any relay of src and starts reading from track.
func (m *RelayManager) StartRelay(ctx context.Context, src core.Handle, track rtpReader) *Relay {
	logger := log.With().
		Str("module", "rtc.relay").
		Str("element", string(src)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, cancel)

	m.mu.Lock()
	if old, ok := m.relays[src]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[src] = relay
	m.mu.Unlock()

	go relay.loop(relayCtx, &logger)
	return relay
}

// AddSubscriber makes dst receive what src receives.
func (m *RelayManager) AddSubscriber(src, dst core.Handle, local rtpWriter) {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return
	}
	relay.AddOutTrack(dst, NewOutTrack(local))
}

// MarkSubscriberDelete detaches dst from the relay of src.
func (m *RelayManager) MarkSubscriberDelete(src, dst core.Handle) {
	m.mu.RLock()
	relay, ok := m.relays[src]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.outTrack(dst); ok {
		ot.MarkDelete()
	}
}

// StopRelay stops the relay of src, if any.
func (m *RelayManager) StopRelay(src core.Handle) {
	m.mu.Lock()
	relay, ok := m.relays[src]
	if ok {
		delete(m.relays, src)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

func (m *RelayManager) HasRelay(src core.Handle) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[src]
	return ok
}

var _ rtpWriter = (*webrtc.TrackLocalStaticRTP)(nil)
var _ rtpReader = (*webrtc.TrackRemote)(nil)
