package rtc

import (
	"sync"

	"github.com/dkeye/Streamer/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// WebRTCConnection backs a transport element with a pion PeerConnection.
// Local candidates found before trickling is enabled are held back and
// flushed by EnableTrickle.
type WebRTCConnection struct {
	pc    *webrtc.PeerConnection
	id    core.Handle
	video *webrtc.TrackLocalStaticRTP

	mu       sync.Mutex
	trickle  bool
	pending  []webrtc.ICECandidateInit
	onICE    func(webrtc.ICECandidateInit)
	onFailed func(reason string)
}

func DefaultWebRTCConfig(stunServer string) webrtc.Configuration {
	if stunServer == "" {
		stunServer = "stun:stun.l.google.com:19302"
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{stunServer},
			},
		},
	}
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, id core.Handle) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{pc: pc, id: id}
	c.bind()
	return c, nil
}

func (c *WebRTCConnection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("element", string(c.id)).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("element", string(c.id)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed {
			c.mu.Lock()
			fn := c.onFailed
			c.mu.Unlock()
			if fn != nil {
				fn("peer connection failed")
			}
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.mu.Lock()
		if !c.trickle {
			c.pending = append(c.pending, init)
			c.mu.Unlock()
			return
		}
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(init)
		}
	})
}

// AddVideoTrack attaches the outbound video track the answer will offer.
func (c *WebRTCConnection) AddVideoTrack() error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video",
		string(c.id),
	)
	if err != nil {
		return err
	}
	if _, err = c.pc.AddTrack(track); err != nil {
		return err
	}
	c.video = track
	return nil
}

// VideoTrack is the outbound track, nil before AddVideoTrack.
func (c *WebRTCConnection) VideoTrack() *webrtc.TrackLocalStaticRTP {
	return c.video
}

// OnTrack reports media the remote peer sends.
func (c *WebRTCConnection) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "webrtc").Str("element", string(c.id)).Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
		fn(track)
	})
}

// ApplyOfferAndCreateAnswer sets the remote offer and returns the local
// answer without waiting for ICE gathering; candidates trickle afterwards.
func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

// EnableTrickle starts reporting local candidates, beginning with the ones
// gathered so far.
func (c *WebRTCConnection) EnableTrickle() {
	c.mu.Lock()
	c.trickle = true
	pending := c.pending
	c.pending = nil
	fn := c.onICE
	c.mu.Unlock()
	if fn == nil {
		return
	}
	for _, cand := range pending {
		fn(cand)
	}
}

func (c *WebRTCConnection) Close() {
	if c.pc == nil {
		return
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("element", string(c.id)).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("element", string(c.id)).Msg("closed")
	}
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

// OnFailed sets a callback for an unrecoverable peer connection failure.
func (c *WebRTCConnection) OnFailed(fn func(reason string)) {
	c.mu.Lock()
	c.onFailed = fn
	c.mu.Unlock()
}
