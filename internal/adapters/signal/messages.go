package signal

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// Envelope ids, both directions.
const (
	MsgStart          = "start"
	MsgStop           = "stop"
	MsgOnIceCandidate = "onIceCandidate"

	MsgStartResponse = "startResponse"
	MsgIceCandidate  = "iceCandidate"
	MsgError         = "error"
	MsgStreamEnded   = "streamEnded"
)

var validate = validator.New()

type envelope struct {
	ID string `json:"id"`
}

type startMessage struct {
	SDPOffer string `json:"sdpOffer" validate:"required"`
	RTSPURL  string `json:"rtspUrl"`
}

type candidateMessage struct {
	Candidate *webrtc.ICECandidateInit `json:"candidate" validate:"required"`
}

type startResponse struct {
	ID         string `json:"id"`
	SDPAnswer  string `json:"sdpAnswer"`
	StunServer string `json:"stunServer,omitempty"`
}

type iceCandidateMessage struct {
	ID        string                  `json:"id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type errorMessage struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type eventMessage struct {
	ID string `json:"id"`
}

func decodeStart(data []byte) (startMessage, error) {
	var m startMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("bad start payload: %w", err)
	}
	if err := validate.Struct(m); err != nil {
		return m, fmt.Errorf("bad start payload: %w", err)
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(m.SDPOffer)); err != nil {
		return m, fmt.Errorf("invalid sdpOffer: %w", err)
	}
	return m, nil
}

func decodeCandidate(data []byte) (webrtc.ICECandidateInit, error) {
	var m candidateMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("bad candidate payload: %w", err)
	}
	if err := validate.Struct(m); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("bad candidate payload: %w", err)
	}
	return *m.Candidate, nil
}

func validateSourceURL(raw string) error {
	if err := validate.Var(raw, "required,url"); err != nil {
		return fmt.Errorf("rtspUrl is required and must be a url")
	}
	return nil
}
