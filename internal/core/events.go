package core

import "github.com/pion/webrtc/v4"

type EventKind int

const (
	EventCandidateFound EventKind = iota
	EventEndOfStream
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventCandidateFound:
		return "candidate_found"
	case EventEndOfStream:
		return "end_of_stream"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// EngineEvent is an asynchronous notification raised by the media engine.
type EngineEvent struct {
	Kind        EventKind
	Element     Handle
	Description string
	Candidate   webrtc.ICECandidateInit
}
