package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Handle is an opaque reference to an engine-side object (pipeline or element).
// The zero value means "unset".
type Handle string

func (h Handle) IsSet() bool { return h != "" }

type FilterKind int

const (
	FilterDecode FilterKind = iota
	FilterEncode
	FilterScale
	FilterCaps
)

func (k FilterKind) String() string {
	switch k {
	case FilterDecode:
		return "decode"
	case FilterEncode:
		return "encode"
	case FilterScale:
		return "scale"
	case FilterCaps:
		return "caps"
	default:
		return "unknown"
	}
}

// TransportOptions configures a newly created transport element.
type TransportOptions struct {
	StunServer string
}

// MediaEngine is the capability set the gateway consumes from the remote media
// engine. Implementations must be safe for concurrent use; one engine is shared
// by every connection.
type MediaEngine interface {
	CreatePipeline(ctx context.Context) (Handle, error)
	CreateSource(ctx context.Context, pipeline Handle, url string) (Handle, error)
	CreateTransport(ctx context.Context, pipeline Handle, opts TransportOptions) (Handle, error)
	CreateFilter(ctx context.Context, pipeline Handle, kind FilterKind, params string) (Handle, error)

	// Connect routes media from src into sink.
	Connect(ctx context.Context, src, sink Handle) error

	// ProcessOffer applies a remote SDP offer to a transport element and returns the answer.
	ProcessOffer(ctx context.Context, transport Handle, offer string) (string, error)
	// GatherCandidates starts asynchronous ICE gathering. Found candidates are
	// reported through OnCandidateFound listeners.
	GatherCandidates(ctx context.Context, transport Handle) error
	AddCandidate(ctx context.Context, transport Handle, c webrtc.ICECandidateInit) error

	Play(ctx context.Context, source Handle) error
	Stop(ctx context.Context, source Handle) error

	// Release frees an element. Releasing a pipeline releases its children.
	Release(ctx context.Context, h Handle) error

	// Listeners are invoked from engine-owned goroutines.
	OnError(h Handle, fn func(EngineEvent)) error
	OnEndOfStream(h Handle, fn func(EngineEvent)) error
	OnCandidateFound(h Handle, fn func(EngineEvent)) error
}
