// Package call owns the call-session state machine. It consumes the signaling
// transport, the peer-connection negotiator and the media provider through the
// interfaces below; adapters implement them.
package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/domain"
)

// Connectivity is the negotiator's view of the media path.
type Connectivity int

const (
	ConnectivityNew Connectivity = iota
	ConnectivityConnected
	// ConnectivityDegraded means ICE reports disconnected/failed; the session
	// waits a grace window before treating it as a hangup.
	ConnectivityDegraded
	// ConnectivityClosed means the peer connection failed or closed for good.
	ConnectivityClosed
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityNew:
		return "new"
	case ConnectivityConnected:
		return "connected"
	case ConnectivityDegraded:
		return "degraded"
	case ConnectivityClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Negotiator wraps exactly one peer connection. Close must be idempotent;
// operations in invalid signaling states return ErrInvalidSignalingState.
type Negotiator interface {
	Start(ctx context.Context) error
	AddTracks(tracks []webrtc.TrackLocal) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(ci webrtc.ICECandidateInit) error

	HasRemoteDescription() bool
	HasLocalOffer() bool
	Stable() bool
	Close()

	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnRemoteTrack(func(*webrtc.TrackRemote))
	OnConnectivityChange(func(Connectivity))
}

// NegotiatorFactory creates a fresh Negotiator per call attempt.
type NegotiatorFactory func() (Negotiator, error)

// LocalTracks owns the acquired capture tracks for one call. The session holds
// the only reference; nothing may retain tracks across a cleanup boundary.
type LocalTracks interface {
	TrackLocals() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close()
}

// Capability describes what the local target can capture. One state machine
// serves every platform; only the capability differs per target.
type Capability struct {
	HasVideo bool
}

// MediaProvider acquires local tracks on demand.
type MediaProvider interface {
	GetLocalMedia(ctx context.Context, kind domain.CallKind) (LocalTracks, error)
	Capability() Capability
}
