// Package rtc implements the peer-connection negotiator over pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/call"
)

// ErrInvalidSignalingState reports an operation attempted in a signaling state
// that cannot accept it. The engine maps it to drop-and-log.
var ErrInvalidSignalingState = errors.New("invalid signaling state")

type Config struct {
	ICEServers []string
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
	}
}

func (c Config) webrtcConfiguration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, u := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// Negotiator wraps one *webrtc.PeerConnection for one call attempt.
// Candidates trickle out through OnLocalCandidate as they are gathered.
type Negotiator struct {
	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	onCandidate    func(webrtc.ICECandidateInit)
	onTrack        func(*webrtc.TrackRemote)
	onConnectivity func(call.Connectivity)
}

// Factory adapts New to the engine's per-attempt constructor.
func Factory(cfg Config) call.NegotiatorFactory {
	return func() (call.Negotiator, error) {
		return New(cfg)
	}
}

func New(cfg Config) (*Negotiator, error) {
	pc, err := webrtc.NewPeerConnection(cfg.webrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &Negotiator{pc: pc}, nil
}

// Start installs the pion callbacks and binds the negotiator lifetime to ctx.
// Callbacks registered after Start still take effect; pion handlers read them
// through the negotiator under its lock.
func (n *Negotiator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			n.notifyConnectivity(call.ConnectivityConnected)
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
			n.notifyConnectivity(call.ConnectivityDegraded)
		}
	})

	n.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			cancel()
			n.notifyConnectivity(call.ConnectivityClosed)
		}
	})

	n.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		n.mu.Lock()
		fn := n.onCandidate
		n.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	n.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		n.mu.Lock()
		fn := n.onTrack
		n.mu.Unlock()
		if fn != nil {
			fn(track)
		}
	})

	return nil
}

func (n *Negotiator) notifyConnectivity(c call.Connectivity) {
	n.mu.Lock()
	fn := n.onConnectivity
	n.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// AddTracks attaches the local capture tracks before negotiation.
func (n *Negotiator) AddTracks(tracks []webrtc.TrackLocal) error {
	for _, t := range tracks {
		if _, err := n.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
	}
	return nil
}

// CreateOffer creates and installs the local offer.
func (n *Negotiator) CreateOffer() (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription
	if n.pc.SignalingState() != webrtc.SignalingStateStable {
		return none, fmt.Errorf("%w: %s, offer needs stable", ErrInvalidSignalingState, n.pc.SignalingState())
	}
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return none, fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return none, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// CreateAnswer applies the remote offer and produces the local answer.
func (n *Negotiator) CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription
	st := n.pc.SignalingState()
	if st != webrtc.SignalingStateStable && st != webrtc.SignalingStateHaveRemoteOffer {
		return none, fmt.Errorf("%w: %s, answer needs stable", ErrInvalidSignalingState, st)
	}
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return none, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return none, fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return none, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription installs the remote answer. It requires a pending local
// offer; anything else is a duplicate or out-of-order signal.
func (n *Negotiator) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if sd.Type == webrtc.SDPTypeAnswer && n.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: %s, answer needs have-local-offer", ErrInvalidSignalingState, n.pc.SignalingState())
	}
	if err := n.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (n *Negotiator) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return n.pc.AddICECandidate(ci)
}

func (n *Negotiator) HasRemoteDescription() bool {
	return n.pc.RemoteDescription() != nil
}

func (n *Negotiator) HasLocalOffer() bool {
	return n.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (n *Negotiator) Stable() bool {
	return n.pc.SignalingState() == webrtc.SignalingStateStable
}

// Close is safe to call multiple times and from any goroutine.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	if err := n.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Msg("closed")
	}
}

func (n *Negotiator) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	n.mu.Lock()
	n.onCandidate = fn
	n.mu.Unlock()
}

func (n *Negotiator) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	n.mu.Lock()
	n.onTrack = fn
	n.mu.Unlock()
}

func (n *Negotiator) OnConnectivityChange(fn func(call.Connectivity)) {
	n.mu.Lock()
	n.onConnectivity = fn
	n.mu.Unlock()
}
