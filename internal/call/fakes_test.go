package call_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/call"
	"github.com/peercall/peercall/internal/domain"
	"github.com/peercall/peercall/internal/transport"
)

// fakeTransport records publishes and lets tests deliver inbound frames and
// flip connectivity.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	dead      bool // EnsureConnected never succeeds
	subs      map[string]transport.Handler
	onState   []transport.StateHandler
	published []publishedFrame
}

type publishedFrame struct {
	dest    string
	payload []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, subs: make(map[string]transport.Handler)}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return errors.New("broker down")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.setConnected(false)
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) EnsureConnected(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return transport.ErrNotConnected
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Subscribe(channel string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[channel] = h
}

func (f *fakeTransport) Publish(dest string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.published = append(f.published, publishedFrame{dest: dest, payload: payload})
	return nil
}

func (f *fakeTransport) OnConnectionStateChange(h transport.StateHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = append(f.onState, h)
}

func (f *fakeTransport) setConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	handlers := append([]transport.StateHandler(nil), f.onState...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(up)
	}
}

// deliver feeds a raw frame to the subscriber of channel, on the caller's
// goroutine.
func (f *fakeTransport) deliver(channel string, payload []byte) {
	f.mu.Lock()
	h := f.subs[channel]
	f.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

func (f *fakeTransport) sent() []publishedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedFrame(nil), f.published...)
}

func (f *fakeTransport) sentTo(dest string) int {
	n := 0
	for _, p := range f.sent() {
		if p.dest == dest {
			n++
		}
	}
	return n
}

func (f *fakeTransport) sentMatching(substr string) int {
	n := 0
	for _, p := range f.sent() {
		if strings.Contains(p.dest, substr) || strings.Contains(string(p.payload), substr) {
			n++
		}
	}
	return n
}

// fakeNegotiator mimics the signaling-state rules the engine relies on.
type fakeNegotiator struct {
	mu            sync.Mutex
	started       bool
	closedCount   int
	hasLocalOffer bool
	hasRemote     bool
	offers        int
	answers       int
	setRemotes    int
	candidates    []webrtc.ICECandidateInit

	answerDelay time.Duration

	onCandidate    func(webrtc.ICECandidateInit)
	onConnectivity func(call.Connectivity)
}

func (n *fakeNegotiator) Start(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = true
	return nil
}

func (n *fakeNegotiator) AddTracks([]webrtc.TrackLocal) error { return nil }

func (n *fakeNegotiator) CreateOffer() (webrtc.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers++
	n.hasLocalOffer = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %d", n.offers)}, nil
}

func (n *fakeNegotiator) CreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if n.answerDelay > 0 {
		time.Sleep(n.answerDelay)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.answers++
	n.hasRemote = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer %d", n.answers)}, nil
}

func (n *fakeNegotiator) SetRemoteDescription(webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.hasLocalOffer {
		return errors.New("invalid signaling state")
	}
	n.setRemotes++
	n.hasLocalOffer = false
	n.hasRemote = true
	return nil
}

func (n *fakeNegotiator) AddICECandidate(ci webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.candidates = append(n.candidates, ci)
	return nil
}

func (n *fakeNegotiator) HasRemoteDescription() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hasRemote
}

func (n *fakeNegotiator) HasLocalOffer() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hasLocalOffer
}

func (n *fakeNegotiator) Stable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.hasLocalOffer
}

func (n *fakeNegotiator) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closedCount++
}

func (n *fakeNegotiator) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onCandidate = fn
}

func (n *fakeNegotiator) OnRemoteTrack(func(*webrtc.TrackRemote)) {}

func (n *fakeNegotiator) OnConnectivityChange(fn func(call.Connectivity)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onConnectivity = fn
}

func (n *fakeNegotiator) connectivity(c call.Connectivity) {
	n.mu.Lock()
	fn := n.onConnectivity
	n.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// negotiatorFactory hands out fakes and remembers them.
type negotiatorFactory struct {
	mu      sync.Mutex
	created []*fakeNegotiator
	delay   time.Duration
}

func (f *negotiatorFactory) new() (call.Negotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := &fakeNegotiator{answerDelay: f.delay}
	f.created = append(f.created, n)
	return n, nil
}

func (f *negotiatorFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *negotiatorFactory) last() *fakeNegotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// fakeMedia hands out inert tracks or a canned failure.
type fakeMedia struct {
	mu       sync.Mutex
	fail     error
	hasVideo bool
	tracks   []*fakeTracks
}

type fakeTracks struct {
	mu           sync.Mutex
	closedCount  int
	audioEnabled bool
	videoEnabled bool
}

func (m *fakeMedia) GetLocalMedia(_ context.Context, _ domain.CallKind) (call.LocalTracks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	t := &fakeTracks{audioEnabled: true, videoEnabled: true}
	m.tracks = append(m.tracks, t)
	return t, nil
}

func (m *fakeMedia) Capability() call.Capability { return call.Capability{HasVideo: m.hasVideo} }

func (t *fakeTracks) TrackLocals() []webrtc.TrackLocal { return nil }

func (t *fakeTracks) SetAudioEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.audioEnabled = enabled
}

func (t *fakeTracks) SetVideoEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.videoEnabled = enabled
}

func (t *fakeTracks) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closedCount++
}

// eventLog records engine events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []call.Event
}

func (l *eventLog) sink(ev call.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) endReasons() []call.Reason {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []call.Reason
	for _, ev := range l.events {
		if ev.Kind == call.EventCallEnded {
			out = append(out, ev.Reason)
		}
	}
	return out
}

func (l *eventLog) has(kind call.EventKind) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}
