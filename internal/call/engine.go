package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/domain"
	"github.com/peercall/peercall/internal/signal"
	"github.com/peercall/peercall/internal/transport"
)

// Config holds the engine timing knobs.
type Config struct {
	// NoAnswerTimeout bounds how long a call may ring on either side.
	NoAnswerTimeout time.Duration
	// ICEGraceWindow is how long a degraded ICE connection may recover before
	// it counts as a hangup.
	ICEGraceWindow time.Duration
	// PublishTimeout bounds the reconnect-and-retry around one publish.
	PublishTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		NoAnswerTimeout: 30 * time.Second,
		ICEGraceWindow:  5 * time.Second,
		PublishTimeout:  10 * time.Second,
	}
}

// Engine is the call-session state machine. All session mutation happens under
// one lock so every handler reads the state that triggered it. Duplicate
// offer/answer deliveries are shed by one-shot latches checked before the
// lock, so a retransmission arriving mid-processing is dropped, not queued.
type Engine struct {
	cfg   Config
	self  domain.User
	tp    transport.Transport
	media MediaProvider
	newPC NegotiatorFactory
	sink  EventSink

	mu          sync.Mutex
	s           *session
	transportUp bool
}

func NewEngine(cfg Config, self domain.User, tp transport.Transport, media MediaProvider, newPC NegotiatorFactory, sink EventSink) *Engine {
	if sink == nil {
		sink = func(Event) {}
	}
	e := &Engine{
		cfg:   cfg,
		self:  self,
		tp:    tp,
		media: media,
		newPC: newPC,
		sink:  sink,
		s:     newSession(),
	}
	tp.Subscribe(signal.Inbox(self.ID), e.onFrame)
	tp.OnConnectionStateChange(e.onTransportState)
	return e
}

// Snapshot projects the current session for presentation. Value copy only.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		State:      e.s.state,
		RemoteID:   e.s.remoteID,
		RemoteName: e.s.remoteName,
		Kind:       e.s.kind,
		Token:      e.s.token,
		Duration:   e.s.duration.Load(),
		Flags:      e.s.flags,
		Connected:  e.transportUp,
	}
}

// ---- user commands -------------------------------------------------------

// StartCall rings remoteID. Media is acquired first; the call-request goes out
// after, and the no-answer timer arms last.
func (e *Engine) StartCall(ctx context.Context, remoteID domain.UserID, remoteName string, video bool) error {
	if remoteID == "" || remoteID == e.self.ID {
		return fmt.Errorf("%w: bad remote %q", ErrInvalidCommand, remoteID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.state != domain.StateIdle {
		return fmt.Errorf("%w: start while %s", ErrInvalidCommand, e.s.state)
	}
	if err := e.ensureTransportLocked(ctx); err != nil {
		return err
	}

	kind := domain.KindFor(video && e.media.Capability().HasVideo)
	e.s.remoteID = remoteID
	e.s.remoteName = remoteName
	e.s.kind = kind
	e.setStateLocked(domain.StateCalling)

	tracks, err := e.media.GetLocalMedia(ctx, kind)
	if err != nil {
		e.cleanupLocked(ReasonMediaFailure)
		return err
	}
	e.s.tracks = tracks

	body := signal.InitiateBody{
		CallType: kind,
		SignalData: signal.Parties{
			CallerID:   e.self.ID,
			CallerName: e.self.Username,
			ReceiverID: remoteID,
		},
	}
	if err := e.publishBody(signal.ActionTarget(e.self.ID, remoteID, signal.ActionInitiate), body); err != nil {
		e.cleanupLocked(ReasonConnectionLost)
		return err
	}

	e.s.armNoAnswer(e.cfg.NoAnswerTimeout, e.onNoAnswerTimeout)
	log.Info().Str("module", "call").Str("remote", string(remoteID)).Str("kind", string(kind)).Msg("call started")
	return nil
}

// AcceptCall answers an incoming call. The peer connection is NOT created
// here; the offer will arrive from the caller.
func (e *Engine) AcceptCall(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.state != domain.StateIncoming {
		return fmt.Errorf("%w: accept while %s", ErrInvalidCommand, e.s.state)
	}
	if err := e.ensureTransportLocked(ctx); err != nil {
		e.cleanupLocked(ReasonConnectionLost)
		return err
	}

	e.s.disarmNoAnswer()
	e.emitLocked(Event{Kind: EventRingingStopped, Snapshot: e.snapshotLocked()})

	tracks, err := e.media.GetLocalMedia(ctx, e.s.kind)
	if err != nil {
		e.cleanupLocked(ReasonMediaFailure)
		return err
	}
	e.s.tracks = tracks

	e.setStateLocked(domain.StateConnected)
	e.startDurationLocked()

	body := signal.AcceptBody{
		CallHistoryID: e.s.token,
		SignalData: signal.Parties{
			CallerID:   e.s.remoteID,
			ReceiverID: e.self.ID,
		},
	}
	if err := e.publishBody(signal.ActionTarget(e.s.remoteID, e.self.ID, signal.ActionAccept), body); err != nil {
		e.cleanupLocked(ReasonConnectionLost)
		return err
	}
	log.Info().Str("module", "call").Str("remote", string(e.s.remoteID)).Msg("call accepted, waiting for offer")
	return nil
}

// RejectCall declines an incoming call, routing on the origin pair.
func (e *Engine) RejectCall() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.state != domain.StateIncoming {
		return fmt.Errorf("%w: reject while %s", ErrInvalidCommand, e.s.state)
	}
	e.s.disarmNoAnswer()
	e.emitLocked(Event{Kind: EventRingingStopped, Snapshot: e.snapshotLocked()})

	body := signal.RejectBody{
		CallHistoryID: e.s.token,
		SignalData: signal.Parties{
			CallerID:   e.s.originCallerID,
			ReceiverID: e.s.originReceiverID,
		},
	}
	dest := signal.ActionTarget(e.s.originCallerID, e.s.originReceiverID, signal.ActionReject)
	if err := e.publishBody(dest, body); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("reject publish skipped")
	}
	e.cleanupLocked(ReasonRejected)
	return nil
}

// EndCall hangs up from any non-Idle state, routing on the origin pair.
func (e *Engine) EndCall() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.state == domain.StateIdle {
		return fmt.Errorf("%w: end while idle", ErrInvalidCommand)
	}
	e.publishEndLocked()
	e.cleanupLocked(ReasonEnded)
	return nil
}

func (e *Engine) publishEndLocked() {
	body := signal.EndBody{
		CallHistoryID: e.s.token,
		EndedByID:     e.self.ID,
		SignalData: signal.Parties{
			CallerID:   e.s.originCallerID,
			ReceiverID: e.s.originReceiverID,
		},
	}
	dest := signal.ActionTarget(e.s.originCallerID, e.s.originReceiverID, signal.ActionEnd)
	if err := e.publishBody(dest, body); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("end publish skipped")
	}
}

// ToggleMute flips the local audio flag and gates the capture tracks.
func (e *Engine) ToggleMute() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.flags.Muted = !e.s.flags.Muted
	if e.s.tracks != nil {
		e.s.tracks.SetAudioEnabled(!e.s.flags.Muted)
	}
	return e.snapshotLocked()
}

// ToggleVideo flips the local video flag; audio-only calls ignore it.
func (e *Engine) ToggleVideo() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.kind.HasVideo() {
		e.s.flags.VideoEnabled = !e.s.flags.VideoEnabled
		if e.s.tracks != nil {
			e.s.tracks.SetVideoEnabled(e.s.flags.VideoEnabled)
		}
	}
	return e.snapshotLocked()
}

// ToggleSpeaker flips the playback routing flag; playback itself is the
// presentation layer's concern.
func (e *Engine) ToggleSpeaker() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.flags.SpeakerOn = !e.s.flags.SpeakerOn
	return e.snapshotLocked()
}

// Shutdown ends a live call before the process exits, so the remote side is
// not left ringing after a reload or SIGTERM.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.state == domain.StateIdle {
		return
	}
	e.publishEndLocked()
	e.cleanupLocked(ReasonEnded)
}

// ---- inbound signals -----------------------------------------------------

func (e *Engine) onFrame(payload []byte) {
	env, err := signal.Parse(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("dropping signal")
		return
	}
	switch env.SignalType {
	case signal.TypeCallRequest:
		e.handleCallRequest(env)
	case signal.TypeCallAccept:
		e.handleCallAccept()
	case signal.TypeCallReject:
		e.handleTerminal(ReasonRejected)
	case signal.TypeCallEnd:
		e.handleTerminal(ReasonEnded)
	case signal.TypeCallBusy:
		e.handleTerminal(ReasonBusy)
	case signal.TypeCallNotAnswered:
		e.handleTerminal(ReasonNotAnswered)
	case signal.TypeOffer:
		e.handleOffer(env)
	case signal.TypeAnswer:
		e.handleAnswer(env)
	case signal.TypeICECandidate:
		e.handleCandidate(env)
	}
}

func (e *Engine) handleCallRequest(env *signal.Envelope) {
	if env.CallHistory == nil {
		log.Error().Str("module", "call").Msg("call-request without callHistory")
		return
	}
	if env.CallHistory.Busy() {
		// The signaling layer answered our request with 409: callee is busy.
		e.handleTerminal(ReasonBusy)
		return
	}
	data := env.CallHistory.Data

	e.mu.Lock()
	defer e.mu.Unlock()

	if data.SenderID == e.self.ID {
		// Echo of our own request. This is where the caller learns the
		// session token and the fixed origin pair.
		if e.s.state == domain.StateCalling {
			e.s.token = data.CallHistoryID
			e.s.originCallerID = data.SenderID
			e.s.originReceiverID = data.ReceiverID
			log.Info().Str("module", "call").Str("token", string(data.CallHistoryID)).Msg("session token recorded")
		}
		return
	}

	if e.s.state != domain.StateIdle {
		// Already in a call: busy-back, no session transition.
		busy, err := signal.NewBusy(data).Encode()
		if err == nil {
			if perr := e.tp.Publish(signal.Pair(e.self.ID, data.SenderID), busy); perr != nil {
				log.Warn().Err(perr).Str("module", "call").Msg("busy-back publish failed")
			}
		}
		log.Info().Str("module", "call").Str("from", string(data.SenderID)).Msg("call-request while busy")
		return
	}

	e.s.remoteID = data.SenderID
	e.s.remoteName = data.SenderName
	if e.s.remoteName == "" {
		e.s.remoteName = string(data.SenderID)
	}
	e.s.token = data.CallHistoryID
	e.s.originCallerID = data.SenderID
	e.s.originReceiverID = data.ReceiverID
	e.s.kind = data.CallType
	if e.s.kind == "" {
		e.s.kind = domain.KindAudio
	}
	e.setStateLocked(domain.StateIncoming)
	e.emitLocked(Event{Kind: EventRingingStarted, Snapshot: e.snapshotLocked()})
	e.s.armNoAnswer(e.cfg.NoAnswerTimeout, e.onNoAnswerTimeout)
	log.Info().Str("module", "call").Str("from", string(data.SenderID)).Str("kind", string(e.s.kind)).Msg("incoming call")
}

// handleCallAccept is the caller's cue to produce the offer. A retransmitted
// accept must not create a second, conflicting offer: the state must be
// exactly Calling and no peer connection may exist yet.
func (e *Engine) handleCallAccept() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.state != domain.StateCalling {
		log.Info().Str("module", "call").Str("state", e.s.state.String()).Msg("accept ignored outside calling")
		return
	}
	if e.s.neg != nil {
		log.Info().Str("module", "call").Msg("accept ignored, peer connection exists")
		return
	}

	e.s.disarmNoAnswer()
	e.setStateLocked(domain.StateConnected)
	e.startDurationLocked()

	neg, err := e.openNegotiatorLocked()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("negotiator open failed")
		e.cleanupLocked(ReasonPeerLost)
		return
	}
	offer, err := neg.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("create offer failed")
		e.cleanupLocked(ReasonPeerLost)
		return
	}
	e.publishEnvelope(signal.Pair(e.self.ID, e.s.remoteID), signal.NewOffer(offer))
	log.Info().Str("module", "call").Str("remote", string(e.s.remoteID)).Msg("offer sent")
}

func (e *Engine) handleOffer(env *signal.Envelope) {
	// One-shot latch, checked before the lock: a duplicate delivery while the
	// first offer is mid-processing is dropped, not queued.
	if !e.s.offerInProgress.CompareAndSwap(false, true) {
		log.Info().Str("module", "call").Msg("duplicate offer dropped")
		return
	}
	defer e.s.offerInProgress.Store(false)

	offer, err := env.Offer()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad offer")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.state != domain.StateConnected {
		log.Info().Str("module", "call").Str("state", e.s.state.String()).Msg("offer ignored outside connected")
		return
	}
	if e.s.neg != nil && !e.s.neg.Stable() {
		log.Info().Str("module", "call").Msg("offer ignored, negotiation in flight")
		return
	}
	if e.s.neg == nil {
		if _, err := e.openNegotiatorLocked(); err != nil {
			log.Error().Err(err).Str("module", "call").Msg("negotiator open failed")
			e.cleanupLocked(ReasonPeerLost)
			return
		}
	}

	answer, err := e.s.neg.CreateAnswer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("answer failed, offer dropped")
		return
	}
	e.publishEnvelope(signal.Pair(e.self.ID, e.s.remoteID), signal.NewAnswer(answer))
	e.drainCandidatesLocked()
	log.Info().Str("module", "call").Str("remote", string(e.s.remoteID)).Msg("answer sent")
}

func (e *Engine) handleAnswer(env *signal.Envelope) {
	if !e.s.answerInProgress.CompareAndSwap(false, true) {
		log.Info().Str("module", "call").Msg("duplicate answer dropped")
		return
	}
	defer e.s.answerInProgress.Store(false)

	answer, err := env.Answer()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad answer")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.state != domain.StateConnected || e.s.neg == nil || !e.s.neg.HasLocalOffer() {
		log.Info().Str("module", "call").Msg("answer ignored, no offer pending")
		return
	}
	if err := e.s.neg.SetRemoteDescription(answer); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("set answer failed, dropped")
		return
	}
	e.drainCandidatesLocked()
}

func (e *Engine) handleCandidate(env *signal.Envelope) {
	ci, err := env.Candidate()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("bad candidate")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// A candidate racing a local hangup is a no-op, not an error.
	if e.s.state == domain.StateIdle {
		return
	}
	if e.s.neg != nil && e.s.neg.HasRemoteDescription() {
		if err := e.s.neg.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "call").Msg("add candidate failed")
		}
		return
	}
	e.s.pendingCandidates = append(e.s.pendingCandidates, ci)
}

// handleTerminal resolves remote hangup/reject/busy/not-answered to Idle.
func (e *Engine) handleTerminal(reason Reason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.state == domain.StateIdle {
		return
	}
	e.cleanupLocked(reason)
}

// ---- timers, connectivity, transport -------------------------------------

func (e *Engine) onNoAnswerTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.state != domain.StateCalling && e.s.state != domain.StateIncoming {
		return
	}
	if e.s.token != "" && e.s.remoteID != "" {
		body := signal.NotAnsweredBody{CallHistoryID: e.s.token}
		dest := signal.ActionTarget(e.self.ID, e.s.remoteID, signal.ActionNotAnswered)
		if err := e.publishBody(dest, body); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("not-answered publish skipped")
		}
	}
	log.Info().Str("module", "call").Str("state", e.s.state.String()).Msg("no answer")
	e.cleanupLocked(ReasonNotAnswered)
}

func (e *Engine) onConnectivity(c Connectivity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.state != domain.StateConnected {
		return
	}
	switch c {
	case ConnectivityConnected:
		e.s.disarmGrace()
	case ConnectivityDegraded:
		// Transient blips get a grace window before counting as a hangup.
		e.s.armGrace(e.cfg.ICEGraceWindow, e.onGraceExpired)
	case ConnectivityClosed:
		e.cleanupLocked(ReasonPeerLost)
	}
}

func (e *Engine) onGraceExpired() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.state != domain.StateConnected || e.s.graceTimer == nil {
		return
	}
	log.Info().Str("module", "call").Msg("ICE did not recover, treating as hangup")
	e.cleanupLocked(ReasonPeerLost)
}

func (e *Engine) onTransportState(connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transportUp = connected
	if !connected && e.s.state != domain.StateIdle {
		e.cleanupLocked(ReasonConnectionLost)
		return
	}
	e.emitLocked(Event{Kind: EventStateChanged, Snapshot: e.snapshotLocked()})
}

// ---- internals -----------------------------------------------------------

func (e *Engine) ensureTransportLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	defer cancel()
	if err := e.tp.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	e.transportUp = true
	return nil
}

func (e *Engine) publishBody(dest string, body any) error {
	b, err := signal.EncodeBody(body)
	if err != nil {
		return err
	}
	return e.publishRaw(dest, b)
}

func (e *Engine) publishEnvelope(dest string, env *signal.Envelope) {
	b, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "call").Msg("encode envelope")
		return
	}
	if err := e.publishRaw(dest, b); err != nil {
		log.Error().Err(err).Str("module", "call").Str("dest", dest).Msg("publish failed")
	}
}

func (e *Engine) publishRaw(dest string, payload []byte) error {
	err := e.tp.Publish(dest, payload)
	if !errors.Is(err, transport.ErrNotConnected) {
		return err
	}
	// Not connected: bounded reconnect poll, then one retry.
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PublishTimeout)
	defer cancel()
	if err := e.tp.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if err := e.tp.Publish(dest, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// openNegotiatorLocked creates, wires and starts a fresh peer connection for
// the current attempt, attaching the already-acquired local tracks.
func (e *Engine) openNegotiatorLocked() (Negotiator, error) {
	neg, err := e.newPC()
	if err != nil {
		return nil, err
	}
	remote := e.s.remoteID
	neg.OnLocalCandidate(func(ci webrtc.ICECandidateInit) {
		// Runs on the negotiator's goroutines; publish is lock-free here.
		e.publishEnvelope(signal.Pair(e.self.ID, remote), signal.NewCandidate(ci))
	})
	neg.OnRemoteTrack(func(t *webrtc.TrackRemote) {
		log.Info().Str("module", "call").Str("kind", t.Kind().String()).Msg("remote media flowing")
	})
	neg.OnConnectivityChange(e.onConnectivity)

	if err := neg.Start(context.Background()); err != nil {
		neg.Close()
		return nil, err
	}
	if e.s.tracks != nil {
		if err := neg.AddTracks(e.s.tracks.TrackLocals()); err != nil {
			neg.Close()
			return nil, err
		}
	}
	e.s.neg = neg
	return neg, nil
}

// drainCandidatesLocked applies buffered candidates in receipt order and
// clears the buffer exactly once.
func (e *Engine) drainCandidatesLocked() {
	if e.s.neg == nil {
		return
	}
	for _, ci := range e.s.pendingCandidates {
		if err := e.s.neg.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "call").Msg("drain candidate failed")
		}
	}
	e.s.pendingCandidates = nil
}

func (e *Engine) setStateLocked(st domain.CallState) {
	if e.s.state == st {
		return
	}
	log.Info().Str("module", "call").Str("from", e.s.state.String()).Str("to", st.String()).Msg("state change")
	e.s.state = st
	e.emitLocked(Event{Kind: EventStateChanged, Snapshot: e.snapshotLocked()})
}

func (e *Engine) startDurationLocked() {
	e.stopDurationLocked()
	e.s.duration.Store(0)
	stop := make(chan struct{})
	e.s.stopTicker = stop
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				e.s.duration.Add(1)
			}
		}
	}()
}

func (e *Engine) stopDurationLocked() {
	if e.s.stopTicker != nil {
		close(e.s.stopTicker)
		e.s.stopTicker = nil
	}
}

// cleanupLocked tears the session down to Idle. It is idempotent and safe
// from every trigger point: user hangup, remote hangup, timeout, transport
// loss, negotiation failure, shutdown.
func (e *Engine) cleanupLocked(reason Reason) {
	wasIdle := e.s.state == domain.StateIdle

	e.s.disarmNoAnswer()
	e.s.disarmGrace()
	e.stopDurationLocked()

	if e.s.neg != nil {
		e.s.neg.Close()
	}
	if e.s.tracks != nil {
		e.s.tracks.Close()
	}
	e.s.reset()

	if wasIdle {
		return
	}
	e.emitLocked(Event{Kind: EventRingingStopped, Snapshot: e.snapshotLocked()})
	e.emitLocked(Event{Kind: EventStateChanged, Snapshot: e.snapshotLocked()})
	if reason != ReasonNone {
		e.emitLocked(Event{Kind: EventCallEnded, Reason: reason, Snapshot: e.snapshotLocked()})
	}
	log.Info().Str("module", "call").Str("reason", string(reason)).Msg("call cleaned up")
}

func (e *Engine) emitLocked(ev Event) {
	e.sink(ev)
}
