package call

import (
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/domain"
)

// session is the single mutable call record. It is owned by the Engine and
// mutated only under the engine lock; everyone else sees Snapshot copies.
type session struct {
	state domain.CallState

	remoteID   domain.UserID
	remoteName string

	// token correlates every message of one attempt. It is supplied by the
	// signaling layer, not by whichever side sent the call-request.
	token domain.SessionToken

	// The pair fixed at call-request time. Outbound accept/reject/end must
	// route on this pair even after either side may be the one hanging up.
	originCallerID   domain.UserID
	originReceiverID domain.UserID

	kind  domain.CallKind
	flags domain.MediaFlags

	// seconds since Connected, ticked by the duration goroutine.
	duration atomic.Int64

	// Candidates that arrived before a remote description existed, in receipt
	// order. Drained exactly once, discarded on cleanup.
	pendingCandidates []webrtc.ICECandidateInit

	// One-shot latches shedding duplicate offer/answer deliveries while the
	// first is still being processed.
	offerInProgress  atomic.Bool
	answerInProgress atomic.Bool

	noAnswerTimer *time.Timer
	graceTimer    *time.Timer
	stopTicker    chan struct{}

	neg    Negotiator
	tracks LocalTracks
}

func newSession() *session {
	return &session{state: domain.StateIdle, flags: domain.MediaFlags{VideoEnabled: true}}
}

// reset returns the record to its Idle zero shape. Timer disarm and resource
// release happen in Engine.cleanup; this only clears the data fields.
func (s *session) reset() {
	s.state = domain.StateIdle
	s.remoteID = ""
	s.remoteName = ""
	s.token = ""
	s.originCallerID = ""
	s.originReceiverID = ""
	s.kind = domain.KindAudio
	s.flags = domain.MediaFlags{VideoEnabled: true}
	s.duration.Store(0)
	s.pendingCandidates = nil
	s.offerInProgress.Store(false)
	s.answerInProgress.Store(false)
	s.neg = nil
	s.tracks = nil
}

func (s *session) armNoAnswer(d time.Duration, fire func()) {
	s.disarmNoAnswer()
	s.noAnswerTimer = time.AfterFunc(d, fire)
}

func (s *session) disarmNoAnswer() {
	if s.noAnswerTimer != nil {
		s.noAnswerTimer.Stop()
		s.noAnswerTimer = nil
	}
}

func (s *session) armGrace(d time.Duration, fire func()) {
	if s.graceTimer != nil {
		return
	}
	s.graceTimer = time.AfterFunc(d, fire)
}

func (s *session) disarmGrace() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}
