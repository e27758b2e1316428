package call_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peercall/peercall/internal/call"
	"github.com/peercall/peercall/internal/domain"
	"github.com/peercall/peercall/internal/signal"
	"github.com/peercall/peercall/internal/transport"
)

// pairBroker is an in-memory stand-in for the signaling backend. It owns the
// call-history bookkeeping the real backend does: an initiate publish becomes a
// call-request envelope with a fresh token, fanned out to both inboxes;
// action and pair publishes are translated to the counterpart's inbox.
// Delivery is asynchronous so a publish made under an engine lock never
// reenters that engine synchronously.
type pairBroker struct {
	mu     sync.Mutex
	subs   map[string]transport.Handler
	nextID int
}

func newPairBroker() *pairBroker {
	return &pairBroker{subs: make(map[string]transport.Handler)}
}

// endpoint is one identity's view of the broker.
type endpoint struct {
	broker *pairBroker
	id     domain.UserID
}

func (b *pairBroker) endpoint(id domain.UserID) *endpoint {
	return &endpoint{broker: b, id: id}
}

func (e *endpoint) Connect(context.Context) error         { return nil }
func (e *endpoint) Disconnect()                           {}
func (e *endpoint) Connected() bool                       { return true }
func (e *endpoint) EnsureConnected(context.Context) error { return nil }
func (e *endpoint) OnConnectionStateChange(transport.StateHandler) {
}

func (e *endpoint) Subscribe(channel string, h transport.Handler) {
	e.broker.mu.Lock()
	defer e.broker.mu.Unlock()
	e.broker.subs[channel] = h
}

func (e *endpoint) Publish(dest string, payload []byte) error {
	go e.broker.route(e.id, dest, payload)
	return nil
}

func (b *pairBroker) route(sender domain.UserID, dest string, payload []byte) {
	parts := strings.Split(dest, "/")
	switch len(parts) {
	case 3: // call/{from}/{to}: envelope passthrough to the counterpart
		from, to := domain.UserID(parts[1]), domain.UserID(parts[2])
		other := from
		if sender == from {
			other = to
		}
		b.send(signal.Inbox(other), payload)
	case 4: // call/{from}/{to}/{action}
		b.action(domain.UserID(parts[1]), domain.UserID(parts[2]), signal.Action(parts[3]), payload)
	}
}

func (b *pairBroker) action(from, to domain.UserID, a signal.Action, payload []byte) {
	switch a {
	case signal.ActionInitiate:
		b.mu.Lock()
		b.nextID++
		token := domain.SessionToken(fmt.Sprintf("hist-%d", b.nextID))
		b.mu.Unlock()

		var body signal.InitiateBody
		if err := json.Unmarshal(payload, &body); err != nil {
			return
		}
		env := &signal.Envelope{
			SignalType: signal.TypeCallRequest,
			CallHistory: &signal.CallHistory{
				StatusCode: 200,
				Data: signal.CallAttempt{
					SenderID:      from,
					ReceiverID:    to,
					CallHistoryID: token,
					SenderName:    body.SignalData.CallerName,
					CallType:      body.CallType,
				},
			},
		}
		raw, err := env.Encode()
		if err != nil {
			return
		}
		// Both sides get the request: the callee to ring, the caller to learn
		// the token.
		b.send(signal.Inbox(from), raw)
		b.send(signal.Inbox(to), raw)
	case signal.ActionAccept:
		b.relay(from, signal.TypeCallAccept)
	case signal.ActionReject:
		b.relay(from, signal.TypeCallReject)
	case signal.ActionEnd:
		// The end target pair is always the origin pair; notify both sides and
		// let each engine decide whether it still has a session.
		b.relay(from, signal.TypeCallEnd)
		b.relay(to, signal.TypeCallEnd)
	case signal.ActionNotAnswered:
		b.relay(to, signal.TypeCallNotAnswered)
	}
}

func (b *pairBroker) relay(to domain.UserID, typ signal.Type) {
	raw, err := (&signal.Envelope{SignalType: typ}).Encode()
	if err != nil {
		return
	}
	b.send(signal.Inbox(to), raw)
}

func (b *pairBroker) send(channel string, payload []byte) {
	b.mu.Lock()
	h := b.subs[channel]
	b.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

type peer struct {
	engine  *call.Engine
	factory *negotiatorFactory
	media   *fakeMedia
	events  *eventLog
}

func newPeer(t *testing.T, b *pairBroker, id domain.UserID, cfg call.Config) *peer {
	t.Helper()
	p := &peer{
		factory: &negotiatorFactory{},
		media:   &fakeMedia{hasVideo: true},
		events:  &eventLog{},
	}
	p.engine = call.NewEngine(cfg, domain.User{ID: id, Username: string(id)},
		b.endpoint(id), p.media, p.factory.new, p.events.sink)
	t.Cleanup(p.engine.Shutdown)
	return p
}

func (p *peer) state() domain.CallState { return p.engine.Snapshot().State }

func TestEndToEndCallLifecycle(t *testing.T) {
	b := newPairBroker()
	caller := newPeer(t, b, alice, testCfg())
	callee := newPeer(t, b, bob, testCfg())

	require.NoError(t, caller.engine.StartCall(context.Background(), bob, "Bob", false))

	// Callee rings, caller learns the token.
	require.Eventually(t, func() bool {
		return callee.state() == domain.StateIncoming &&
			caller.engine.Snapshot().Token != ""
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, caller.engine.Snapshot().Token, callee.engine.Snapshot().Token)
	assert.True(t, callee.events.has(call.EventRingingStarted))

	require.NoError(t, callee.engine.AcceptCall(context.Background()))

	// Accept reaches the caller, which opens the peer connection and offers.
	require.Eventually(t, func() bool {
		return caller.state() == domain.StateConnected && caller.factory.count() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.StateConnected, callee.state())

	// The offer lands on the callee, which answers; the answer lands on the
	// caller's pending local offer.
	require.Eventually(t, func() bool {
		return callee.factory.count() == 1 && callee.factory.last().answers == 1
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return caller.factory.last().setRemotes == 1
	}, time.Second, 10*time.Millisecond)

	// Callee hangs up; both sides settle back to Idle.
	require.NoError(t, callee.engine.EndCall())
	require.Eventually(t, func() bool {
		return caller.state() == domain.StateIdle && callee.state() == domain.StateIdle
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []call.Reason{call.ReasonEnded}, caller.events.endReasons())
	assert.Equal(t, 1, caller.factory.last().closedCount)
}

func TestEndToEndReject(t *testing.T) {
	b := newPairBroker()
	caller := newPeer(t, b, alice, testCfg())
	callee := newPeer(t, b, bob, testCfg())

	require.NoError(t, caller.engine.StartCall(context.Background(), bob, "Bob", false))
	require.Eventually(t, func() bool {
		return callee.state() == domain.StateIncoming
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, callee.engine.RejectCall())
	require.Eventually(t, func() bool {
		return caller.state() == domain.StateIdle
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []call.Reason{call.ReasonRejected}, caller.events.endReasons())
	assert.Equal(t, domain.StateIdle, callee.state())
}

func TestEndToEndCallerGivesUp(t *testing.T) {
	cfg := testCfg()
	cfg.NoAnswerTimeout = 100 * time.Millisecond
	b := newPairBroker()
	caller := newPeer(t, b, alice, cfg)
	callee := newPeer(t, b, bob, cfg)

	require.NoError(t, caller.engine.StartCall(context.Background(), bob, "Bob", false))
	require.Eventually(t, func() bool {
		return callee.state() == domain.StateIncoming
	}, time.Second, 10*time.Millisecond)

	// Nobody answers. The caller times out first and tells the callee.
	require.Eventually(t, func() bool {
		return caller.state() == domain.StateIdle && callee.state() == domain.StateIdle
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []call.Reason{call.ReasonNotAnswered}, caller.events.endReasons())
	assert.Equal(t, []call.Reason{call.ReasonNotAnswered}, callee.events.endReasons())
}
