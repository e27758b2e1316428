package signal

import (
	"fmt"

	"github.com/peercall/peercall/internal/domain"
)

// Action names the per-call publish targets handled by the signaling layer.
type Action string

const (
	ActionInitiate    Action = "initiate"
	ActionAccept      Action = "accept"
	ActionReject      Action = "reject"
	ActionEnd         Action = "end"
	ActionNotAnswered Action = "notAnswered"
)

// Inbox is the single subscription channel of one identity. Every signal
// addressed to that identity arrives there.
func Inbox(id domain.UserID) string {
	return fmt.Sprintf("call/%s", id)
}

// Pair is the bare per-pair channel for offer/answer/ice-candidate envelopes,
// which carry their signalType inline.
func Pair(from, to domain.UserID) string {
	return fmt.Sprintf("call/%s/%s", from, to)
}

// ActionTarget addresses one call action on the original caller/receiver pair.
func ActionTarget(from, to domain.UserID, a Action) string {
	return fmt.Sprintf("call/%s/%s/%s", from, to, a)
}
