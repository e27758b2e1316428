package signal

import (
	"encoding/json"

	"github.com/peercall/peercall/internal/domain"
)

// Parties names the routing pair of an action body. For accept/reject/end this
// is always the pair fixed at call-request time, regardless of which side
// publishes.
type Parties struct {
	CallerID   domain.UserID `json:"callerId"`
	CallerName string        `json:"callerName,omitempty"`
	ReceiverID domain.UserID `json:"receiverId"`
}

// InitiateBody starts a call attempt. The signaling layer answers with a
// call-request envelope carrying the session token.
type InitiateBody struct {
	CallType   domain.CallKind `json:"callType"`
	SignalData Parties         `json:"signalData"`
}

// AcceptBody is published by the callee; the caller reacts by creating the offer.
type AcceptBody struct {
	CallHistoryID domain.SessionToken `json:"callHistoryId"`
	SignalData    Parties             `json:"signalData"`
}

// RejectBody declines an incoming call, routed on the origin pair.
type RejectBody struct {
	CallHistoryID domain.SessionToken `json:"callHistoryId"`
	SignalData    Parties             `json:"signalData"`
}

// EndBody hangs up a live call. EndedByID records which side hung up, which is
// not derivable from the routing pair.
type EndBody struct {
	CallHistoryID domain.SessionToken `json:"callHistoryId"`
	EndedByID     domain.UserID       `json:"endedById"`
	SignalData    Parties             `json:"signalData"`
}

// NotAnsweredBody reports a local no-answer timeout to the signaling layer.
type NotAnsweredBody struct {
	CallHistoryID domain.SessionToken `json:"callHistoryId"`
	SignalData    struct{}            `json:"signalData"`
}

// EncodeBody serializes an action body for publishing.
func EncodeBody(v any) ([]byte, error) {
	return json.Marshal(v)
}
