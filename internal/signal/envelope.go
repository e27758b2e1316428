// Package signal defines the wire format of the call signaling channel.
// The envelope shape is fixed by the broker contract; this package only
// encodes, decodes and validates it.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/domain"
)

type Type string

const (
	TypeCallRequest     Type = "call-request"
	TypeCallAccept      Type = "call-accept"
	TypeCallReject      Type = "call-reject"
	TypeCallEnd         Type = "call-end"
	TypeCallBusy        Type = "call-busy"
	TypeCallNotAnswered Type = "call-not-answered"
	TypeOffer           Type = "offer"
	TypeAnswer          Type = "answer"
	TypeICECandidate    Type = "ice-candidate"
)

// StatusBusy on a call-request response means the callee is already in a call.
const StatusBusy = 409

var (
	ErrUnknownType = errors.New("unknown signal type")
	ErrBadPayload  = errors.New("bad signal payload")
)

// Envelope is the transport payload for every signal.
type Envelope struct {
	SignalType  Type            `json:"signalType"`
	SignalData  json.RawMessage `json:"signalData,omitempty"`
	CallHistory *CallHistory    `json:"callHistory,omitempty"`
}

// CallHistory is attached by the signaling layer to call-request responses.
type CallHistory struct {
	StatusCode int         `json:"statusCode"`
	Message    string      `json:"message,omitempty"`
	Data       CallAttempt `json:"data"`
}

// CallAttempt fixes the identities and token of one call attempt.
type CallAttempt struct {
	SenderID      domain.UserID       `json:"senderId"`
	ReceiverID    domain.UserID       `json:"receiverId"`
	CallHistoryID domain.SessionToken `json:"callHistoryId"`
	SenderName    string              `json:"senderName,omitempty"`
	CallType      domain.CallKind     `json:"callType,omitempty"`
}

func (h *CallHistory) Busy() bool { return h != nil && h.StatusCode == StatusBusy }

var knownTypes = map[Type]struct{}{
	TypeCallRequest: {}, TypeCallAccept: {}, TypeCallReject: {},
	TypeCallEnd: {}, TypeCallBusy: {}, TypeCallNotAnswered: {},
	TypeOffer: {}, TypeAnswer: {}, TypeICECandidate: {},
}

// Parse decodes an inbound frame and rejects unrecognized signal types.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if _, ok := knownTypes[env.SignalType]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.SignalType)
	}
	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// sdpData mirrors the JS client: the description may sit under "offer"/"answer"
// inside signalData, or signalData may be the description itself.
type sdpData struct {
	Offer  *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`

	Type string `json:"type,omitempty"`
	SDP  string `json:"sdp,omitempty"`
}

func (e *Envelope) description(want Type) (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription
	if e.SignalType != want {
		return none, fmt.Errorf("%w: want %s, got %s", ErrBadPayload, want, e.SignalType)
	}
	if len(e.SignalData) == 0 {
		return none, fmt.Errorf("%w: empty signalData", ErrBadPayload)
	}
	var d sdpData
	if err := json.Unmarshal(e.SignalData, &d); err != nil {
		return none, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	var sd *webrtc.SessionDescription
	switch want {
	case TypeOffer:
		sd = d.Offer
	case TypeAnswer:
		sd = d.Answer
	}
	if sd == nil && d.SDP != "" {
		switch d.Type {
		case "offer":
			sd = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: d.SDP}
		case "answer":
			sd = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}
		default:
			return none, fmt.Errorf("%w: sdp type %q", ErrBadPayload, d.Type)
		}
	}
	if sd == nil || sd.SDP == "" {
		return none, fmt.Errorf("%w: no session description", ErrBadPayload)
	}
	return *sd, nil
}

// Offer extracts the session description of an offer envelope.
func (e *Envelope) Offer() (webrtc.SessionDescription, error) {
	return e.description(TypeOffer)
}

// Answer extracts the session description of an answer envelope.
func (e *Envelope) Answer() (webrtc.SessionDescription, error) {
	return e.description(TypeAnswer)
}

type candidateData struct {
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Candidate extracts the ICE candidate of an ice-candidate envelope.
func (e *Envelope) Candidate() (webrtc.ICECandidateInit, error) {
	var none webrtc.ICECandidateInit
	if e.SignalType != TypeICECandidate {
		return none, fmt.Errorf("%w: want %s, got %s", ErrBadPayload, TypeICECandidate, e.SignalType)
	}
	if len(e.SignalData) == 0 {
		return none, fmt.Errorf("%w: empty signalData", ErrBadPayload)
	}
	var d candidateData
	if err := json.Unmarshal(e.SignalData, &d); err != nil {
		return none, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if d.Candidate != nil {
		return *d.Candidate, nil
	}
	// Candidate sent inline, not wrapped.
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(e.SignalData, &ci); err != nil {
		return none, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if ci.Candidate == "" {
		return none, fmt.Errorf("%w: empty candidate", ErrBadPayload)
	}
	return ci, nil
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All callers marshal plain structs; this cannot fail at runtime.
		panic(err)
	}
	return b
}

// NewOffer builds an outbound offer envelope.
func NewOffer(sd webrtc.SessionDescription) *Envelope {
	return &Envelope{SignalType: TypeOffer, SignalData: mustRaw(sdpData{Offer: &sd})}
}

// NewAnswer builds an outbound answer envelope.
func NewAnswer(sd webrtc.SessionDescription) *Envelope {
	return &Envelope{SignalType: TypeAnswer, SignalData: mustRaw(sdpData{Answer: &sd})}
}

// NewCandidate builds an outbound ice-candidate envelope.
func NewCandidate(ci webrtc.ICECandidateInit) *Envelope {
	return &Envelope{SignalType: TypeICECandidate, SignalData: mustRaw(candidateData{Candidate: &ci})}
}

// NewBusy builds the busy-back envelope sent when a call-request arrives while
// another call is already in progress.
func NewBusy(attempt CallAttempt) *Envelope {
	return &Envelope{
		SignalType: TypeCallBusy,
		CallHistory: &CallHistory{
			StatusCode: StatusBusy,
			Message:    "user is on another call",
			Data:       attempt,
		},
	}
}
