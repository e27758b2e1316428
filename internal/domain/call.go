package domain

import (
	"encoding/json"
	"fmt"
)

// SessionToken correlates every message of one call attempt. It is issued by
// the signaling layer and treated as opaque here.
type SessionToken string

// CallState is the lifecycle state of the local call session.
// Idle is both the initial state and the state every other state returns to.
type CallState int

const (
	StateIdle CallState = iota
	StateCalling
	StateIncoming
	StateConnected
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalJSON keeps the wire value human-readable and stable.
func (s CallState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CallKind selects audio-only or audio+video. Values are stable because they
// travel on the wire in call-request messages.
type CallKind string

const (
	KindAudio CallKind = "AUDIO"
	KindVideo CallKind = "VIDEO"
)

func (k CallKind) HasVideo() bool { return k == KindVideo }

// KindFor avoids spreading the bool-to-kind mapping over adapters.
func KindFor(video bool) CallKind {
	if video {
		return KindVideo
	}
	return KindAudio
}

// MediaFlags are the local-only toggles. They never affect negotiation, only
// whether local tracks are fed or played out.
type MediaFlags struct {
	Muted        bool `json:"muted"`
	SpeakerOn    bool `json:"speaker_on"`
	VideoEnabled bool `json:"video_enabled"`
}
