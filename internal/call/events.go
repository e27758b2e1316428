package call

// EventKind tells the presentation layer what just happened. Ringtone playback,
// alerts and screen switching are the subscriber's business, not the engine's.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventRingingStarted
	EventRingingStopped
	EventCallEnded
)

// Reason qualifies terminal EventCallEnded events.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonEnded          Reason = "ended"
	ReasonRejected       Reason = "rejected"
	ReasonBusy           Reason = "busy"
	ReasonNotAnswered    Reason = "not-answered"
	ReasonConnectionLost Reason = "connection-lost"
	ReasonMediaFailure   Reason = "media-failure"
	ReasonPeerLost       Reason = "peer-connection-lost"
)

type Event struct {
	Kind     EventKind
	Reason   Reason
	Snapshot Snapshot
}

// EventSink receives engine events. Sinks may be invoked while the engine
// holds its lock and must not call engine commands synchronously.
type EventSink func(Event)
