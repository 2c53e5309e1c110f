package rtcengine

import "github.com/SilvaMendes/rtcengine/ice/candidate"

// ConnectionState is the Session's overall lifecycle state, surfaced to the
// host via EventConnectionStateChange.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind discriminates the payload carried by an Event.
type EventKind int

const (
	EventConnectionStateChange EventKind = iota
	EventICECandidate
	EventNegotiationNeeded
	EventStreamOpened
	EventStreamClosed
	EventICERestartNeeded
)

// Event is a control-plane notification the host drains via PollEvent.
type Event struct {
	Kind      EventKind
	State     ConnectionState
	Candidate *candidate.Candidate
	StreamID  uint16
	// Label is the data channel label a EventStreamOpened carries, bound
	// to StreamID through the DATA_CHANNEL_OPEN/ACK exchange (RFC 8832).
	Label string
}

// ControlEventKind discriminates the payload carried by a ControlEvent.
type ControlEventKind int

const (
	CtrlAddLocalCandidate ControlEventKind = iota
	CtrlAddRemoteCandidate
	CtrlEndOfCandidates
	CtrlSetRemoteCredentials
	CtrlICERestart
	CtrlClose
	CtrlOpenDataChannel
)

// ControlEvent is a host-originated control-plane input delivered through
// HandleEvent — the counterpart of Event, which flows the other way.
type ControlEvent struct {
	Kind      ControlEventKind
	Candidate *candidate.Candidate
	Ufrag     string
	Password  string

	// StreamID, Label, Protocol and Ordered are used only when
	// Kind == CtrlOpenDataChannel, requesting an RFC 8832
	// DATA_CHANNEL_OPEN be sent on StreamID.
	StreamID uint16
	Label    string
	Protocol string
	Ordered  bool
}

// OutboundKind distinguishes which data transport an OutboundMessage targets.
type OutboundKind int

const (
	OutboundReliable OutboundKind = iota
	OutboundMedia
)

// OutboundMessage is an application payload the host hands to HandleWrite.
type OutboundMessage struct {
	Kind     OutboundKind
	StreamID uint16
	PPID     uint32
	Ordered  bool

	// Media fields, used only when Kind == OutboundMedia.
	SSRC           uint32
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	Payload        []byte
}

// InboundMessage is an application payload the host receives from PollRead.
type InboundMessage struct {
	Kind     OutboundKind
	StreamID uint16
	SSRC     uint32
	Payload  []byte
}
