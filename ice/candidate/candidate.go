// Package candidate defines the Candidate and Pair value types
// used by the connectivity agent, and the pure functions that derive their
// priorities — kept separate from the agent so the priority math and
// pairing rules can be unit tested without any agent
// state machine in the loop.
package candidate

import "fmt"

// Type is the candidate type, per RFC 8445 §5.1.1.
type Type int

const (
	TypeHost Type = iota
	TypeServerReflexive
	TypePeerReflexive
	TypeRelay
)

func (t Type) String() string {
	switch t {
	case TypeHost:
		return "host"
	case TypeServerReflexive:
		return "srflx"
	case TypePeerReflexive:
		return "prflx"
	case TypeRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference is the RFC 8445 §5.1.2.1 recommended type preference,
// used as the high byte of the candidate priority formula.
func (t Type) typePreference() uint32 {
	switch t {
	case TypeHost:
		return 126
	case TypePeerReflexive:
		return 110
	case TypeServerReflexive:
		return 100
	case TypeRelay:
		return 0
	default:
		return 0
	}
}

// Transport is the candidate's transport family.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCPActive
	TransportTCPPassive
	TransportTCPSimultaneousOpen
)

func (tr Transport) String() string {
	switch tr {
	case TransportUDP:
		return "udp"
	case TransportTCPActive:
		return "tcp-active"
	case TransportTCPPassive:
		return "tcp-passive"
	case TransportTCPSimultaneousOpen:
		return "tcp-so"
	default:
		return "unknown"
	}
}

func (tr Transport) isTCP() bool { return tr != TransportUDP }

// Candidate is a local or remote transport address that may be tried as
// one endpoint of a connection.
type Candidate struct {
	Foundation      string
	Component       int
	Transport       Transport
	Priority        uint32
	Address         string
	Port            int
	Type            Type
	RelatedAddress  string
	RelatedPort     int
	// TCPPlaceholderPort9 is true for a remote active-TCP candidate whose
	// advertised port is the RFC 6544 placeholder 9: such a candidate is
	// never a dial target, only a probe source for local passive candidates.
	TCPPlaceholderPort9 bool
}

// Priority computes the RFC 8445 §5.1.2.1 candidate priority:
// (2^24)*type_pref + (2^8)*local_pref + (2^0)*(256-component_id).
func Priority(t Type, localPreference uint32, component int) uint32 {
	if localPreference > 65535 {
		localPreference = 65535
	}
	componentTerm := uint32(256 - component)
	if component > 256 {
		componentTerm = 0
	}
	return t.typePreference()<<24 | (localPreference&0xFFFF)<<8 | (componentTerm & 0xFF)
}

// New builds a Candidate and fills in its derived priority.
func New(t Type, transport Transport, localPreference uint32, component int, address string, port int) *Candidate {
	return &Candidate{
		Foundation: foundation(t, transport, address),
		Component:  component,
		Transport:  transport,
		Priority:   Priority(t, localPreference, component),
		Address:    address,
		Port:       port,
		Type:       t,
	}
}

// foundation derives a deterministic-enough grouping key: candidates that
// share type, base address, and transport protocol get the same
// foundation, per RFC 8445 §5.1.1.3. We don't attempt STUN-server
// equivalence classing here (that needs the server identity too); callers
// that gather via STUN/TURN should set Foundation explicitly instead.
func foundation(t Type, transport Transport, address string) string {
	return fmt.Sprintf("%s-%s-%s", t, transport, address)
}

// Pair is the ordered (local, remote) tuple ICE candidate pairing uses.
type Pair struct {
	Local, Remote *Candidate
	Priority      uint64
	State         PairState
	Nominated     bool

	RequestsSent      int
	RequestsReceived  int
	ResponsesSent     int
	ResponsesReceived int
	ConsentRequests   int
	RTTSamples        []float64
}

// PairState is the candidate pair's checklist state.
type PairState int

const (
	PairWaiting PairState = iota
	PairInProgress
	PairSucceeded
	PairFailed
	PairFrozen
)

func (s PairState) String() string {
	switch s {
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	case PairFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// PairPriority computes the candidate-pair priority formula from RFC 8445 §6.1.2.3:
// 2*min(G,D) + 2*max(G,D) + (G>D?1:0), where G is the controlling agent's
// candidate priority and D is the controlled agent's.
func PairPriority(controllingPriority, controlledPriority uint32) uint64 {
	g, d := uint64(controllingPriority), uint64(controlledPriority)
	lo, hi := g, d
	if lo > hi {
		lo, hi = hi, lo
	}
	extra := uint64(0)
	if g > d {
		extra = 1
	}
	return 2*lo + 2*hi + extra
}

// NewPair builds a Pair with its priority computed for the given role.
func NewPair(local, remote *Candidate, controlling bool) *Pair {
	var g, d uint32
	if controlling {
		g, d = local.Priority, remote.Priority
	} else {
		g, d = remote.Priority, local.Priority
	}
	return &Pair{
		Local:    local,
		Remote:   remote,
		Priority: PairPriority(g, d),
		State:    PairFrozen,
	}
}

// Compatible applies ICE's pairing rules: transport families must
// agree; UDP-UDP is always fine; TCP requires active·passive,
// passive·active, or simultaneous-open·simultaneous-open, and rejects
// active·active and passive·passive.
func Compatible(local, remote *Candidate) bool {
	if local.Transport == TransportUDP || remote.Transport == TransportUDP {
		return local.Transport == TransportUDP && remote.Transport == TransportUDP
	}
	switch {
	case local.Transport == TransportTCPActive && remote.Transport == TransportTCPPassive:
		return true
	case local.Transport == TransportTCPPassive && remote.Transport == TransportTCPActive:
		return true
	case local.Transport == TransportTCPSimultaneousOpen && remote.Transport == TransportTCPSimultaneousOpen:
		return true
	default:
		return false
	}
}
