package ice

import (
	"github.com/pion/stun/v3"
)

// attrICEControlling/attrICEControlled/attrUseCandidate/attrPriority mirror
// RFC 8445 §16.1's STUN attribute registrations; pion/stun/v3 does not
// define these ICE-specific attributes itself (it is a generic STUN
// codec), so the connectivity layer owns them.
const (
	attrPriority      stun.AttrType = 0x0024
	attrUseCandidate  stun.AttrType = 0x0025
	attrICEControlled stun.AttrType = 0x8029
	attrICEControlling stun.AttrType = 0x802A
)

// buildBindingRequest constructs a STUN connectivity-check request per
// RFC 8445 §7.1.1: USERNAME/PRIORITY/{ICE-CONTROLLING,ICE-CONTROLLED}
// [USE-CANDIDATE] MESSAGE-INTEGRITY FINGERPRINT, authenticated with the
// remote ufrag:localufrag username and the remote password as the
// short-term-credential key.
func buildBindingRequest(localUfrag, remoteUfrag, remotePassword string, priority uint32, tieBreaker uint64, controlling, useCandidate bool) (*stun.Message, error) {
	setters := []stun.Setter{
		stun.TransactionID,
		stun.BindingRequest,
		stun.NewUsername(remoteUfrag + ":" + localUfrag),
		attrUint32{attrPriority, priority},
	}
	if controlling {
		setters = append(setters, attrUint64{attrICEControlling, tieBreaker})
		if useCandidate {
			setters = append(setters, attrFlag{attrUseCandidate})
		}
	} else {
		setters = append(setters, attrUint64{attrICEControlled, tieBreaker})
	}
	setters = append(setters, stun.NewShortTermIntegrity(remotePassword), stun.Fingerprint)
	return stun.Build(setters...)
}

// buildBindingResponse constructs a success response carrying the
// mapped address observed for the request, authenticated with the local
// password (the key the requester will verify against, since requester
// and responder swap which ufrag:pwd pair signs which direction). The
// response must echo the request's transaction ID exactly, so this
// builds the message by hand rather than through stun.Build (which
// always mints a fresh random transaction ID).
func buildBindingResponse(txID [stun.TransactionIDSize]byte, mappedIP []byte, mappedPort int, localPassword string) (*stun.Message, error) {
	m := new(stun.Message)
	m.TransactionID = txID
	m.SetType(stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse))

	xor := stun.XORMappedAddress{IP: mappedIP, Port: mappedPort}
	if err := xor.AddTo(m); err != nil {
		return nil, err
	}
	if err := stun.NewShortTermIntegrity(localPassword).AddTo(m); err != nil {
		return nil, err
	}
	if err := stun.Fingerprint.AddTo(m); err != nil {
		return nil, err
	}
	m.WriteHeader()
	return m, nil
}

// attrUint32/attrUint64/attrFlag are minimal Setter/Getter shims for the
// ICE-specific attributes pion/stun/v3 doesn't know about; the generic
// codec only requires an AddTo(*Message) to build and a raw-bytes read to
// parse, which is all ICE-CONTROLLING/CONTROLLED/PRIORITY/USE-CANDIDATE
// need (no textual encoding, just fixed-width big-endian integers or a
// zero-length flag).
type attrUint32 struct {
	t stun.AttrType
	v uint32
}

func (a attrUint32) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	putUint32(v, a.v)
	m.Add(a.t, v)
	return nil
}

type attrUint64 struct {
	t stun.AttrType
	v uint64
}

func (a attrUint64) AddTo(m *stun.Message) error {
	v := make([]byte, 8)
	putUint64(v, a.v)
	m.Add(a.t, v)
	return nil
}

type attrFlag struct{ t stun.AttrType }

func (a attrFlag) AddTo(m *stun.Message) error {
	m.Add(a.t, nil)
	return nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putUint64(b []byte, v uint64) {
	putUint32(b[0:4], uint32(v>>32))
	putUint32(b[4:8], uint32(v))
}

func getUint64(b []byte) uint64 {
	return uint64(getUint32(b[0:4]))<<32 | uint64(getUint32(b[4:8]))
}

// readICEAttrs extracts the subset of ICE attributes this agent cares
// about from a parsed message.
type iceAttrs struct {
	priority         uint32
	hasPriority      bool
	useCandidate     bool
	controlling      uint64
	hasControlling   bool
	controlled       uint64
	hasControlled    bool
}

func readICEAttrs(m *stun.Message) iceAttrs {
	var a iceAttrs
	if v, err := m.Get(attrPriority); err == nil && len(v) == 4 {
		a.priority = getUint32(v)
		a.hasPriority = true
	}
	if _, err := m.Get(attrUseCandidate); err == nil {
		a.useCandidate = true
	}
	if v, err := m.Get(attrICEControlling); err == nil && len(v) == 8 {
		a.controlling = getUint64(v)
		a.hasControlling = true
	}
	if v, err := m.Get(attrICEControlled); err == nil && len(v) == 8 {
		a.controlled = getUint64(v)
		a.hasControlled = true
	}
	return a
}
