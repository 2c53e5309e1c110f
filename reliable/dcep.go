package reliable

import (
	"encoding/binary"

	"github.com/SilvaMendes/rtcengine/rtcerr"
)

// ppidDCEP is the reserved payload-protocol identifier DATA_CHANNEL_OPEN
// and DATA_CHANNEL_ACK messages travel under, per RFC 8832 §8. It is
// distinct from whatever PPID the application picks for its own messages
// on the stream (RFC 8831's string/binary PPIDs), so handleData can tell
// a DCEP control message apart from payload without any other bookkeeping.
const ppidDCEP = 50

// DCEP message types, RFC 8832 §5.
const (
	dcepMessageAck  byte = 0x02
	dcepMessageOpen byte = 0x03
)

// DCEP channel types, RFC 8832 §8.2.1. This engine only ever offers
// full reliability (no partial-reliability timers or retransmit limits
// are wired to a channel-open request), so only the two reliable values
// are produced or recognized; anything else decodes but is treated as
// best-effort ordering information only.
const (
	dcepChannelReliable          byte = 0x00
	dcepChannelReliableUnordered byte = 0x80
)

// dcepOpenFixedLen is DATA_CHANNEL_OPEN's fixed header: message type (1) +
// channel type (1) + priority (2) + reliability parameter (4) + label
// length (2) + protocol length (2).
const dcepOpenFixedLen = 12

func encodeDCEPOpen(label, protocol string, ordered bool) []byte {
	channelType := dcepChannelReliable
	if !ordered {
		channelType = dcepChannelReliableUnordered
	}
	b := make([]byte, dcepOpenFixedLen+len(label)+len(protocol))
	b[0] = dcepMessageOpen
	b[1] = channelType
	binary.BigEndian.PutUint16(b[2:4], 0)  // priority: no priority scheme implemented
	binary.BigEndian.PutUint32(b[4:8], 0)  // reliability parameter: unused for fully-reliable channels
	binary.BigEndian.PutUint16(b[8:10], uint16(len(label)))
	binary.BigEndian.PutUint16(b[10:12], uint16(len(protocol)))
	copy(b[dcepOpenFixedLen:], label)
	copy(b[dcepOpenFixedLen+len(label):], protocol)
	return b
}

func decodeDCEPOpen(b []byte) (label, protocol string, ordered bool, err error) {
	if len(b) < dcepOpenFixedLen {
		return "", "", false, rtcerr.New(rtcerr.KindMalformed, "reliable", "data channel open message shorter than fixed header")
	}
	labelLen := int(binary.BigEndian.Uint16(b[8:10]))
	protoLen := int(binary.BigEndian.Uint16(b[10:12]))
	if len(b) < dcepOpenFixedLen+labelLen+protoLen {
		return "", "", false, rtcerr.New(rtcerr.KindMalformed, "reliable", "data channel open message shorter than declared label/protocol")
	}
	label = string(b[dcepOpenFixedLen : dcepOpenFixedLen+labelLen])
	protocol = string(b[dcepOpenFixedLen+labelLen : dcepOpenFixedLen+labelLen+protoLen])
	ordered = b[1] != dcepChannelReliableUnordered
	return label, protocol, ordered, nil
}

func encodeDCEPAck() []byte {
	return []byte{dcepMessageAck}
}

// pendingOpen is an outbound DATA_CHANNEL_OPEN awaiting its ACK.
type pendingOpen struct {
	label, protocol string
	ordered         bool
}
