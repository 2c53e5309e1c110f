package handshake

import (
	"encoding/binary"

	"github.com/SilvaMendes/rtcengine/rtcerr"
)

// messageType is the handshake message type octet (a reduced set
// covering only what a modern ECDHE-only negotiation needs — no
// session resumption, no renegotiation).
type messageType byte

const (
	msgClientHello        messageType = 1
	msgHelloVerifyRequest messageType = 3
	msgServerHello        messageType = 2
	msgServerKeyExchange  messageType = 12
	msgServerHelloDone    messageType = 14
	msgClientKeyExchange  messageType = 16
	msgFinished           messageType = 20
)

// handshakeMessage is one logical handshake message before record-layer
// fragmentation. messageSeq numbers messages within the handshake (not
// records) so retransmitted fragments can be deduplicated at reassembly.
type handshakeMessage struct {
	Type       messageType
	MessageSeq uint16
	Body       []byte
}

const handshakeMsgHeaderLen = 3 // type(1) + messageSeq(2); length/offset are added at fragmentation

// fragment is one piece of a handshakeMessage body on the wire, carrying
// its own fragment-offset/length so the reassembler can place it
// regardless of arrival order.
type fragment struct {
	Type        messageType
	MessageSeq  uint16
	BodyLength  uint32
	FragOffset  uint32
	FragLength  uint32
	FragBody    []byte
}

const fragmentHeaderLen = 1 + 2 + 3 + 3 + 3 // type + messageSeq + length + offset + fraglength

func encodeFragment(f fragment) []byte {
	b := make([]byte, fragmentHeaderLen+len(f.FragBody))
	b[0] = byte(f.Type)
	binary.BigEndian.PutUint16(b[1:3], f.MessageSeq)
	putUint24(b[3:6], f.BodyLength)
	putUint24(b[6:9], f.FragOffset)
	putUint24(b[9:12], f.FragLength)
	copy(b[12:], f.FragBody)
	return b
}

func decodeFragment(b []byte) (fragment, error) {
	if len(b) < fragmentHeaderLen {
		return fragment{}, rtcerr.New(rtcerr.KindMalformed, "handshake", "fragment shorter than header")
	}
	f := fragment{
		Type:       messageType(b[0]),
		MessageSeq: binary.BigEndian.Uint16(b[1:3]),
		BodyLength: getUint24(b[3:6]),
		FragOffset: getUint24(b[6:9]),
		FragLength: getUint24(b[9:12]),
	}
	rest := b[fragmentHeaderLen:]
	if int(f.FragLength) > len(rest) {
		return fragment{}, rtcerr.New(rtcerr.KindMalformed, "handshake", "fragment length exceeds payload")
	}
	f.FragBody = rest[:f.FragLength]
	return f, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// maxFlightSize bounds the total buffered reassembly size, per the
// MAX_FLIGHT_SIZE cap, guarding against a peer that never completes a
// fragmented message from exhausting memory.
const maxFlightSize = 64 * 1024

// reassembler accumulates fragments for one inbound handshake message.
type reassembler struct {
	msgType    messageType
	bodyLength uint32
	have       []bool
	buf        []byte
	totalRecvd uint32
}

func newReassembler(f fragment) *reassembler {
	return &reassembler{
		msgType:    f.Type,
		bodyLength: f.BodyLength,
		have:       make([]bool, f.BodyLength),
		buf:        make([]byte, f.BodyLength),
	}
}

func (r *reassembler) add(f fragment) error {
	end := f.FragOffset + f.FragLength
	if end > r.bodyLength {
		return rtcerr.New(rtcerr.KindMalformed, "handshake", "fragment extends past declared message length")
	}
	for i := uint32(0); i < f.FragLength; i++ {
		idx := f.FragOffset + i
		if !r.have[idx] {
			r.have[idx] = true
			r.totalRecvd++
		}
		r.buf[idx] = f.FragBody[i]
	}
	return nil
}

func (r *reassembler) complete() bool {
	return r.totalRecvd == r.bodyLength
}
