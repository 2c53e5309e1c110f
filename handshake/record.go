// Package handshake implements the DTLS-shaped handshake transport:
// record layer framing with replay protection, flight-based
// retransmission, message fragmentation/reassembly, cipher-suite
// negotiation and keying-material export. Like the rest of this engine it
// is sans-I/O: the host calls PollTransmit/HandleInbound/PollTimeout/
// HandleTimeout and owns the actual socket.
package handshake

import (
	"encoding/binary"

	"github.com/SilvaMendes/rtcengine/rtcerr"
)

// ContentType is the record layer's content-type octet.
type ContentType byte

const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
)

// recordHeaderLen is the on-wire size of a record header: 1 (type) + 2
// (version, carried but unchecked beyond presence) + 2 (epoch) + 6
// (48-bit sequence number) + 2 (length) = 13 octets.
const recordHeaderLen = 13

// recordHeader is one record layer header.
type recordHeader struct {
	Type     ContentType
	Epoch    uint16
	Sequence uint64 // low 48 bits significant
	Length   uint16
}

func encodeRecordHeader(h recordHeader) []byte {
	b := make([]byte, recordHeaderLen)
	b[0] = byte(h.Type)
	b[1], b[2] = 0xFE, 0xFD // DTLS 1.2 version field, carried for wire shape only
	binary.BigEndian.PutUint16(b[3:5], h.Epoch)
	seq := h.Sequence & 0xFFFFFFFFFFFF
	b[5] = byte(seq >> 40)
	b[6] = byte(seq >> 32)
	b[7] = byte(seq >> 24)
	b[8] = byte(seq >> 16)
	b[9] = byte(seq >> 8)
	b[10] = byte(seq)
	binary.BigEndian.PutUint16(b[11:13], h.Length)
	return b
}

func decodeRecordHeader(b []byte) (recordHeader, []byte, error) {
	if len(b) < recordHeaderLen {
		return recordHeader{}, nil, rtcerr.New(rtcerr.KindMalformed, "handshake", "record shorter than header")
	}
	h := recordHeader{
		Type:  ContentType(b[0]),
		Epoch: binary.BigEndian.Uint16(b[3:5]),
		Sequence: uint64(b[5])<<40 | uint64(b[6])<<32 | uint64(b[7])<<24 |
			uint64(b[8])<<16 | uint64(b[9])<<8 | uint64(b[10]),
		Length: binary.BigEndian.Uint16(b[11:13]),
	}
	rest := b[recordHeaderLen:]
	if int(h.Length) > len(rest) {
		return recordHeader{}, nil, rtcerr.New(rtcerr.KindMalformed, "handshake", "record length exceeds available payload")
	}
	return h, rest[:h.Length], nil
}

// epochIndex folds epoch and sequence number into the single uint64 index
// internal/bitmap's replay window expects: the window is scoped per
// handshake epoch, so an epoch change resets the window at the caller
// (see Endpoint.recvWindows).
func epochIndex(seq uint64) uint64 { return seq & 0xFFFFFFFFFFFF }
