// Package reliable implements the SCTP-shaped reliable stream transport:
// association setup via a four-way handshake, TSN/SSN-tracked chunking,
// selective acknowledgement, congestion control, partial reliability via
// forward-TSN, and heartbeats. Sans-I/O, like every other subsystem here.
package reliable

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/SilvaMendes/rtcengine/rtcerr"
)

// chunkType is the SCTP chunk type octet (RFC 4960 §3.2), reduced to the
// subset this engine needs.
type chunkType byte

const (
	chunkData         chunkType = 0
	chunkInit         chunkType = 1
	chunkInitAck      chunkType = 2
	chunkSack         chunkType = 3
	chunkHeartbeat    chunkType = 4
	chunkHeartbeatAck chunkType = 5
	chunkShutdown     chunkType = 7
	chunkShutdownAck  chunkType = 8
	chunkCookieEcho   chunkType = 10
	chunkCookieAck    chunkType = 11
	chunkShutdownComplete chunkType = 14
	chunkForwardTSN   chunkType = 192
)

// dataFlags bit positions within a DATA chunk's flag octet.
const (
	flagEnd      byte = 1 << 0
	flagBegin    byte = 1 << 1
	flagUnordered byte = 1 << 2
)

// dataChunk is one SCTP DATA chunk.
type dataChunk struct {
	TSN       uint32
	StreamID  uint16
	StreamSeq uint16
	PPID      uint32
	Begin, End, Unordered bool
	Payload   []byte
}

func encodeDataChunk(c dataChunk) []byte {
	flags := byte(0)
	if c.Begin {
		flags |= flagBegin
	}
	if c.End {
		flags |= flagEnd
	}
	if c.Unordered {
		flags |= flagUnordered
	}
	b := make([]byte, 16+len(c.Payload))
	b[0] = byte(chunkData)
	b[1] = flags
	binary.BigEndian.PutUint16(b[2:4], uint16(16+len(c.Payload)))
	binary.BigEndian.PutUint32(b[4:8], c.TSN)
	binary.BigEndian.PutUint16(b[8:10], c.StreamID)
	binary.BigEndian.PutUint16(b[10:12], c.StreamSeq)
	binary.BigEndian.PutUint32(b[12:16], c.PPID)
	copy(b[16:], c.Payload)
	return b
}

func decodeDataChunk(b []byte) (dataChunk, error) {
	if len(b) < 16 {
		return dataChunk{}, rtcerr.New(rtcerr.KindMalformed, "reliable", "data chunk shorter than header")
	}
	flags := b[1]
	length := binary.BigEndian.Uint16(b[2:4])
	if int(length) > len(b) {
		return dataChunk{}, rtcerr.New(rtcerr.KindMalformed, "reliable", "data chunk length exceeds buffer")
	}
	return dataChunk{
		TSN:       binary.BigEndian.Uint32(b[4:8]),
		StreamID:  binary.BigEndian.Uint16(b[8:10]),
		StreamSeq: binary.BigEndian.Uint16(b[10:12]),
		PPID:      binary.BigEndian.Uint32(b[12:16]),
		Begin:     flags&flagBegin != 0,
		End:       flags&flagEnd != 0,
		Unordered: flags&flagUnordered != 0,
		Payload:   append([]byte(nil), b[16:length]...),
	}, nil
}

// gapAckBlock is one (start, end) run of received TSNs relative to the
// cumulative TSN ack in a SACK chunk (RFC 4960 §3.3.4).
type gapAckBlock struct{ Start, End uint16 }

// sackChunk is one SCTP SACK chunk.
type sackChunk struct {
	CumulativeTSNAck uint32
	AdvertisedWindow uint32
	GapAckBlocks     []gapAckBlock
	DuplicateTSNs    []uint32
}

func encodeSackChunk(c sackChunk) []byte {
	size := 12 + 4*len(c.GapAckBlocks) + 4*len(c.DuplicateTSNs)
	b := make([]byte, size)
	b[0] = byte(chunkSack)
	binary.BigEndian.PutUint16(b[2:4], uint16(size))
	binary.BigEndian.PutUint32(b[4:8], c.CumulativeTSNAck)
	binary.BigEndian.PutUint32(b[8:12], c.AdvertisedWindow)
	off := 12
	for _, g := range c.GapAckBlocks {
		binary.BigEndian.PutUint16(b[off:off+2], g.Start)
		binary.BigEndian.PutUint16(b[off+2:off+4], g.End)
		off += 4
	}
	for _, d := range c.DuplicateTSNs {
		binary.BigEndian.PutUint32(b[off:off+4], d)
		off += 4
	}
	return b
}

func decodeSackChunk(b []byte, numGap, numDup int) (sackChunk, error) {
	if len(b) < 12+4*numGap+4*numDup {
		return sackChunk{}, rtcerr.New(rtcerr.KindMalformed, "reliable", "sack chunk shorter than declared blocks")
	}
	c := sackChunk{
		CumulativeTSNAck: binary.BigEndian.Uint32(b[4:8]),
		AdvertisedWindow: binary.BigEndian.Uint32(b[8:12]),
	}
	off := 12
	for i := 0; i < numGap; i++ {
		c.GapAckBlocks = append(c.GapAckBlocks, gapAckBlock{
			Start: binary.BigEndian.Uint16(b[off : off+2]),
			End:   binary.BigEndian.Uint16(b[off+2 : off+4]),
		})
		off += 4
	}
	for i := 0; i < numDup; i++ {
		c.DuplicateTSNs = append(c.DuplicateTSNs, binary.BigEndian.Uint32(b[off:off+4]))
		off += 4
	}
	return c, nil
}

// forwardTSNChunk advances the cumulative TSN ack point past
// abandoned/unreliable DATA, per RFC 3758.
type forwardTSNChunk struct {
	NewCumulativeTSN uint32
	Streams          []forwardTSNStream
}

type forwardTSNStream struct {
	StreamID  uint16
	StreamSeq uint16
}

func encodeForwardTSN(c forwardTSNChunk) []byte {
	size := 8 + 4*len(c.Streams)
	b := make([]byte, size)
	b[0] = byte(chunkForwardTSN)
	binary.BigEndian.PutUint16(b[2:4], uint16(size))
	binary.BigEndian.PutUint32(b[4:8], c.NewCumulativeTSN)
	off := 8
	for _, s := range c.Streams {
		binary.BigEndian.PutUint16(b[off:off+2], s.StreamID)
		binary.BigEndian.PutUint16(b[off+2:off+4], s.StreamSeq)
		off += 4
	}
	return b
}

// crc32c computes the packet checksum SCTP uses (RFC 4960 §6.8), the
// Castagnoli polynomial. No third-party CRC32C implementation appears
// anywhere in the retrieved pack, so this uses the standard library's
// built-in Castagnoli table rather than hand-rolling the polynomial.
func crc32c(b []byte) uint32 {
	return crc32.Checksum(b, crc32.MakeTable(crc32.Castagnoli))
}

// commonHeaderLen is the SCTP packet's common header: source port (2) +
// destination port (2) + verification tag (4) + checksum (4).
const commonHeaderLen = 12

func encodeCommonHeader(srcPort, dstPort uint16, verificationTag uint32) []byte {
	b := make([]byte, commonHeaderLen)
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint32(b[4:8], verificationTag)
	return b
}

func finalizePacket(header []byte, chunks ...[]byte) []byte {
	pkt := append([]byte(nil), header...)
	for _, c := range chunks {
		pkt = append(pkt, c...)
	}
	sum := crc32c(pkt)
	binary.LittleEndian.PutUint32(pkt[8:12], sum) // SCTP checksum field is little-endian on the wire
	return pkt
}
