package media

import (
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/SilvaMendes/rtcengine/internal/bitmap"
	"github.com/SilvaMendes/rtcengine/rtcerr"
	"github.com/SilvaMendes/rtcengine/stats"
)

// replayWindowWidth is the sliding-window width the replay guard uses.
const replayWindowWidth = 64

// sourceState is the per-SSRC bookkeeping the transport keeps: a rollover
// estimator and a replay window, both independent per source since ROC
// and packet index are meaningless across SSRCs.
type sourceState struct {
	roc    rocEstimator
	window *bitmap.Window
}

// Transport is the SRTP-shaped media transport for one direction pair
// (send context + receive context) multiplexed over possibly many SSRCs,
// matching how a single DTLS-SRTP association carries every track in a
// BUNDLEd session.
type Transport struct {
	send *CipherContext
	recv *CipherContext

	sources map[uint32]*sourceState

	stats *stats.Tree
	log   zerolog.Logger
}

// NewTransport builds a Transport from already-negotiated send/receive
// cipher contexts (the caller derives these from the handshake's
// exported keying material and the negotiated SRTP profile).
func NewTransport(send, recv *CipherContext, s *stats.Tree, logger zerolog.Logger) *Transport {
	if s == nil {
		s = stats.New()
	}
	return &Transport{
		send:    send,
		recv:    recv,
		sources: map[uint32]*sourceState{},
		stats:   s,
		log:     loggerOrDefault(logger),
	}
}

func loggerOrDefault(l zerolog.Logger) zerolog.Logger {
	return l.With().Str("component", "media").Logger()
}

func (t *Transport) sourceFor(ssrc uint32) *sourceState {
	s, ok := t.sources[ssrc]
	if !ok {
		s = &sourceState{window: bitmap.New(replayWindowWidth)}
		t.sources[ssrc] = s
	}
	return s
}

// EncodeRTP marshals and protects one outbound RTP packet.
func (t *Transport) EncodeRTP(pkt *rtp.Packet) ([]byte, error) {
	header, err := pkt.Header.Marshal()
	if err != nil {
		return nil, rtcerr.New(rtcerr.KindMalformed, "media", "failed to marshal rtp header")
	}
	src := t.sourceFor(pkt.SSRC)
	index := src.roc.Estimate(pkt.SequenceNumber)
	src.roc.Commit(pkt.SequenceNumber, index)

	ciphertext, err := t.send.ProtectRTP(header, pkt.Payload, pkt.SSRC, index)
	if err != nil {
		return nil, err
	}
	t.stats.Incr("rtpPacketsSent", 1, stats.SectionMedia)
	if NeedsRekey(t.send.PacketsProcessed()) {
		t.stats.Incr("rekeyNeeded", 1, stats.SectionMedia)
	}
	return append(header, ciphertext...), nil
}

// DecodeRTP authenticates, replay-checks and decrypts one inbound SRTP
// packet, returning the plaintext RTP packet.
func (t *Transport) DecodeRTP(data []byte) (*rtp.Packet, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, rtcerr.New(rtcerr.KindMalformed, "media", "failed to unmarshal rtp packet")
	}
	headerLen := len(data) - len(pkt.Payload)
	header := data[:headerLen]

	src := t.sourceFor(pkt.SSRC)
	index := src.roc.Estimate(pkt.SequenceNumber)
	if !src.window.Check(index) {
		t.stats.Incr("replayedPackets", 1, stats.SectionMedia)
		return nil, rtcerr.New(rtcerr.KindAuthFailure, "media", "packet index failed replay check")
	}

	plaintext, err := t.recv.UnprotectRTP(header, pkt.Payload, pkt.SSRC, index)
	if err != nil {
		t.stats.Incr("authFailures", 1, stats.SectionMedia)
		return nil, err
	}
	src.window.Accept(index)
	src.roc.Commit(pkt.SequenceNumber, index)
	pkt.Payload = plaintext
	t.stats.Incr("rtpPacketsReceived", 1, stats.SectionMedia)
	return pkt, nil
}

// EncodeRTCP protects one outbound RTCP compound packet, appending the
// explicit 31-bit packet index plus its E-flag to the wire before the
// auth tag, per RFC 3711 §3.4 (SRTCP never estimates a rollover counter
// — every packet carries its true index).
func (t *Transport) EncodeRTCP(payload []byte, ssrc uint32, index uint32) ([]byte, error) {
	wire, err := t.send.ProtectRTCP(nil, payload, ssrc, ControlIndex(index, true))
	if err != nil {
		return nil, err
	}
	t.stats.Incr("rtcpPacketsSent", 1, stats.SectionMedia)
	return wire, nil
}

// DecodeRTCP reverses EncodeRTCP.
func (t *Transport) DecodeRTCP(wire []byte, ssrc uint32) ([]byte, error) {
	plaintext, err := t.recv.UnprotectRTCP(nil, wire, ssrc)
	if err != nil {
		t.stats.Incr("rtcpAuthFailures", 1, stats.SectionMedia)
		return nil, err
	}
	t.stats.Incr("rtcpPacketsReceived", 1, stats.SectionMedia)
	return plaintext, nil
}

// Rekey replaces both directions' cipher contexts, for use after
// NeedsRekey reports true or after an explicit renegotiation.
func (t *Transport) Rekey(send, recv *CipherContext) {
	t.send = send
	t.recv = recv
	t.stats.Incr("rekeys", 1, stats.SectionMedia)
}
