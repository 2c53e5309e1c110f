package interceptor

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/SilvaMendes/rtcengine/pipeline"
	"github.com/SilvaMendes/rtcengine/stats"
)

// nackRingSize is the power-of-two send-buffer ring size the NACK
// responder keeps per SSRC, sized to a power-of-two ring buffer
// requirement — sized generously enough to answer a NACK against jitter
// of a few hundred packets without growing unbounded.
const nackRingSize = 1024

// NACKResponder retains recently-sent RTP packets so it can resend them
// when the remote peer reports a gap via a Generic NACK (RFC 4585 §6.2.1).
type NACKResponder struct {
	ring      map[uint32][]ringEntry // per-SSRC ring
	stats     *stats.Tree
	log       zerolog.Logger
}

type ringEntry struct {
	seq  uint16
	data []byte
	used bool
}

func NewNACKResponder(s *stats.Tree, logger zerolog.Logger) *NACKResponder {
	if s == nil {
		s = stats.New()
	}
	return &NACKResponder{ring: map[uint32][]ringEntry{}, stats: s, log: logger.With().Str("component", "interceptor.nack-responder").Logger()}
}

func (n *NACKResponder) Name() string { return "nack-responder" }

func (n *NACKResponder) HandleWrite(ctx *pipeline.Context, now time.Time, data []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil
	}
	buf, ok := n.ring[pkt.SSRC]
	if !ok {
		buf = make([]ringEntry, nackRingSize)
		n.ring[pkt.SSRC] = buf
	}
	idx := pkt.SequenceNumber % nackRingSize
	buf[idx] = ringEntry{seq: pkt.SequenceNumber, data: append([]byte(nil), data...), used: true}
	return nil
}

func (n *NACKResponder) HandleRead(ctx *pipeline.Context, now time.Time, data []byte) error {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil // not RTCP
	}
	for _, p := range packets {
		nackPkt, ok := p.(*rtcp.TransportLayerNack)
		if !ok {
			continue
		}
		n.respond(ctx, nackPkt)
	}
	return nil
}

func (n *NACKResponder) respond(ctx *pipeline.Context, nackPkt *rtcp.TransportLayerNack) {
	buf, ok := n.ring[nackPkt.MediaSSRC]
	if !ok {
		return
	}
	for _, pair := range nackPkt.Nacks {
		for _, seq := range pair.PacketList() {
			idx := seq % nackRingSize
			entry := buf[idx]
			if entry.used && entry.seq == seq {
				ctx.Emit(entry.data)
				n.stats.Incr("nacksResolved", 1, stats.SectionInterceptor)
			} else {
				n.stats.Incr("nacksUnresolvable", 1, stats.SectionInterceptor)
			}
		}
	}
}

func (n *NACKResponder) HandleTimeout(ctx *pipeline.Context, now time.Time) {}
func (n *NACKResponder) PollTimeout(now time.Time) (time.Time, bool)       { return time.Time{}, false }

// NACKGenerator watches inbound sequence numbers for gaps and emits
// Generic NACK feedback, capped at maxNacks outstanding
// sequence numbers per report to bound feedback-packet size.
type NACKGenerator struct {
	localSSRC, mediaSSRC uint32
	highestSeq  uint16
	haveHighest bool
	missing     map[uint16]bool
	maxNacks    int
	interval    time.Duration
	lastSentAt  time.Time

	stats *stats.Tree
	log   zerolog.Logger
}

func NewNACKGenerator(localSSRC, mediaSSRC uint32, maxNacks int, interval time.Duration, s *stats.Tree, logger zerolog.Logger) *NACKGenerator {
	if s == nil {
		s = stats.New()
	}
	return &NACKGenerator{
		localSSRC: localSSRC, mediaSSRC: mediaSSRC,
		missing: map[uint16]bool{}, maxNacks: maxNacks, interval: interval,
		stats: s, log: logger.With().Str("component", "interceptor.nack-generator").Logger(),
	}
}

func (g *NACKGenerator) Name() string { return "nack-generator" }

func (g *NACKGenerator) HandleRead(ctx *pipeline.Context, now time.Time, data []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil
	}
	if !g.haveHighest {
		g.haveHighest = true
		g.highestSeq = pkt.SequenceNumber
		return nil
	}
	delta := int32(pkt.SequenceNumber) - int32(g.highestSeq)
	switch {
	case delta > 0:
		for seq := g.highestSeq + 1; seq != pkt.SequenceNumber; seq++ {
			if len(g.missing) < g.maxNacks {
				g.missing[seq] = true
			}
		}
		g.highestSeq = pkt.SequenceNumber
	case delta < 0:
		delete(g.missing, pkt.SequenceNumber)
	}
	return nil
}

func (g *NACKGenerator) HandleWrite(ctx *pipeline.Context, now time.Time, data []byte) error { return nil }

func (g *NACKGenerator) PollTimeout(now time.Time) (time.Time, bool) {
	if len(g.missing) == 0 {
		return time.Time{}, false
	}
	if g.lastSentAt.IsZero() {
		return now, true
	}
	return g.lastSentAt.Add(g.interval), true
}

func (g *NACKGenerator) HandleTimeout(ctx *pipeline.Context, now time.Time) {
	if len(g.missing) == 0 {
		return
	}
	g.lastSentAt = now
	seqs := make([]uint16, 0, len(g.missing))
	for seq := range g.missing {
		seqs = append(seqs, seq)
	}
	nack := &rtcp.TransportLayerNack{
		SenderSSRC: g.localSSRC,
		MediaSSRC:  g.mediaSSRC,
		Nacks:      rtcp.NackPairsFromSequenceNumbers(seqs),
	}
	raw, err := nack.Marshal()
	if err != nil {
		return
	}
	ctx.Emit(raw)
	g.missing = map[uint16]bool{}
	g.stats.Incr("nacksSent", 1, stats.SectionInterceptor)
}
