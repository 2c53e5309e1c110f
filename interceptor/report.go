// Package interceptor implements the feedback generators that sit
// between the media transport and the application: sender/receiver
// report generation, NACK request/response, and transport-wide
// congestion-control observation. Each one satisfies
// pipeline.Handler so it can be slotted into the interceptor chain.
package interceptor

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/SilvaMendes/rtcengine/pipeline"
	"github.com/SilvaMendes/rtcengine/stats"
)

// streamStats is the RFC 3550 §6.4.1 running state needed to build one
// SSRC's receiver-report block: jitter, cumulative loss, and the
// extended highest sequence number seen.
type streamStats struct {
	haveBase       bool
	baseSeq        uint16
	cycles         uint32
	highestSeq     uint16
	packetsExpectedPrior uint32
	packetsReceivedPrior uint32
	packetsReceived      uint32

	lastTransit int64
	jitter      float64

	lastSRReceiptTime time.Time
	lastSRNTP         uint64
}

func (s *streamStats) onPacket(seq uint16, rtpTimestamp uint32, arrival time.Time, clockRate uint32) {
	if !s.haveBase {
		s.haveBase = true
		s.baseSeq = seq
		s.highestSeq = seq
	} else if seq < s.highestSeq && s.highestSeq-seq > 1<<14 {
		s.cycles++
		s.highestSeq = seq
	} else if seq > s.highestSeq {
		s.highestSeq = seq
	}
	s.packetsReceived++

	if clockRate > 0 {
		arrivalTicks := int64(arrival.Unix())*int64(clockRate) + int64(arrival.Nanosecond())*int64(clockRate)/1e9
		transit := arrivalTicks - int64(rtpTimestamp)
		if s.lastTransit != 0 {
			d := transit - s.lastTransit
			if d < 0 {
				d = -d
			}
			s.jitter += (float64(d) - s.jitter) / 16
		}
		s.lastTransit = transit
	}
}

// extendedHighest packs the 16-bit cycle count and highest sequence
// number into RTCP's 32-bit "extended highest sequence number" field.
func (s *streamStats) extendedHighest() uint32 {
	return uint32(s.cycles)<<16 | uint32(s.highestSeq)
}

func (s *streamStats) fractionLost() (lost uint32, fraction uint8) {
	expected := s.extendedHighest() - uint32(s.baseSeq) + 1
	lostTotal := int64(expected) - int64(s.packetsReceived)
	if lostTotal < 0 {
		lostTotal = 0
	}
	expectedInterval := expected - s.packetsExpectedPrior
	receivedInterval := s.packetsReceived - s.packetsReceivedPrior
	lostInterval := int64(expectedInterval) - int64(receivedInterval)
	s.packetsExpectedPrior = expected
	s.packetsReceivedPrior = s.packetsReceived
	if expectedInterval == 0 || lostInterval <= 0 {
		return uint32(lostTotal), 0
	}
	return uint32(lostTotal), uint8((lostInterval << 8) / int64(expectedInterval))
}

// ReportGenerator produces Sender Reports for locally-sent streams and
// Receiver Reports for remotely-received streams, per RFC 3550 §6.4.
type ReportGenerator struct {
	localSSRC uint32
	clockRate uint32

	remote map[uint32]*streamStats
	sent   struct {
		packetCount uint32
		octetCount  uint32
	}

	reportInterval time.Duration
	lastReportAt   time.Time

	log   zerolog.Logger
	stats *stats.Tree
}

// NewReportGenerator builds a ReportGenerator for one local SSRC.
func NewReportGenerator(localSSRC, clockRate uint32, interval time.Duration, s *stats.Tree, logger zerolog.Logger) *ReportGenerator {
	if s == nil {
		s = stats.New()
	}
	return &ReportGenerator{
		localSSRC:      localSSRC,
		clockRate:      clockRate,
		remote:         map[uint32]*streamStats{},
		reportInterval: interval,
		stats:          s,
		log:            logger.With().Str("component", "interceptor.report").Logger(),
	}
}

func (r *ReportGenerator) Name() string { return "report-generator" }

// HandleRead observes an inbound RTP packet to feed the next receiver
// report; it never mutates or drops the packet.
func (r *ReportGenerator) HandleRead(ctx *pipeline.Context, now time.Time, data []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil // not RTP (could be RTCP); report generation only cares about RTP arrivals
	}
	s, ok := r.remote[pkt.SSRC]
	if !ok {
		s = &streamStats{}
		r.remote[pkt.SSRC] = s
	}
	s.onPacket(pkt.SequenceNumber, pkt.Timestamp, now, r.clockRate)
	return nil
}

// HandleWrite observes an outbound RTP packet to accumulate this
// source's own sender-report counters.
func (r *ReportGenerator) HandleWrite(ctx *pipeline.Context, now time.Time, data []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil
	}
	r.sent.packetCount++
	r.sent.octetCount += uint32(len(pkt.Payload))
	return nil
}

func (r *ReportGenerator) PollTimeout(now time.Time) (time.Time, bool) {
	if r.lastReportAt.IsZero() {
		return now, true
	}
	return r.lastReportAt.Add(r.reportInterval), true
}

// HandleTimeout builds and emits the periodic SR (if this source has sent
// anything) or RR (otherwise) compound packet.
func (r *ReportGenerator) HandleTimeout(ctx *pipeline.Context, now time.Time) {
	r.lastReportAt = now
	blocks := r.reportBlocks()

	var pkt rtcp.Packet
	if r.sent.packetCount > 0 {
		pkt = &rtcp.SenderReport{
			SSRC:        r.localSSRC,
			PacketCount: r.sent.packetCount,
			OctetCount:  r.sent.octetCount,
			Reports:     blocks,
		}
	} else {
		pkt = &rtcp.ReceiverReport{SSRC: r.localSSRC, Reports: blocks}
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return
	}
	ctx.Emit(raw)
	r.stats.Incr("reportsSent", 1, stats.SectionInterceptor)
}

func (r *ReportGenerator) reportBlocks() []rtcp.ReceptionReport {
	var blocks []rtcp.ReceptionReport
	for ssrc, s := range r.remote {
		if !s.haveBase {
			continue
		}
		lost, fraction := s.fractionLost()
		blocks = append(blocks, rtcp.ReceptionReport{
			SSRC:               ssrc,
			FractionLost:       fraction,
			TotalLost:          lost,
			LastSequenceNumber: s.extendedHighest(),
			Jitter:             uint32(s.jitter),
		})
	}
	return blocks
}
