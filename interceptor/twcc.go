package interceptor

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/SilvaMendes/rtcengine/pipeline"
	"github.com/SilvaMendes/rtcengine/stats"
)

// twccFeedbackInterval is the fixed cadence at which the observer emits
// transport-wide congestion-control feedback.
const twccFeedbackInterval = 100 * time.Millisecond

// twccExtensionURI is the RTP header extension pion/rtp and every other
// WebRTC stack registers for the transport-wide sequence number, per
// draft-holmer-rmcat-transport-wide-cc-extensions.
const twccExtensionURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"

// TWCCObserver timestamps inbound packets carrying the transport-wide
// sequence number extension and periodically emits a
// TransportLayerCC feedback packet summarizing arrivals since the last
// report.
type TWCCObserver struct {
	localSSRC, mediaSSRC uint32
	extensionID          uint8

	arrivals   map[uint16]time.Time
	haveBase   bool
	baseSeq    uint16
	highestSeq uint16

	fbCount uint8

	lastReportAt time.Time

	stats *stats.Tree
	log   zerolog.Logger
}

// NewTWCCObserver builds a TWCCObserver. extensionID is the one-byte RTP
// header extension ID the SDP negotiation assigned to the transport-wide
// sequence number extension for this session.
func NewTWCCObserver(localSSRC, mediaSSRC uint32, extensionID uint8, s *stats.Tree, logger zerolog.Logger) *TWCCObserver {
	if s == nil {
		s = stats.New()
	}
	return &TWCCObserver{
		localSSRC: localSSRC, mediaSSRC: mediaSSRC, extensionID: extensionID,
		arrivals: map[uint16]time.Time{},
		stats:    s, log: logger.With().Str("component", "interceptor.twcc").Logger(),
	}
}

func (o *TWCCObserver) Name() string { return "twcc-observer" }

func (o *TWCCObserver) HandleRead(ctx *pipeline.Context, now time.Time, data []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil
	}
	ext := pkt.GetExtension(o.extensionID)
	if len(ext) < 2 {
		return nil
	}
	seq := uint16(ext[0])<<8 | uint16(ext[1])

	o.arrivals[seq] = now
	if !o.haveBase {
		o.haveBase = true
		o.baseSeq = seq
		o.highestSeq = seq
	} else if delta := int32(seq) - int32(o.highestSeq); delta > 0 {
		o.highestSeq = seq
	}
	return nil
}

func (o *TWCCObserver) HandleWrite(ctx *pipeline.Context, now time.Time, data []byte) error { return nil }

func (o *TWCCObserver) PollTimeout(now time.Time) (time.Time, bool) {
	if !o.haveBase {
		return time.Time{}, false
	}
	if o.lastReportAt.IsZero() {
		return now, true
	}
	return o.lastReportAt.Add(twccFeedbackInterval), true
}

// HandleTimeout builds one TransportLayerCC packet covering every
// sequence number from the last report's base through the current
// highest, encoded as run-length status chunks with 250us receive
// deltas, then resets the arrival window for the next interval.
func (o *TWCCObserver) HandleTimeout(ctx *pipeline.Context, now time.Time) {
	if !o.haveBase {
		return
	}
	o.lastReportAt = now

	count := uint16(int32(o.highestSeq)-int32(o.baseSeq)) + 1
	var firstArrival time.Time
	for i := uint16(0); i < count; i++ {
		if t, ok := o.arrivals[o.baseSeq+i]; ok && firstArrival.IsZero() {
			firstArrival = t
		}
	}

	var chunks []rtcp.PacketStatusChunk
	var deltas []*rtcp.RecvDelta
	runSymbol := rtcp.TypeTCCPacketNotReceived
	runLength := uint16(0)
	flushRun := func() {
		if runLength == 0 {
			return
		}
		chunks = append(chunks, &rtcp.RunLengthChunk{PacketStatusSymbol: runSymbol, RunLength: runLength})
		runLength = 0
	}
	for i := uint16(0); i < count; i++ {
		seq := o.baseSeq + i
		t, ok := o.arrivals[seq]
		symbol := rtcp.TypeTCCPacketNotReceived
		if ok {
			symbol = rtcp.TypeTCCPacketReceivedSmallDelta
			deltas = append(deltas, &rtcp.RecvDelta{
				Type:  rtcp.TypeTCCPacketReceivedSmallDelta,
				Delta: float64(t.Sub(firstArrival).Microseconds()),
			})
		}
		if runLength > 0 && symbol != runSymbol {
			flushRun()
		}
		runSymbol = symbol
		runLength++
	}
	flushRun()

	pkt := &rtcp.TransportLayerCC{
		SenderSSRC:         o.localSSRC,
		MediaSSRC:          o.mediaSSRC,
		BaseSequenceNumber: o.baseSeq,
		PacketStatusCount:  count,
		FbPktCount:         o.fbCount,
		PacketChunks:       chunks,
		RecvDeltas:         deltas,
	}
	o.fbCount++

	raw, err := pkt.Marshal()
	if err == nil {
		ctx.Emit(raw)
		o.stats.Incr("twccReportsSent", 1, stats.SectionInterceptor)
	}

	o.arrivals = map[uint16]time.Time{}
	o.haveBase = false
}
