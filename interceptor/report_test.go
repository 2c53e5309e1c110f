package interceptor

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/SilvaMendes/rtcengine/pipeline"
)

func marshalRTP(t *testing.T, ssrc uint32, seq uint16, ts uint32) []byte {
	t.Helper()
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, Timestamp: ts, SSRC: ssrc},
		Payload: []byte{1, 2, 3},
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func TestReportGeneratorEmitsReceiverReportForInboundOnlyStream(t *testing.T) {
	ctx := pipeline.NewContext(nil)
	gen := NewReportGenerator(0xAAAA, 48000, 5*time.Second, nil, zerolog.Nop())

	now := time.Unix(0, 0)
	for i := uint16(0); i < 5; i++ {
		require.NoError(t, gen.HandleRead(ctx, now, marshalRTP(t, 0xBBBB, 100+i, uint32(i)*960)))
		now = now.Add(20 * time.Millisecond)
	}

	due, ok := gen.PollTimeout(now)
	require.True(t, ok)
	require.False(t, now.Before(due))
	gen.HandleTimeout(ctx, now)

	require.Len(t, ctx.Outbound, 1)
	packets, err := rtcp.Unmarshal(ctx.Outbound[0])
	require.NoError(t, err)
	require.Len(t, packets, 1)
	rr, ok := packets[0].(*rtcp.ReceiverReport)
	require.True(t, ok)
	require.Equal(t, uint32(0xAAAA), rr.SSRC)
	require.Len(t, rr.Reports, 1)
	require.Equal(t, uint32(0xBBBB), rr.Reports[0].SSRC)
}

func TestReportGeneratorEmitsSenderReportAfterLocalSend(t *testing.T) {
	ctx := pipeline.NewContext(nil)
	gen := NewReportGenerator(0xAAAA, 48000, time.Second, nil, zerolog.Nop())

	now := time.Unix(0, 0)
	require.NoError(t, gen.HandleWrite(ctx, now, marshalRTP(t, 0xAAAA, 1, 0)))
	require.NoError(t, gen.HandleWrite(ctx, now, marshalRTP(t, 0xAAAA, 2, 960)))

	gen.HandleTimeout(ctx, now.Add(time.Second))
	require.Len(t, ctx.Outbound, 1)
	packets, err := rtcp.Unmarshal(ctx.Outbound[0])
	require.NoError(t, err)
	sr, ok := packets[0].(*rtcp.SenderReport)
	require.True(t, ok)
	require.Equal(t, uint32(2), sr.PacketCount)
}

func TestReportGeneratorTracksLossAcrossGap(t *testing.T) {
	ctx := pipeline.NewContext(nil)
	gen := NewReportGenerator(0xAAAA, 48000, time.Second, nil, zerolog.Nop())

	now := time.Unix(0, 0)
	require.NoError(t, gen.HandleRead(ctx, now, marshalRTP(t, 0xBBBB, 0, 0)))
	require.NoError(t, gen.HandleRead(ctx, now, marshalRTP(t, 0xBBBB, 5, 160))) // seqs 1-4 lost

	gen.HandleTimeout(ctx, now.Add(time.Second))
	packets, err := rtcp.Unmarshal(ctx.Outbound[0])
	require.NoError(t, err)
	rr := packets[0].(*rtcp.ReceiverReport)
	require.Equal(t, uint32(4), rr.Reports[0].TotalLost)
}
