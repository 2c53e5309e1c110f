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

func marshalRTPWithTWCCExt(t *testing.T, ssrc uint32, rtpSeq uint16, extID uint8, twccSeq uint16) []byte {
	t.Helper()
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: rtpSeq, SSRC: ssrc, Extension: true},
		Payload: []byte{9, 9},
	}
	require.NoError(t, pkt.SetExtension(extID, []byte{byte(twccSeq >> 8), byte(twccSeq)}))
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func TestTWCCObserverEmitsFeedbackCoveringGapAsLoss(t *testing.T) {
	ctx := pipeline.NewContext(nil)
	obs := NewTWCCObserver(1, 0xDDDD, 5, nil, zerolog.Nop())

	now := time.Unix(0, 0)
	require.NoError(t, obs.HandleRead(ctx, now, marshalRTPWithTWCCExt(t, 0xDDDD, 1, 5, 100)))
	now = now.Add(5 * time.Millisecond)
	require.NoError(t, obs.HandleRead(ctx, now, marshalRTPWithTWCCExt(t, 0xDDDD, 3, 5, 102))) // 101 lost

	due, ok := obs.PollTimeout(now)
	require.True(t, ok)
	_ = due

	obs.HandleTimeout(ctx, now.Add(twccFeedbackInterval))
	require.Len(t, ctx.Outbound, 1)

	packets, err := rtcp.Unmarshal(ctx.Outbound[0])
	require.NoError(t, err)
	cc, ok := packets[0].(*rtcp.TransportLayerCC)
	require.True(t, ok)
	require.Equal(t, uint16(100), cc.BaseSequenceNumber)
	require.Equal(t, uint16(3), cc.PacketStatusCount)
}

func TestTWCCObserverResetsWindowAfterReport(t *testing.T) {
	ctx := pipeline.NewContext(nil)
	obs := NewTWCCObserver(1, 0xDDDD, 5, nil, zerolog.Nop())

	now := time.Unix(0, 0)
	require.NoError(t, obs.HandleRead(ctx, now, marshalRTPWithTWCCExt(t, 0xDDDD, 1, 5, 1)))
	obs.HandleTimeout(ctx, now)

	_, ok := obs.PollTimeout(now)
	require.False(t, ok)
}
