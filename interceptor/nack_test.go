package interceptor

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/SilvaMendes/rtcengine/pipeline"
)

func TestNACKResponderResendsRequestedSequence(t *testing.T) {
	ctx := pipeline.NewContext(nil)
	responder := NewNACKResponder(nil, zerolog.Nop())

	now := time.Unix(0, 0)
	sent := marshalRTP(t, 0xCCCC, 42, 0)
	require.NoError(t, responder.HandleWrite(ctx, now, sent))

	nack := &rtcp.TransportLayerNack{
		SenderSSRC: 1, MediaSSRC: 0xCCCC,
		Nacks: rtcp.NackPairsFromSequenceNumbers([]uint16{42}),
	}
	raw, err := nack.Marshal()
	require.NoError(t, err)

	require.NoError(t, responder.HandleRead(ctx, now, raw))
	require.Len(t, ctx.Outbound, 1)
	require.Equal(t, sent, ctx.Outbound[0])
}

func TestNACKGeneratorDetectsGapAndEmitsAfterInterval(t *testing.T) {
	ctx := pipeline.NewContext(nil)
	gen := NewNACKGenerator(1, 0xCCCC, 16, 20*time.Millisecond, nil, zerolog.Nop())

	now := time.Unix(0, 0)
	require.NoError(t, gen.HandleRead(ctx, now, marshalRTP(t, 0xCCCC, 10, 0)))
	require.NoError(t, gen.HandleRead(ctx, now, marshalRTP(t, 0xCCCC, 13, 480))) // 11,12 missing

	due, ok := gen.PollTimeout(now)
	require.True(t, ok)
	require.False(t, now.Before(due))

	gen.HandleTimeout(ctx, now)
	require.Len(t, ctx.Outbound, 1)
	packets, err := rtcp.Unmarshal(ctx.Outbound[0])
	require.NoError(t, err)
	nack := packets[0].(*rtcp.TransportLayerNack)
	var missing []uint16
	for _, pair := range nack.Nacks {
		missing = append(missing, pair.PacketList()...)
	}
	require.ElementsMatch(t, []uint16{11, 12}, missing)

	_, ok = gen.PollTimeout(now)
	require.False(t, ok)
}

func TestNACKGeneratorClearsMissingOnLateArrival(t *testing.T) {
	ctx := pipeline.NewContext(nil)
	gen := NewNACKGenerator(1, 0xCCCC, 16, 20*time.Millisecond, nil, zerolog.Nop())

	now := time.Unix(0, 0)
	require.NoError(t, gen.HandleRead(ctx, now, marshalRTP(t, 0xCCCC, 10, 0)))
	require.NoError(t, gen.HandleRead(ctx, now, marshalRTP(t, 0xCCCC, 12, 320)))
	require.NoError(t, gen.HandleRead(ctx, now, marshalRTP(t, 0xCCCC, 11, 160))) // late arrival fills gap

	require.Len(t, gen.missing, 0)
}
