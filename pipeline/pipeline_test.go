package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyFirstByteTable(t *testing.T) {
	require.Equal(t, ClassSTUN, Classify([]byte{0x00, 0x01}))
	require.Equal(t, ClassSTUN, Classify([]byte{0x01, 0x01}))
	require.Equal(t, ClassHandshake, Classify([]byte{20, 0, 0}))
	require.Equal(t, ClassHandshake, Classify([]byte{63, 0, 0}))
	require.Equal(t, ClassMediaControl, Classify([]byte{128, 200}))  // RTCP SR payload type 200
	require.Equal(t, ClassMedia, Classify([]byte{128, 111}))         // RTP opus payload type
	require.Equal(t, ClassUnknown, Classify(nil))
}

type recordingHandler struct {
	name  string
	reads [][]byte
	timeoutAt time.Time
	haveTimeout bool
	timeoutFired int
}

func (h *recordingHandler) Name() string { return h.name }
func (h *recordingHandler) HandleRead(ctx *Context, now time.Time, data []byte) error {
	h.reads = append(h.reads, data)
	ctx.Deliver(data)
	return nil
}
func (h *recordingHandler) HandleWrite(ctx *Context, now time.Time, data []byte) error {
	ctx.Emit(data)
	return nil
}
func (h *recordingHandler) HandleTimeout(ctx *Context, now time.Time) { h.timeoutFired++ }
func (h *recordingHandler) PollTimeout(now time.Time) (time.Time, bool) {
	return h.timeoutAt, h.haveTimeout
}

func TestPipelineRoutesByClass(t *testing.T) {
	media := &recordingHandler{name: "media"}
	reliable := &recordingHandler{name: "reliable"}
	conn := &recordingHandler{name: "connectivity"}
	p := New(conn, nil, reliable, media, nil, nil)

	require.NoError(t, p.HandleInbound(time.Unix(0, 0), []byte{0x00, 0x01, 0x02}))
	require.Len(t, conn.reads, 1)

	mediaPkt := []byte{128, 111, 0, 0}
	require.NoError(t, p.HandleInbound(time.Unix(0, 0), mediaPkt))
	require.Len(t, media.reads, 1)
}

func TestPipelineDrainOutbound(t *testing.T) {
	media := &recordingHandler{name: "media"}
	p := New(nil, nil, nil, media, nil, nil)

	require.NoError(t, p.HandleOutboundMedia(time.Unix(0, 0), []byte("frame")))
	out := p.DrainOutbound()
	require.Len(t, out, 1)
	require.Empty(t, p.DrainOutbound())
}

func TestPipelineTimeoutScheduling(t *testing.T) {
	now := time.Unix(100, 0)
	media := &recordingHandler{name: "media", timeoutAt: now.Add(time.Second), haveTimeout: true}
	p := New(nil, nil, nil, media, nil, nil)

	next, ok := p.PollTimeout(now)
	require.True(t, ok)
	require.Equal(t, now.Add(time.Second), next)

	p.HandleTimeout(now.Add(2 * time.Second))
	require.Equal(t, 1, media.timeoutFired)
}
