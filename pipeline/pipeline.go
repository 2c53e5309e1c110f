// Package pipeline implements the per-packet handler chain: first-byte
// demultiplexing followed by a linear Connectivity -> Handshake -> (fan
// out to Reliable Stream | Media) -> Interceptors -> Endpoint chain, per
// the engine's per-packet demultiplex stage. Every handler is sans-I/O: it consumes bytes and emits
// zero or more outbound byte slices plus application-level events through
// a shared Context rather than touching a socket itself.
package pipeline

import (
	"time"

	"github.com/SilvaMendes/rtcengine/rtcerr"
	"github.com/SilvaMendes/rtcengine/stats"
)

// ClassKind is the demultiplexer's first-byte packet classification.
type ClassKind int

const (
	ClassUnknown ClassKind = iota
	ClassSTUN
	ClassHandshake
	ClassReliable
	ClassMedia
	ClassMediaControl
)

// Classify applies the first-byte demultiplex table: STUN
// packets begin with 0x00/0x01 (the two top bits of a STUN message's
// leading byte are always zero); handshake content lives in 20-63;
// everything 64-255 is RTP/RTCP, split by the second octet's payload-type
// value range.
func Classify(b []byte) ClassKind {
	if len(b) == 0 {
		return ClassUnknown
	}
	first := b[0]
	switch {
	case first < 2:
		return ClassSTUN
	case first >= 20 && first <= 63:
		return ClassHandshake
	case first >= 64 && first <= 255:
		if len(b) < 2 {
			return ClassUnknown
		}
		pt := b[1] & 0x7F
		if pt >= 64 && pt <= 95 {
			return ClassMediaControl
		}
		return ClassMedia
	default:
		return ClassUnknown
	}
}

// Handler is one stage of the pipeline. HandleRead consumes an inbound
// packet; HandleWrite consumes an outbound application payload destined
// for the wire; HandleTimeout runs when the host's clock reaches a
// previously-returned PollTimeout value; PollTimeout reports the next
// time this handler needs to run even with no new packet.
type Handler interface {
	Name() string
	HandleRead(ctx *Context, now time.Time, data []byte) error
	HandleWrite(ctx *Context, now time.Time, data []byte) error
	HandleTimeout(ctx *Context, now time.Time)
	PollTimeout(now time.Time) (time.Time, bool)
}

// Context is shared, mutable state every handler in the chain can read
// and append to: outbound wire packets, delivered application messages,
// and the session-wide stats tree. It replaces passing a dozen separate
// return values up and down the chain.
type Context struct {
	Outbound [][]byte
	Delivered [][]byte
	Stats    *stats.Tree
}

// NewContext builds an empty Context bound to the given stats tree.
func NewContext(s *stats.Tree) *Context {
	if s == nil {
		s = stats.New()
	}
	return &Context{Stats: s}
}

// Emit queues data for the host to send on the wire.
func (c *Context) Emit(data []byte) { c.Outbound = append(c.Outbound, data) }

// Deliver queues data for delivery to the application layer above this
// engine.
func (c *Context) Deliver(data []byte) { c.Delivered = append(c.Delivered, data) }

// Pipeline is the full ordered chain of handlers plus the demultiplexer
// that routes inbound packets to the right one.
type Pipeline struct {
	connectivity Handler
	handshake    Handler
	reliable     Handler
	media        Handler
	interceptors []Handler

	ctx *Context
}

// New builds a Pipeline wired in the engine's fixed handler order.
func New(connectivity, handshake, reliable, media Handler, interceptors []Handler, s *stats.Tree) *Pipeline {
	return &Pipeline{
		connectivity: connectivity,
		handshake:    handshake,
		reliable:     reliable,
		media:        media,
		interceptors: interceptors,
		ctx:          NewContext(s),
	}
}

// Context exposes the pipeline's shared context (outbound queue, stats).
func (p *Pipeline) Context() *Context { return p.ctx }

// HandleInbound classifies one inbound datagram and routes it through
// the appropriate subset of the chain.
func (p *Pipeline) HandleInbound(now time.Time, data []byte) error {
	class := Classify(data)
	switch class {
	case ClassSTUN:
		if p.connectivity == nil {
			return nil
		}
		return p.connectivity.HandleRead(p.ctx, now, data)
	case ClassHandshake:
		if p.handshake == nil {
			return nil
		}
		return p.handshake.HandleRead(p.ctx, now, data)
	case ClassReliable:
		if err := p.runInterceptorsRead(now, data); err != nil {
			return err
		}
		if p.reliable == nil {
			return nil
		}
		return p.reliable.HandleRead(p.ctx, now, data)
	case ClassMedia, ClassMediaControl:
		if err := p.runInterceptorsRead(now, data); err != nil {
			return err
		}
		if p.media == nil {
			return nil
		}
		return p.media.HandleRead(p.ctx, now, data)
	default:
		return rtcerr.New(rtcerr.KindMalformed, "pipeline", "unclassifiable packet")
	}
}

func (p *Pipeline) runInterceptorsRead(now time.Time, data []byte) error {
	for _, h := range p.interceptors {
		if err := h.HandleRead(p.ctx, now, data); err != nil {
			return err
		}
	}
	return nil
}

// HandleOutboundReliable routes an application message destined for the
// reliable stream transport through the interceptor chain and into the
// reliable handler.
func (p *Pipeline) HandleOutboundReliable(now time.Time, data []byte) error {
	for _, h := range p.interceptors {
		if err := h.HandleWrite(p.ctx, now, data); err != nil {
			return err
		}
	}
	if p.reliable == nil {
		return nil
	}
	return p.reliable.HandleWrite(p.ctx, now, data)
}

// HandleOutboundMedia routes an outbound media frame the same way.
func (p *Pipeline) HandleOutboundMedia(now time.Time, data []byte) error {
	for _, h := range p.interceptors {
		if err := h.HandleWrite(p.ctx, now, data); err != nil {
			return err
		}
	}
	if p.media == nil {
		return nil
	}
	return p.media.HandleWrite(p.ctx, now, data)
}

// PollTimeout returns the earliest timeout across every handler in the
// chain.
func (p *Pipeline) PollTimeout(now time.Time) (time.Time, bool) {
	var earliest time.Time
	have := false
	consider := func(h Handler) {
		if h == nil {
			return
		}
		if t, ok := h.PollTimeout(now); ok {
			if !have || t.Before(earliest) {
				earliest = t
				have = true
			}
		}
	}
	consider(p.connectivity)
	consider(p.handshake)
	consider(p.reliable)
	consider(p.media)
	for _, h := range p.interceptors {
		consider(h)
	}
	return earliest, have
}

// HandleTimeout runs every handler whose deadline has passed.
func (p *Pipeline) HandleTimeout(now time.Time) {
	run := func(h Handler) {
		if h == nil {
			return
		}
		if t, ok := h.PollTimeout(now); ok && !now.Before(t) {
			h.HandleTimeout(p.ctx, now)
		}
	}
	run(p.connectivity)
	run(p.handshake)
	run(p.reliable)
	run(p.media)
	for _, h := range p.interceptors {
		run(h)
	}
}

// DrainOutbound removes and returns every packet queued for the wire
// since the last drain.
func (p *Pipeline) DrainOutbound() [][]byte {
	out := p.ctx.Outbound
	p.ctx.Outbound = nil
	return out
}

// DrainDelivered removes and returns every payload queued for delivery to
// the application since the last drain.
func (p *Pipeline) DrainDelivered() [][]byte {
	out := p.ctx.Delivered
	p.ctx.Delivered = nil
	return out
}
