package rtcengine

import (
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/SilvaMendes/rtcengine/entropy"
	"github.com/SilvaMendes/rtcengine/handshake"
	"github.com/SilvaMendes/rtcengine/ice"
	"github.com/SilvaMendes/rtcengine/ice/candidate"
	"github.com/SilvaMendes/rtcengine/interceptor"
	"github.com/SilvaMendes/rtcengine/media"
	"github.com/SilvaMendes/rtcengine/pipeline"
	"github.com/SilvaMendes/rtcengine/reliable"
	"github.com/SilvaMendes/rtcengine/rtcerr"
	"github.com/SilvaMendes/rtcengine/sdpneg"
	"github.com/SilvaMendes/rtcengine/stats"
)

// Session is the facade described in the package doc comment: one
// connectivity agent, one handshake endpoint, one reliable association, one
// media transport, and one SDP negotiator, driven entirely by the host
// through the eight PollX/HandleX operations below.
//
// Session performs its own first-byte routing rather than going through
// pipeline.Pipeline directly: ice.Agent.HandleInbound needs the local/remote
// candidate pair a packet arrived on, and media.Transport's Encode/Decode
// methods carry an explicit SSRC/index rather than the generic
// pipeline.Handler(ctx, now, data) shape, so Session adapts between the two
// rather than forcing every subsystem through one interface.
type Session struct {
	cfg Config

	isOfferer bool
	state     ConnectionState

	agent     *ice.Agent
	hs        *handshake.Endpoint
	assoc     *reliable.Association
	mediaTx   *media.Transport
	neg       *sdpneg.Negotiator

	pipelineCtx  *pipeline.Context
	interceptors []pipeline.Handler

	// lastLocal/lastRemote track the most recently exchanged candidate pair
	// so inbound STUN packets (which arrive with no addressing metadata of
	// their own at this layer) can be handed to the agent against the right
	// pair; a host with multiple simultaneous pairs in flight supplies the
	// exact pair out-of-band via a richer transport binding, which is outside
	// this facade's scope.
	lastLocal  *candidate.Candidate
	lastRemote *candidate.Candidate

	events    []Event
	delivered []InboundMessage

	localSSRC uint32
	seq       uint16

	log   zerolog.Logger
	stats *stats.Tree
}

// NewSession builds a Session for one peer connection. isOfferer decides the
// initial ICE controlling/controlled role and the reliable association's
// active/passive role (the side sending the first INIT mirrors the side
// sending the first ICE check).
func NewSession(isOfferer bool, opts ...ConfigOption) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		cfg:       cfg,
		isOfferer: isOfferer,
		state:     ConnectionNew,
		log:       cfg.Logger.With().Str("component", "session").Logger(),
		stats:     cfg.Stats,
		localSSRC: randomSSRC(cfg.Entropy),
	}

	ufrag := cfg.Entropy.RandomString(8, entropy.LiteralCandidateCharset)
	password := cfg.Entropy.RandomString(24, entropy.LiteralCandidateCharset)
	s.agent = ice.NewAgent(iceRoleFor(isOfferer),
		ice.WithCredentials(ufrag, password),
		ice.WithEntropy(cfg.Entropy),
		ice.WithLogger(cfg.Logger),
		ice.WithStats(cfg.Stats),
	)

	hsRole := handshake.RoleServer
	assocRole := reliable.RolePassive
	if isOfferer {
		hsRole = handshake.RoleClient
		assocRole = reliable.RoleActive
	}
	s.hs = handshake.NewEndpoint(hsRole,
		handshake.WithEntropySource(cfg.Entropy),
		handshake.WithHandshakeLogger(cfg.Logger),
		handshake.WithHandshakeStats(cfg.Stats),
		handshake.WithKeyingMaterialLength(2*perDirectionMaterial),
	)
	s.assoc = reliable.NewAssociation(assocRole,
		reliable.WithAssocEntropy(cfg.Entropy),
		reliable.WithAssocLogger(cfg.Logger),
		reliable.WithAssocStats(cfg.Stats),
	)

	s.neg = sdpneg.NewNegotiator(cfg.Polite, sdpneg.WithBundlePolicy(cfg.BundlePolicy), sdpneg.WithNegotiationLogger(cfg.Logger))

	s.pipelineCtx = pipeline.NewContext(cfg.Stats)
	s.interceptors = []pipeline.Handler{
		interceptor.NewReportGenerator(s.localSSRC, 48000, cfg.ReportInterval, cfg.Stats, cfg.Logger),
		interceptor.NewNACKGenerator(s.localSSRC, 0, cfg.MaxNacks, cfg.NACKInterval, cfg.Stats, cfg.Logger),
		interceptor.NewNACKResponder(cfg.Stats, cfg.Logger),
		interceptor.NewTWCCObserver(s.localSSRC, 0, cfg.TWCCExtensionID, cfg.Stats, cfg.Logger),
	}

	return s
}

func randomSSRC(src interface{ Uint32() uint32 }) uint32 {
	if v := src.Uint32(); v != 0 {
		return v
	}
	return 0x01020304
}

// State returns the Session's current lifecycle state.
func (s *Session) State() ConnectionState { return s.state }

// LocalICECredentials returns this session's local ICE ufrag/password, for
// the host to carry over the signaling channel (SDP a=ice-ufrag/a=ice-pwd).
func (s *Session) LocalICECredentials() (ufrag, password string) {
	return s.agent.LocalCredentials()
}

// StreamLabel looks up the data channel label bound to streamID, once
// DCEP establishment has completed (see EventStreamOpened).
func (s *Session) StreamLabel(streamID uint16) (string, bool) {
	return s.assoc.StreamLabel(streamID)
}

func (s *Session) setState(state ConnectionState) {
	if s.state == state {
		return
	}
	s.state = state
	s.events = append(s.events, Event{Kind: EventConnectionStateChange, State: state})
}

// Start moves the session to connecting and, on the offerer side, starts
// the handshake; the answerer side starts its handshake endpoint lazily on
// first inbound handshake record instead. ICE connectivity checks are not
// started here: PollWrite schedules them through the agent.
func (s *Session) Start(now time.Time) error {
	s.setState(ConnectionConnecting)
	if s.isOfferer {
		return s.hs.Start(now)
	}
	return nil
}

// ----- the eight host-facing operations -----

// PollWrite returns the next outbound datagram destined for the wire, or
// false if nothing is queued. Subsystems are drained in a fixed priority
// order: ICE connectivity checks first (the transport isn't usable until a
// pair is nominated), then the handshake, then reliable-stream and media
// traffic queued by the pipeline context.
func (s *Session) PollWrite(now time.Time) ([]byte, bool) {
	if tx, ok := s.agent.PollTransmit(now); ok {
		return tx.Data, true
	}
	if data, ok := s.hs.PollTransmit(now); ok {
		return data, true
	}
	if data, ok := s.assoc.PollTransmit(now); ok {
		return data, true
	}
	out := s.pipelineCtx.Outbound
	if len(out) > 0 {
		data := out[0]
		s.pipelineCtx.Outbound = out[1:]
		return data, true
	}
	return nil, false
}

// PollRead returns the next application-level message the engine has
// reassembled from the wire and is ready to hand up to the host.
func (s *Session) PollRead() (InboundMessage, bool) {
	if len(s.delivered) == 0 {
		return InboundMessage{}, false
	}
	msg := s.delivered[0]
	s.delivered = s.delivered[1:]
	return msg, true
}

// PollEvent returns the next control-plane event.
func (s *Session) PollEvent() (Event, bool) {
	if len(s.events) == 0 {
		return Event{}, false
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, true
}

// PollTimeout returns the earliest deadline across every subsystem.
func (s *Session) PollTimeout(now time.Time) (time.Time, bool) {
	var earliest time.Time
	have := false
	consider := func(t time.Time, ok bool) {
		if !ok {
			return
		}
		if !have || t.Before(earliest) {
			earliest, have = t, true
		}
	}
	consider(s.agent.PollTimeout(now))
	consider(s.hs.PollTimeout(now))
	consider(s.assoc.PollTimeout(now))
	for _, h := range s.interceptors {
		consider(h.PollTimeout(now))
	}
	return earliest, have
}

// HandleRead classifies an inbound datagram and routes it to the right
// subsystem, updating connection state transitions along the way.
func (s *Session) HandleRead(now time.Time, data []byte) error {
	switch pipeline.Classify(data) {
	case pipeline.ClassSTUN:
		if s.lastLocal == nil || s.lastRemote == nil {
			return rtcerr.New(rtcerr.KindProtocolViolation, "session", "inbound STUN packet before any candidate pair was configured")
		}
		return s.agent.HandleInbound(now, s.lastLocal, s.lastRemote, data)
	case pipeline.ClassHandshake:
		before := s.hs.State()
		if err := s.hs.HandleInbound(now, data); err != nil {
			return err
		}
		if before != handshake.StateOpen && s.hs.State() == handshake.StateOpen {
			return s.onHandshakeOpen(now)
		}
		return nil
	case pipeline.ClassReliable:
		if err := s.runInterceptorsRead(now, data); err != nil {
			return err
		}
		if err := s.assoc.HandleInbound(now, data); err != nil {
			return err
		}
		for {
			streamID, label, ok := s.assoc.PollStreamOpened()
			if !ok {
				break
			}
			s.events = append(s.events, Event{Kind: EventStreamOpened, StreamID: streamID, Label: label})
		}
		for {
			msg, ok := s.assoc.PollMessage()
			if !ok {
				break
			}
			s.delivered = append(s.delivered, InboundMessage{Kind: OutboundReliable, StreamID: msg.StreamID, Payload: msg.Payload})
		}
		return nil
	case pipeline.ClassMedia, pipeline.ClassMediaControl:
		if err := s.runInterceptorsRead(now, data); err != nil {
			return err
		}
		pkt, err := s.mediaTx.DecodeRTP(data)
		if err != nil {
			return err
		}
		s.delivered = append(s.delivered, InboundMessage{Kind: OutboundMedia, SSRC: pkt.SSRC, Payload: pkt.Payload})
		return nil
	default:
		return rtcerr.New(rtcerr.KindMalformed, "session", "unclassifiable inbound packet")
	}
}

func (s *Session) runInterceptorsRead(now time.Time, data []byte) error {
	for _, h := range s.interceptors {
		if err := h.HandleRead(s.pipelineCtx, now, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) onHandshakeOpen(now time.Time) error {
	material, err := s.hs.ExportKeyingMaterial()
	if err != nil {
		return err
	}
	sendCtx, recvCtx, err := deriveSRTPContexts(material, s.isOfferer)
	if err != nil {
		return err
	}
	s.mediaTx = media.NewTransport(sendCtx, recvCtx, s.cfg.Stats, s.cfg.Logger)

	if s.isOfferer {
		if err := s.assoc.Associate(now); err != nil {
			return err
		}
	}
	s.setState(ConnectionConnected)
	return nil
}

// HandleWrite accepts one outbound application payload and routes it to the
// reliable transport or the media transport.
func (s *Session) HandleWrite(now time.Time, msg OutboundMessage) error {
	switch msg.Kind {
	case OutboundReliable:
		if s.assoc.State() != reliable.StateEstablished {
			return rtcerr.New(rtcerr.KindProtocolViolation, "session", "reliable association is not established yet")
		}
		if err := s.runInterceptorsWrite(now, msg.Payload); err != nil {
			return err
		}
		return s.assoc.Send(now, msg.StreamID, msg.PPID, msg.Payload, msg.Ordered)
	case OutboundMedia:
		if s.mediaTx == nil {
			return rtcerr.New(rtcerr.KindProtocolViolation, "session", "media transport is not keyed yet")
		}
		ssrc := msg.SSRC
		if ssrc == 0 {
			ssrc = s.localSSRC
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    msg.PayloadType,
				SequenceNumber: s.nextSeq(),
				Timestamp:      msg.Timestamp,
				SSRC:           ssrc,
			},
			Payload: msg.Payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if err := s.runInterceptorsWrite(now, raw); err != nil {
			return err
		}
		wire, err := s.mediaTx.EncodeRTP(pkt)
		if err != nil {
			return err
		}
		s.pipelineCtx.Emit(wire)
		return nil
	default:
		return rtcerr.New(rtcerr.KindMalformed, "session", "unknown outbound message kind")
	}
}

func (s *Session) runInterceptorsWrite(now time.Time, data []byte) error {
	for _, h := range s.interceptors {
		if err := h.HandleWrite(s.pipelineCtx, now, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) nextSeq() uint16 {
	s.seq++
	return s.seq
}

// HandleEvent applies one host-originated control-plane input.
func (s *Session) HandleEvent(now time.Time, ev ControlEvent) error {
	switch ev.Kind {
	case CtrlAddLocalCandidate:
		s.agent.AddLocalCandidate(ev.Candidate)
		s.lastLocal = ev.Candidate
		s.events = append(s.events, Event{Kind: EventICECandidate, Candidate: ev.Candidate})
		return nil
	case CtrlAddRemoteCandidate:
		s.agent.AddRemoteCandidate(ev.Candidate)
		s.lastRemote = ev.Candidate
		return nil
	case CtrlEndOfCandidates:
		return nil
	case CtrlSetRemoteCredentials:
		s.agent.SetRemoteCredentials(ev.Ufrag, ev.Password)
		return nil
	case CtrlICERestart:
		ufrag := s.cfg.Entropy.RandomString(8, entropy.LiteralCandidateCharset)
		password := s.cfg.Entropy.RandomString(24, entropy.LiteralCandidateCharset)
		s.agent.Restart(ufrag, password)
		s.events = append(s.events, Event{Kind: EventICERestartNeeded})
		return nil
	case CtrlOpenDataChannel:
		if s.assoc.State() != reliable.StateEstablished {
			return rtcerr.New(rtcerr.KindProtocolViolation, "session", "reliable association is not established yet")
		}
		return s.assoc.OpenStream(now, ev.StreamID, ev.Label, ev.Protocol, ev.Ordered)
	case CtrlClose:
		s.Close(now)
		return nil
	default:
		return rtcerr.New(rtcerr.KindMalformed, "session", "unknown control event kind")
	}
}

// HandleTimeout drives every subsystem whose deadline has elapsed.
func (s *Session) HandleTimeout(now time.Time) {
	s.agent.HandleTimeout(now)
	s.hs.HandleTimeout(now)
	s.assoc.HandleTimeout(now)
	for _, h := range s.interceptors {
		if t, ok := h.PollTimeout(now); ok && !now.Before(t) {
			h.HandleTimeout(s.pipelineCtx, now)
		}
	}
}

// Close starts the reliable association's shutdown sequence when it is
// established, queuing its final datagrams for one last PollWrite drain
// instead of discarding them. If DATA is still outstanding, the
// association only enters shutdown-pending; nothing later sends its
// SHUTDOWN chunk.
func (s *Session) Close(now time.Time) {
	if s.state == ConnectionClosed {
		return
	}
	if s.assoc.State() == reliable.StateEstablished {
		s.assoc.Shutdown(now)
	}
	s.setState(ConnectionClosed)
}
