package reliable

import (
	"encoding/binary"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SilvaMendes/rtcengine/entropy"
	"github.com/SilvaMendes/rtcengine/rtcerr"
	"github.com/SilvaMendes/rtcengine/stats"
)

// Role distinguishes which side sends the initial INIT.
type Role int

const (
	RoleActive  Role = iota // sends INIT
	RolePassive             // waits for INIT
)

// State is the association's four-way-handshake/lifecycle state.
type State int

const (
	StateClosed State = iota
	StateCookieWait
	StateCookieEchoed
	StateEstablished
	StateShutdownPending
	StateShutdownSent
	StateShutdownReceived
	StateShutdownAckSent
)

func (s State) String() string {
	names := [...]string{
		"closed", "cookie-wait", "cookie-echoed", "established",
		"shutdown-pending", "shutdown-sent", "shutdown-received", "shutdown-ack-sent",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// Config configures an Association via functional options.
type Config struct {
	Entropy  entropy.Source
	Logger   zerolog.Logger
	Stats    *stats.Tree
	InitialRTO      time.Duration
	MinRTO          time.Duration
	MaxRTO          time.Duration
	HeartbeatInterval time.Duration
	MaxHeartbeatFailures int
}

type Option func(*Config)

func WithAssocEntropy(src entropy.Source) Option { return func(c *Config) { c.Entropy = src } }
func WithAssocLogger(l zerolog.Logger) Option     { return func(c *Config) { c.Logger = l } }
func WithAssocStats(s *stats.Tree) Option         { return func(c *Config) { c.Stats = s } }
func WithAssocRTO(initial, min, max time.Duration) Option {
	return func(c *Config) { c.InitialRTO, c.MinRTO, c.MaxRTO = initial, min, max }
}
func WithHeartbeat(interval time.Duration, maxFailures int) Option {
	return func(c *Config) { c.HeartbeatInterval, c.MaxHeartbeatFailures = interval, maxFailures }
}

func defaultAssocConfig() Config {
	return Config{
		InitialRTO:           3 * time.Second,
		MinRTO:               time.Second,
		MaxRTO:               60 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		MaxHeartbeatFailures: 3,
		Logger:               log.Logger,
	}
}

// outstandingChunk is one sent, unacknowledged DATA chunk kept for
// retransmission.
type outstandingChunk struct {
	tsn     uint32
	raw     []byte
	size    uint32
	sentAt  time.Time
	retries int
}

// inboundMessage is a fully reassembled message delivered to the
// application, tagged with the stream it arrived on.
type inboundMessage struct {
	StreamID uint16
	PPID     uint32
	Payload  []byte
}

// Association is one SCTP-shaped reliable-stream transport instance.
type Association struct {
	cfg  Config
	role Role
	state State

	localVerificationTag  uint32
	remoteVerificationTag uint32
	localInitiateTag      uint32
	cookieEcho            []byte

	nextTSN     uint32
	cumulativeTSNAck uint32
	lastRecvTSN uint32
	haveRecvTSN bool
	gapReceived map[uint32]bool

	outstanding []*outstandingChunk
	sendQueue   [][]byte // chunks ready to transmit this round, FIFO
	inbox       []inboundMessage

	streamSeqOut map[uint16]uint16
	reassembleOrdered map[uint16]map[uint16][]byte

	streamLabels  map[uint16]string
	pendingOpens  map[uint16]pendingOpen
	openedStreams []uint16

	cc *congestionController

	rto             time.Duration
	lastHeartbeatAt time.Time
	heartbeatFailures int

	flightSentAt time.Time
	pendingInitRaw []byte

	log zerolog.Logger
}

// NewAssociation constructs an Association in the Closed state.
func NewAssociation(role Role, opts ...Option) *Association {
	cfg := defaultAssocConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Entropy == nil {
		cfg.Entropy = entropy.NewCryptoSource()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.New()
	}
	a := &Association{
		cfg:               cfg,
		role:              role,
		state:             StateClosed,
		gapReceived:       map[uint32]bool{},
		streamSeqOut:      map[uint16]uint16{},
		reassembleOrdered: map[uint16]map[uint16][]byte{},
		streamLabels:      map[uint16]string{},
		pendingOpens:      map[uint16]pendingOpen{},
		cc:                newCongestionController(),
		rto:               cfg.InitialRTO,
		log:               cfg.Logger.With().Str("component", "reliable").Logger(),
	}
	a.localVerificationTag = cfg.Entropy.Uint32()
	a.nextTSN = cfg.Entropy.Uint32()
	a.localInitiateTag = a.localVerificationTag
	return a
}

// State reports the association's current lifecycle state.
func (a *Association) State() State { return a.state }

// Associate sends the initial INIT chunk (active/client role only).
func (a *Association) Associate(now time.Time) error {
	if a.role != RoleActive {
		return rtcerr.New(rtcerr.KindProtocolViolation, "reliable", "only the active role sends INIT")
	}
	init := encodeInitChunk(a.localInitiateTag, a.nextTSN)
	header := encodeCommonHeader(0, 0, 0) // verification tag is zero on INIT per RFC 4960 §5.1
	pkt := finalizePacket(header, init)
	a.pendingInitRaw = pkt
	a.sendQueue = append(a.sendQueue, pkt)
	a.state = StateCookieWait
	a.flightSentAt = now
	return nil
}

func encodeInitChunk(initiateTag, initialTSN uint32) []byte {
	b := make([]byte, 20)
	b[0] = byte(chunkInit)
	binary.BigEndian.PutUint16(b[2:4], 20)
	binary.BigEndian.PutUint32(b[4:8], initiateTag)
	binary.BigEndian.PutUint32(b[8:12], 1<<16) // advertised receiver window credit
	binary.BigEndian.PutUint16(b[12:14], 65535) // outbound streams requested
	binary.BigEndian.PutUint16(b[14:16], 65535) // inbound streams requested
	binary.BigEndian.PutUint32(b[16:20], initialTSN)
	return b
}

// encodeInitAckWithCookie builds an INIT-ACK chunk whose body is the
// fixed INIT fields followed by a state-cookie parameter: a 4-octet TLV
// header (type 0x0007 per RFC 4960 §3.3.3, length) plus the opaque cookie
// bytes. The whole thing is one chunk, not a separately-parsed chunk, so
// it survives the outer chunk-length/padding walk in HandleInbound.
func encodeInitAckWithCookie(initiateTag, initialTSN uint32, cookie []byte) []byte {
	fixed := encodeInitChunk(initiateTag, initialTSN)
	fixed[0] = byte(chunkInitAck)
	param := make([]byte, 4+len(cookie))
	binary.BigEndian.PutUint16(param[0:2], 0x0007)
	binary.BigEndian.PutUint16(param[2:4], uint16(len(param)))
	copy(param[4:], cookie)
	full := append(fixed, param...)
	binary.BigEndian.PutUint16(full[2:4], uint16(len(full)))
	return full
}

func decodeInitChunk(b []byte) (initiateTag, initialTSN uint32, err error) {
	if len(b) < 20 {
		return 0, 0, rtcerr.New(rtcerr.KindMalformed, "reliable", "init chunk shorter than header")
	}
	return binary.BigEndian.Uint32(b[4:8]), binary.BigEndian.Uint32(b[16:20]), nil
}

// PollTransmit returns the next datagram the host should send, if any.
func (a *Association) PollTransmit(now time.Time) ([]byte, bool) {
	if len(a.sendQueue) == 0 {
		a.drainOutstandingIntoPacket(now)
	}
	if len(a.sendQueue) == 0 {
		return nil, false
	}
	pkt := a.sendQueue[0]
	a.sendQueue = a.sendQueue[1:]
	return pkt, true
}

// drainOutstandingIntoPacket packages newly queued (never-sent)
// outstanding DATA chunks into one packet, bounded by the current cwnd.
func (a *Association) drainOutstandingIntoPacket(now time.Time) {
	if a.state != StateEstablished {
		return
	}
	var inFlight uint32
	for _, o := range a.outstanding {
		if !o.sentAt.IsZero() {
			inFlight += o.size
		}
	}
	header := encodeCommonHeader(0, 0, a.remoteVerificationTag)
	var chunks [][]byte
	for _, o := range a.outstanding {
		if !o.sentAt.IsZero() {
			continue
		}
		if inFlight+o.size > a.cc.cwnd {
			break
		}
		inFlight += o.size
		o.sentAt = now
		chunks = append(chunks, o.raw)
	}
	if len(chunks) == 0 {
		return
	}
	a.sendQueue = append(a.sendQueue, finalizePacket(header, chunks...))
}

// Send enqueues an application message for reliable, ordered-by-default
// delivery on streamID, chunked into one DATA chunk (this engine does not
// split messages across multiple DATA chunks — callers keep messages
// under path MTU, matching the framing contract the pipeline expects).
func (a *Association) Send(now time.Time, streamID uint16, ppid uint32, payload []byte, ordered bool) error {
	if a.state != StateEstablished {
		return rtcerr.New(rtcerr.KindProtocolViolation, "reliable", "cannot send before association is established")
	}
	a.enqueueData(streamID, ppid, payload, ordered)
	a.cfg.Stats.Incr("chunksQueued", 1, stats.SectionReliable)
	return nil
}

// enqueueData builds one DATA chunk carrying payload under ppid on
// streamID and adds it to the outstanding/retransmission set. Used both
// by Send (application payloads) and the DCEP open/ack exchange (control
// payloads on ppidDCEP), which RFC 8832 §5 requires to travel reliably
// and in order regardless of the channel's own reliability parameters.
func (a *Association) enqueueData(streamID uint16, ppid uint32, payload []byte, ordered bool) {
	seq := a.streamSeqOut[streamID]
	a.streamSeqOut[streamID] = seq + 1
	tsn := a.nextTSN
	a.nextTSN++
	chunk := dataChunk{
		TSN: tsn, StreamID: streamID, StreamSeq: seq, PPID: ppid,
		Begin: true, End: true, Unordered: !ordered, Payload: payload,
	}
	raw := encodeDataChunk(chunk)
	oc := &outstandingChunk{tsn: tsn, raw: raw, size: uint32(len(raw))}
	a.outstanding = append(a.outstanding, oc)
}

// OpenStream begins RFC 8832 data-channel establishment on streamID: it
// sends a DATA_CHANNEL_OPEN message carrying label and protocol and
// queues streamID for PollStreamOpened once the peer's DATA_CHANNEL_ACK
// arrives. label is the only thing the application-facing side of this
// engine needs back out, since it is what callers match streams against
// (e.g. "deliver on the stream labeled chat").
func (a *Association) OpenStream(now time.Time, streamID uint16, label, protocol string, ordered bool) error {
	if a.state != StateEstablished {
		return rtcerr.New(rtcerr.KindProtocolViolation, "reliable", "cannot open a data channel before association is established")
	}
	if _, exists := a.streamLabels[streamID]; exists {
		return rtcerr.New(rtcerr.KindProtocolViolation, "reliable", "stream id already has an open data channel")
	}
	if _, exists := a.pendingOpens[streamID]; exists {
		return rtcerr.New(rtcerr.KindProtocolViolation, "reliable", "data channel open already in flight for this stream id")
	}
	a.enqueueData(streamID, ppidDCEP, encodeDCEPOpen(label, protocol, ordered), true)
	a.pendingOpens[streamID] = pendingOpen{label: label, protocol: protocol, ordered: ordered}
	a.cfg.Stats.Incr("dataChannelOpensSent", 1, stats.SectionReliable)
	return nil
}

// PollStreamOpened drains one newly-confirmed data channel, if any: a
// stream this side opened and got ACKed, or a stream the peer opened and
// this side auto-ACKed. Either way the returned label is what callers use
// to route inbound/outbound traffic for that stream id.
func (a *Association) PollStreamOpened() (streamID uint16, label string, ok bool) {
	if len(a.openedStreams) == 0 {
		return 0, "", false
	}
	streamID = a.openedStreams[0]
	a.openedStreams = a.openedStreams[1:]
	return streamID, a.streamLabels[streamID], true
}

// StreamLabel looks up the label a previously-opened stream was assigned.
func (a *Association) StreamLabel(streamID uint16) (string, bool) {
	label, ok := a.streamLabels[streamID]
	return label, ok
}

// PollMessage drains one reassembled inbound application message, if any
// is ready for delivery.
func (a *Association) PollMessage() (inboundMessage, bool) {
	if len(a.inbox) == 0 {
		return inboundMessage{}, false
	}
	m := a.inbox[0]
	a.inbox = a.inbox[1:]
	return m, true
}

// HandleInbound processes one inbound SCTP packet.
func (a *Association) HandleInbound(now time.Time, data []byte) error {
	if len(data) < commonHeaderLen {
		return rtcerr.New(rtcerr.KindMalformed, "reliable", "packet shorter than common header")
	}
	chunks := data[commonHeaderLen:]
	for len(chunks) >= 4 {
		cType := chunkType(chunks[0])
		length := binary.BigEndian.Uint16(chunks[2:4])
		if int(length) > len(chunks) || length < 4 {
			return rtcerr.New(rtcerr.KindMalformed, "reliable", "chunk length out of range")
		}
		body := chunks[:length]
		if err := a.handleChunk(now, cType, body); err != nil {
			return err
		}
		padded := (int(length) + 3) &^ 3
		if padded > len(chunks) {
			break
		}
		chunks = chunks[padded:]
	}
	return nil
}

func (a *Association) handleChunk(now time.Time, t chunkType, body []byte) error {
	switch t {
	case chunkInit:
		return a.handleInit(now, body)
	case chunkInitAck:
		return a.handleInitAck(now, body)
	case chunkCookieEcho:
		return a.handleCookieEcho(now, body)
	case chunkCookieAck:
		a.state = StateEstablished
		a.cfg.Stats.Incr("associationsEstablished", 1, stats.SectionReliable)
		return nil
	case chunkData:
		return a.handleData(now, body)
	case chunkSack:
		return a.handleSack(now, body)
	case chunkHeartbeat:
		a.sendQueue = append(a.sendQueue, finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), heartbeatAckChunk(body)))
		return nil
	case chunkHeartbeatAck:
		a.heartbeatFailures = 0
		return nil
	case chunkShutdown:
		a.state = StateShutdownReceived
		a.sendQueue = append(a.sendQueue, finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), simpleChunk(chunkShutdownAck)))
		a.state = StateShutdownAckSent
		return nil
	case chunkShutdownAck:
		a.sendQueue = append(a.sendQueue, finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), simpleChunk(chunkShutdownComplete)))
		a.state = StateClosed
		return nil
	case chunkShutdownComplete:
		a.state = StateClosed
		return nil
	case chunkForwardTSN:
		return a.handleForwardTSN(body)
	default:
		return nil // unknown chunk types are skipped, not fatal, per RFC 4960's chunk-handling flags
	}
}

func (a *Association) handleInit(now time.Time, body []byte) error {
	initiateTag, initialTSN, err := decodeInitChunk(body)
	if err != nil {
		return err
	}
	a.remoteVerificationTag = initiateTag
	a.lastRecvTSN = initialTSN - 1
	a.haveRecvTSN = false
	cookie := make([]byte, 8)
	a.cfg.Entropy.Bytes(cookie)
	a.cookieEcho = cookie

	initAck := encodeInitAckWithCookie(a.localInitiateTag, a.nextTSN, cookie)
	pkt := finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), initAck)
	a.sendQueue = append(a.sendQueue, pkt)
	a.state = StateCookieEchoed // server-side bookkeeping reuses this label to mean "INIT-ACK sent, awaiting COOKIE-ECHO"
	return nil
}

func (a *Association) handleInitAck(now time.Time, body []byte) error {
	if a.state != StateCookieWait {
		return nil
	}
	initiateTag, initialTSN, err := decodeInitChunk(body)
	if err != nil {
		return err
	}
	a.remoteVerificationTag = initiateTag
	a.lastRecvTSN = initialTSN - 1
	a.haveRecvTSN = false

	// Extract the echoed state-cookie parameter (RFC 4960 §3.3.3 type
	// 0x0007), which this engine's own server side appends right after
	// the fixed INIT-ACK fields.
	if len(body) > 20 {
		param := body[20:]
		if len(param) >= 4 && binary.BigEndian.Uint16(param[0:2]) == 0x0007 {
			plen := binary.BigEndian.Uint16(param[2:4])
			if int(plen) <= len(param) {
				a.cookieEcho = append([]byte(nil), param[4:plen]...)
			}
		}
	}
	echo := make([]byte, 4+len(a.cookieEcho))
	echo[0] = byte(chunkCookieEcho)
	binary.BigEndian.PutUint16(echo[2:4], uint16(len(echo)))
	copy(echo[4:], a.cookieEcho)
	pkt := finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), echo)
	a.sendQueue = append(a.sendQueue, pkt)
	a.state = StateCookieEchoed
	a.flightSentAt = now
	return nil
}

func (a *Association) handleCookieEcho(now time.Time, body []byte) error {
	ack := simpleChunk(chunkCookieAck)
	a.sendQueue = append(a.sendQueue, finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), ack))
	a.state = StateEstablished
	a.cfg.Stats.Incr("associationsEstablished", 1, stats.SectionReliable)
	return nil
}

func (a *Association) handleData(now time.Time, body []byte) error {
	dc, err := decodeDataChunk(body)
	if err != nil {
		return err
	}
	if !a.haveRecvTSN {
		a.lastRecvTSN = dc.TSN
		a.haveRecvTSN = true
	} else if dc.TSN == a.lastRecvTSN+1 {
		a.lastRecvTSN = dc.TSN
		for a.gapReceived[a.lastRecvTSN+1] {
			delete(a.gapReceived, a.lastRecvTSN+1)
			a.lastRecvTSN++
		}
	} else if dc.TSN > a.lastRecvTSN {
		a.gapReceived[dc.TSN] = true
	} else {
		// duplicate/old TSN, silently dropped (only acknowledged again)
		a.queueSack()
		return nil
	}

	if dc.PPID == ppidDCEP {
		a.handleDCEPMessage(dc)
	} else {
		a.deliverOrBuffer(dc)
	}
	a.queueSack()
	return nil
}

// handleDCEPMessage processes a DATA_CHANNEL_OPEN or DATA_CHANNEL_ACK
// chunk. Unlike application data, DCEP messages never reach the inbox —
// they resolve into a stream-label binding surfaced via PollStreamOpened.
func (a *Association) handleDCEPMessage(dc dataChunk) {
	if len(dc.Payload) == 0 {
		return
	}
	switch dc.Payload[0] {
	case dcepMessageOpen:
		label, _, _, err := decodeDCEPOpen(dc.Payload)
		if err != nil {
			return
		}
		if _, already := a.streamLabels[dc.StreamID]; already {
			return
		}
		a.streamLabels[dc.StreamID] = label
		a.enqueueData(dc.StreamID, ppidDCEP, encodeDCEPAck(), true)
		a.openedStreams = append(a.openedStreams, dc.StreamID)
		a.cfg.Stats.Incr("dataChannelsOpenedByPeer", 1, stats.SectionReliable)
	case dcepMessageAck:
		p, ok := a.pendingOpens[dc.StreamID]
		if !ok {
			return
		}
		delete(a.pendingOpens, dc.StreamID)
		a.streamLabels[dc.StreamID] = p.label
		a.openedStreams = append(a.openedStreams, dc.StreamID)
		a.cfg.Stats.Incr("dataChannelsOpened", 1, stats.SectionReliable)
	}
}

func (a *Association) deliverOrBuffer(dc dataChunk) {
	if dc.Begin && dc.End {
		a.inbox = append(a.inbox, inboundMessage{StreamID: dc.StreamID, PPID: dc.PPID, Payload: dc.Payload})
		a.cfg.Stats.Incr("messagesDelivered", 1, stats.SectionReliable)
		return
	}
	// Partial message support is out of scope for the fixed single-chunk
	// framing this engine sends; an unexpected partial chunk from a peer
	// is buffered per-stream keyed by sequence so at least in-order peers
	// using this same engine never lose data.
	buf, ok := a.reassembleOrdered[dc.StreamID]
	if !ok {
		buf = map[uint16][]byte{}
		a.reassembleOrdered[dc.StreamID] = buf
	}
	buf[dc.StreamSeq] = append(buf[dc.StreamSeq], dc.Payload...)
}

func (a *Association) queueSack() {
	var gaps []gapAckBlock
	var pending uint16
	var start uint16
	inRun := false
	for tsn := a.lastRecvTSN + 1; a.gapReceived[tsn] && pending < 65535; tsn++ {
		off := uint16(tsn - a.lastRecvTSN)
		if !inRun {
			start = off
			inRun = true
		}
		pending = off
	}
	if inRun {
		gaps = append(gaps, gapAckBlock{Start: start, End: pending})
	}
	sack := sackChunk{CumulativeTSNAck: a.lastRecvTSN, AdvertisedWindow: 1 << 20, GapAckBlocks: gaps}
	a.sendQueue = append(a.sendQueue, finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), encodeSackChunk(sack)))
}

func (a *Association) handleSack(now time.Time, body []byte) error {
	if len(body) < 16 {
		return rtcerr.New(rtcerr.KindMalformed, "reliable", "sack chunk shorter than fixed fields")
	}
	numGap := int(binary.BigEndian.Uint16(body[12:14]))
	numDup := int(binary.BigEndian.Uint16(body[14:16]))
	sack, err := decodeSackChunk(body, numGap, numDup)
	if err != nil {
		return err
	}
	var ackedBytes uint32
	var remaining []*outstandingChunk
	for _, o := range a.outstanding {
		if o.tsn <= sack.CumulativeTSNAck {
			ackedBytes += o.size
			continue
		}
		remaining = append(remaining, o)
	}
	a.outstanding = remaining
	a.cumulativeTSNAck = sack.CumulativeTSNAck
	if ackedBytes > 0 {
		a.cc.onAck(ackedBytes)
	}
	a.cfg.Stats.Set("cwnd", a.cc.cwnd, stats.SectionReliable)
	return nil
}

func (a *Association) handleForwardTSN(body []byte) error {
	if len(body) < 8 {
		return rtcerr.New(rtcerr.KindMalformed, "reliable", "forward-tsn chunk shorter than fixed fields")
	}
	newCum := binary.BigEndian.Uint32(body[4:8])
	if newCum > a.lastRecvTSN {
		a.lastRecvTSN = newCum
		for a.gapReceived[a.lastRecvTSN+1] {
			delete(a.gapReceived, a.lastRecvTSN+1)
			a.lastRecvTSN++
		}
	}
	a.cfg.Stats.Incr("forwardTSNReceived", 1, stats.SectionReliable)
	return nil
}

// Abandon marks all outstanding chunks up to and including tsn as no
// longer worth retransmitting and emits a FORWARD-TSN, per the
// partial-reliability requirement (e.g. an expired unreliable message).
func (a *Association) Abandon(upToTSN uint32) {
	var remaining []*outstandingChunk
	for _, o := range a.outstanding {
		if o.tsn > upToTSN {
			remaining = append(remaining, o)
		}
	}
	a.outstanding = remaining
	fwd := encodeForwardTSN(forwardTSNChunk{NewCumulativeTSN: upToTSN})
	a.sendQueue = append(a.sendQueue, finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), fwd))
}

// Shutdown begins the graceful shutdown sequence.
func (a *Association) Shutdown(now time.Time) {
	if a.state != StateEstablished {
		return
	}
	if len(a.outstanding) > 0 {
		a.state = StateShutdownPending
		return
	}
	a.state = StateShutdownSent
	shutdown := make([]byte, 8)
	shutdown[0] = byte(chunkShutdown)
	binary.BigEndian.PutUint16(shutdown[2:4], 8)
	binary.BigEndian.PutUint32(shutdown[4:8], a.cumulativeTSNAck)
	a.sendQueue = append(a.sendQueue, finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), shutdown))
}

func simpleChunk(t chunkType) []byte {
	b := make([]byte, 4)
	b[0] = byte(t)
	binary.BigEndian.PutUint16(b[2:4], 4)
	return b
}

func heartbeatAckChunk(heartbeatBody []byte) []byte {
	b := make([]byte, len(heartbeatBody))
	copy(b, heartbeatBody)
	b[0] = byte(chunkHeartbeatAck)
	return b
}

// PollTimeout reports when HandleTimeout should next run.
func (a *Association) PollTimeout(now time.Time) (time.Time, bool) {
	var earliest time.Time
	consider := func(t time.Time) {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	if !a.flightSentAt.IsZero() && (a.state == StateCookieWait || a.state == StateCookieEchoed) {
		consider(a.flightSentAt.Add(a.rto))
	}
	for _, o := range a.outstanding {
		if !o.sentAt.IsZero() {
			consider(o.sentAt.Add(a.rto))
		}
	}
	if a.state == StateEstablished {
		consider(a.lastHeartbeatAt.Add(a.cfg.HeartbeatInterval))
	}
	if earliest.IsZero() {
		return time.Time{}, false
	}
	return earliest, true
}

// HandleTimeout retransmits overdue chunks, sends heartbeats, and fails
// the association after MaxHeartbeatFailures consecutive misses.
func (a *Association) HandleTimeout(now time.Time) {
	if !a.flightSentAt.IsZero() && (a.state == StateCookieWait || a.state == StateCookieEchoed) {
		if !now.Before(a.flightSentAt.Add(a.rto)) {
			if a.pendingInitRaw != nil {
				a.sendQueue = append(a.sendQueue, a.pendingInitRaw)
			}
			a.flightSentAt = now
			a.rto = minDuration(a.rto*2, a.cfg.MaxRTO)
		}
	}
	var resend [][]byte
	for _, o := range a.outstanding {
		if o.sentAt.IsZero() || now.Before(o.sentAt.Add(a.rto)) {
			continue
		}
		resend = append(resend, o.raw)
		o.retries++
		o.sentAt = now
	}
	if len(resend) > 0 {
		a.sendQueue = append(a.sendQueue, finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), resend...))
		a.cc.onLoss()
		a.cfg.Stats.Incr("retransmits", 1, stats.SectionReliable)
	}
	if a.state == StateEstablished && !now.Before(a.lastHeartbeatAt.Add(a.cfg.HeartbeatInterval)) {
		a.lastHeartbeatAt = now
		hb := make([]byte, 4)
		hb[0] = byte(chunkHeartbeat)
		binary.BigEndian.PutUint16(hb[2:4], 4)
		a.sendQueue = append(a.sendQueue, finalizePacket(encodeCommonHeader(0, 0, a.remoteVerificationTag), hb))
		a.heartbeatFailures++
		if a.heartbeatFailures > a.cfg.MaxHeartbeatFailures {
			a.state = StateClosed
			a.cfg.Stats.Incr("heartbeatTimeouts", 1, stats.SectionReliable)
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
