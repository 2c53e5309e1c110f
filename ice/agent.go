// Package ice implements the connectivity-establishment subsystem: host,
// server-reflexive and relay candidate bookkeeping, pairing, STUN
// connectivity checks, nomination, consent freshness and ICE restart.
// Like every subsystem in this engine it owns no socket and no goroutine:
// the host drives it with PollOutbound/HandleInbound/PollTimeout/
// HandleTimeout, matching rtpengine's request/response builder style
// adapted to a host-driven loop instead of a dialed connection.
package ice

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SilvaMendes/rtcengine/entropy"
	"github.com/SilvaMendes/rtcengine/ice/candidate"
	"github.com/SilvaMendes/rtcengine/rtcerr"
	"github.com/SilvaMendes/rtcengine/stats"
)

// Role is the ICE agent's controlling/controlled role (RFC 8445 §5.3).
type Role int

const (
	RoleControlling Role = iota
	RoleControlled
)

// State is the agent's overall connectivity state.
type State int

const (
	StateNew State = iota
	StateChecking
	StateConnected
	StateCompleted
	StateFailed
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the tunable timers and credentials an Agent needs.
type Config struct {
	LocalUfrag    string
	LocalPassword string

	Entropy entropy.Source
	Logger  zerolog.Logger
	Stats   *stats.Tree

	InitialRTO          time.Duration
	MaxRTORetries       int
	Ta                  time.Duration
	ConsentInterval     time.Duration
	ConsentMaxFailures  int
}

// Option configures an Agent at construction, following the functional
// options pattern used throughout this engine's builders.
type Option func(*Config)

func WithCredentials(ufrag, password string) Option {
	return func(c *Config) { c.LocalUfrag, c.LocalPassword = ufrag, password }
}

func WithEntropy(src entropy.Source) Option {
	return func(c *Config) { c.Entropy = src }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func WithStats(s *stats.Tree) Option {
	return func(c *Config) { c.Stats = s }
}

func WithRetransmission(initialRTO time.Duration, maxRetries int) Option {
	return func(c *Config) { c.InitialRTO, c.MaxRTORetries = initialRTO, maxRetries }
}

func WithConsentFreshness(interval time.Duration, maxFailures int) Option {
	return func(c *Config) { c.ConsentInterval, c.ConsentMaxFailures = interval, maxFailures }
}

func defaultConfig() Config {
	return Config{
		InitialRTO:         500 * time.Millisecond,
		MaxRTORetries:      7,
		Ta:                 50 * time.Millisecond,
		ConsentInterval:     5 * time.Second,
		ConsentMaxFailures:  3,
		Logger:             log.Logger,
	}
}

// Transmit is a STUN datagram the host must send on the named local
// candidate's socket to the named remote address.
type Transmit struct {
	Local  *candidate.Candidate
	Remote *candidate.Candidate
	Data   []byte
}

type pendingCheck struct {
	txID        [12]byte
	pair        *checkPair
	sentAt      time.Time
	retries     int
	nextRTO     time.Duration
	useCandidate bool
}

// checkPair wraps a candidate.Pair with the scheduling bookkeeping the
// checklist needs that doesn't belong in the pure value type.
type checkPair struct {
	*candidate.Pair
	consentLastOK   time.Time
	consentFailures int
	nextConsentAt   time.Time
}

// Agent is the per-media-stream connectivity checker. One Agent
// corresponds to one ICE component group (this engine treats RTP/RTCP mux as
// a single component per stream).
type Agent struct {
	cfg  Config
	role Role
	tieBreaker uint64

	remoteUfrag, remotePassword string

	local  []*candidate.Candidate
	remote []*candidate.Candidate
	pairs  []*checkPair

	state State
	nominated *checkPair
	// nominatedStale marks that nominated was carried over from before an
	// ICE restart: still good to send on, but not a substitute for
	// nominating a pair under the restarted credentials.
	nominatedStale bool

	outbound []Transmit
	pending  map[[12]byte]*pendingCheck
	lastTa   time.Time

	log zerolog.Logger
}

// NewAgent constructs an Agent in the New state with no candidates.
func NewAgent(role Role, opts ...Option) *Agent {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Entropy == nil {
		cfg.Entropy = entropy.NewCryptoSource()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.New()
	}
	return &Agent{
		cfg:        cfg,
		role:       role,
		tieBreaker: cfg.Entropy.Uint64(),
		pending:    make(map[[12]byte]*pendingCheck),
		log:        cfg.Logger.With().Str("component", "ice").Logger(),
	}
}

// Role reports the agent's current controlling/controlled role.
func (a *Agent) Role() Role { return a.role }

// State reports the agent's current connectivity state.
func (a *Agent) State() State { return a.state }

// SetRemoteCredentials records the remote peer's ICE ufrag/password,
// learned from the remote session description.
func (a *Agent) SetRemoteCredentials(ufrag, password string) {
	a.remoteUfrag, a.remotePassword = ufrag, password
}

// AddLocalCandidate adds a gathered local candidate and pairs it against
// every already-known remote candidate.
func (a *Agent) AddLocalCandidate(c *candidate.Candidate) {
	a.local = append(a.local, c)
	for _, r := range a.remote {
		a.tryPair(c, r)
	}
	a.cfg.Stats.Incr("localCandidates", 1, stats.SectionICE)
}

// AddRemoteCandidate adds a candidate learned from the remote
// description or trickled in after the initial offer/answer, and pairs
// it against every known local candidate.
func (a *Agent) AddRemoteCandidate(c *candidate.Candidate) {
	a.remote = append(a.remote, c)
	for _, l := range a.local {
		a.tryPair(l, c)
	}
	a.cfg.Stats.Incr("remoteCandidates", 1, stats.SectionICE)
	if a.state == StateNew {
		a.state = StateChecking
	}
}

func (a *Agent) tryPair(local, remote *candidate.Candidate) {
	if !candidate.Compatible(local, remote) {
		return
	}
	if remote.TCPPlaceholderPort9 && local.Transport != candidate.TransportTCPPassive {
		return
	}
	p := candidate.NewPair(local, remote, a.role == RoleControlling)
	p.State = candidate.PairWaiting
	a.pairs = append(a.pairs, &checkPair{Pair: p})
	a.cfg.Stats.Incr("pairsFormed", 1, stats.SectionICE)
}

// highestWaiting returns the highest-priority waiting pair, or nil.
func (a *Agent) highestWaiting() *checkPair {
	var best *checkPair
	for _, p := range a.pairs {
		if p.State != candidate.PairWaiting {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	return best
}

// PollTransmit returns the next STUN datagram the host should send, and
// true if one is ready; it drains previously queued transmits before
// scheduling new checks off the Ta timer.
func (a *Agent) PollTransmit(now time.Time) (Transmit, bool) {
	if len(a.outbound) > 0 {
		t := a.outbound[0]
		a.outbound = a.outbound[1:]
		return t, true
	}
	if a.lastTa.IsZero() || now.Sub(a.lastTa) >= a.cfg.Ta {
		if p := a.highestWaiting(); p != nil {
			a.startCheck(now, p, false)
			a.lastTa = now
		}
	}
	if len(a.outbound) > 0 {
		t := a.outbound[0]
		a.outbound = a.outbound[1:]
		return t, true
	}
	return Transmit{}, false
}

func (a *Agent) startCheck(now time.Time, p *checkPair, useCandidate bool) {
	p.State = candidate.PairInProgress

	controlling := a.role == RoleControlling
	msg, err := buildBindingRequest(a.cfg.LocalUfrag, a.remoteUfrag, a.remotePassword, p.Local.Priority, a.tieBreaker, controlling, useCandidate)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to build binding request")
		p.State = candidate.PairFailed
		return
	}
	// Key the check by the transaction ID written into the request, which
	// is the one the peer's response echoes back.
	txID := msg.TransactionID
	a.outbound = append(a.outbound, Transmit{Local: p.Local, Remote: p.Remote, Data: msg.Raw})
	a.pending[txID] = &pendingCheck{
		txID:         txID,
		pair:         p,
		sentAt:       now,
		nextRTO:      a.cfg.InitialRTO,
		useCandidate: useCandidate,
	}
	p.RequestsSent++
}

// HandleInbound processes a STUN packet received on local from remote.
// Non-STUN data on this socket is not this agent's concern and should
// never reach it once the demultiplexer is wired.
func (a *Agent) HandleInbound(now time.Time, local, remote *candidate.Candidate, data []byte) error {
	var msg stunMessageAlias
	if err := msg.unmarshal(data); err != nil {
		return rtcerr.New(rtcerr.KindMalformed, "ice", "not a valid stun message")
	}
	switch {
	case msg.isRequest():
		return a.handleRequest(now, local, remote, &msg)
	case msg.isSuccess():
		return a.handleSuccess(now, local, remote, &msg)
	case msg.isError():
		return a.handleError(now, &msg)
	default:
		return rtcerr.New(rtcerr.KindMalformed, "ice", "unrecognized stun message class")
	}
}

func (a *Agent) handleRequest(now time.Time, local, remote *candidate.Candidate, msg *stunMessageAlias) error {
	if err := msg.verifyIntegrity(a.cfg.LocalPassword); err != nil {
		a.cfg.Stats.Incr("authFailures", 1, stats.SectionICE)
		return rtcerr.New(rtcerr.KindAuthFailure, "ice", "bad message-integrity on binding request")
	}
	attrs := msg.iceAttrs()
	if conflict, resolved := a.resolveRoleConflict(attrs); conflict && !resolved {
		return nil // tie-break told us to drop and let the peer switch roles
	}

	resp, err := buildBindingResponse(msg.transactionID(), addressBytes(remote.Address), remote.Port, a.cfg.LocalPassword)
	if err != nil {
		return rtcerr.New(rtcerr.KindProtocolViolation, "ice", "failed to build binding response")
	}
	a.outbound = append(a.outbound, Transmit{Local: local, Remote: remote, Data: resp.Raw})

	p := a.findOrCreatePeerReflexive(local, remote, attrs)
	p.RequestsReceived++
	if attrs.useCandidate && a.role == RoleControlled {
		a.nominate(p, now)
	}
	return nil
}

// resolveRoleConflict applies RFC 8445 §7.3.1.1's tie-break: the agent
// with the larger tie-breaker keeps its role; the other must switch. It
// returns (conflict, shouldProceedAsRequest).
func (a *Agent) resolveRoleConflict(attrs iceAttrs) (conflict bool, resolved bool) {
	switch {
	case a.role == RoleControlling && attrs.hasControlling:
		conflict = true
		if a.tieBreaker >= attrs.controlling {
			return true, true // we keep control; peer will see ROLE-CONFLICT-free response
		}
		a.role = RoleControlled
		return true, true
	case a.role == RoleControlled && attrs.hasControlled:
		conflict = true
		if a.tieBreaker < attrs.controlled {
			return true, true
		}
		a.role = RoleControlling
		return true, true
	}
	return false, true
}

func (a *Agent) findOrCreatePeerReflexive(local, remote *candidate.Candidate, attrs iceAttrs) *checkPair {
	for _, p := range a.pairs {
		if p.Local == local && p.Remote.Address == remote.Address && p.Remote.Port == remote.Port {
			return p
		}
	}
	prflx := &candidate.Candidate{
		Foundation: "prflx",
		Component:  local.Component,
		Transport:  local.Transport,
		Address:    remote.Address,
		Port:       remote.Port,
		Type:       candidate.TypePeerReflexive,
	}
	if attrs.hasPriority {
		prflx.Priority = attrs.priority
	}
	a.remote = append(a.remote, prflx)
	pair := candidate.NewPair(local, prflx, a.role == RoleControlling)
	pair.State = candidate.PairWaiting
	cp := &checkPair{Pair: pair}
	a.pairs = append(a.pairs, cp)
	return cp
}

func (a *Agent) handleSuccess(now time.Time, local, remote *candidate.Candidate, msg *stunMessageAlias) error {
	txID := msg.transactionID()
	pc, ok := a.pending[txID]
	if !ok {
		return nil // stray or retransmitted-past-deadline response
	}
	delete(a.pending, txID)
	if err := msg.verifyIntegrity(a.remotePassword); err != nil {
		a.cfg.Stats.Incr("authFailures", 1, stats.SectionICE)
		return rtcerr.New(rtcerr.KindAuthFailure, "ice", "bad message-integrity on binding response")
	}
	pc.pair.State = candidate.PairSucceeded
	pc.pair.ResponsesReceived++
	rtt := now.Sub(pc.sentAt).Seconds() * 1000
	pc.pair.RTTSamples = append(pc.pair.RTTSamples, rtt)
	a.cfg.Stats.Set("lastRTTMillis", rtt, stats.SectionICE)

	if a.state == StateNew || a.state == StateChecking {
		a.state = StateConnected
	}
	if pc.useCandidate {
		a.nominate(pc.pair, now)
	} else if a.role == RoleControlling && (a.nominated == nil || a.nominatedStale) {
		a.startCheck(now, pc.pair, true)
	}
	return nil
}

func (a *Agent) handleError(now time.Time, msg *stunMessageAlias) error {
	txID := msg.transactionID()
	pc, ok := a.pending[txID]
	if !ok {
		return nil
	}
	delete(a.pending, txID)
	pc.pair.State = candidate.PairFailed
	a.cfg.Stats.Incr("checkFailures", 1, stats.SectionICE)
	return nil
}

func (a *Agent) nominate(p *checkPair, now time.Time) {
	if a.nominated == p {
		return
	}
	p.Nominated = true
	a.nominated = p
	a.nominatedStale = false
	p.consentLastOK = now
	p.nextConsentAt = now.Add(a.cfg.ConsentInterval)
	a.state = StateCompleted
	a.cfg.Stats.Set("nominatedPair", p.Remote.Address, stats.SectionICE)
}

// NominatedPair returns the pair selected for sending application data,
// if nomination has completed.
func (a *Agent) NominatedPair() *candidate.Pair {
	if a.nominated == nil {
		return nil
	}
	return a.nominated.Pair
}

// PollTimeout returns when HandleTimeout should next be called: the
// earliest of any pending check's retransmit deadline or the nominated
// pair's next consent check.
func (a *Agent) PollTimeout(now time.Time) (time.Time, bool) {
	var earliest time.Time
	consider := func(t time.Time) {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	for _, pc := range a.pending {
		consider(pc.sentAt.Add(pc.nextRTO))
	}
	if a.nominated != nil {
		consider(a.nominated.nextConsentAt)
	}
	if earliest.IsZero() {
		return time.Time{}, false
	}
	return earliest, true
}

// HandleTimeout ages overdue checks: each one's retry count goes up and
// its RTO doubles, and once retries exceed MaxRTORetries the pair fails
// and the check is dropped. The request itself is not sent again; a
// check only succeeds if the response to its first transmission arrives.
// HandleTimeout also fires consent-freshness probes on the nominated pair.
func (a *Agent) HandleTimeout(now time.Time) {
	for txID, pc := range a.pending {
		if now.Before(pc.sentAt.Add(pc.nextRTO)) {
			continue
		}
		pc.retries++
		if pc.retries > a.cfg.MaxRTORetries {
			pc.pair.State = candidate.PairFailed
			delete(a.pending, txID)
			continue
		}
		pc.sentAt = now
		pc.nextRTO *= 2
	}
	if a.nominated != nil && !now.Before(a.nominated.nextConsentAt) {
		a.sendConsentCheck(now, a.nominated)
	}
	if a.allPairsFailed() {
		a.state = StateFailed
	}
}

func (a *Agent) sendConsentCheck(now time.Time, p *checkPair) {
	p.ConsentRequests++
	p.nextConsentAt = now.Add(a.cfg.ConsentInterval)
	a.startCheck(now, p, false)
}

func (a *Agent) allPairsFailed() bool {
	if len(a.pairs) == 0 {
		return false
	}
	for _, p := range a.pairs {
		if p.State != candidate.PairFailed {
			return false
		}
	}
	return true
}

// Restart clears all candidates and pairs and installs the fresh local
// credentials the caller passes in, per RFC 8445's ICE-restart
// requirement; the caller is
// responsible for regenerating an offer with the new ufrag/password.
// The previously nominated pair is kept provisionally — so data can keep
// flowing on it — until a new pair is nominated under the restarted
// credentials and replaces it.
func (a *Agent) Restart(newUfrag, newPassword string) {
	a.local = nil
	a.remote = nil
	a.pairs = nil
	a.pending = make(map[[12]byte]*pendingCheck)
	if a.nominated != nil {
		a.nominatedStale = true
	}
	a.cfg.LocalUfrag = newUfrag
	a.cfg.LocalPassword = newPassword
	a.state = StateNew
	a.cfg.Stats.Incr("restarts", 1, stats.SectionICE)
}

func (a *Agent) LocalCredentials() (ufrag, password string) {
	return a.cfg.LocalUfrag, a.cfg.LocalPassword
}
