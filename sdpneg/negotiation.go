// Package sdpneg implements SDP-based session negotiation: offer/answer
// construction, BUNDLE grouping, codec intersection, DTLS role selection,
// mid stability, rollback and renegotiation — wrapping pion/sdp/v3 for
// line-level parsing/marshaling while keeping the negotiation state
// machine itself original.
package sdpneg

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/SilvaMendes/rtcengine/rtcerr"
)

// BundlePolicy controls how media sections are grouped onto shared
// transports.
type BundlePolicy int

const (
	BundleBalanced BundlePolicy = iota
	BundleMaxBundle
	BundleMaxCompat
)

// DTLSRole is the negotiated DTLS client/server role for a media section,
// per RFC 8842.
type DTLSRole int

const (
	DTLSRoleAuto DTLSRole = iota // setup:actpass, offerer only
	DTLSRoleClient
	DTLSRoleServer
)

// MediaSection describes one m= line's negotiated state.
type MediaSection struct {
	Mid       string
	Kind      string // "audio", "video", "application"
	Port      int    // 0 means rejected/removed
	Direction string // "sendrecv", "sendonly", "recvonly", "inactive"
	Codecs    []Codec
	ICEUfrag, ICEPassword string
	DTLSRole  DTLSRole
	DTLSFingerprintAlgo, DTLSFingerprint string
}

// Codec is one negotiated payload-type/encoding pair.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
	Params      string
}

// Description is this engine's parsed/negotiated view of a session
// description — richer than a raw SDP string, since the negotiation
// state machine operates on structured sections rather than text lines.
type Description struct {
	SessionID, SessionVersion uint64
	Sections                  []MediaSection
	BundleGroup               []string // mids bundled onto the first section's transport
}

// Config configures a Negotiator via functional options.
type Config struct {
	BundlePolicy BundlePolicy
	Logger       zerolog.Logger
}

type Option func(*Config)

func WithBundlePolicy(p BundlePolicy) Option { return func(c *Config) { c.BundlePolicy = p } }
func WithNegotiationLogger(l zerolog.Logger) Option { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{BundlePolicy: BundleBalanced, Logger: log.Logger}
}

// SignalingState is the perfect-negotiation state machine's current mode.
type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
)

// Negotiator drives one session's offer/answer exchange and keeps the
// last-applied description available for rollback.
type Negotiator struct {
	cfg Config

	polite bool
	state  SignalingState

	current  *Description
	pending  *Description
	lastStable *Description

	log zerolog.Logger
}

// NewNegotiator constructs a Negotiator. polite determines perfect
// negotiation's collision-resolution rule: a polite peer rolls back its
// own offer when a remote offer collides with one in flight; an impolite
// peer ignores the incoming offer and keeps its own.
func NewNegotiator(polite bool, opts ...Option) *Negotiator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Negotiator{
		cfg:    cfg,
		polite: polite,
		state:  SignalingStable,
		log:    cfg.Logger.With().Str("component", "sdpneg").Logger(),
	}
}

// State reports the negotiator's current signaling state.
func (n *Negotiator) State() SignalingState { return n.state }

// CreateOffer builds a new local offer from the desired media sections,
// assigning a stable mid to any section missing one and folding sections
// into one BUNDLE group per the configured policy.
func (n *Negotiator) CreateOffer(sections []MediaSection) (*Description, error) {
	if n.state != SignalingStable {
		return nil, rtcerr.New(rtcerr.KindProtocolViolation, "sdpneg", "cannot create offer outside stable state")
	}
	desc := n.buildDescription(sections)
	for i := range desc.Sections {
		if desc.Sections[i].DTLSRole == 0 {
			desc.Sections[i].DTLSRole = DTLSRoleAuto
		}
	}
	n.pending = desc
	n.state = SignalingHaveLocalOffer
	return desc, nil
}

// ApplyRemoteOffer processes an inbound offer, applying perfect
// negotiation's collision rule when one is already in flight.
func (n *Negotiator) ApplyRemoteOffer(remote *Description) (rollback bool, err error) {
	if n.state == SignalingHaveLocalOffer {
		if !n.polite {
			return false, rtcerr.New(rtcerr.KindPolicyRefusal, "sdpneg", "impolite peer ignores colliding remote offer")
		}
		n.log.Info().Msg("polite peer rolling back local offer on glare")
		n.pending = nil
		rollback = true
	}
	n.current = remote
	n.state = SignalingHaveRemoteOffer
	return rollback, nil
}

// CreateAnswer builds the answer to a previously-applied remote offer,
// selecting each section's DTLS role (the offerer proposed actpass; the
// answerer must pick a concrete active/passive role per RFC 8842) and
// intersecting codec lists.
func (n *Negotiator) CreateAnswer(localCodecs map[string][]Codec) (*Description, error) {
	if n.state != SignalingHaveRemoteOffer {
		return nil, rtcerr.New(rtcerr.KindProtocolViolation, "sdpneg", "cannot create answer outside have-remote-offer state")
	}
	answer := &Description{SessionID: n.current.SessionID, SessionVersion: n.current.SessionVersion + 1}
	for _, remoteSection := range n.current.Sections {
		section := remoteSection
		section.Codecs = intersectCodecs(remoteSection.Codecs, localCodecs[remoteSection.Kind])
		if remoteSection.DTLSRole == DTLSRoleAuto {
			section.DTLSRole = DTLSRoleServer // answerer defaults to the passive/server role per RFC 8842 §5.1
		}
		answer.Sections = append(answer.Sections, section)
	}
	answer.BundleGroup = n.current.BundleGroup
	n.current = answer
	n.lastStable = answer
	n.state = SignalingStable
	return answer, nil
}

// ApplyRemoteAnswer completes a local-offer/remote-answer exchange.
func (n *Negotiator) ApplyRemoteAnswer(remote *Description) error {
	if n.state != SignalingHaveLocalOffer {
		return rtcerr.New(rtcerr.KindProtocolViolation, "sdpneg", "cannot apply answer outside have-local-offer state")
	}
	n.current = remote
	n.lastStable = remote
	n.pending = nil
	n.state = SignalingStable
	return nil
}

// Rollback restores the last stable description, discarding any pending
// local or remote offer.
func (n *Negotiator) Rollback() {
	n.pending = nil
	n.current = n.lastStable
	n.state = SignalingStable
}

// buildDescription assigns mids and applies the bundle policy.
func (n *Negotiator) buildDescription(sections []MediaSection) *Description {
	desc := &Description{SessionID: uint64(len(sections)) + 1, SessionVersion: 1}
	for _, s := range sections {
		if s.Mid == "" {
			s.Mid = uuid.NewString()[:8]
		}
		desc.Sections = append(desc.Sections, s)
	}
	switch n.cfg.BundlePolicy {
	case BundleMaxBundle, BundleBalanced:
		for _, s := range desc.Sections {
			desc.BundleGroup = append(desc.BundleGroup, s.Mid)
		}
	case BundleMaxCompat:
		// max-compat keeps every section on its own transport; no group.
	}
	return desc
}

// intersectCodecs keeps only the codecs both sides support, preserving
// the offerer's preference order.
func intersectCodecs(offered, supported []Codec) []Codec {
	supportedSet := make(map[string]bool, len(supported))
	for _, c := range supported {
		supportedSet[fmt.Sprintf("%s/%d", c.Name, c.ClockRate)] = true
	}
	var out []Codec
	for _, c := range offered {
		if supportedSet[fmt.Sprintf("%s/%d", c.Name, c.ClockRate)] {
			out = append(out, c)
		}
	}
	return out
}

// Marshal renders a Description as wire-format SDP text using pion/sdp/v3.
func Marshal(desc *Description, originAddr string) (string, error) {
	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username: "-", SessionID: desc.SessionID, SessionVersion: desc.SessionVersion,
			NetworkType: "IN", AddressType: "IP4", UnicastAddress: originAddr,
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
	if len(desc.BundleGroup) > 0 {
		sd.Attributes = append(sd.Attributes, sdp.Attribute{Key: "group", Value: "BUNDLE " + joinMids(desc.BundleGroup)})
	}
	for _, s := range desc.Sections {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{Media: s.Kind, Port: sdp.RangedPort{Value: s.Port}, Protos: []string{"UDP", "TLS", "RTP", "SAVPF"}},
		}
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "mid", Value: s.Mid})
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: s.Direction})
		for _, c := range s.Codecs {
			md.Attributes = append(md.Attributes, sdp.Attribute{
				Key:   "rtpmap",
				Value: fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate),
			})
		}
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}
	return sd.Marshal()
}

func joinMids(mids []string) string {
	out := ""
	for i, m := range mids {
		if i > 0 {
			out += " "
		}
		out += m
	}
	return out
}

// Unmarshal parses wire-format SDP text into a Description.
func Unmarshal(text string) (*Description, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal([]byte(text)); err != nil {
		return nil, rtcerr.New(rtcerr.KindMalformed, "sdpneg", "failed to parse sdp text")
	}
	desc := &Description{SessionID: sd.Origin.SessionID, SessionVersion: sd.Origin.SessionVersion}
	for _, attr := range sd.Attributes {
		if attr.Key == "group" {
			desc.BundleGroup = parseBundleGroup(attr.Value)
		}
	}
	for _, md := range sd.MediaDescriptions {
		section := MediaSection{Kind: md.MediaName.Media, Port: md.MediaName.Port.Value, Direction: "sendrecv"}
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "mid":
				section.Mid = attr.Value
			case "sendonly", "recvonly", "inactive", "sendrecv":
				section.Direction = attr.Key
			}
		}
		desc.Sections = append(desc.Sections, section)
	}
	return desc, nil
}

func parseBundleGroup(value string) []string {
	var mids []string
	field := ""
	for _, r := range value {
		if r == ' ' {
			if field != "" && field != "BUNDLE" {
				mids = append(mids, field)
			}
			field = ""
			continue
		}
		field += string(r)
	}
	if field != "" && field != "BUNDLE" {
		mids = append(mids, field)
	}
	return mids
}
