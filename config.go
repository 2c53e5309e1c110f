// Package rtcengine is the sans-I/O WebRTC protocol engine's top-level
// facade: it owns one connectivity agent, one handshake endpoint, one
// reliable-stream association, one media transport, and one SDP negotiator,
// and exposes exactly eight operations to the host: PollWrite, PollRead,
// PollEvent, PollTimeout, HandleRead, HandleWrite, HandleEvent, and
// HandleTimeout. Everything else is a convenience built on top of those.
package rtcengine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/SilvaMendes/rtcengine/entropy"
	"github.com/SilvaMendes/rtcengine/ice"
	"github.com/SilvaMendes/rtcengine/sdpneg"
	"github.com/SilvaMendes/rtcengine/stats"
)

// Config gathers every subsystem's tuning knobs behind one functional-options
// surface, mirroring the per-subsystem Option/Config pattern used throughout
// this module.
type Config struct {
	Polite       bool
	ICEServers   []string
	BundlePolicy sdpneg.BundlePolicy
	Logger       zerolog.Logger
	Stats        *stats.Tree
	Entropy      entropy.Source

	ReportInterval  time.Duration
	NACKInterval    time.Duration
	MaxNacks        int
	TWCCExtensionID uint8
}

// ConfigOption mutates a Config during NewSession.
type ConfigOption func(*Config)

func defaultConfig() Config {
	return Config{
		Polite:          true,
		BundlePolicy:    sdpneg.BundleBalanced,
		Logger:          zerolog.Nop(),
		Stats:           stats.New(),
		Entropy:         entropy.NewCryptoSource(),
		ReportInterval:  time.Second,
		NACKInterval:    20 * time.Millisecond,
		MaxNacks:        16,
		TWCCExtensionID: 5,
	}
}

// WithPolite sets this session's perfect-negotiation role. The polite peer
// yields to glare by rolling back its own offer; the impolite peer refuses
// the remote offer instead.
func WithPolite(polite bool) ConfigOption {
	return func(c *Config) { c.Polite = polite }
}

// WithICEServers records the STUN/TURN server URIs this session's
// connectivity agent should be told about. The engine does not dial them
// itself — the host's candidate-gathering implementation reads this list
// back out.
func WithICEServers(servers []string) ConfigOption {
	return func(c *Config) { c.ICEServers = append([]string(nil), servers...) }
}

func WithBundlePolicy(p sdpneg.BundlePolicy) ConfigOption {
	return func(c *Config) { c.BundlePolicy = p }
}

func WithLogger(l zerolog.Logger) ConfigOption {
	return func(c *Config) { c.Logger = l }
}

func WithStats(s *stats.Tree) ConfigOption {
	return func(c *Config) { c.Stats = s }
}

func WithEntropy(src entropy.Source) ConfigOption {
	return func(c *Config) { c.Entropy = src }
}

func WithReportInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.ReportInterval = d }
}

func WithNACKTuning(interval time.Duration, maxNacks int) ConfigOption {
	return func(c *Config) { c.NACKInterval, c.MaxNacks = interval, maxNacks }
}

func WithTWCCExtensionID(id uint8) ConfigOption {
	return func(c *Config) { c.TWCCExtensionID = id }
}

// iceRoleFor derives the initial ICE controlling/controlled role from
// whether this session is the offerer: the offerer is always initially
// controlling.
func iceRoleFor(isOfferer bool) ice.Role {
	if isOfferer {
		return ice.RoleControlling
	}
	return ice.RoleControlled
}
