// Package entropy supplies the random values the engine needs (handshake
// randoms, SSRC/verification-tag cookies, ICE tie-breakers and
// credentials) from a caller-provided source rather than a package-level
// default, per the design note that there is no inherent global mutable
// state in this engine. STUN transaction IDs are not drawn from a Source:
// the STUN codec mints them itself when ice builds a request.
package entropy

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pion/randutil"
)

// Source is the capability the Session configuration must supply. It is
// held by value (a small interface), matching the design note's guidance
// for the two places the design calls for polymorphism.
type Source interface {
	// Uint32 returns a uniformly random 32-bit value (verification tags,
	// SSRC cookies, rollover-sensitive counters' initial state).
	Uint32() uint32
	// Uint64 returns a uniformly random 64-bit value (ICE tie-breakers).
	Uint64() uint64
	// Bytes fills b with random bytes (DTLS randoms).
	Bytes(b []byte)
	// RandomString returns a random alphanumeric string of length n
	// (ICE ufrag/password, in the same shape pion/ice generates them).
	RandomString(n int, charset string) string
}

// CryptoSource is the default Source, backed by crypto/rand. It is the
// right default for anything that doubles as a security parameter (DTLS
// randoms, SRTP master keys indirectly, STUN transaction IDs used for
// MESSAGE-INTEGRITY correlation).
type CryptoSource struct{}

// NewCryptoSource returns the crypto/rand-backed default entropy source.
func NewCryptoSource() CryptoSource { return CryptoSource{} }

func (CryptoSource) Uint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (CryptoSource) Uint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func (CryptoSource) Bytes(b []byte) {
	_, _ = rand.Read(b)
}

func (CryptoSource) RandomString(n int, charset string) string {
	s, err := randutil.GenerateCryptoRandomString(n, charset)
	if err != nil {
		// crypto/rand failure is unrecoverable for the process; fall back
		// to the math-random generator rather than panic mid-handshake.
		s, _ = randutil.GenerateRandString(n, charset, randutil.NewMathRandomGenerator())
	}
	return s
}

// MathSource is a non-cryptographic entropy source, useful for
// deterministic or low-cost tests where reproducible output matters more
// than security margin.
type MathSource struct {
	gen randutil.MathRandomGenerator
}

// NewMathSource returns a math/rand-backed entropy source.
func NewMathSource() *MathSource {
	return &MathSource{gen: randutil.NewMathRandomGenerator()}
}

func (m *MathSource) Uint32() uint32 {
	return uint32(m.gen.Intn(1<<32 - 1))
}

func (m *MathSource) Uint64() uint64 {
	return uint64(m.Uint32())<<32 | uint64(m.Uint32())
}

func (m *MathSource) Bytes(b []byte) {
	for i := range b {
		b[i] = byte(m.gen.Intn(256))
	}
}

func (m *MathSource) RandomString(n int, charset string) string {
	s, _ := randutil.GenerateRandString(n, charset, m.gen)
	return s
}

// LiteralCandidateCharset matches RFC 5245's ice-char grammar subset used
// for ufrag/password generation.
const LiteralCandidateCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"
