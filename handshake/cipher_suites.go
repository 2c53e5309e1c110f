package handshake

// CipherSuite identifies a negotiable handshake cipher suite. The fixed
// list mirrors a small, modern-only set rather
// than the full historical DTLS registry.
type CipherSuite uint16

const (
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256 CipherSuite = 0xC02B
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384 CipherSuite = 0xC02C
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256   CipherSuite = 0xC02F
)

// offeredSuites is the fixed, ordered list of suites this engine offers,
// most preferred first.
var offeredSuites = []CipherSuite{
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// negotiateSuite picks the first suite in our preference order that the
// peer also offered: this side's preference order decides, and the order
// of the peer's list is ignored.
func negotiateSuite(peerOffered []CipherSuite) (CipherSuite, bool) {
	peerSet := make(map[CipherSuite]bool, len(peerOffered))
	for _, s := range peerOffered {
		peerSet[s] = true
	}
	for _, s := range offeredSuites {
		if peerSet[s] {
			return s, true
		}
	}
	return 0, false
}

// srtpProtectionProfile is the use_srtp extension's negotiated profile.
type srtpProtectionProfile uint16

const (
	SRTP_AES128_CM_HMAC_SHA1_80 srtpProtectionProfile = 0x0001
	SRTP_AEAD_AES_128_GCM       srtpProtectionProfile = 0x0007
)

var offeredSRTPProfiles = []srtpProtectionProfile{
	SRTP_AEAD_AES_128_GCM,
	SRTP_AES128_CM_HMAC_SHA1_80,
}

func negotiateSRTPProfile(peerOffered []srtpProtectionProfile) (srtpProtectionProfile, bool) {
	peerSet := make(map[srtpProtectionProfile]bool, len(peerOffered))
	for _, p := range peerOffered {
		peerSet[p] = true
	}
	for _, p := range offeredSRTPProfiles {
		if peerSet[p] {
			return p, true
		}
	}
	return 0, false
}
