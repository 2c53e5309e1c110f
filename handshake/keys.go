package handshake

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// keyingMaterialLabel is the fixed exporter label this handshake's keying export uses
// for deriving SRTP keys out of the handshake's master secret (RFC 5764).
const keyingMaterialLabel = "EXTRACTOR-dtls_srtp"

// ecdhKeyPair is a Curve25519 key pair used for the handshake's ephemeral
// key exchange. The engine uses X25519 rather than the NIST curves the
// historical DTLS registry favors, since curve25519 is the only ECDH
// primitive available in the retrieved pack's x/crypto dependency.
type ecdhKeyPair struct {
	private [32]byte
	public  [32]byte
}

func generateECDHKeyPair(randSource io.Reader) (*ecdhKeyPair, error) {
	kp := &ecdhKeyPair{}
	if _, err := io.ReadFull(randSource, kp.private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// sharedSecret computes the ECDH shared secret with a peer's public key.
func (kp *ecdhKeyPair) sharedSecret(peerPublic [32]byte) ([]byte, error) {
	return curve25519.X25519(kp.private[:], peerPublic[:])
}

// deriveMasterSecret folds the ECDH shared secret and both randoms into a
// 48-octet master secret using HKDF-SHA256, standing in for the
// PRF(pre_master_secret, "master secret", randoms) construction a real
// TLS stack uses; this engine only needs a deterministic, keyed
// derivation, which HKDF already is.
func deriveMasterSecret(sharedSecret, clientRandom, serverRandom []byte) ([]byte, error) {
	salt := append(append([]byte{}, clientRandom...), serverRandom...)
	r := hkdf.New(sha256.New, sharedSecret, salt, []byte("master secret"))
	out := make([]byte, 48)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExportKeyingMaterial derives length octets of keying material from the
// master secret and both handshake randoms. SRTP
// AES-CM+HMAC-SHA1 needs 60 octets (2x(16+14)); AEAD_AES_128_GCM needs 56
// (2x(16+12)) — the caller supplies the exact length its negotiated
// profile requires.
func ExportKeyingMaterial(masterSecret, clientRandom, serverRandom []byte, length int) ([]byte, error) {
	salt := append(append([]byte{}, serverRandom...), clientRandom...)
	r := hkdf.New(sha256.New, masterSecret, salt, []byte(keyingMaterialLabel))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// signHandshakeTranscript signs a running transcript hash with an ECDSA
// certificate key, standing in for the CertificateVerify message's
// signature; only used when the negotiated suite is ECDSA-authenticated.
func signHandshakeTranscript(priv *ecdsa.PrivateKey, transcriptHash []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, priv, transcriptHash)
}

// verifyHandshakeTranscript checks a CertificateVerify-style signature
// against the peer's public key.
func verifyHandshakeTranscript(pub *ecdsa.PublicKey, transcriptHash, sig []byte) bool {
	return ecdsa.VerifyASN1(pub, transcriptHash, sig)
}
