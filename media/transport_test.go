package media

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testKeys() (key, salt, authKey []byte) {
	key = make([]byte, aesCMKeyLen)
	salt = make([]byte, aesCMSaltLen)
	authKey = make([]byte, authKeyLen)
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range salt {
		salt[i] = byte(i + 100)
	}
	for i := range authKey {
		authKey[i] = byte(i + 200)
	}
	return
}

func newSymmetricTransports(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	key, salt, authKey := testKeys()
	aliceCtx, err := NewAESCMHMACSHA1Context(key, salt, authKey)
	require.NoError(t, err)
	bobCtx, err := NewAESCMHMACSHA1Context(key, salt, authKey)
	require.NoError(t, err)

	alice := NewTransport(aliceCtx, bobCtx, nil, zerolog.Nop())
	bob := NewTransport(bobCtx, aliceCtx, nil, zerolog.Nop())
	return alice, bob
}

func TestTransportRoundTripsRTPPacket(t *testing.T) {
	alice, bob := newSymmetricTransports(t)

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: 1000,
			Timestamp:      9000,
			SSRC:           0xCAFEBABE,
		},
		Payload: []byte("audio frame payload"),
	}

	wire, err := alice.EncodeRTP(pkt)
	require.NoError(t, err)

	got, err := bob.DecodeRTP(wire)
	require.NoError(t, err)
	require.Equal(t, []byte("audio frame payload"), got.Payload)
	require.Equal(t, pkt.SSRC, got.SSRC)
}

func TestTransportRejectsReplayedPacket(t *testing.T) {
	alice, bob := newSymmetricTransports(t)
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 5, Timestamp: 1, SSRC: 1},
		Payload: []byte("x"),
	}
	wire, err := alice.EncodeRTP(pkt)
	require.NoError(t, err)

	_, err = bob.DecodeRTP(wire)
	require.NoError(t, err)

	_, err = bob.DecodeRTP(wire)
	require.Error(t, err, "duplicate packet index must be rejected")
}

func TestTransportRoundTripsRTCPPacketWithExplicitIndex(t *testing.T) {
	alice, bob := newSymmetricTransports(t)

	wire, err := alice.EncodeRTCP([]byte("sender report payload"), 0xCAFEBABE, 42)
	require.NoError(t, err)

	got, err := bob.DecodeRTCP(wire, 0xCAFEBABE)
	require.NoError(t, err)
	require.Equal(t, []byte("sender report payload"), got)
}

func TestTransportRejectsTamperedRTCPIndexField(t *testing.T) {
	alice, bob := newSymmetricTransports(t)

	wire, err := alice.EncodeRTCP([]byte("payload"), 9, 1)
	require.NoError(t, err)

	// Flip a bit inside the appended explicit index field (the 4 bytes
	// just before the 10-byte auth tag) rather than the ciphertext itself.
	wire[len(wire)-10-1] ^= 0xFF

	_, err = bob.DecodeRTCP(wire, 9)
	require.Error(t, err, "tampered explicit index field must fail authentication")
}

func TestTransportRejectsTamperedCiphertext(t *testing.T) {
	alice, bob := newSymmetricTransports(t)
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 7, Timestamp: 1, SSRC: 2},
		Payload: []byte("payload-data"),
	}
	wire, err := alice.EncodeRTP(pkt)
	require.NoError(t, err)
	wire[len(wire)-1] ^= 0xFF

	_, err = bob.DecodeRTP(wire)
	require.Error(t, err, "tampered ciphertext must fail authentication")
}
