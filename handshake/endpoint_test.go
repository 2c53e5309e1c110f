package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SilvaMendes/rtcengine/entropy"
)

func newTestEndpoint(t *testing.T, role Role) *Endpoint {
	t.Helper()
	return NewEndpoint(role,
		WithEntropySource(entropy.NewMathSource()),
		WithHandshakeRetransmission(10*time.Millisecond, 100*time.Millisecond),
	)
}

func driveHandshake(t *testing.T, now time.Time, src, dst *Endpoint) int {
	t.Helper()
	n := 0
	for {
		rec, ok := src.PollTransmit(now)
		if !ok {
			break
		}
		n++
		require.NoError(t, dst.HandleInbound(now, rec))
	}
	return n
}

func TestEndpointFullHandshakeReachesOpen(t *testing.T) {
	client := newTestEndpoint(t, RoleClient)
	server := newTestEndpoint(t, RoleServer)

	now := time.Unix(0, 0)
	require.NoError(t, client.Start(now))

	for i := 0; i < 10 && (client.State() != StateOpen || server.State() != StateOpen); i++ {
		now = now.Add(20 * time.Millisecond)
		driveHandshake(t, now, client, server)
		driveHandshake(t, now, server, client)
	}

	require.Equal(t, StateOpen, client.State())
	require.Equal(t, StateOpen, server.State())
}

func TestEndpointExportsMatchingKeyingMaterial(t *testing.T) {
	client := newTestEndpoint(t, RoleClient)
	server := newTestEndpoint(t, RoleServer)

	now := time.Unix(0, 0)
	require.NoError(t, client.Start(now))
	for i := 0; i < 10 && (client.State() != StateOpen || server.State() != StateOpen); i++ {
		now = now.Add(20 * time.Millisecond)
		driveHandshake(t, now, client, server)
		driveHandshake(t, now, server, client)
	}
	require.Equal(t, StateOpen, client.State())
	require.Equal(t, StateOpen, server.State())

	clientKeys, err := client.ExportKeyingMaterial()
	require.NoError(t, err)
	serverKeys, err := server.ExportKeyingMaterial()
	require.NoError(t, err)
	require.Equal(t, clientKeys, serverKeys, "both sides must derive identical SRTP keying material")
	require.Len(t, clientKeys, 60)
}

func TestEndpointRejectsDataBeforeOpen(t *testing.T) {
	server := newTestEndpoint(t, RoleServer)
	h := recordHeader{Type: ContentApplicationData, Epoch: 0, Sequence: 0, Length: 0}
	rec := append(encodeRecordHeader(h))
	err := server.HandleInbound(time.Unix(0, 0), rec)
	require.Error(t, err)
}
