package reliable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SilvaMendes/rtcengine/entropy"
)

func newTestAssociation(t *testing.T, role Role) *Association {
	t.Helper()
	return NewAssociation(role,
		WithAssocEntropy(entropy.NewMathSource()),
		WithAssocRTO(10*time.Millisecond, 5*time.Millisecond, 50*time.Millisecond),
		WithHeartbeat(time.Hour, 3),
	)
}

func driveAssociation(t *testing.T, now time.Time, src, dst *Association) int {
	t.Helper()
	n := 0
	for {
		pkt, ok := src.PollTransmit(now)
		if !ok {
			break
		}
		n++
		require.NoError(t, dst.HandleInbound(now, pkt))
	}
	return n
}

func establishedPair(t *testing.T) (*Association, *Association) {
	t.Helper()
	client := newTestAssociation(t, RoleActive)
	server := newTestAssociation(t, RolePassive)

	now := time.Unix(0, 0)
	require.NoError(t, client.Associate(now))

	for i := 0; i < 10 && (client.State() != StateEstablished || server.State() != StateEstablished); i++ {
		now = now.Add(30 * time.Millisecond)
		driveAssociation(t, now, client, server)
		driveAssociation(t, now, server, client)
	}
	require.Equal(t, StateEstablished, client.State())
	require.Equal(t, StateEstablished, server.State())
	return client, server
}

func TestAssociationFourWayHandshakeEstablishes(t *testing.T) {
	establishedPair(t)
}

func TestAssociationDeliversOrderedMessage(t *testing.T) {
	client, server := establishedPair(t)
	now := time.Unix(1, 0)

	require.NoError(t, client.Send(now, 0, 51, []byte("hello"), true))

	for i := 0; i < 5; i++ {
		now = now.Add(30 * time.Millisecond)
		driveAssociation(t, now, client, server)
		driveAssociation(t, now, server, client)
	}

	msg, ok := server.PollMessage()
	require.True(t, ok)
	require.Equal(t, []byte("hello"), msg.Payload)
	require.Equal(t, uint32(51), msg.PPID)
}

func TestDCEPOpenAckBindsStreamLabelOnBothSides(t *testing.T) {
	client, server := establishedPair(t)
	now := time.Unix(1, 0)

	require.NoError(t, client.OpenStream(now, 0, "chat", "", true))

	for i := 0; i < 5; i++ {
		now = now.Add(30 * time.Millisecond)
		driveAssociation(t, now, client, server)
		driveAssociation(t, now, server, client)
	}

	serverID, serverLabel, ok := server.PollStreamOpened()
	require.True(t, ok)
	require.Equal(t, uint16(0), serverID)
	require.Equal(t, "chat", serverLabel)

	clientID, clientLabel, ok := client.PollStreamOpened()
	require.True(t, ok)
	require.Equal(t, uint16(0), clientID)
	require.Equal(t, "chat", clientLabel)

	label, ok := server.StreamLabel(0)
	require.True(t, ok)
	require.Equal(t, "chat", label)
}

func TestDCEPOpenedStreamCarriesApplicationMessages(t *testing.T) {
	client, server := establishedPair(t)
	now := time.Unix(1, 0)

	require.NoError(t, client.OpenStream(now, 3, "chat", "", true))
	for i := 0; i < 5; i++ {
		now = now.Add(30 * time.Millisecond)
		driveAssociation(t, now, client, server)
		driveAssociation(t, now, server, client)
	}
	_, _, ok := server.PollStreamOpened()
	require.True(t, ok)
	_, _, ok = client.PollStreamOpened()
	require.True(t, ok)

	require.NoError(t, client.Send(now, 3, 51, []byte("hi"), true))
	for i := 0; i < 5; i++ {
		now = now.Add(30 * time.Millisecond)
		driveAssociation(t, now, client, server)
		driveAssociation(t, now, server, client)
	}

	msg, ok := server.PollMessage()
	require.True(t, ok)
	require.Equal(t, []byte("hi"), msg.Payload)
	label, ok := server.StreamLabel(3)
	require.True(t, ok)
	require.Equal(t, "chat", label)
}

func TestDCEPOpenRejectsDuplicateStream(t *testing.T) {
	client, _ := establishedPair(t)
	now := time.Unix(1, 0)
	require.NoError(t, client.OpenStream(now, 0, "chat", "", true))
	require.Error(t, client.OpenStream(now, 0, "chat-again", "", true))
}

func TestDCEPEncodeDecodeOpenRoundTrips(t *testing.T) {
	raw := encodeDCEPOpen("chat", "", true)
	label, protocol, ordered, err := decodeDCEPOpen(raw)
	require.NoError(t, err)
	require.Equal(t, "chat", label)
	require.Equal(t, "", protocol)
	require.True(t, ordered)
}

func TestCongestionControllerSlowStartGrowth(t *testing.T) {
	cc := newCongestionController()
	initial := cc.cwnd
	cc.onAck(mtu)
	require.Greater(t, cc.cwnd, initial)
	require.True(t, cc.inSlowStart())
}

func TestCongestionControllerLossHalvesWindow(t *testing.T) {
	cc := newCongestionController()
	cc.cwnd = 20 * mtu
	cc.onLoss()
	require.Equal(t, uint32(mtu), cc.cwnd)
	require.Equal(t, uint32(10*mtu), cc.ssthresh)
}
