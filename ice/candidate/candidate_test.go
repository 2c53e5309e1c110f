package candidate

import "testing"

import "github.com/stretchr/testify/require"

func TestPairPriorityMatchesSpecFormula(t *testing.T) {
	// RFC 8445 worked example: controlling G=126..., controlled D=...
	g := Priority(TypeHost, 65535, 1)
	d := Priority(TypeServerReflexive, 65535, 1)

	got := PairPriority(g, d)

	min, max := uint64(d), uint64(g)
	if g < d {
		min, max = uint64(g), uint64(d)
	}
	want := 2*min + 2*max + 1 // g > d since host type pref (126) beats srflx (100)
	require.Equal(t, want, got)
}

func TestPairPriorityIsOrderDependentOnRole(t *testing.T) {
	hostPriority := Priority(TypeHost, 65535, 1)
	relayPriority := Priority(TypeRelay, 65535, 1)

	asControlling := PairPriority(hostPriority, relayPriority)
	asControlled := PairPriority(relayPriority, hostPriority)

	require.NotEqual(t, asControlling, asControlled, "swapping which side is G changes the tie-break bit")
}

func TestTypePreferenceOrdering(t *testing.T) {
	require.Greater(t, TypeHost.typePreference(), TypePeerReflexive.typePreference())
	require.Greater(t, TypePeerReflexive.typePreference(), TypeServerReflexive.typePreference())
	require.Greater(t, TypeServerReflexive.typePreference(), TypeRelay.typePreference())
}

func TestCompatibleTransportPairing(t *testing.T) {
	udpLocal := New(TypeHost, TransportUDP, 65535, 1, "10.0.0.1", 5000)
	udpRemote := New(TypeHost, TransportUDP, 65535, 1, "10.0.0.2", 5000)
	require.True(t, Compatible(udpLocal, udpRemote))

	tcpActive := New(TypeHost, TransportTCPActive, 65535, 1, "10.0.0.1", 9)
	tcpPassive := New(TypeHost, TransportTCPPassive, 65535, 1, "10.0.0.2", 5000)
	require.True(t, Compatible(tcpActive, tcpPassive))
	require.True(t, Compatible(tcpPassive, tcpActive))

	tcpActive2 := New(TypeHost, TransportTCPActive, 65535, 1, "10.0.0.2", 9)
	require.False(t, Compatible(tcpActive, tcpActive2), "active-active must be rejected")

	require.False(t, Compatible(udpLocal, tcpActive), "mixed transport families never pair")
}

func TestNewPairStartsFrozen(t *testing.T) {
	local := New(TypeHost, TransportUDP, 65535, 1, "10.0.0.1", 5000)
	remote := New(TypeHost, TransportUDP, 65535, 1, "10.0.0.2", 5000)
	p := NewPair(local, remote, true)
	require.Equal(t, PairFrozen, p.State)
	require.False(t, p.Nominated)
}
