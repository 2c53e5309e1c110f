package ice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SilvaMendes/rtcengine/entropy"
	"github.com/SilvaMendes/rtcengine/ice/candidate"
)

func newTestAgent(t *testing.T, role Role, ufrag, pwd string) *Agent {
	t.Helper()
	return NewAgent(role,
		WithCredentials(ufrag, pwd),
		WithEntropy(entropy.NewMathSource()),
		WithRetransmission(10*time.Millisecond, 3),
		WithConsentFreshness(50*time.Millisecond, 3),
	)
}

func TestAgentFormsPairsOnCandidateExchange(t *testing.T) {
	a := newTestAgent(t, RoleControlling, "lfrag", "lpwd")
	local := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.1", 5000)
	a.AddLocalCandidate(local)
	require.Empty(t, a.pairs)

	remote := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.2", 5000)
	a.AddRemoteCandidate(remote)
	require.Len(t, a.pairs, 1)
	require.Equal(t, candidate.PairWaiting, a.pairs[0].State)
}

// drive pumps transmits from src to dst's HandleInbound until src has
// nothing left to send, returning the number of datagrams relayed.
func drive(t *testing.T, now time.Time, src, dst *Agent, srcLocal, dstLocal *candidate.Candidate) int {
	t.Helper()
	n := 0
	for {
		tr, ok := src.PollTransmit(now)
		if !ok {
			break
		}
		n++
		require.NoError(t, dst.HandleInbound(now, dstLocal, srcLocal, tr.Data))
	}
	return n
}

func TestAgentFullHandshakeNominatesPair(t *testing.T) {
	controlling := newTestAgent(t, RoleControlling, "cfrag", "cpwd")
	controlled := newTestAgent(t, RoleControlled, "sfrag", "spwd")
	controlling.SetRemoteCredentials("sfrag", "spwd")
	controlled.SetRemoteCredentials("cfrag", "cpwd")

	cLocal := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.1", 5000)
	sLocal := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.2", 5000)

	controlling.AddLocalCandidate(cLocal)
	controlled.AddLocalCandidate(sLocal)
	controlling.AddRemoteCandidate(sLocal)
	controlled.AddRemoteCandidate(cLocal)

	now := time.Unix(0, 0)
	for i := 0; i < 8 && controlling.NominatedPair() == nil; i++ {
		now = now.Add(60 * time.Millisecond)
		drive(t, now, controlling, controlled, cLocal, sLocal)
		drive(t, now, controlled, controlling, sLocal, cLocal)
	}

	require.NotNil(t, controlling.NominatedPair(), "controlling agent should nominate a pair")
	require.Equal(t, StateCompleted, controlling.State())
}

func TestAgentRestartClearsState(t *testing.T) {
	a := newTestAgent(t, RoleControlling, "lfrag", "lpwd")
	local := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.1", 5000)
	remote := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.2", 5000)
	a.AddLocalCandidate(local)
	a.AddRemoteCandidate(remote)
	require.NotEmpty(t, a.pairs)

	a.Restart("newfrag", "newpwd")
	require.Empty(t, a.pairs)
	require.Equal(t, StateNew, a.State())
	ufrag, pwd := a.LocalCredentials()
	require.Equal(t, "newfrag", ufrag)
	require.Equal(t, "newpwd", pwd)
}

func TestPairPriorityRoleDependence(t *testing.T) {
	controlling := newTestAgent(t, RoleControlling, "a", "b")
	local := candidate.New(candidate.TypeHost, candidate.TransportUDP, 65535, 1, "10.0.0.1", 5000)
	remote := candidate.New(candidate.TypeRelay, candidate.TransportUDP, 65535, 1, "10.0.0.2", 5000)
	controlling.AddLocalCandidate(local)
	controlling.AddRemoteCandidate(remote)
	require.Len(t, controlling.pairs, 1)
	require.Equal(t, candidate.PairPriority(local.Priority, remote.Priority), controlling.pairs[0].Priority)
}
