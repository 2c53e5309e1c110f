package media

import "testing"

import "github.com/stretchr/testify/require"

func TestRocEstimatorFirstPacketSeedsWithoutEstimating(t *testing.T) {
	var r rocEstimator
	idx := r.Estimate(1000)
	require.EqualValues(t, 1000, idx)
	r.Commit(1000, idx)
	require.True(t, r.haveSeen)
	require.EqualValues(t, 0, r.roc)
}

func TestRocEstimatorRollsForwardPastWrap(t *testing.T) {
	var r rocEstimator
	idx := r.Estimate(65530)
	r.Commit(65530, idx)

	idx2 := r.Estimate(10) // wrapped past 65535 back to a low sequence number
	r.Commit(10, idx2)

	require.EqualValues(t, 1, idx2>>16)
}

func TestRocEstimatorAdvancesExactlyOnceAcrossWrapBoundary(t *testing.T) {
	var r rocEstimator
	seqs := []uint16{65534, 65535, 0, 1}
	var lastROC uint64
	for _, seq := range seqs {
		idx := r.Estimate(seq)
		require.GreaterOrEqualf(t, idx, lastROC<<16, "sequence %d produced an index that went backward", seq)
		r.Commit(seq, idx)
		lastROC = idx >> 16
	}
	require.EqualValues(t, 1, lastROC)
}

func TestNeedsRekeyThreshold(t *testing.T) {
	require.False(t, NeedsRekey(rekeyThreshold-1))
	require.True(t, NeedsRekey(rekeyThreshold))
}

func TestControlIndexEncryptedFlag(t *testing.T) {
	idx := ControlIndex(42, true)
	require.NotZero(t, idx&(1<<explicitIndexBits))
	idx2 := ControlIndex(42, false)
	require.Zero(t, idx2&(1<<explicitIndexBits))
}
