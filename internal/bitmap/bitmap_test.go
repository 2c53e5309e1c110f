package bitmap

import "testing"

import "github.com/stretchr/testify/require"

func TestWindowReplayBoundary(t *testing.T) {
	w := New(64)

	require.True(t, w.Check(1000))
	w.Accept(1000)

	hw, have := w.HighWater()
	require.True(t, have)
	require.EqualValues(t, 1000, hw)

	t.Run("index 935 is one below the boundary and rejected", func(t *testing.T) {
		require.False(t, w.Check(935))
	})

	t.Run("index 936 is inside the window and accepted", func(t *testing.T) {
		require.True(t, w.Check(936))
		w.Accept(936)
		require.True(t, w.bitSet(936))
	})

	t.Run("index 936 again is a duplicate and rejected", func(t *testing.T) {
		require.False(t, w.Check(936))
	})
}

func TestWindowSequenceWrap(t *testing.T) {
	w := New(64)
	order := []uint64{65534, 65535, 65536, 65537} // 65536+seq encodes ROC=1 wrap at seq 0,1
	for _, idx := range order {
		require.True(t, w.Check(idx))
		w.Accept(idx)
	}
	hw, _ := w.HighWater()
	require.EqualValues(t, 65537, hw)
}

func TestWindowFirstPacketAlwaysAccepted(t *testing.T) {
	w := New(64)
	require.True(t, w.Check(0))
}
