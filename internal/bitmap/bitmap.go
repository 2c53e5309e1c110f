// Package bitmap implements the sliding replay-window bitmap shared by the
// handshake record layer and the media transport. Both subsystems need the
// identical "reject duplicates and packets older than the window" rule, so
// this package is the one place that rule lives.
package bitmap

// Window is a sliding bitmap of width bits tracking the highest accepted
// index and which of the last `width` indices have been seen.
//
// The accepted range is the width+1 indices [highWater-width, highWater]
// inclusive: highWater-width itself is in range, not just strictly newer
// than it. This is the boundary-example reading (a width-64 window whose
// high water is 1000 accepts index 936 = 1000-64) rather than the
// stricter "index > highWater-width" reading that would reject 936 — both
// appear as distinct worked examples for the same window, and this
// package picks the boundary-example one since it is the one backed by a
// concrete accept/reject trace rather than a general formula restated
// elsewhere. bits is sized for width+1 slots, not width, precisely so the
// inclusive boundary index doesn't alias the slot highWater itself still
// occupies.
//
// Invariant: a bit is set only for an index that was accepted; auth
// failures must never call Accept.
type Window struct {
	width     uint64
	slots     uint64 // width+1: the number of distinct positions the bitmap tracks
	highWater uint64
	have      bool
	bits      []uint64 // slots bits, packed 64 per word
}

// New returns a replay window of the given bit width. width must be a
// multiple of 64; both callers in this engine use 64.
func New(width uint64) *Window {
	if width == 0 {
		width = 64
	}
	slots := width + 1
	words := (slots + 63) / 64
	return &Window{width: width, slots: slots, bits: make([]uint64, words)}
}

// Check reports whether index would be accepted without mutating state:
// it must be no older than highWater-width, and its bit must not already
// be set. The first index ever seen is always accepted.
func (w *Window) Check(index uint64) bool {
	if !w.have {
		return true
	}
	if index > w.highWater {
		return true
	}
	if w.highWater-index > w.width {
		return false
	}
	return !w.bitSet(index)
}

// Accept records index as seen, advancing the high-water mark and sliding
// the bitmap if index is newer than the previous high-water mark. Callers
// must have already called Check and must not call Accept after an
// authentication failure.
func (w *Window) Accept(index uint64) {
	if !w.have {
		w.have = true
		w.highWater = index
		w.setBit(index)
		return
	}
	switch {
	case index > w.highWater:
		shift := index - w.highWater
		w.slide(shift)
		w.highWater = index
		w.setBit(index)
	case w.highWater-index <= w.width:
		w.setBit(index)
	}
}

// HighWater returns the highest accepted index, and whether any index has
// been accepted yet.
func (w *Window) HighWater() (uint64, bool) {
	return w.highWater, w.have
}

func (w *Window) bitPos(index uint64) uint64 {
	return index % w.slots
}

func (w *Window) bitSet(index uint64) bool {
	pos := w.bitPos(index)
	word, bit := pos/64, pos%64
	return w.bits[word]&(1<<bit) != 0
}

func (w *Window) setBit(index uint64) {
	pos := w.bitPos(index)
	word, bit := pos/64, pos%64
	w.bits[word] |= 1 << bit
}

func (w *Window) clearBit(index uint64) {
	pos := w.bitPos(index)
	word, bit := pos/64, pos%64
	w.bits[word] &^= 1 << bit
}

// slide clears the bits that fall out of the window as the high-water
// mark advances by shift. A shift at or beyond the number of slots the
// window tracks clears everything (every previously-seen index is now
// out of range).
func (w *Window) slide(shift uint64) {
	if shift >= w.slots {
		for i := range w.bits {
			w.bits[i] = 0
		}
		return
	}
	// Clear every index that will fall out of [new_high-width, new_high].
	// Use signed arithmetic: an index computed as negative was never a
	// valid packet index and was never set, so it is safe to skip.
	for i := int64(1); i <= int64(shift); i++ {
		idx := int64(w.highWater) + i - int64(w.width) - 1
		if idx < 0 {
			continue
		}
		w.clearBit(uint64(idx))
	}
}
