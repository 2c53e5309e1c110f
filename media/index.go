// Package media implements the SRTP-shaped media transport: packet-index
// tracking (rollover counter plus 16-bit sequence number), the replay
// window, and AES-CM+HMAC-SHA1 / AEAD-AES-GCM cipher contexts. Once a
// sending context has processed 2^31 packets, Transport.EncodeRTP counts a
// rekeyNeeded statistic; keys are replaced only when the caller invokes
// Transport.Rekey.
package media

// rolloverThreshold is the distance (in sequence-number space) used to
// decide whether an inbound sequence number looks like it rolled the ROC
// forward or is merely an old, out-of-order packet from before the last
// rollover — the "minimize distance to the last-seen index" heuristic
// a replay window needs.
const rolloverThreshold = 1 << 15 // half the 16-bit sequence space

// rocEstimator tracks one SSRC's rollover counter and estimates the ROC
// for each inbound sequence number per RFC 3711 §3.3.1's algorithm.
type rocEstimator struct {
	haveSeen  bool
	roc       uint32
	highSeq   uint16
}

// Estimate returns the packet index (2^16*ROC + seq) a newly-arrived
// sequence number should be treated as having, without committing to it
// (see Commit). The very first packet from a source seeds the estimator
// rather than running the distance heuristic, since there is no prior
// high sequence number to compare against.
//
// Distances are computed in modular 16-bit space (RFC 3711 §3.3.1's
// guess_index), not by subtracting the uint32-widened sequence numbers:
// widening before subtracting wraps at 2^32 instead of 2^16, so e.g.
// uint32(65534)-uint32(65535) comes out as 0xFFFFFFFF — far past
// rolloverThreshold — instead of the actual distance of 1.
func (r *rocEstimator) Estimate(seq uint16) uint64 {
	if !r.haveSeen {
		return uint64(seq)
	}
	roc := r.roc
	switch {
	case r.highSeq < 0x8000:
		if uint16(seq-r.highSeq) > rolloverThreshold && roc > 0 {
			// seq looks like it is from before a rollover that hasn't
			// happened yet relative to highSeq: treat as a late,
			// pre-rollover packet rather than rolling forward.
			roc--
		}
	default:
		if uint16(r.highSeq-0x8000) > seq {
			roc++
		}
	}
	return uint64(roc)<<16 | uint64(seq)
}

// Commit advances the estimator's state once a packet's index has been
// accepted by the replay window (never call this for a rejected/duplicate
// packet, or the estimator's notion of "highest seen" drifts backward).
func (r *rocEstimator) Commit(seq uint16, index uint64) {
	newROC := uint32(index >> 16)
	if !r.haveSeen {
		r.haveSeen = true
		r.roc = newROC
		r.highSeq = seq
		return
	}
	if index > uint64(r.roc)<<16|uint64(r.highSeq) {
		r.roc = newROC
		r.highSeq = seq
	}
}

// explicitIndexBits is the width of the SRTCP explicit packet index
// carried in every control packet (RFC 3711 §3.4): 1 bit E-flag + 31 bits
// of index, never estimated the way RTP's is.
const explicitIndexBits = 31

// ControlIndex packs an SRTCP packet index with its E (encrypted) flag.
func ControlIndex(index uint32, encrypted bool) uint32 {
	index &= (1 << explicitIndexBits) - 1
	if encrypted {
		index |= 1 << explicitIndexBits
	}
	return index
}

// rekeyThreshold is how close to 2^31 packets a context may process
// before the engine must signal that new keys are needed, per the
// rekeying invariant.
const rekeyThreshold = 1 << 31

// NeedsRekey reports whether packetsProcessed has reached the point at
// which this context's keys must be replaced before continuing.
func NeedsRekey(packetsProcessed uint64) bool {
	return packetsProcessed >= rekeyThreshold
}
