package reliable

// mtu is the path MTU this engine assumes for congestion-window sizing,
// matching RFC 4960 §7.2.1's recommended conservative default when PMTU
// discovery isn't performed.
const mtu = 1200

// congestionController tracks cwnd/ssthresh and applies the slow-start /
// congestion-avoidance update rules from RFC 4960 §7.2.
type congestionController struct {
	cwnd            uint32
	ssthresh        uint32
	partialBytesAcked uint32
}

func newCongestionController() *congestionController {
	return &congestionController{
		cwnd:     4 * mtu,
		ssthresh: 1 << 30,
	}
}

func (c *congestionController) inSlowStart() bool { return c.cwnd <= c.ssthresh }

// onAck applies the growth rule for ackedBytes newly acknowledged in one
// SACK: slow-start grows cwnd by min(ackedBytes, mtu) per RFC 4960
// §7.2.1; congestion avoidance accumulates acked bytes and grows cwnd by
// one mtu once the accumulator reaches cwnd, per §7.2.2.
func (c *congestionController) onAck(ackedBytes uint32) {
	if c.inSlowStart() {
		growth := ackedBytes
		if growth > mtu {
			growth = mtu
		}
		c.cwnd += growth
		return
	}
	c.partialBytesAcked += ackedBytes
	if c.partialBytesAcked >= c.cwnd {
		c.partialBytesAcked -= c.cwnd
		c.cwnd += mtu
	}
}

// onLoss applies RFC 4960 §7.2.3's retransmission-timeout reaction:
// ssthresh drops to max(cwnd/2, 4*mtu) and cwnd resets to 1 mtu.
func (c *congestionController) onLoss() {
	half := c.cwnd / 2
	if half < 4*mtu {
		half = 4 * mtu
	}
	c.ssthresh = half
	c.cwnd = mtu
	c.partialBytesAcked = 0
}

// onFastRetransmit applies the more lenient fast-retransmit reaction of
// RFC 4960 §7.2.4 rather than a full RTO expiry: ssthresh drops the same
// way but cwnd follows ssthresh rather than collapsing to 1 mtu.
// Association does no missing-report counting, so nothing calls it.
func (c *congestionController) onFastRetransmit() {
	half := c.cwnd / 2
	if half < 4*mtu {
		half = 4 * mtu
	}
	c.ssthresh = half
	c.cwnd = c.ssthresh
	c.partialBytesAcked = 0
}
