package gossip

import (
    "math"
    "time"
)

// arrivalAlpha weights the newest heartbeat interval in the moving mean.
const arrivalAlpha = 0.2

// arrivals estimates the mean heartbeat inter-arrival time of one node.
type arrivals struct {
    mean time.Duration
}

func (a *arrivals) observe(interval time.Duration) {
    if interval <= 0 { return }
    if a.mean == 0 {
        a.mean = interval
        return
    }
    a.mean = time.Duration(arrivalAlpha*float64(interval) + (1-arrivalAlpha)*float64(a.mean))
}

// phi is the accrual suspicion level after elapsed silence, assuming
// exponentially distributed inter-arrival times with the given mean:
// -log10(P(no heartbeat for elapsed)) = elapsed/mean * log10(e).
func phi(elapsed, mean time.Duration) float64 {
    if elapsed <= 0 || mean <= 0 { return 0 }
    return float64(elapsed) / float64(mean) * math.Log10E
}
