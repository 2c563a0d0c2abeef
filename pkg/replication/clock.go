package replication

import (
    "sync/atomic"
    "time"
)

// hybridClock stamps versions in wall-clock microseconds that never go
// backwards: a clock step back or two writes in the same microsecond still
// yield strictly increasing versions.
type hybridClock struct {
    last atomic.Uint64
}

func (h *hybridClock) next(now time.Time) uint64 {
    wall := uint64(now.UnixMicro())
    for {
        last := h.last.Load()
        v := max(wall, last+1)
        if h.last.CompareAndSwap(last, v) { return v }
    }
}

// witness moves the clock past a version seen from another coordinator so
// later local writes win over it.
func (h *hybridClock) witness(v uint64) {
    for {
        last := h.last.Load()
        if v <= last || h.last.CompareAndSwap(last, v) { return }
    }
}
