package membership

// HealthReporter is an optional interface for components able to report a
// node health score in the range 0..100, higher is healthier. The score is
// gossiped with the node's own record. A negative value means unavailable.
type HealthReporter interface {
    HealthScore() int
}

// HealthFunc adapts a function to HealthReporter.
type HealthFunc func() int

func (f HealthFunc) HealthScore() int { return f() }
