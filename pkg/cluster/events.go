package cluster

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/membership"
)

type EventType string

const (
    // EventMemberJoin: a node entered the ring (became HEALTHY).
    EventMemberJoin EventType = "member_join"
    // EventMemberLeave: a node announced LEAVING.
    EventMemberLeave EventType = "member_leave"
    // EventMemberFailed: a node was declared FAILED.
    EventMemberFailed EventType = "member_failed"
    // EventMemberSuspect: a node is suspected.
    EventMemberSuspect EventType = "member_suspect"
    // EventMemberUpdate covers every other transition (discovery, recovering).
    EventMemberUpdate EventType = "member_update"
)

// Event is an application-consumable event describing a membership change.
type Event struct {
    Type       EventType
    At         time.Time
    NodeID     string
    From       membership.Status
    To         membership.Status
    Generation uint64
}

func eventFor(t membership.Transition) Event {
    ev := Event{At: t.At, NodeID: t.NodeID, From: t.From, To: t.To, Generation: t.Generation}
    switch {
    case t.EntersRing():
        ev.Type = EventMemberJoin
    case t.To == membership.StatusLeaving:
        ev.Type = EventMemberLeave
    case t.To == membership.StatusFailed:
        ev.Type = EventMemberFailed
    case t.To == membership.StatusSuspected:
        ev.Type = EventMemberSuspect
    default:
        ev.Type = EventMemberUpdate
    }
    return ev
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done or the node stops. Events may be
// dropped if the consumer is too slow (best-effort delivery) to avoid
// back-pressuring the membership writer.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    if !c.eb.add(ch) {
        close(ch)
        return ch
    }
    go func() {
        select {
        case <-ctx.Done():
        case <-c.done:
        }
        c.eb.remove(ch)
    }()
    return ch
}

// internal event bus
type eventBus struct {
    mu     sync.Mutex
    subs   map[chan Event]struct{}
    closed bool
}

func (e *eventBus) add(ch chan Event) bool {
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.closed { return false }
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    return true
}

// remove unsubscribes and closes ch; safe to call more than once.
func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    defer e.mu.Unlock()
    if _, ok := e.subs[ch]; !ok { return }
    delete(e.subs, ch)
    close(ch)
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}

func (e *eventBus) close() {
    e.mu.Lock()
    defer e.mu.Unlock()
    e.closed = true
    for ch := range e.subs {
        delete(e.subs, ch)
        close(ch)
    }
}
