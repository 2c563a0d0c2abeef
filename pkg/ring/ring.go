// Package ring implements consistent hashing with virtual nodes. Each
// physical node owns a fixed number of positions on a 64-bit ring and a key
// is served by the distinct owners found walking clockwise from the key's
// position.
package ring

import (
    "sort"
    "strconv"
    "sync"

    "github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring positions per physical node.
const DefaultVirtualNodes = 16

// Hash maps s onto the ring's key space.
func Hash(s string) uint64 { return xxhash.Sum64String(s) }

func vnodeKey(nodeID string, i int) string { return nodeID + "-vnode-" + strconv.Itoa(i) }

// Ring is safe for concurrent use. Lookups take a read lock only.
type Ring struct {
    mu     sync.RWMutex
    vnodes int
    // sorted positions
    hashes []uint64
    owners map[uint64]string
    // positions per node, always vnodes of them
    nodes map[string][]uint64
}

// New creates an empty ring with vnodes positions per node (DefaultVirtualNodes when <= 0).
func New(vnodes int) *Ring {
    if vnodes <= 0 { vnodes = DefaultVirtualNodes }
    return &Ring{vnodes: vnodes, owners: make(map[uint64]string), nodes: make(map[string][]uint64)}
}

func (r *Ring) VirtualNodes() int { return r.vnodes }

// AddNode places nodeID on the ring. It returns false if the node is already present.
func (r *Ring) AddNode(nodeID string) bool {
    r.mu.Lock(); defer r.mu.Unlock()
    if _, ok := r.nodes[nodeID]; ok { return false }
    placed := make([]uint64, 0, r.vnodes)
    for i := 0; i < r.vnodes; i++ {
        h := Hash(vnodeKey(nodeID, i))
        // a taken position is re-hashed under a suffixed label
        for n := 1; r.taken(h); n++ { h = Hash(vnodeKey(nodeID, i) + "-" + strconv.Itoa(n)) }
        r.owners[h] = nodeID
        placed = append(placed, h)
    }
    r.nodes[nodeID] = placed
    r.hashes = append(r.hashes, placed...)
    sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
    return true
}

func (r *Ring) taken(h uint64) bool {
    _, ok := r.owners[h]
    return ok
}

// RemoveNode deletes all positions owned by nodeID. It returns false if the
// node was not on the ring.
func (r *Ring) RemoveNode(nodeID string) bool {
    r.mu.Lock(); defer r.mu.Unlock()
    placed, ok := r.nodes[nodeID]
    if !ok { return false }
    for _, h := range placed { delete(r.owners, h) }
    delete(r.nodes, nodeID)
    kept := r.hashes[:0]
    for _, h := range r.hashes {
        if _, ok := r.owners[h]; ok { kept = append(kept, h) }
    }
    r.hashes = kept
    return true
}

// NodesForKey returns up to count distinct node IDs responsible for key, in
// clockwise order starting at the first position at or after Hash(key). Fewer
// than count are returned only when the ring holds fewer physical nodes.
func (r *Ring) NodesForKey(key string, count int) []string {
    r.mu.RLock(); defer r.mu.RUnlock()
    if count <= 0 || len(r.hashes) == 0 { return nil }
    if count > len(r.nodes) { count = len(r.nodes) }
    h := Hash(key)
    start := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
    out := make([]string, 0, count)
    seen := make(map[string]struct{}, count)
    for i := 0; i < len(r.hashes) && len(out) < count; i++ {
        id := r.owners[r.hashes[(start+i)%len(r.hashes)]]
        if _, dup := seen[id]; dup { continue }
        seen[id] = struct{}{}
        out = append(out, id)
    }
    return out
}

// Owner returns the primary node for key.
func (r *Ring) Owner(key string) (string, bool) {
    ids := r.NodesForKey(key, 1)
    if len(ids) == 0 { return "", false }
    return ids[0], true
}

func (r *Ring) Has(nodeID string) bool {
    r.mu.RLock(); defer r.mu.RUnlock()
    _, ok := r.nodes[nodeID]
    return ok
}

// Nodes returns the physical nodes on the ring, sorted.
func (r *Ring) Nodes() []string {
    r.mu.RLock(); defer r.mu.RUnlock()
    out := make([]string, 0, len(r.nodes))
    for id := range r.nodes { out = append(out, id) }
    sort.Strings(out)
    return out
}

// Len returns the number of physical nodes.
func (r *Ring) Len() int {
    r.mu.RLock(); defer r.mu.RUnlock()
    return len(r.nodes)
}
