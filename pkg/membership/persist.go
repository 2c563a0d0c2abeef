package membership

import (
    "encoding/json"
    "fmt"
    "os"
    "path/filepath"
)

const snapshotVersion = 1

type snapshot struct {
    Version int         `json:"version"`
    Members []NodeState `json:"members"`
}

// EncodeView encodes the view as stable JSON (members sorted by ID).
func EncodeView(v View) ([]byte, error) {
    return json.Marshal(snapshot{Version: snapshotVersion, Members: v.List()})
}

// DecodeView decodes an EncodeView payload. Records with an empty ID are skipped.
func DecodeView(buf []byte) ([]NodeState, error) {
    var s snapshot
    if err := json.Unmarshal(buf, &s); err != nil { return nil, err }
    if s.Version != snapshotVersion {
        return nil, fmt.Errorf("membership: unsupported snapshot version %d", s.Version)
    }
    out := make([]NodeState, 0, len(s.Members))
    for _, st := range s.Members {
        if st.NodeID == "" || !st.Status.Valid() { continue }
        out = append(out, st)
    }
    return out, nil
}

// SaveFile writes the view to path atomically (temp file + rename).
func SaveFile(path string, v View) error {
    b, err := EncodeView(v)
    if err != nil { return err }
    if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { return err }
    tmp := path + ".tmp"
    if err := os.WriteFile(tmp, b, 0o644); err != nil { return err }
    return os.Rename(tmp, path)
}

// LoadFile reads a view saved by SaveFile. A missing file yields no members.
func LoadFile(path string) ([]NodeState, error) {
    b, err := os.ReadFile(path)
    if os.IsNotExist(err) { return nil, nil }
    if err != nil { return nil, err }
    return DecodeView(b)
}
