// Package file reads seed addresses from files (one or more per line,
// '#' starts a comment) or from an environment variable.
package file

import (
    "bufio"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/discovery"
)

const DefaultRefresh = 5 * time.Second

// Options configures file discovery.
type Options struct {
    // Path is a file name or a glob; all matching files are merged.
    Path string
    // Env names a variable that, when set and non-empty, replaces the files.
    Env string
    // Refresh forces a re-read even when no modification time changed.
    Refresh time.Duration
    Now     func() time.Time
}

// Source re-reads its files when one of them changed or Refresh elapsed.
type Source struct {
    opts   Options
    mu     sync.Mutex
    at     time.Time
    mtimes map[string]time.Time
    cache  []string
}

func New(opts Options) *Source {
    if opts.Refresh <= 0 { opts.Refresh = DefaultRefresh }
    if opts.Now == nil { opts.Now = time.Now }
    return &Source{opts: opts}
}

func (s *Source) Seeds(context.Context) ([]string, error) {
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" { return discovery.Normalize(discovery.SplitList(v)), nil }
    }
    if s.opts.Path == "" { return nil, nil }

    s.mu.Lock()
    defer s.mu.Unlock()
    files, err := filepath.Glob(s.opts.Path)
    if err != nil { return nil, fmt.Errorf("file discovery: %w", err) }
    if len(files) == 0 { return append([]string(nil), s.cache...), fmt.Errorf("file discovery: no file matches %s", s.opts.Path) }

    now := s.opts.Now()
    mtimes := make(map[string]time.Time, len(files))
    for _, f := range files {
        if st, err := os.Stat(f); err == nil { mtimes[f] = st.ModTime() }
    }
    if s.mtimes != nil && now.Sub(s.at) < s.opts.Refresh && sameTimes(mtimes, s.mtimes) {
        return append([]string(nil), s.cache...), nil
    }

    var all []string
    for _, f := range files {
        seeds, err := readSeeds(f)
        if err != nil { return append([]string(nil), s.cache...), err }
        all = append(all, seeds...)
    }
    s.cache, s.at, s.mtimes = discovery.Normalize(all), now, mtimes
    return append([]string(nil), s.cache...), nil
}

func sameTimes(a, b map[string]time.Time) bool {
    if len(a) != len(b) { return false }
    for k, v := range a {
        if w, ok := b[k]; !ok || !w.Equal(v) { return false }
    }
    return true
}

func readSeeds(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, fmt.Errorf("file discovery: %w", err) }
    defer f.Close()
    var out []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line, _, _ := strings.Cut(sc.Text(), "#")
        out = append(out, discovery.SplitList(line)...)
    }
    if err := sc.Err(); err != nil { return nil, fmt.Errorf("file discovery: read %s: %w", path, err) }
    return out, nil
}
