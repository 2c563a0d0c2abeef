// Package discovery provides seed addresses: ClusterAPI endpoints a node
// contacts while it knows no live peer yet.
package discovery

import (
    "context"
    "errors"
    "sort"
    "strings"
)

// Discovery returns the current seed addresses (host:port).
type Discovery interface {
    Seeds(ctx context.Context) ([]string, error)
}

// Func adapts a function to Discovery.
type Func func(ctx context.Context) ([]string, error)

func (f Func) Seeds(ctx context.Context) ([]string, error) { return f(ctx) }

// SplitList splits a comma or whitespace separated list.
func SplitList(s string) []string {
    return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
}

// Normalize trims entries, drops empty ones, removes duplicates and sorts.
func Normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    for _, s := range in {
        if s = strings.TrimSpace(s); s != "" { set[s] = struct{}{} }
    }
    if len(set) == 0 { return nil }
    out := make([]string, 0, len(set))
    for s := range set { out = append(out, s) }
    sort.Strings(out)
    return out
}

// Union merges the seeds of several sources. Sources that fail are reported
// in the returned error while the seeds of the others are still returned.
func Union(sources ...Discovery) Discovery {
    return Func(func(ctx context.Context) ([]string, error) {
        var all []string
        var errs []error
        for _, src := range sources {
            if src == nil { continue }
            seeds, err := src.Seeds(ctx)
            if err != nil { errs = append(errs, err) }
            all = append(all, seeds...)
        }
        return Normalize(all), errors.Join(errs...)
    })
}
