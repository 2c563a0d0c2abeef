// Package dns resolves seed addresses from SRV records or host names.
package dns

import (
    "context"
    "errors"
    "fmt"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/discovery"
)

const (
    DefaultPort    = 8080
    DefaultRefresh = 5 * time.Second
)

// Resolver is the subset of *net.Resolver used for lookups.
type Resolver interface {
    LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
    LookupHost(ctx context.Context, host string) ([]string, error)
}

// Options configures DNS discovery.
type Options struct {
    // Names are SRV names ("_storecluster._tcp.example.com"), host names
    // or literal host:port addresses.
    Names []string
    // Port is appended to addresses resolved from host names.
    Port int
    // Refresh is how long a successful answer is cached.
    Refresh  time.Duration
    Resolver Resolver
    Now      func() time.Time
}

// Source is a caching DNS Discovery. When a refresh fails completely the
// previous answer keeps being served along with the error.
type Source struct {
    opts  Options
    mu    sync.Mutex
    at    time.Time
    cache []string
}

func New(opts Options) *Source {
    if opts.Refresh <= 0 { opts.Refresh = DefaultRefresh }
    if opts.Port <= 0 { opts.Port = DefaultPort }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Now == nil { opts.Now = time.Now }
    return &Source{opts: opts}
}

func (s *Source) Seeds(ctx context.Context) ([]string, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    now := s.opts.Now()
    if s.cache != nil && now.Sub(s.at) < s.opts.Refresh { return append([]string(nil), s.cache...), nil }

    seeds, err := s.resolve(ctx)
    if len(seeds) == 0 && err != nil { return append([]string(nil), s.cache...), err }
    s.cache, s.at = seeds, now
    return append([]string(nil), seeds...), err
}

func (s *Source) resolve(ctx context.Context) ([]string, error) {
    var out []string
    var errs []error
    for _, name := range s.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
            continue
        case isSRV(name):
            addrs, err := s.lookupSRV(ctx, name)
            if err != nil { errs = append(errs, err) }
            out = append(out, addrs...)
        case hasPort(name):
            out = append(out, name)
        default:
            addrs, err := s.lookupHost(ctx, name)
            if err != nil { errs = append(errs, err) }
            out = append(out, addrs...)
        }
    }
    return discovery.Normalize(out), errors.Join(errs...)
}

func (s *Source) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
    svc, proto, domain := parseSRVName(fqdn)
    _, recs, err := s.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil, fmt.Errorf("dns: SRV %s: %w", fqdn, err) }
    out := make([]string, 0, len(recs))
    for _, r := range recs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port))))
    }
    return out, nil
}

func (s *Source) lookupHost(ctx context.Context, host string) ([]string, error) {
    ips, err := s.opts.Resolver.LookupHost(ctx, host)
    if err != nil { return nil, fmt.Errorf("dns: host %s: %w", host, err) }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(s.opts.Port))) }
    return out, nil
}

func isSRV(name string) bool {
    svc, proto, domain := parseSRVName(name)
    return svc != "" && proto != "" && domain != ""
}

func hasPort(name string) bool {
    _, port, err := net.SplitHostPort(name)
    return err == nil && port != ""
}

// parseSRVName splits "_service._proto.name".
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") { return "", "", "" }
    return parts[0][1:], parts[1][1:], parts[2]
}
