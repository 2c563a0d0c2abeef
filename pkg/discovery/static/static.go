// Package static serves a fixed seed list, typically from flags or config.
package static

import (
    "context"

    "github.com/amirimatin/go-storecluster/pkg/discovery"
)

type seeds []string

func (s seeds) Seeds(context.Context) ([]string, error) { return append([]string(nil), s...), nil }

// New returns a Discovery that always answers with the given addresses.
func New(addrs ...string) discovery.Discovery { return seeds(discovery.Normalize(addrs)) }

// Parse converts a comma separated list into a seed Discovery.
func Parse(csv string) discovery.Discovery { return New(discovery.SplitList(csv)...) }
