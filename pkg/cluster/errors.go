package cluster

import "errors"

var (
    ErrNotStarted = errors.New("cluster: node not started")
    ErrClosed     = errors.New("cluster: node closed")
)
