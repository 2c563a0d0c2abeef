package transport

import (
    "errors"
    "fmt"
    "net/http"
    "strings"

    "github.com/amirimatin/go-storecluster/pkg/membership"
    "github.com/amirimatin/go-storecluster/pkg/storage"
)

var (
    // ErrStaleEpoch is returned by a replica that has already seen a higher
    // generation from the same coordinator lineage. It is not retryable.
    ErrStaleEpoch = errors.New("replication: stale epoch")
    // ErrNoQuorum is a definite write failure: fewer than W replicas acked
    // before the deadline.
    ErrNoQuorum = errors.New("replication: write quorum not reached")
    // ErrInvalid marks requests rejected before any work was done.
    ErrInvalid = errors.New("transport: invalid request")
)

// Wire error codes.
const (
    CodeStaleEpoch  = "stale_epoch"
    CodeNoQuorum    = "no_quorum"
    CodeNotFound    = "not_found"
    CodeUnavailable = "unavailable"
    CodeInvalid     = "invalid"
)

// CodeOf maps an error to its wire code, "" for generic errors.
func CodeOf(err error) string {
    switch {
    case err == nil:
        return ""
    case errors.Is(err, ErrStaleEpoch):
        return CodeStaleEpoch
    case errors.Is(err, ErrNoQuorum):
        return CodeNoQuorum
    case errors.Is(err, storage.ErrNotFound):
        return CodeNotFound
    case errors.Is(err, storage.ErrUnavailable):
        return CodeUnavailable
    case errors.Is(err, ErrInvalid), errors.Is(err, membership.ErrMalformedDigest):
        return CodeInvalid
    }
    return ""
}

// ErrorFromCode rebuilds an error received over the wire so that errors.Is
// works against the sentinels on the calling side.
func ErrorFromCode(code, msg string) error {
    var base error
    switch code {
    case CodeStaleEpoch:
        base = ErrStaleEpoch
    case CodeNoQuorum:
        base = ErrNoQuorum
    case CodeNotFound:
        base = storage.ErrNotFound
    case CodeUnavailable:
        base = storage.ErrUnavailable
    case CodeInvalid:
        base = ErrInvalid
    default:
        if msg == "" { msg = "remote error" }
        return errors.New(msg)
    }
    msg = strings.TrimPrefix(strings.TrimPrefix(msg, base.Error()), ": ")
    if msg == "" { return base }
    return fmt.Errorf("%w: %s", base, msg)
}

// HTTPStatus is the HTTP status used for err.
func HTTPStatus(err error) int {
    switch CodeOf(err) {
    case CodeStaleEpoch:
        return http.StatusConflict
    case CodeNoQuorum, CodeUnavailable:
        return http.StatusServiceUnavailable
    case CodeNotFound:
        return http.StatusNotFound
    case CodeInvalid:
        return http.StatusBadRequest
    }
    return http.StatusInternalServerError
}

// ErrorBody is the JSON error payload of the HTTP binding.
type ErrorBody struct {
    Error string `json:"error"`
    Code  string `json:"code,omitempty"`
}
