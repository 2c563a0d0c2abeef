// probewatch runs only the SWIM failure detector and prints what it
// observes, which helps checking probe ports and seeds before starting
// storage nodes with --swim-bind.
package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os/signal"
    "syscall"
    "time"

    "github.com/amirimatin/go-storecluster/pkg/discovery"
    "github.com/amirimatin/go-storecluster/pkg/membership"
    ml "github.com/amirimatin/go-storecluster/pkg/membership/memberlist"
)

func main() {
    var (
        id        = flag.String("id", "probe-1", "node id")
        bind      = flag.String("bind", ":7946", "bind host:port")
        advertise = flag.String("advertise", "", "advertise host:port (optional)")
        apiAddr   = flag.String("api", "", "cluster API address announced in metadata (optional)")
        joinCSV   = flag.String("join", "", "comma-separated SWIM seeds (host:port)")
    )
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()

    p, err := ml.New(ml.Options{NodeID: *id, Bind: *bind, Advertise: *advertise, APIAddr: *apiAddr, Logger: log.Default()})
    if err != nil { log.Fatal(err) }
    if err := p.Start(ctx); err != nil { log.Fatal(err) }
    if err := p.Join(discovery.SplitList(*joinCSV)); err != nil { log.Printf("join error: %v", err) }

    fmt.Printf("probewatch %s listening on %s. Press Ctrl+C to exit.\n", *id, p.LocalAddr())
    go func(evch <-chan membership.ProbeEvent) {
        for e := range evch {
            fmt.Printf("event: %-5s id=%s api=%s at=%s health=%d\n", e.Type, e.NodeID, e.APIAddr, e.At.Format(time.RFC3339), p.HealthScore())
        }
    }(p.Events())

    <-ctx.Done()
    _ = p.Leave()
    _ = p.Stop()
}
