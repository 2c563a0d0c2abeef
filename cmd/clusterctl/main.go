package main

import (
    "log"

    "github.com/spf13/cobra"

    clustercli "github.com/amirimatin/go-storecluster/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "clusterctl",
        Short:         "go-storecluster node and data CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    // Attach all commands from pkg/cli for reuse in services
    clustercli.AddAll(root)
    return root
}
