package main

import (
    "log"

    "github.com/spf13/cobra"

    ticketcli "github.com/amirimatin/go-ticketd/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "ticketd",
        Short:         "replicated ticket issuing daemon",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    ticketcli.AddAll(root)
    return root
}
