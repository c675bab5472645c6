package main

import (
    "github.com/spf13/cobra"

    "github.com/amirimatin/go-flowcluster/internal/logutil"
    "github.com/amirimatin/go-flowcluster/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        logutil.New().Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "flowctl",
        Short:         "workflow engine cluster coordination CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    cli.AddAll(root)
    return root
}
