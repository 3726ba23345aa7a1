// Command bankd runs one node of the banking engine: the entity regions,
// the command ingress, the transfer workflows and the billing machinery,
// on top of a SQLite journal and a NATS backbone.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Populated by the build via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "bankd",
		Short:         "Event-sourced core banking engine node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bankd %s (%s)\n", version, commit)
		},
	}
}
