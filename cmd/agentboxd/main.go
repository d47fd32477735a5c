// Command agentboxd is the host-side supervisor daemon: it mediates
// communication between developer containers and their host over a local
// control socket and a per-container SSH connection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentboxd",
		Short: "agentboxd mediates container/host communication over SSH",
		Long:  `agentboxd mediates container/host communication over SSH.`,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}
