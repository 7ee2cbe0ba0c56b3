// Command sentryd is the CLI entrypoint: a thin cobra-based client for the
// daemon's IPC surface, plus a hidden "daemon" subcommand that runs the
// control plane itself in the foreground.
package main

import (
	"fmt"
	"os"

	"github.com/kalehq/sentryd/internal/ipc"
	"github.com/spf13/cobra"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:           "sentryd",
		Short:         "sentryd manages long-running application processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", ipc.DefaultSocketPath(), "path to the daemon's IPC socket")

	root.AddCommand(
		newInitCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newListCmd(),
		newDeleteCmd(),
		newDaemonCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	b, _ := jsonMarshalIndent(v)
	fmt.Println(string(b))
}
