// Command taskboard runs the task lifecycle controller and administers
// workspaces from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string

	// remote, when set, sends commands to a running server instead of
	// opening the store locally.
	remote string
	token  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "taskboard",
		Short:         "Task lifecycle controller for chat workspaces",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (.toml, .yaml); defaults to ./taskboard.toml when present")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.remote, "remote", "", "WebSocket URL of a running server, e.g. ws://127.0.0.1:8750/rpc")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token for --remote; defaults to the gateway token from credentials")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newSurfaceCmd(opts))
	root.AddCommand(newCreateCmd(opts))
	root.AddCommand(newTransitionCmd(opts, "claim", "Claim an open task", "task.claim"))
	root.AddCommand(newTransitionCmd(opts, "complete", "Complete an in-progress task", "task.complete"))
	root.AddCommand(newDiscardCmd(opts))
	root.AddCommand(newShowCmd(opts))
	root.AddCommand(newTasksCmd(opts))
	root.AddCommand(newResyncCmd(opts))
	root.AddCommand(newSetupCmd(opts))
	root.AddCommand(newRoutesCmd(opts))
	root.AddCommand(newTeardownCmd(opts))

	return root
}
