// autoreload watches plugin directories and reloads plugins whose files
// changed.
//
// Commands:
//   - serve: run the detection worker and the control API
//   - status, enable, disable, interval, blacklist, history, watch:
//     drive a running instance over the control API
//   - token: issue an access token for the control API
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Global flag values shared across all commands.
var (
	flagConfig string
	flagServer string
	flagToken  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "autoreload",
		Short:         "Reload plugins automatically when their files change",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "config file (YAML)")
	pf.StringVar(&flagServer, "server", envOr("AUTORELOAD_SERVER", "http://127.0.0.1:8765"), "control API address (or AUTORELOAD_SERVER env)")
	pf.StringVar(&flagToken, "token", os.Getenv("AUTORELOAD_TOKEN"), "control API token (or AUTORELOAD_TOKEN env)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newEnableCmd())
	root.AddCommand(newDisableCmd())
	root.AddCommand(newIntervalCmd())
	root.AddCommand(newBlacklistCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newTokenCmd())

	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
