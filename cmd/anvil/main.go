package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var addrFlag string

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - tool server manager for conversational agents",
	Long: `Anvil supervises external tool server processes and exposes their
tools to conversational agents over a single catalog.

The serve command runs the daemon; the servers, tools, and console
commands talk to a running daemon's management API.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Base URL of a running daemon (default http://localhost:<config port>)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
