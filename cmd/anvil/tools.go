package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/anvil/internal/catalog"
	"github.com/michaelbrown/anvil/internal/storage"
)

var (
	toolServersFlag []string
	toolArgsFlag    string
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect and call tools through the daemon",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the tool catalog for a set of servers",
	Long: `Show the tool catalog the daemon would offer an agent bound to the
given servers. With no --server flags the fallback tool set is shown.

Examples:
  anvil tools list
  anvil tools list --server billing --server files`,
	RunE: runToolsList,
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <tool-name>",
	Short: "Invoke a tool and print its audit record",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsCall,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsListCmd, toolsCallCmd)

	toolsCmd.PersistentFlags().StringArrayVar(&toolServersFlag, "server", nil, "Bound server id (repeatable)")
	toolsCallCmd.Flags().StringVar(&toolArgsFlag, "args", "{}", "Tool arguments as a JSON object")
}

func catalogPath() string {
	path := "/api/tools"
	if len(toolServersFlag) > 0 {
		path += "?servers=" + url.QueryEscape(strings.Join(toolServersFlag, ","))
	}
	return path
}

func runToolsList(cmd *cobra.Command, args []string) error {
	var cat catalog.Catalog
	if err := apiDo("GET", catalogPath(), nil, &cat); err != nil {
		return err
	}

	if len(cat.Entries) == 0 {
		fmt.Println("No tools available.")
		return nil
	}

	for _, d := range cat.Entries {
		fmt.Printf("%-28s [%s]  %s\n", d.Name, d.Owner.String(), d.Description)
	}
	return nil
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	var toolArgs map[string]any
	if err := json.Unmarshal([]byte(toolArgsFlag), &toolArgs); err != nil {
		return fmt.Errorf("parsing --args: %w", err)
	}

	req := map[string]any{
		"name":      args[0],
		"arguments": toolArgs,
		"servers":   toolServersFlag,
	}
	var rec storage.InvocationRecord
	if err := apiDo("POST", "/api/tools/call", req, &rec); err != nil {
		return err
	}

	printRecord(&rec)
	return nil
}

func printRecord(rec *storage.InvocationRecord) {
	status := "ok"
	if !rec.Success {
		status = "FAILED"
	}
	fmt.Printf("[%s] %s via %s in %s\n", status, rec.ToolName, rec.Owner, rec.Duration)
	fmt.Println(rec.Response)
}
