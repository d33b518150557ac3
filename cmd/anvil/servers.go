package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/anvil/internal/storage"
	"github.com/michaelbrown/anvil/internal/supervisor"
)

var (
	addIDFlag       string
	addNameFlag     string
	addDescFlag     string
	addCommandFlag  string
	addArgsFlag     []string
	addEnvFlag      []string
	addWorkdirFlag  string
	addDisabledFlag bool
	addNoAutoFlag   bool
	addIntervalFlag int
	importFileFlag  string
)

var serversCmd = &cobra.Command{
	Use:     "servers",
	Aliases: []string{"server"},
	Short:   "Manage tool server configurations and processes",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tool servers",
	RunE:  runServersList,
}

var serversAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new tool server",
	Long: `Register a new tool server.

Examples:
  anvil servers add --name billing --command ./bin/anvil-tool-billing --arg ./bill.json
  anvil servers add --name files --command python3 --arg tool_server.py --env API_KEY=xyz`,
	RunE: runServersAdd,
}

var serversShowCmd = &cobra.Command{
	Use:   "show <server-id>",
	Short: "Show a server's configuration and status",
	Args:  cobra.ExactArgs(1),
	RunE:  runServersShow,
}

var serversRemoveCmd = &cobra.Command{
	Use:     "remove <server-id>",
	Aliases: []string{"rm"},
	Short:   "Stop and remove a tool server",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiDo("DELETE", "/api/servers/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Println("Server removed.")
		return nil
	},
}

var serversStartCmd = &cobra.Command{
	Use:   "start <server-id>",
	Short: "Start a tool server process",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunner("start"),
}

var serversStopCmd = &cobra.Command{
	Use:   "stop <server-id>",
	Short: "Stop a tool server process",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunner("stop"),
}

var serversRestartCmd = &cobra.Command{
	Use:   "restart <server-id>",
	Short: "Restart a tool server process",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleRunner("restart"),
}

var serversStartAllCmd = &cobra.Command{
	Use:   "start-all",
	Short: "Start every enabled server with auto_start set",
	RunE: func(cmd *cobra.Command, args []string) error {
		var states map[string]supervisor.ProcessState
		if err := apiDo("POST", "/api/servers/start-all", nil, &states); err != nil {
			return err
		}
		printStates(states)
		return nil
	},
}

var serversStopAllCmd = &cobra.Command{
	Use:   "stop-all",
	Short: "Stop every running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var states map[string]supervisor.ProcessState
		if err := apiDo("POST", "/api/servers/stop-all", nil, &states); err != nil {
			return err
		}
		printStates(states)
		return nil
	},
}

var serversImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Register servers from a YAML definition file",
	Args:  cobra.ExactArgs(1),
	RunE:  runServersImport,
}

var serversExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print all server definitions as YAML",
	RunE:  runServersExport,
}

func init() {
	rootCmd.AddCommand(serversCmd)
	serversCmd.AddCommand(serversListCmd, serversAddCmd, serversShowCmd, serversRemoveCmd,
		serversStartCmd, serversStopCmd, serversRestartCmd,
		serversStartAllCmd, serversStopAllCmd, serversImportCmd, serversExportCmd)

	serversAddCmd.Flags().StringVar(&addIDFlag, "id", "", "Server id (generated when omitted)")
	serversAddCmd.Flags().StringVar(&addNameFlag, "name", "", "Human-readable name")
	serversAddCmd.Flags().StringVar(&addDescFlag, "description", "", "Description")
	serversAddCmd.Flags().StringVar(&addCommandFlag, "command", "", "Executable to spawn (required)")
	serversAddCmd.Flags().StringArrayVar(&addArgsFlag, "arg", nil, "Command argument (repeatable, ordered)")
	serversAddCmd.Flags().StringArrayVar(&addEnvFlag, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	serversAddCmd.Flags().StringVar(&addWorkdirFlag, "workdir", "", "Working directory")
	serversAddCmd.Flags().BoolVar(&addDisabledFlag, "disabled", false, "Register disabled")
	serversAddCmd.Flags().BoolVar(&addNoAutoFlag, "no-auto-start", false, "Do not start on registration or daemon boot")
	serversAddCmd.Flags().IntVar(&addIntervalFlag, "interval", 30, "Health check interval in seconds")
	serversAddCmd.MarkFlagRequired("command")
}

func lifecycleRunner(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var state supervisor.ProcessState
		path := "/api/servers/" + url.PathEscape(args[0]) + "/" + action
		if err := apiDo("POST", path, nil, &state); err != nil {
			return err
		}
		printState(state)
		return nil
	}
}

func runServersList(cmd *cobra.Command, args []string) error {
	var servers []storage.Server
	if err := apiDo("GET", "/api/servers", nil, &servers); err != nil {
		return err
	}

	if len(servers) == 0 {
		fmt.Println("No servers registered.")
		return nil
	}

	fmt.Printf("%-24s %-20s %-9s %-8s %s\n", "ID", "NAME", "STATUS", "PID", "COMMAND")
	fmt.Println(strings.Repeat("─", 90))
	for _, s := range servers {
		id := s.ID
		if len(id) > 22 {
			id = id[:22] + ".."
		}
		name := s.Name
		if len(name) > 18 {
			name = name[:18] + ".."
		}
		pid := "-"
		if s.ProcessID != 0 {
			pid = fmt.Sprintf("%d", s.ProcessID)
		}
		fmt.Printf("%-24s %-20s %-9s %-8s %s\n", id, name, s.Status, pid,
			strings.Join(append([]string{s.Command}, s.Arguments...), " "))
	}
	return nil
}

func runServersAdd(cmd *cobra.Command, args []string) error {
	env := make(map[string]string, len(addEnvFlag))
	for _, kv := range addEnvFlag {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}

	req := storage.Server{
		ID:                  addIDFlag,
		Name:                addNameFlag,
		Description:         addDescFlag,
		Command:             addCommandFlag,
		Arguments:           addArgsFlag,
		Environment:         env,
		WorkingDir:          addWorkdirFlag,
		Enabled:             !addDisabledFlag,
		AutoStart:           !addNoAutoFlag,
		HealthCheckInterval: addIntervalFlag,
	}

	var srv storage.Server
	if err := apiDo("POST", "/api/servers", req, &srv); err != nil {
		return err
	}
	fmt.Printf("Registered %s (%s), status: %s\n", srv.ID, srv.Name, srv.Status)
	return nil
}

func runServersShow(cmd *cobra.Command, args []string) error {
	var srv storage.Server
	if err := apiDo("GET", "/api/servers/"+url.PathEscape(args[0]), nil, &srv); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", srv.ID)
	fmt.Printf("Name:        %s\n", srv.Name)
	if srv.Description != "" {
		fmt.Printf("Description: %s\n", srv.Description)
	}
	fmt.Printf("Command:     %s\n", strings.Join(append([]string{srv.Command}, srv.Arguments...), " "))
	if srv.WorkingDir != "" {
		fmt.Printf("Workdir:     %s\n", srv.WorkingDir)
	}
	for k, v := range srv.Environment {
		fmt.Printf("Env:         %s=%s\n", k, v)
	}
	fmt.Printf("Enabled:     %v\n", srv.Enabled)
	fmt.Printf("Auto-start:  %v\n", srv.AutoStart)
	fmt.Printf("Interval:    %ds\n", srv.HealthCheckInterval)
	fmt.Printf("Status:      %s\n", srv.Status)
	if srv.ProcessID != 0 {
		fmt.Printf("PID:         %d\n", srv.ProcessID)
	}
	if srv.LastError != "" {
		fmt.Printf("Last error:  %s\n", srv.LastError)
	}
	return nil
}

func runServersImport(cmd *cobra.Command, args []string) error {
	// The daemon parses and registers so auto-start applies; the CLI
	// just relays the file.
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var result struct {
		Registered []string `json:"registered"`
	}
	if err := apiDo("POST", "/api/servers/import", map[string]string{"yaml": string(data)}, &result); err != nil {
		return err
	}
	fmt.Printf("Registered %d servers.\n", len(result.Registered))
	for _, id := range result.Registered {
		fmt.Println("  " + id)
	}
	return nil
}

func runServersExport(cmd *cobra.Command, args []string) error {
	base, err := apiBase()
	if err != nil {
		return err
	}
	return exportYAML(base, os.Stdout)
}

func printStates(states map[string]supervisor.ProcessState) {
	for _, st := range states {
		printState(st)
	}
}

func printState(st supervisor.ProcessState) {
	line := fmt.Sprintf("%s: %s", st.ServerID, st.Status)
	if st.PID != 0 {
		line += fmt.Sprintf(" (pid %d)", st.PID)
	}
	if st.LastError != "" {
		line += " - " + st.LastError
	}
	fmt.Println(line)
}
