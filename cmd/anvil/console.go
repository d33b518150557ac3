package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/anvil/internal/catalog"
	"github.com/michaelbrown/anvil/internal/storage"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive tool console",
	Long: `Open an interactive console against a running daemon. Tool calls are
dispatched through the same catalog and audit path an agent would use.

Commands inside the console:
  tools                     show the current catalog
  call <tool> {json args}   invoke a tool
  servers                   show server states
  quit`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().StringArrayVar(&toolServersFlag, "server", nil, "Bound server id (repeatable)")
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36manvil>\033[0m ",
		HistoryFile:     "/tmp/anvil_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("Anvil console. Type 'help' for commands.")

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("Goodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		fields := strings.Fields(input)
		switch fields[0] {
		case "quit", "exit", "q":
			fmt.Println("Goodbye!")
			return nil

		case "help":
			fmt.Println("Commands:")
			fmt.Println("  tools                     show the current catalog")
			fmt.Println("  call <tool> {json args}   invoke a tool")
			fmt.Println("  servers                   show server states")
			fmt.Println("  quit                      exit")

		case "tools":
			var cat catalog.Catalog
			if err := apiDo("GET", catalogPath(), nil, &cat); err != nil {
				fmt.Printf("\033[31merror: %s\033[0m\n", err)
				continue
			}
			if len(cat.Entries) == 0 {
				fmt.Println("No tools available.")
				continue
			}
			for _, d := range cat.Entries {
				fmt.Printf("  %-28s [%s]  %s\n", d.Name, d.Owner.String(), d.Description)
			}

		case "servers":
			var servers []storage.Server
			if err := apiDo("GET", "/api/servers", nil, &servers); err != nil {
				fmt.Printf("\033[31merror: %s\033[0m\n", err)
				continue
			}
			for _, srv := range servers {
				fmt.Printf("  %-24s %-9s %s\n", srv.ID, srv.Status, srv.Name)
			}

		case "call":
			if len(fields) < 2 {
				fmt.Println("usage: call <tool> {json args}")
				continue
			}
			rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), "call "+fields[1]))
			if rest == "" {
				rest = "{}"
			}
			var callArgs map[string]any
			if err := json.Unmarshal([]byte(rest), &callArgs); err != nil {
				fmt.Printf("\033[31minvalid JSON args: %s\033[0m\n", err)
				continue
			}
			req := map[string]any{"name": fields[1], "arguments": callArgs, "servers": toolServersFlag}
			var rec storage.InvocationRecord
			if err := apiDo("POST", "/api/tools/call", req, &rec); err != nil {
				fmt.Printf("\033[31merror: %s\033[0m\n", err)
				continue
			}
			printRecord(&rec)

		default:
			fmt.Printf("unknown command %q, try 'help'\n", fields[0])
		}
	}
}
