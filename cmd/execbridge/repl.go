package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ScriptSmith/hadrian-sub007/bridge"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive session against a single execution host",
	Long: `Start an interactive session. The execution host (and its engine) is
created on the first statement and lives until you exit.

Meta commands:
  \register name path    register a file as a resource
  \unregister name       remove a resource
  \describe name         show a resource's schema
  \resources             list registered resources
  \status                show bridge and host status
  \help                  show this help

Type 'exit' or press Ctrl+D to end the session.`,
}

func init() {
	replCmd.RunE = runRepl
	replCmd.Flags().String("history", "", "History file path (default: ~/.execbridge_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".execbridge_history")
	}

	b, err := newBridge(cmd)
	if err != nil {
		return err
	}
	defer b.Terminate()

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		defer b.OnStatusChange(printStatus)()
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      ">>> ",
		HistoryFile: historyFile,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil // EOF
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		case strings.HasPrefix(line, `\`):
			runMeta(cmd, b, line)
		default:
			result, err := b.Execute(cmd.Context(), line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			printResult(result)
		}
	}
}

func runMeta(cmd *cobra.Command, b *bridge.Bridge, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case `\register`:
		if len(fields) != 3 {
			fmt.Fprintln(os.Stderr, `usage: \register name path`)
			return
		}
		if err := registerResources(cmd, b, []string{fields[1] + "=" + fields[2]}); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		fmt.Printf("registered %s\n", fields[1])

	case `\unregister`:
		if len(fields) != 2 {
			fmt.Fprintln(os.Stderr, `usage: \unregister name`)
			return
		}
		if err := b.UnregisterResource(cmd.Context(), fields[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		fmt.Printf("unregistered %s\n", fields[1])

	case `\describe`:
		if len(fields) != 2 {
			fmt.Fprintln(os.Stderr, `usage: \describe name`)
			return
		}
		schema, err := b.DescribeResource(cmd.Context(), fields[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		fmt.Printf("%s (%s, %d bytes)\n", schema.Name, schema.Kind, schema.Size)
		for _, col := range schema.Columns {
			fmt.Printf("  %-24s %s\n", col.Name, col.Type)
		}

	case `\resources`:
		infos := b.ListResources()
		if len(infos) == 0 {
			fmt.Println("no resources registered")
			return
		}
		for _, info := range infos {
			fmt.Printf("  %-24s %-8s %d bytes\n", info.Name, info.Kind, info.Size)
		}

	case `\status`:
		fmt.Printf("bridge: %s\n", b.Status())
		if b.Status() == bridge.StatusReady {
			info, err := b.HostInfo(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return
			}
			fmt.Printf("engine: %s (%d resources)\n", info.Engine, info.Resources)
		}

	case `\help`:
		fmt.Println(replCmd.Long)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %s (try \\help)\n", fields[0])
	}
}
