package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ScriptSmith/hadrian-sub007/bridge"
	"github.com/ScriptSmith/hadrian-sub007/engine"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run code once and exit",
	Long: `Execute code on the selected engine.

Code can be provided via:
  - File argument: execbridge run query.sql -e sql --db-url ...
  - Inline flag:   execbridge run -c '1 + 2'
  - Stdin:         echo '1 + 2' | execbridge run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	runCmd.Flags().Duration("timeout", 30*time.Second, "Execution deadline")
	runCmd.Flags().Bool("interrupt", false, "Interrupt the engine when the deadline passes")
	runCmd.Flags().StringSlice("resource", nil, "Register resource name=path before running (repeatable)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	source, err := readSource(cmd, args)
	if err != nil {
		return err
	}

	b, err := newBridge(cmd)
	if err != nil {
		return err
	}
	defer b.Terminate()

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		defer b.OnStatusChange(printStatus)()
	}

	specs, _ := cmd.Flags().GetStringSlice("resource")
	if err := registerResources(cmd, b, specs); err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	opts := []bridge.CallOption{bridge.WithTimeout(timeout)}
	if interrupt, _ := cmd.Flags().GetBool("interrupt"); interrupt {
		opts = append(opts, bridge.WithInterrupt())
	}

	result, err := b.Execute(cmd.Context(), source, opts...)
	if err != nil {
		return err
	}
	printResult(result)
	if !result.Success {
		os.Exit(1)
	}
	return nil
}

func readSource(cmd *cobra.Command, args []string) (string, error) {
	if code, _ := cmd.Flags().GetString("code"); code != "" {
		return code, nil
	}
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("read source file: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no code provided: pass a file, -c, or stdin")
	}
	return string(data), nil
}

func printResult(result engine.ExecutionResult) {
	fmt.Print(result.Stdout)
	fmt.Fprint(os.Stderr, result.Stderr)
	if !result.Success {
		fmt.Fprintf(os.Stderr, "error: %s\n", result.Error)
		return
	}
	if result.Output != nil {
		out, err := json.MarshalIndent(result.Output, "", "  ")
		if err != nil {
			fmt.Printf("%v\n", result.Output)
			return
		}
		fmt.Printf("%s\n", out)
	}
}

func printStatus(s bridge.Status, msg string) {
	if msg != "" {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", s, msg)
		return
	}
	fmt.Fprintf(os.Stderr, "[%s]\n", s)
}
