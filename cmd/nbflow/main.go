// nbflow — инструмент командной строки для управления DAG и runs
// через HTTP API.
//
// Использование:
//
//	nbflow [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	dag  Просмотр, запуск и пауза DAG
//	run  Просмотр и отмена runs
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/nbflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("NBFLOW_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd := &cobra.Command{
		Use:           "nbflow",
		Short:         "nbflow CLI — notebook pipeline orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL (env NBFLOW_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewDAGCmd(clientFn, outputFn),
		cli.NewRunCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
