// Conveyor CLI — инструмент командной строки для управления
// pipelines, executions и approvals через HTTP API.
//
// Использование:
//
//	conveyor [--api-url URL] [--actor NAME | --token ID_TOKEN] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	pipeline   Управление pipelines
//	execution  Запуск, статус и отмена executions
//	approval   Решения по approval gate
//	resources  Проверка Resource Declaration (локально)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/cli"
	"github.com/shaiso/Conveyor/internal/config"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var (
		apiURL     string
		actor      string
		token      string
		jsonOutput bool
	)

	rootCmd := &cobra.Command{
		Use:           "conveyor",
		Short:         "Conveyor CLI — release pipeline orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&apiURL, "api-url", config.String("CONVEYOR_API_URL", "http://localhost:8080"), "API server URL")
	flags.StringVar(&actor, "actor", config.String("CONVEYOR_ACTOR", os.Getenv("USER")), "Actor identity (dev auth mode)")
	flags.StringVar(&token, "token", config.String("CONVEYOR_TOKEN", ""), "OIDC ID token (oidc auth mode)")
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client {
		return cli.NewClient(cli.ClientConfig{BaseURL: apiURL, Actor: actor, Token: token})
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewPipelineCmd(clientFn, outputFn),
		cli.NewExecutionCmd(clientFn, outputFn),
		cli.NewApprovalCmd(clientFn, outputFn),
		cli.NewResourcesCmd(outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
