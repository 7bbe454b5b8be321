package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaiso/Conveyor/internal/resources"
)

// NewResourcesCmd создаёт команды для Resource Declaration.
//
// Команды работают локально с файлом декларации, без API.
// Идентификаторы аккаунта читаются из окружения (AWS_ACCOUNT_ID, AWS_REGION, ...).
func NewResourcesCmd(outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "Validate the resource declaration",
	}

	cmd.AddCommand(
		newResourcesValidateCmd(outputFn),
		newResourcesOutputsCmd(outputFn),
	)

	return cmd
}

func loadDeclaration(file string) (*resources.Graph, error) {
	account := resources.AccountConfigFromEnv()
	if err := account.Validate(); err != nil {
		return nil, err
	}
	return resources.LoadFile(file, account)
}

func newResourcesValidateCmd(outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate -f FILE",
		Short: "Check the declaration graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadDeclaration(file)
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Declaration is valid: %d clusters, %d services, %d identity stores",
				len(g.Clusters), len(g.Services), len(g.IdentityStores)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Declaration file (YAML)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newResourcesOutputsCmd(outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "outputs -f FILE",
		Short: "Print identifiers available to templates as {{ .Resources.<Key> }}",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := loadDeclaration(file)
			if err != nil {
				return err
			}

			outputs := g.Outputs()
			keys := resources.OutputKeys(outputs)
			rows := make([][]string, len(keys))
			for i, k := range keys {
				rows[i] = []string{k, outputs[k]}
			}

			outputFn().Print([]string{"KEY", "VALUE"}, rows, outputs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Declaration file (YAML)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
