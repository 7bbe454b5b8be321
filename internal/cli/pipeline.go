package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewPipelineCmd создаёт группу команд для управления pipelines.
func NewPipelineCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Manage pipelines",
	}

	cmd.AddCommand(
		newPipelineListCmd(clientFn, outputFn),
		newPipelineShowCmd(clientFn, outputFn),
		newPipelineCreateCmd(clientFn, outputFn),
	)

	return cmd
}

func newPipelineListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			pipelines, err := clientFn().ListPipelines()
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "VERSION", "STAGES", "CREATED"}
			rows := make([][]string, len(pipelines))
			for i, p := range pipelines {
				rows[i] = []string{p.ID, p.Name, strconv.Itoa(p.Version), strings.Join(p.Stages, " → "), p.CreatedAt}
			}

			out.Print(headers, rows, pipelines)
			return nil
		},
	}
}

func newPipelineShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "show PIPELINE_ID",
		Short: "Show pipeline definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			p, err := clientFn().GetPipeline(args[0], version)
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(p)
				return nil
			}

			out.Table(
				[]string{"FIELD", "VALUE"},
				[][]string{
					{"ID", p.ID},
					{"Name", p.Name},
					{"Version", strconv.Itoa(p.Version)},
					{"Concurrency", p.Concurrency},
					{"Created", p.CreatedAt},
				},
			)

			headers := []string{"#", "STAGE", "ACTIONS"}
			rows := make([][]string, len(p.Stages))
			for i, s := range p.Stages {
				rows[i] = []string{strconv.Itoa(i), fmt.Sprint(s["name"]), stageActions(s)}
			}
			fmt.Fprintln(out.w)
			out.Table(headers, rows)
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Pipeline version (default: latest)")

	return cmd
}

func newPipelineCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create -f FILE",
		Short: "Create a pipeline or publish a new version",
		Long:  "Creates a pipeline from a YAML or JSON definition. A definition with an existing name becomes its next version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			doc, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read definition: %w", err)
			}

			p, err := clientFn().SavePipeline(doc)
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(p)
				return nil
			}
			out.Success(fmt.Sprintf("Pipeline %s saved: id=%s version=%d", p.Name, p.ID, p.Version))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Definition file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// stageActions форматирует действия стадии как "Name(KIND), ...".
func stageActions(stage map[string]any) string {
	actions, _ := stage["actions"].([]any)
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%v(%v)", m["name"], m["kind"]))
	}
	return strings.Join(parts, ", ")
}
