package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// NewExecutionCmd создаёт группу команд для управления executions.
func NewExecutionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Manage executions",
	}

	cmd.AddCommand(
		newExecutionStartCmd(clientFn, outputFn),
		newExecutionStatusCmd(clientFn, outputFn),
		newExecutionListCmd(clientFn, outputFn),
		newExecutionCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newExecutionStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req StartExecutionRequest

	cmd := &cobra.Command{
		Use:   "start PIPELINE_ID",
		Short: "Start an execution manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			res, err := clientFn().StartExecution(args[0], req)
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(res)
				return nil
			}
			out.Success(fmt.Sprintf("Execution %s: %s", res.ExecutionID, res.State))
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Branch, "branch", "", "Branch (default: pipeline source branch)")
	cmd.Flags().StringVar(&req.Revision, "revision", "", "Commit to release (default: branch head)")
	cmd.Flags().StringVar(&req.IdempotencyKey, "idempotency-key", "", "Deduplication key")

	return cmd
}

func newExecutionStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var watch bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "status EXECUTION_ID",
		Short: "Show execution state and stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			for {
				exec, err := client.GetExecution(args[0])
				if err != nil {
					return err
				}

				if !watch || exec.FinishedAt != "" {
					printExecution(out, exec)
					return nil
				}
				out.Success(fmt.Sprintf("%s  %s", time.Now().Format(time.TimeOnly), exec.State))

				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the execution finishes")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Poll interval for --watch")

	return cmd
}

func printExecution(out *Output, exec *ExecutionResponse) {
	if out.jsonMode {
		out.JSON(exec)
		return
	}

	out.Table(
		[]string{"FIELD", "VALUE"},
		[][]string{
			{"ID", exec.ID},
			{"Pipeline", fmt.Sprintf("%s v%d", exec.PipelineName, exec.PipelineVersion)},
			{"State", exec.State},
			{"Error", exec.Error},
			{"Created", exec.CreatedAt},
			{"Finished", exec.FinishedAt},
		},
	)

	headers := []string{"#", "STAGE", "ACTION", "KIND", "STATUS", "DETAIL"}
	var rows [][]string
	for i, s := range exec.Stages {
		for _, a := range s.Actions {
			detail := a.Error
			if detail == "" && len(a.Outputs) > 0 {
				detail = formatOutputs(a.Outputs)
			}
			rows = append(rows, []string{strconv.Itoa(i), s.Name, a.Name, a.Kind, a.Status, detail})
		}
	}
	fmt.Fprintln(out.w)
	out.Table(headers, rows)
}

func newExecutionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListExecutionsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			execs, err := clientFn().ListExecutions(opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "PIPELINE_ID", "VERSION", "STATE", "REVISION", "CREATED"}
			rows := make([][]string, len(execs))
			for i, e := range execs {
				rows[i] = []string{e.ID, e.PipelineID, strconv.Itoa(e.PipelineVersion), e.State, e.Revision, e.CreatedAt}
			}

			out.Print(headers, rows, execs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.PipelineID, "pipeline-id", "", "Filter by pipeline ID")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (QUEUED, RUNNING, SUCCEEDED, FAILED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newExecutionCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel EXECUTION_ID",
		Short: "Cancel an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			exec, err := clientFn().CancelExecution(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(exec)
				return nil
			}
			out.Success(fmt.Sprintf("Execution %s: %s", exec.ID, exec.State))
			return nil
		},
	}
}
