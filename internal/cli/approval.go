package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewApprovalCmd создаёт группу команд для approval gate.
func NewApprovalCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "List and decide approval gates",
	}

	cmd.AddCommand(
		newApprovalListCmd(clientFn, outputFn),
		newDecisionCmd("approve", "Approve a pending stage", clientFn, outputFn),
		newDecisionCmd("reject", "Reject a pending stage", clientFn, outputFn),
	)

	return cmd
}

func newApprovalListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			approvals, err := clientFn().ListApprovals(status)
			if err != nil {
				return err
			}

			headers := []string{"EXECUTION_ID", "STAGE", "STATUS", "APPROVERS", "ACTOR", "EXPIRES"}
			rows := make([][]string, len(approvals))
			for i, a := range approvals {
				rows[i] = []string{a.ExecutionID, a.StageName, a.Status, strings.Join(a.Approvers, ","), a.Actor, a.ExpiresAt}
			}

			out.Print(headers, rows, approvals)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "PENDING", "Filter by status (PENDING, APPROVED, REJECTED, EXPIRED, empty = all)")

	return cmd
}

func newDecisionCmd(decision, short string, clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   decision + " EXECUTION_ID STAGE",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			a, err := clientFn().Decide(args[0], DecisionRequest{
				StageName: args[1],
				Decision:  decision,
				Comment:   comment,
			})
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(a)
				return nil
			}
			out.Success(fmt.Sprintf("Stage %s of %s: %s by %s", a.StageName, a.ExecutionID, a.Status, a.Actor))
			return nil
		},
	}

	cmd.Flags().StringVarP(&comment, "comment", "m", "", "Comment for the decision")

	return cmd
}
