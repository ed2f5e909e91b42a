package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/repo"
)

// NewJobCmd создаёт группу команд просмотра job records.
func NewJobCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect job records",
	}

	cmd.AddCommand(
		newJobListCmd(depsFn, outputFn),
		newJobShowCmd(depsFn, outputFn),
	)

	return cmd
}

func newJobListCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	var runID string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := repo.JobFilter{Status: domain.JobStatus(status), Limit: limit}
			if runID != "" {
				id, err := parseID(runID)
				if err != nil {
					return err
				}
				filter.RunID = &id
			}

			deps, err := depsFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			records, err := deps.Jobs.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}

			headers := []string{"ID", "TYPE", "STATUS", "ATTEMPT", "PROGRESS", "WALLET", "CREATED"}
			rows := make([][]string, len(records))
			for i, j := range records {
				rows[i] = []string{
					j.ID.String(),
					string(j.Type),
					string(j.Status),
					strconv.Itoa(j.Attempt),
					strconv.Itoa(j.Progress) + "%",
					formatUUIDPtr(j.WalletID),
					formatTime(j.CreatedAt),
				}
			}

			out.Print(headers, rows, records)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Filter by run ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (queued, running, succeeded, failed, dead)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")

	return cmd
}

func newJobShowCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a job record and its execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			deps, err := depsFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			j, err := deps.Jobs.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			exec, err := deps.Executions.GetByJobID(cmd.Context(), id)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return err
			}

			fields := [][2]string{
				{"ID", j.ID.String()},
				{"Type", string(j.Type)},
				{"Queue", j.Queue},
				{"Status", string(j.Status)},
				{"Attempt", strconv.Itoa(j.Attempt)},
				{"Progress", fmt.Sprintf("%d%% %s", j.Progress, j.ProgressMessage)},
				{"Campaign", formatUUIDPtr(j.CampaignID)},
				{"Run", formatUUIDPtr(j.RunID)},
				{"Wallet", formatUUIDPtr(j.WalletID)},
				{"Last signature", orDash(j.LastSignature)},
				{"Error", orDash(j.Error)},
				{"Created", formatTime(j.CreatedAt)},
				{"Started", formatTimePtr(j.StartedAt)},
				{"Finished", formatTimePtr(j.FinishedAt)},
			}
			if exec != nil {
				fields = append(fields,
					[2]string{"Execution", string(exec.Result)},
					[2]string{"Signature", exec.Signature},
					[2]string{"Amount", strconv.FormatUint(exec.AmountLamports, 10)},
				)
			}

			out.Fields(fields, struct {
				Job       *domain.JobRecord       `json:"job"`
				Execution *domain.ExecutionRecord `json:"execution,omitempty"`
			}{j, exec})
			return nil
		},
	}
}
