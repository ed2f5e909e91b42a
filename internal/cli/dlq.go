package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/mq"
)

// NewDLQCmd создаёт группу команд dead-letter очереди.
func NewDLQCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
	}

	cmd.AddCommand(
		newDLQListCmd(depsFn, outputFn),
		newDLQReplayCmd(depsFn, outputFn),
	)

	return cmd
}

func newDLQListCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs without removing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := depsFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			letters, err := deps.DLQ.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			headers := []string{"JOB", "TYPE", "QUEUE", "ATTEMPT", "REASON", "DEAD_AT"}
			rows := make([][]string, len(letters))
			for i, dl := range letters {
				job, typ, attempt := "-", "-", "-"
				if dl.Message != nil {
					job = dl.Message.JobID.String()
					typ = string(dl.Message.Type)
					attempt = fmt.Sprint(dl.Message.Attempt)
				}
				rows[i] = []string{job, typ, orDash(string(dl.OriginalQueue)), attempt, dl.Reason, formatTime(dl.DeadAt)}
			}

			out.Print(headers, rows, letters)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of messages to inspect")

	return cmd
}

func newDLQReplayCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	var jobIDs []string
	var jobType string
	var all bool
	var limit int

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-enqueue dead-lettered jobs to their original queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(jobIDs) == 0 && jobType == "" {
				return errors.New("specify --job, --type or --all")
			}

			ids := make(map[uuid.UUID]struct{}, len(jobIDs))
			for _, s := range jobIDs {
				id, err := parseID(s)
				if err != nil {
					return err
				}
				ids[id] = struct{}{}
			}

			deps, err := depsFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			filter := func(msg *mq.Message) bool {
				if len(ids) > 0 {
					if _, ok := ids[msg.JobID]; !ok {
						return false
					}
				}
				return jobType == "" || string(msg.Type) == jobType
			}

			ctx := cmd.Context()
			replayed, err := deps.DLQ.Replay(ctx, limit, func(dl mq.DeadLetter) bool {
				if !filter(dl.Message) {
					return false
				}
				if rerr := resetJob(ctx, deps.Jobs, dl.Message.JobID); rerr != nil {
					out.Warn(fmt.Sprintf("job %s skipped: %v", dl.Message.JobID, rerr))
					return false
				}
				return true
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Replayed %d job(s)", len(replayed)))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&jobIDs, "job", nil, "Job record ID to replay (repeatable)")
	cmd.Flags().StringVar(&jobType, "type", "", "Replay only jobs of this type")
	cmd.Flags().BoolVar(&all, "all", false, "Replay every inspected message")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of messages to inspect")

	return cmd
}

// resetJob возвращает dead/failed record в queued: иначе worker примет
// переизданное сообщение за дубликат завершённого job.
func resetJob(ctx context.Context, store JobStore, id uuid.UUID) error {
	rec, err := store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	switch rec.Status {
	case domain.JobStatusDead, domain.JobStatusFailed:
	default:
		return fmt.Errorf("job is %s", rec.Status)
	}
	rec.ResetForRetry("replayed from dead-letter queue")
	return store.UpdateJob(ctx, rec)
}
