package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Tradeflow/internal/campaign"
	"github.com/shaiso/Tradeflow/internal/domain"
)

// DepsFunc лениво создаёт зависимости команд.
type DepsFunc func(ctx context.Context) (*Deps, error)

// NewCampaignCmd создаёт группу команд жизненного цикла кампаний.
func NewCampaignCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Manage campaigns",
	}

	cmd.AddCommand(
		newCampaignListCmd(depsFn, outputFn),
		newCampaignShowCmd(depsFn, outputFn),
		newLifecycleCmd(depsFn, outputFn, "activate", "Activate a draft campaign and start a run", Lifecycle.Activate),
		newLifecycleCmd(depsFn, outputFn, "pause", "Pause an active campaign", Lifecycle.Pause),
		newLifecycleCmd(depsFn, outputFn, "resume", "Resume a paused campaign", Lifecycle.Resume),
		newLifecycleCmd(depsFn, outputFn, "stop", "Stop a campaign and sweep its wallets", Lifecycle.Stop),
		newCampaignForceCmd(depsFn, outputFn),
	)

	return cmd
}

func newCampaignListCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.CampaignStatus(status)
			if status != "" && !st.Valid() {
				return fmt.Errorf("invalid value for --status: %s", status)
			}

			deps, err := depsFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			campaigns, err := deps.Campaigns.List(cmd.Context(), st, limit)
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "STATUS", "TOKEN", "POOL", "UPDATED"}
			rows := make([][]string, len(campaigns))
			for i, c := range campaigns {
				rows[i] = []string{c.ID.String(), c.Name, string(c.Status), c.TokenMint, orDash(c.PoolLabel), formatTime(c.UpdatedAt)}
			}

			out.Print(headers, rows, campaigns)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (draft, active, paused, stopped)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")

	return cmd
}

func newCampaignShowCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show campaign details and its runs",
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

			c, err := deps.Campaigns.GetCampaign(cmd.Context(), id)
			if err != nil {
				return err
			}
			runs, err := deps.Runs.ListByCampaign(cmd.Context(), id)
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(struct {
					Campaign *domain.Campaign `json:"campaign"`
					Runs     []domain.Run     `json:"runs"`
				}{c, runs})
				return nil
			}

			out.Fields([][2]string{
				{"ID", c.ID.String()},
				{"Name", c.Name},
				{"Status", string(c.Status)},
				{"Token", c.TokenMint},
				{"Pool", orDash(c.PoolID)},
				{"DEX", orDash(c.PoolLabel)},
				{"Bundle mode", strconv.FormatBool(c.Params.BundleMode)},
				{"Max trades", strconv.Itoa(c.Params.MaxTrades)},
			}, nil)

			headers := []string{"RUN", "STATUS", "TRADES", "OK", "FAILED", "INDETERMINATE", "VOLUME", "STARTED", "FINISHED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{
					r.ID.String(),
					string(r.Status),
					strconv.Itoa(r.Stats.TradesTotal),
					strconv.Itoa(r.Stats.TradesSucceeded),
					strconv.Itoa(r.Stats.TradesFailed),
					strconv.Itoa(r.Stats.Indeterminate),
					strconv.FormatUint(r.Stats.VolumeLamports, 10),
					formatTime(r.StartedAt),
					formatTimePtr(r.FinishedAt),
				}
			}
			fmt.Fprintln(out.w)
			out.Table(headers, rows)
			return nil
		},
	}
}

type lifecycleFunc func(Lifecycle, context.Context, uuid.UUID) (*campaign.Result, error)

func newLifecycleCmd(depsFn DepsFunc, outputFn func() *Output, use, short string, op lifecycleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
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

			res, err := op(deps.Lifecycle, cmd.Context(), id)
			return printResult(outputFn(), res, err)
		},
	}
}

func newCampaignForceCmd(depsFn DepsFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "force ID STATUS",
		Short: "Set campaign status bypassing transition rules (admin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			to := domain.CampaignStatus(args[1])
			if !to.Valid() {
				return fmt.Errorf("invalid status: %s", args[1])
			}
			deps, err := depsFn(cmd.Context())
			if err != nil {
				return err
			}

			res, err := deps.Lifecycle.Force(cmd.Context(), id, to)
			return printResult(outputFn(), res, err)
		},
	}
}

// printResult выводит итог операции. При ErrDispatch статус уже изменён,
// поэтому результат печатается вместе с предупреждением.
func printResult(out *Output, res *campaign.Result, err error) error {
	if err != nil && (res == nil || !errors.Is(err, campaign.ErrDispatch)) {
		return err
	}

	msg := fmt.Sprintf("Campaign %s is %s", res.Campaign.ID, res.Campaign.Status)
	if res.Run != nil {
		msg += fmt.Sprintf(" (run %s: %s)", res.Run.ID, res.Run.Status)
	}
	out.Success(msg)
	if err != nil {
		out.Warn("follow-up jobs were not dispatched; retry the command")
	}
	if len(res.Jobs) == 0 && !out.jsonMode {
		return err
	}

	headers := []string{"JOB", "TYPE", "QUEUE", "WALLET"}
	rows := make([][]string, len(res.Jobs))
	for i, j := range res.Jobs {
		rows[i] = []string{j.ID.String(), string(j.Type), j.Queue, formatUUIDPtr(j.WalletID)}
	}
	out.Print(headers, rows, res)
	return err
}
