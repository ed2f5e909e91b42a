// Tradeflow CLI — операторская утилита: жизненный цикл кампаний,
// просмотр job records, dead-letter очередь, миграции схемы.
//
// Использование:
//
//	tradeflow [--config FILE] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	campaign  Жизненный цикл кампаний
//	job       Просмотр job records
//	dlq       Dead-letter очередь
//	migrate   Применить миграции схемы
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Tradeflow/internal/cli"
	"github.com/shaiso/Tradeflow/internal/config"
	"github.com/shaiso/Tradeflow/internal/repo"
	"github.com/shaiso/Tradeflow/internal/repo/migrations"
	"github.com/shaiso/Tradeflow/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var configPath string
	var jsonOutput bool
	var verbose bool

	rootCmd := &cobra.Command{
		Use:           "tradeflow",
		Short:         "Tradeflow operator CLI",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TRADEFLOW_CONFIG"), "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")

	var (
		deps    *cli.Deps
		closeFn func() error
	)
	loadConfig := func() (*config.Config, error) {
		return config.LoadOperator(configPath)
	}
	depsFn := func(ctx context.Context) (*cli.Deps, error) {
		if deps != nil {
			return deps, nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		level := "ERROR"
		if verbose {
			level = "DEBUG"
		}
		logger := telemetry.SetupLogger(telemetry.LogConfig{Level: level, Format: "text"})

		deps, closeFn, err = cli.Connect(ctx, cfg, logger)
		return deps, err
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := repo.NewPool(cmd.Context(), repo.PoolConfig{DSN: cfg.Database.DSN, MaxConns: 1})
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := migrations.Run(cmd.Context(), pool); err != nil {
				return err
			}
			outputFn().Success("Migrations applied")
			return nil
		},
	}

	rootCmd.AddCommand(
		cli.NewCampaignCmd(depsFn, outputFn),
		cli.NewJobCmd(depsFn, outputFn),
		cli.NewDLQCmd(depsFn, outputFn),
		migrateCmd,
	)

	err := rootCmd.ExecuteContext(context.Background())
	if closeFn != nil {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
