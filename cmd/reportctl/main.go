package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/ledger-reports/cmd/reportctl/cli"
	"github.com/odyssey-erp/ledger-reports/internal/app"
	platformcache "github.com/odyssey-erp/ledger-reports/internal/platform/cache"
	platformdb "github.com/odyssey-erp/ledger-reports/internal/platform/db"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/store/postgres"
	"github.com/odyssey-erp/ledger-reports/jobs"
)

type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "reportctl",
		Short:         "Operate the ledger reporting service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd(), carryoverCmd(), warmupCmd(), cacheBumpCmd(), queueCmd(), fxCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		if code, ok := err.(exitCodeError); ok {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runtime struct {
	cfg    *app.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
}

func openRuntime(ctx context.Context, needRedis bool) (*runtime, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: app.NewLogger(cfg)}
	rt.pool, err = platformdb.New(ctx, platformdb.Options{DSN: cfg.PGDSN, MaxConns: 2})
	if err != nil {
		return nil, err
	}
	if needRedis {
		if rt.redis, err = platformcache.New(ctx, platformcache.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}); err != nil {
			rt.logger.Warn("redis ping", slog.Any("error", err))
		}
	}
	return rt, nil
}

func (rt *runtime) Close() {
	rt.pool.Close()
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warn("redis close", slog.Any("error", err))
		}
	}
}

func (rt *runtime) reporting() (*app.Reporting, error) {
	return app.NewReporting(app.ReportingDeps{Config: rt.cfg, Logger: rt.logger, Pool: rt.pool, Redis: rt.redis})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jobsCLI() (*cli.JobsCLI, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the reporting tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := postgres.Migrate(cmd.Context(), rt.pool); err != nil {
				return err
			}
			rt.logger.Info("reporting schema migrated")
			return nil
		},
	}
}

func addPeriodFlags(cmd *cobra.Command, flags *cli.PeriodFlags) {
	cmd.Flags().Int64SliceVar(&flags.Companies, "company", nil, "company ids in scope (repeatable)")
	cmd.Flags().StringVar(&flags.From, "from", "", "period start, YYYY-MM-DD")
	cmd.Flags().StringVar(&flags.To, "to", "", "period end, YYYY-MM-DD (default: last closed month)")
	cmd.Flags().StringVar(&flags.Currency, "currency", "USD", "presentation currency")
}

func carryoverCmd() *cobra.Command {
	var (
		report string
		flags  cli.PeriodFlags
		sync   bool
	)
	cmd := &cobra.Command{
		Use:   "carryover",
		Short: "Generate carryover values of a report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := flags.Options()
			if err != nil {
				return err
			}
			if !sync {
				c, err := jobsCLI()
				if err != nil {
					return err
				}
				defer func() { _ = c.Close() }()
				info, err := c.TriggerCarryover(cmd.Context(), report, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"task_id": info.ID, "queue": info.Queue})
			}
			rt, err := openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()
			reports, err := rt.reporting()
			if err != nil {
				return err
			}
			task, err := jobs.NewCarryoverTask(jobs.CarryoverPayload{Report: report, Options: opts})
			if err != nil {
				return err
			}
			return jobs.NewCarryoverJob(reports.Catalog, reports.Carryover, rt.logger, nil).Handle(cmd.Context(), task)
		},
	}
	cmd.Flags().StringVar(&report, "report", "", "report code")
	_ = cmd.MarkFlagRequired("report")
	cmd.Flags().BoolVar(&sync, "sync", false, "run in this process instead of enqueueing")
	addPeriodFlags(cmd, &flags)
	return cmd
}

func warmupCmd() *cobra.Command {
	var (
		reports   []string
		companies []int64
		currency  string
	)
	cmd := &cobra.Command{
		Use:   "warmup",
		Short: "Enqueue a report cache warmup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := jobsCLI()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			info, err := c.TriggerWarmup(cmd.Context(), jobs.ReportWarmupPayload{Reports: reports, Companies: companies, Currency: currency})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"task_id": info.ID, "queue": info.Queue})
		},
	}
	cmd.Flags().StringSliceVar(&reports, "report", nil, "report codes (default: every report)")
	cmd.Flags().Int64SliceVar(&companies, "company", nil, "company ids (default: every active company)")
	cmd.Flags().StringVar(&currency, "currency", "USD", "presentation currency")
	return cmd
}

func cacheBumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cache-bump",
		Short: "Invalidate every cached report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := jobsCLI()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			info, err := c.TriggerCacheBump(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"task_id": info.ID, "queue": info.Queue})
		},
	}
}

func queueCmd() *cobra.Command {
	var (
		queue     string
		scheduled int
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show reporting queue statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := jobsCLI()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			stats, err := c.InspectQueue(cmd.Context(), queue)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, stats); err != nil {
				return err
			}
			if scheduled <= 0 {
				return nil
			}
			tasks, err := c.ListScheduled(cmd.Context(), scheduled)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", task.NextProcessAt.Format("2006-01-02 15:04"), task.Type, task.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", jobs.QueueReporting, "queue name")
	cmd.Flags().IntVar(&scheduled, "scheduled", 0, "also list this many scheduled tasks")
	return cmd
}

func fxCmd() *cobra.Command {
	fx := &cobra.Command{Use: "fx", Short: "Manage FX rates used for currency conversion"}

	var validate cli.FXValidateOptions
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that rates exist for the given pairs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withFX(cmd, func(ops *cli.FXOpsCLI) int {
				validate.Stdout, validate.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
				return ops.ValidateCommand(cmd.Context(), validate)
			})
		},
	}
	validateCmd.Flags().StringVar(&validate.AsOf, "as-of", "", "rate date, YYYY-MM-DD")
	validateCmd.Flags().StringSliceVar(&validate.Pairs, "pair", nil, "currency pairs such as EURUSD")
	validateCmd.Flags().BoolVar(&validate.JSONOutput, "json", false, "print JSON")

	var (
		imp  cli.FXImportOptions
		mode string
	)
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Load rates from a CSV file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withFX(cmd, func(ops *cli.FXOpsCLI) int {
				imp.Mode = cli.FXImportMode(mode)
				imp.Stdout, imp.Stderr, imp.Stdin = cmd.OutOrStdout(), cmd.ErrOrStderr(), cmd.InOrStdin()
				return ops.ImportCommand(cmd.Context(), imp)
			})
		},
	}
	importCmd.Flags().StringVar(&imp.Source, "source", "", "CSV path, - for stdin")
	importCmd.Flags().StringVar(&mode, "mode", string(cli.FXImportModeDry), "dry or apply")
	importCmd.Flags().BoolVar(&imp.JSONOutput, "json", false, "print JSON")

	fx.AddCommand(validateCmd, importCmd)
	return fx
}

func withFX(cmd *cobra.Command, run func(*cli.FXOpsCLI) int) error {
	rt, err := openRuntime(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer rt.Close()
	ops, err := cli.NewFXOpsCLI(postgres.NewQuotes(rt.pool))
	if err != nil {
		return err
	}
	if code := run(ops); code != 0 {
		return exitCodeError(code)
	}
	return nil
}
