package app

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/ledger-reports/internal/observability"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/aggregation"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/cache"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/carryover"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/catalog"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/currency"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/engines"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/evaluator"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/groupby"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/hierarchy"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/store/postgres"
)

// ReportingDeps collects what the reporting engine needs at startup.
type ReportingDeps struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
}

// Reporting bundles the wired reporting components shared by the server, the
// worker and the ops CLI.
type Reporting struct {
	Catalog   *catalog.Catalog
	Ledger    *postgres.Ledger
	Values    *postgres.Values
	Quotes    *postgres.Quotes
	Cache     *cache.Totals
	Evaluator *evaluator.Evaluator
	Builder   *hierarchy.Builder
	Carryover *carryover.Generator
}

// NewReporting loads the report catalog and wires the evaluator over the
// Postgres ledger. Redis is optional; without it totals are never cached.
func NewReporting(deps ReportingDeps) (*Reporting, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("reporting: config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reports, err := catalog.Load(deps.Config.ReportsDir)
	if err != nil {
		return nil, err
	}
	deps.Metrics.SetCatalogSize(len(reports.Codes()))
	if deps.Metrics != nil {
		if err := evaluator.SetupMetrics(deps.Metrics.Registerer()); err != nil {
			logger.Warn("reporting metrics", slog.Any("error", err))
		}
	}

	r := &Reporting{
		Catalog: reports,
		Ledger:  postgres.NewLedger(deps.Pool),
		Values:  postgres.NewValues(deps.Pool),
		Quotes:  postgres.NewQuotes(deps.Pool),
	}
	batcher := engines.NewBatcher(r.Ledger, r.Values,
		engines.WithLogger(logger),
		engines.WithObserver(evaluator.ObserveBatch),
	)
	resolver := aggregation.NewResolver(currency.NewConverter(r.Quotes),
		aggregation.WithMaxPasses(deps.Config.ReportMaxResolvePasses))

	opts := []evaluator.Option{
		evaluator.WithReportSource(reports),
		evaluator.WithParallelColumnGroups(deps.Config.ReportParallelColumnGroups),
		evaluator.WithLogger(logger),
	}
	if deps.Redis != nil {
		r.Cache = cache.New(deps.Redis, deps.Config.ReportCacheTTL)
		opts = append(opts, evaluator.WithCache(r.Cache))
	}
	r.Evaluator = evaluator.New(batcher, resolver, opts...)
	expander := groupby.New(r.Evaluator,
		groupby.WithPageSize(deps.Config.ReportLoadMoreLimit),
		groupby.WithLogger(logger))
	r.Builder = hierarchy.NewBuilder(r.Evaluator, expander, logger)
	r.Carryover = carryover.NewGenerator(r.Evaluator, r.Values, logger)

	logger.Info("reporting catalog loaded",
		slog.String("dir", deps.Config.ReportsDir),
		slog.Any("reports", reports.Codes()))
	return r, nil
}
