package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueReporting carries report generation work.
	QueueReporting = "reporting"

	// TaskCarryoverGenerate persists carryover values of one report.
	TaskCarryoverGenerate = "reporting:carryover"
	// TaskReportWarmup pre-computes report totals into the cache.
	TaskReportWarmup = "reporting:warmup"
	// TaskReportCacheBump invalidates every cached report after ledger changes.
	TaskReportCacheBump = "reporting:cache-bump"
)

// CarryoverPayload scopes one carryover generation. A zero end date means the
// last closed month relative to the worker clock.
type CarryoverPayload struct {
	Report  string            `json:"report"`
	Options reporting.Options `json:"options"`
}

// NewCarryoverTask constructs an Asynq task for carryover generation.
func NewCarryoverTask(payload CarryoverPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCarryoverGenerate, body, asynq.Queue(QueueReporting), asynq.MaxRetry(3), asynq.Timeout(10*time.Minute)), nil
}

// ReportWarmupPayload configures a warmup run. Empty reports means every
// report of the catalog; empty companies means every company with ledger
// activity.
type ReportWarmupPayload struct {
	Reports   []string `json:"reports,omitempty"`
	Companies []int64  `json:"companies,omitempty"`
	Currency  string   `json:"currency"`
}

// NewReportWarmupTask creates an Asynq task warming the report cache.
func NewReportWarmupTask(payload ReportWarmupPayload) (*asynq.Task, error) {
	if payload.Currency == "" {
		payload.Currency = "USD"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReportWarmup, body, asynq.Queue(QueueReporting)), nil
}

// NewReportCacheBumpTask creates the cache invalidation task.
func NewReportCacheBumpTask() *asynq.Task {
	return asynq.NewTask(TaskReportCacheBump, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(5))
}
