package cli

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/jobs"
)

// JobsCLI wraps manual management helpers for the reporting queue.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers against the queue Redis.
func NewJobsCLI(redisOpts asynq.RedisClientOpt) (*JobsCLI, error) {
	if redisOpts.Addr == "" {
		return nil, errors.New("jobs cli: redis address is required")
	}
	client := asynq.NewClient(redisOpts)
	inspector := asynq.NewInspector(redisOpts)
	return &JobsCLI{client: client, inspector: inspector}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// TriggerCarryover enqueues carryover generation for one report.
func (c *JobsCLI) TriggerCarryover(ctx context.Context, code string, opts reporting.Options) (*asynq.TaskInfo, error) {
	task, err := jobs.NewCarryoverTask(jobs.CarryoverPayload{Report: code, Options: opts})
	if err != nil {
		return nil, err
	}
	return c.enqueue(ctx, task)
}

// TriggerWarmup enqueues a cache warmup run.
func (c *JobsCLI) TriggerWarmup(ctx context.Context, payload jobs.ReportWarmupPayload) (*asynq.TaskInfo, error) {
	task, err := jobs.NewReportWarmupTask(payload)
	if err != nil {
		return nil, err
	}
	return c.enqueue(ctx, task)
}

// TriggerCacheBump enqueues a report cache invalidation.
func (c *JobsCLI) TriggerCacheBump(ctx context.Context) (*asynq.TaskInfo, error) {
	return c.enqueue(ctx, jobs.NewReportCacheBumpTask())
}

func (c *JobsCLI) enqueue(ctx context.Context, task *asynq.Task) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueContext(ctx, task)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reports the metrics of queue, the reporting queue when empty.
func (c *JobsCLI) InspectQueue(_ context.Context, queue string) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	if queue == "" {
		queue = jobs.QueueReporting
	}
	info, err := c.inspector.GetQueueInfo(queue)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: queue}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos of the reporting queue.
func (c *JobsCLI) ListScheduled(_ context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueReporting, asynq.PageSize(size), asynq.Page(1))
}
