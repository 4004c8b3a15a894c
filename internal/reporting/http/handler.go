// Package reportinghttp exposes report rendering, groupby paging, manual
// value edits and carryover generation over JSON.
package reportinghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/platform/httpx"
	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/carryover"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/catalog"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/evaluator"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/groupby"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/hierarchy"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/lineid"
)

// CarryoverRunner generates carryover values synchronously.
type CarryoverRunner interface {
	Generate(ctx context.Context, report *reporting.Report, opts reporting.Options) (carryover.Run, error)
}

// CarryoverQueue schedules carryover generation in the background and returns
// the task id.
type CarryoverQueue interface {
	EnqueueCarryover(ctx context.Context, reportCode string, opts reporting.Options) (string, error)
}

// Handler serves the reporting API.
type Handler struct {
	logger    *slog.Logger
	reports   evaluator.ReportSource
	builder   *hierarchy.Builder
	evaluator *evaluator.Evaluator
	carryover CarryoverRunner
	queue     CarryoverQueue
	validate  *validator.Validate
}

// Option configures a Handler.
type Option func(*Handler)

// WithCarryoverRunner enables synchronous carryover generation.
func WithCarryoverRunner(runner CarryoverRunner) Option {
	return func(h *Handler) { h.carryover = runner }
}

// WithCarryoverQueue routes carryover requests to a background queue. It
// takes precedence over the runner unless the request asks for ?sync=1.
func WithCarryoverQueue(queue CarryoverQueue) Option {
	return func(h *Handler) { h.queue = queue }
}

// NewHandler wires the API handler.
func NewHandler(logger *slog.Logger, reports evaluator.ReportSource, builder *hierarchy.Builder, ev *evaluator.Evaluator, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		logger:    logger,
		reports:   reports,
		builder:   builder,
		evaluator: ev,
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type childrenRequest struct {
	Options  reporting.Options          `json:"options"`
	ParentID string                     `json:"parent_id" validate:"required"`
	Groupby  string                     `json:"groupby" validate:"required"`
	Level    int                        `json:"level" validate:"min=0"`
	Offset   int                        `json:"offset" validate:"min=0"`
	Progress map[string]decimal.Decimal `json:"progress,omitempty"`
}

type manualValueRequest struct {
	Options      reporting.Options `json:"options"`
	ExpressionID int64             `json:"expression_id" validate:"required"`
	Value        decimal.Decimal   `json:"value"`
}

type enqueuedResponse struct {
	TaskID string `json:"task_id"`
	Report string `json:"report"`
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.report(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleLines(w http.ResponseWriter, r *http.Request) {
	report, err := h.report(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var opts reporting.Options
	if err := httpx.DecodeJSON(r, &opts); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.options(report, &opts); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.builder.Build(r.Context(), report, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleChildren(w http.ResponseWriter, r *http.Request) {
	report, err := h.report(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req childrenRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.options(report, &req.Options); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	resolved, err := req.Options.Resolved()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.builder.Children(r.Context(), report, groupby.Request{
		Options:  resolved,
		ParentID: req.ParentID,
		Groupby:  req.Groupby,
		Level:    req.Level,
		Offset:   req.Offset,
		Progress: req.Progress,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) handleManualValue(w http.ResponseWriter, r *http.Request) {
	report, err := h.report(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req manualValueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.options(report, &req.Options); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if _, err := h.evaluator.SetManualValue(r.Context(), report, req.Options, req.ExpressionID, req.Value, nil); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.builder.Build(r.Context(), report, req.Options)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleCarryover(w http.ResponseWriter, r *http.Request) {
	report, err := h.report(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var opts reporting.Options
	if err := httpx.DecodeJSON(r, &opts); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.options(report, &opts); err != nil {
		h.fail(w, r, err)
		return
	}
	sync := r.URL.Query().Get("sync") == "1"
	if h.queue != nil && !(sync && h.carryover != nil) {
		taskID, err := h.queue.EnqueueCarryover(r.Context(), report.Code, opts)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.logger.Info("carryover enqueued", slog.String("report", report.Code), slog.String("task_id", taskID))
		httpx.JSON(w, http.StatusAccepted, enqueuedResponse{TaskID: taskID, Report: report.Code})
		return
	}
	if h.carryover == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "carryover generation is not configured")
		return
	}
	run, err := h.carryover.Generate(r.Context(), report, opts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

func (h *Handler) report(r *http.Request) (*reporting.Report, error) {
	code := chi.URLParam(r, "code")
	if code == "" {
		return nil, fmt.Errorf("%w: report code is required", httpx.ErrValidation)
	}
	return h.reports.Report(r.Context(), code)
}

// options binds the request options to report and validates them.
func (h *Handler) options(report *reporting.Report, opts *reporting.Options) error {
	if opts.ReportID == 0 {
		opts.ReportID = report.ID
	}
	if err := h.validate.Struct(opts); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := classify(err)
	if errors.Is(mapped, httpx.ErrNotFound) || errors.Is(mapped, httpx.ErrValidation) ||
		errors.Is(mapped, httpx.ErrUnprocessable) || errors.Is(mapped, httpx.ErrConflict) {
		h.logger.Warn("reporting request rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		h.logger.Error("reporting request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

// classify maps engine errors onto the httpx sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, catalog.ErrReportNotFound):
		return fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, reporting.ErrConsistency):
		return fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, lineid.ErrMalformed):
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, reporting.ErrConfiguration),
		errors.Is(err, reporting.ErrScope),
		errors.Is(err, reporting.ErrUnresolvedDependency),
		errors.Is(err, evaluator.ErrNotEditable):
		return fmt.Errorf("%w: %v", httpx.ErrUnprocessable, err)
	}
	return err
}
