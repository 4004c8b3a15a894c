package reportinghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/aggregation"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/carryover"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/catalog"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/engines"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/evaluator"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/groupby"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/hierarchy"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/store/memory"
)

const period = `{"date":{"from":"2024-01-01T00:00:00Z","to":"2024-12-31T00:00:00Z","mode":"range"},"companies":[1],"currency":"USD"}`

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func demoReport() *reporting.Report {
	return &reporting.Report{
		ID:      5,
		Code:    "demo",
		Name:    "Demo",
		Columns: []reporting.Column{{Name: "Balance", ExpressionLabel: "balance", FigureType: reporting.FigureMonetary}},
		Lines: []reporting.Line{
			{ID: 1, Code: "CASH", Name: "Cash", Sequence: 1, Groupby: "partner_id", Foldable: true, Expressions: []reporting.Expression{
				{ID: 1, Label: "balance", Engine: reporting.EngineDomain, Formula: "[]"},
			}},
			{ID: 2, Code: "ADJ", Name: "Adjustments", Sequence: 2, Expressions: []reporting.Expression{
				{ID: 2, Label: "balance", Engine: reporting.EngineExternal, Formula: "sum", Subformula: "editable"},
				{ID: 3, Label: "_carryover_balance", Engine: reporting.EngineAggregation, Formula: "TOTAL.balance"},
			}},
			{ID: 3, Code: "TOTAL", Name: "Total", Sequence: 3, Expressions: []reporting.Expression{
				{ID: 4, Label: "balance", Engine: reporting.EngineAggregation, Formula: "CASH.balance + ADJ.balance"},
			}},
		},
	}
}

type fakeQueue struct {
	code string
	opts reporting.Options
}

func (q *fakeQueue) EnqueueCarryover(_ context.Context, code string, opts reporting.Options) (string, error) {
	q.code, q.opts = code, opts
	return "task-1", nil
}

type fixture struct {
	router http.Handler
	values *memory.Values
	queue  *fakeQueue
}

func newFixture(t *testing.T, withQueue bool) fixture {
	t.Helper()
	ledger := memory.NewLedger()
	ledger.Add(
		memory.Row{Date: day(2024, 2, 1), Balance: decimal.NewFromInt(100), Fields: map[string]any{"company_id": int64(1), "partner_id": int64(1)}},
		memory.Row{Date: day(2024, 3, 1), Balance: decimal.NewFromInt(50), Fields: map[string]any{"company_id": int64(1), "partner_id": int64(2)}},
	)
	ledger.SetName("partner_id", int64(1), "Acme")
	ledger.SetName("partner_id", int64(2), "Globex")
	values := memory.NewValues()

	reports, err := catalog.New(demoReport())
	require.NoError(t, err)
	ev := evaluator.New(engines.NewBatcher(ledger, values), aggregation.NewResolver(nil), evaluator.WithReportSource(reports))
	builder := hierarchy.NewBuilder(ev, groupby.New(ev), nil)

	opts := []Option{WithCarryoverRunner(carryover.NewGenerator(ev, nil, nil))}
	queue := &fakeQueue{}
	if withQueue {
		opts = append(opts, WithCarryoverQueue(queue))
	}
	r := chi.NewRouter()
	NewHandler(nil, reports, builder, ev, opts...).MountRoutes(r)
	return fixture{router: r, values: values, queue: queue}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) reporting.Result {
	t.Helper()
	var res reporting.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func line(t *testing.T, res reporting.Result, name string) reporting.LineRecord {
	t.Helper()
	for _, l := range res.Lines {
		if l.Name == name {
			return l
		}
	}
	t.Fatalf("line %q not rendered", name)
	return reporting.LineRecord{}
}

func TestGetReportConfiguration(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, "/reports/demo/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report reporting.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, "demo", report.Code)
	require.Len(t, report.Lines, 3)
}

func TestLinesRendersReport(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/reports/demo/lines", period)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeResult(t, rec)
	require.Equal(t, "$150.00", line(t, res, "Total").Columns[0].FormattedText)
	cash := line(t, res, "Cash")
	require.True(t, cash.Unfoldable)
	require.Equal(t, "partner_id", cash.Groupby)
}

func TestChildrenPagesGroupby(t *testing.T) {
	f := newFixture(t, false)
	cash := line(t, decodeResult(t, f.do(t, http.MethodPost, "/reports/demo/lines", period)), "Cash")

	body, err := json.Marshal(map[string]any{
		"options":   json.RawMessage(period),
		"parent_id": cash.ID,
		"groupby":   cash.Groupby,
		"level":     cash.Level + 1,
	})
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/reports/demo/lines/children", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page groupby.Page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Lines, 2)
	require.Equal(t, "Acme", page.Lines[0].Name)
	require.Equal(t, "Globex", page.Lines[1].Name)
	require.Equal(t, "$50.00", page.Lines[1].Columns[0].FormattedText)
	require.Zero(t, page.NextOffset)
}

func TestManualValueRebuildsLines(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPut, "/reports/demo/external-values",
		`{"options":`+period+`,"expression_id":2,"value":"25"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "$175.00", line(t, decodeResult(t, rec), "Total").Columns[0].FormattedText)

	stored := f.values.All()
	require.Len(t, stored, 1)
	require.Equal(t, reporting.ValueManual, stored[0].Kind)
	require.True(t, stored[0].Value.Equal(decimal.NewFromInt(25)))
}

func TestManualValueOnComputedExpressionRejected(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPut, "/reports/demo/external-values",
		`{"options":`+period+`,"expression_id":4,"value":"25"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	require.Empty(t, f.values.All())
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t, false)
	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{name: "unknown report", path: "/reports/nope/lines", body: period, status: http.StatusNotFound},
		{name: "malformed body", path: "/reports/demo/lines", body: `{"date":`, status: http.StatusBadRequest},
		{name: "unknown field", path: "/reports/demo/lines", body: `{"colour":"red"}`, status: http.StatusBadRequest},
		{name: "no companies", path: "/reports/demo/lines", body: `{"date":{"to":"2024-12-31T00:00:00Z"},"companies":[],"currency":"USD"}`, status: http.StatusBadRequest},
		{name: "other report", path: "/reports/demo/lines", body: `{"report_id":9,"date":{"to":"2024-12-31T00:00:00Z"},"companies":[1],"currency":"USD"}`, status: http.StatusConflict},
		{name: "bad date mode", path: "/reports/demo/lines", body: `{"date":{"to":"2024-12-31T00:00:00Z","mode":"weekly"},"companies":[1],"currency":"USD"}`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			var problem map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
			require.EqualValues(t, tc.status, problem["status"])
		})
	}
}

func TestCarryoverRunsSynchronously(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/reports/demo/carryover", period)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run carryover.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, "demo", run.Report)
	require.Len(t, run.Values, 1)
	require.True(t, run.Values[0].Value.Equal(decimal.NewFromInt(150)))
	require.Len(t, f.values.All(), 1)
}

func TestCarryoverEnqueuedWhenQueueConfigured(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodPost, "/reports/demo/carryover", period)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp enqueuedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "task-1", resp.TaskID)
	require.Equal(t, "demo", f.queue.code)
	require.Equal(t, int64(5), f.queue.opts.ReportID)
	require.Empty(t, f.values.All())

	rec = f.do(t, http.MethodPost, "/reports/demo/carryover?sync=1", period)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.values.All(), 1)
}

func TestCarryoverScopeErrorIsUnprocessable(t *testing.T) {
	f := newFixture(t, false)
	body := `{"date":{"from":"2024-01-01T00:00:00Z","to":"2024-12-31T00:00:00Z"},"comparison":{"periods":[{"from":"2023-01-01T00:00:00Z","to":"2023-12-31T00:00:00Z"}]},"companies":[1],"currency":"USD"}`
	rec := f.do(t, http.MethodPost, "/reports/demo/carryover", body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
}
