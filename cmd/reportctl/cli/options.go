package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

// PeriodFlags are the scope flags shared by the carryover and warmup
// commands. Empty dates are left for the job to default.
type PeriodFlags struct {
	Companies []int64
	From      string
	To        string
	Currency  string
}

// Options converts the flags into report options.
func (f PeriodFlags) Options() (reporting.Options, error) {
	opts := reporting.Options{
		Companies: f.Companies,
		Currency:  strings.ToUpper(strings.TrimSpace(f.Currency)),
	}
	if len(opts.Companies) == 0 {
		return reporting.Options{}, fmt.Errorf("at least one --company is required")
	}
	var err error
	if f.From != "" {
		if opts.Date.From, err = time.Parse(time.DateOnly, f.From); err != nil {
			return reporting.Options{}, fmt.Errorf("invalid --from %q (expected YYYY-MM-DD)", f.From)
		}
	}
	if f.To != "" {
		if opts.Date.To, err = time.Parse(time.DateOnly, f.To); err != nil {
			return reporting.Options{}, fmt.Errorf("invalid --to %q (expected YYYY-MM-DD)", f.To)
		}
	}
	if !opts.Date.From.IsZero() && !opts.Date.To.IsZero() && opts.Date.To.Before(opts.Date.From) {
		return reporting.Options{}, fmt.Errorf("--from must not be later than --to")
	}
	return opts, nil
}
