package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/ledger-reports/internal/reporting/currency"
)

// QuoteStore reads and writes the FX rates used for currency conversion.
type QuoteStore interface {
	currency.QuoteProvider
	Save(ctx context.Context, pair string, asOf time.Time, quote currency.Quote) error
}

// FXOpsCLI offers operational helpers to manage FX rates used by reports.
type FXOpsCLI struct {
	quotes QuoteStore
}

// NewFXOpsCLI constructs a new helper instance.
func NewFXOpsCLI(quotes QuoteStore) (*FXOpsCLI, error) {
	if quotes == nil {
		return nil, errors.New("fx cli: quote store is required")
	}
	return &FXOpsCLI{quotes: quotes}, nil
}

const (
	methodAverage = "average"
	methodClosing = "closing"
)

// FXValidateOptions defines available flags for the fx validate command.
type FXValidateOptions struct {
	AsOf       string
	Pairs      []string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// FXValidateSummary describes the JSON response for fx validate.
type FXValidateSummary struct {
	OK              bool                       `json:"ok"`
	AsOf            string                     `json:"as_of"`
	Gaps            []FXValidationGap          `json:"gaps"`
	AvailableQuotes []FXValidationAvailability `json:"available_quotes"`
}

// FXValidationGap captures a missing rate method for a pair.
type FXValidationGap struct {
	Pair   string `json:"pair"`
	Method string `json:"method"`
}

// FXValidationAvailability reports a configured rate.
type FXValidationAvailability struct {
	Pair   string `json:"pair"`
	Method string `json:"method"`
	Rate   string `json:"rate"`
}

// ValidateCommand checks that every pair has both rates on the date and
// prints the outcome. It exits 10 when gaps are found.
func (c *FXOpsCLI) ValidateCommand(ctx context.Context, opts FXValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	asOf, err := time.Parse(time.DateOnly, strings.TrimSpace(opts.AsOf))
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: invalid date %q (expected YYYY-MM-DD)\n", opts.AsOf)
		return 1
	}
	pairs := normalisePairs(opts.Pairs)
	if len(pairs) == 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "fx validate: at least one --pair is required")
		return 1
	}
	summary := FXValidateSummary{AsOf: asOf.Format(time.DateOnly), Gaps: []FXValidationGap{}, AvailableQuotes: []FXValidationAvailability{}}
	for _, pair := range pairs {
		quote, ok, err := c.quotes.QuoteForPeriod(ctx, asOf, pair)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
			return 1
		}
		if !ok || !quote.Average.IsPositive() {
			summary.Gaps = append(summary.Gaps, FXValidationGap{Pair: pair, Method: methodAverage})
		} else {
			summary.AvailableQuotes = append(summary.AvailableQuotes, FXValidationAvailability{Pair: pair, Method: methodAverage, Rate: quote.Average.String()})
		}
		if !ok || !quote.Closing.IsPositive() {
			summary.Gaps = append(summary.Gaps, FXValidationGap{Pair: pair, Method: methodClosing})
		} else {
			summary.AvailableQuotes = append(summary.AvailableQuotes, FXValidationAvailability{Pair: pair, Method: methodClosing, Rate: quote.Closing.String()})
		}
	}
	summary.OK = len(summary.Gaps) == 0
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: encode json: %v\n", err)
			return 1
		}
	} else {
		renderValidateHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func normalisePairs(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	pairs := make([]string, 0, len(raw))
	for _, p := range raw {
		for _, part := range strings.Split(p, ",") {
			pair := strings.ToUpper(strings.TrimSpace(part))
			if pair == "" || seen[pair] {
				continue
			}
			seen[pair] = true
			pairs = append(pairs, pair)
		}
	}
	sort.Strings(pairs)
	return pairs
}

func renderValidateHuman(out io.Writer, summary FXValidateSummary) {
	_, _ = fmt.Fprintf(out, "FX validation as of %s\n", summary.AsOf)
	if summary.OK {
		_, _ = fmt.Fprintln(out, "All required FX rates are present.")
	} else {
		_, _ = fmt.Fprintf(out, "%d gap(s) detected:\n", len(summary.Gaps))
		for _, gap := range summary.Gaps {
			_, _ = fmt.Fprintf(out, " - %s missing %s\n", gap.Pair, gap.Method)
		}
	}
	for _, q := range summary.AvailableQuotes {
		_, _ = fmt.Fprintf(out, " - %s %s %s\n", q.Pair, q.Method, q.Rate)
	}
}
