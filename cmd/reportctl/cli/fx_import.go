package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting/currency"
)

// FXImportMode enumerates supported execution strategies.
type FXImportMode string

const (
	// FXImportModeDry previews the rates without applying changes.
	FXImportModeDry FXImportMode = "dry"
	// FXImportModeApply persists rates after confirmation.
	FXImportModeApply FXImportMode = "apply"
)

// FXImportOptions configures the import command execution.
type FXImportOptions struct {
	Mode         FXImportMode
	Source       string
	SourceReader io.Reader
	JSONOutput   bool
	Stdout       io.Writer
	Stderr       io.Writer
	Stdin        io.Reader
	Confirm      func(io.Reader, io.Writer) (bool, error)
}

// FXImportRate is one parsed source row.
type FXImportRate struct {
	Pair    string          `json:"pair"`
	AsOf    string          `json:"as_of"`
	Average decimal.Decimal `json:"average"`
	Closing decimal.Decimal `json:"closing"`
}

// FXImportSummary captures the structured outcome.
type FXImportSummary struct {
	Mode    FXImportMode   `json:"mode"`
	Rates   []FXImportRate `json:"rates"`
	Applied int            `json:"applied"`
}

// ImportCommand loads rates from a CSV with pair, as_of, average and closing
// columns. Dry mode only prints them.
func (c *FXOpsCLI) ImportCommand(ctx context.Context, opts FXImportOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	mode := FXImportMode(strings.ToLower(string(opts.Mode)))
	if mode == "" {
		mode = FXImportModeDry
	}
	switch mode {
	case FXImportModeDry, FXImportModeApply:
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "fx import: invalid mode %q (expected dry or apply)\n", opts.Mode)
		return 1
	}
	rates, err := loadImportRates(opts)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx import: %v\n", err)
		return 1
	}
	summary := FXImportSummary{Mode: mode, Rates: rates}
	if mode == FXImportModeApply && len(rates) > 0 {
		confirm := opts.Confirm
		if confirm == nil {
			confirm = defaultImportConfirm
		}
		ok, err := confirm(opts.Stdin, opts.Stdout)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx import: confirmation failed: %v\n", err)
			return 1
		}
		if !ok {
			_, _ = fmt.Fprintln(opts.Stderr, "fx import: cancelled by user")
			return 1
		}
		for _, rate := range rates {
			asOf, _ := time.Parse(time.DateOnly, rate.AsOf)
			if err := c.quotes.Save(ctx, rate.Pair, asOf, currency.Quote{Average: rate.Average, Closing: rate.Closing}); err != nil {
				_, _ = fmt.Fprintf(opts.Stderr, "fx import: apply failed: %v\n", err)
				return 1
			}
			summary.Applied++
		}
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx import: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintf(opts.Stdout, "FX import (%s): %d rate(s), %d applied\n", summary.Mode, len(summary.Rates), summary.Applied)
	for _, rate := range summary.Rates {
		_, _ = fmt.Fprintf(opts.Stdout, " - %s %s average %s closing %s\n", rate.AsOf, rate.Pair, rate.Average, rate.Closing)
	}
	return 0
}

func loadImportRates(opts FXImportOptions) ([]FXImportRate, error) {
	var data []byte
	var err error
	switch {
	case opts.SourceReader != nil:
		data, err = io.ReadAll(opts.SourceReader)
	case opts.Source == "-":
		data, err = io.ReadAll(opts.Stdin)
	case strings.TrimSpace(opts.Source) == "":
		return nil, errors.New("--source is required")
	default:
		data, err = os.ReadFile(opts.Source)
	}
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	header, err := reader.Read()
	if err != nil {
		return nil, err
	}
	indexes := map[string]int{"pair": -1, "as_of": -1, "average": -1, "closing": -1}
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "pair":
			indexes["pair"] = i
		case "as_of", "date":
			indexes["as_of"] = i
		case "average", "average_rate":
			indexes["average"] = i
		case "closing", "closing_rate":
			indexes["closing"] = i
		}
	}
	for name, idx := range indexes {
		if idx < 0 {
			return nil, fmt.Errorf("missing required column %s in source", name)
		}
	}
	byKey := make(map[string]FXImportRate)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		pair := strings.ToUpper(strings.TrimSpace(record[indexes["pair"]]))
		if len(pair) != 6 {
			return nil, fmt.Errorf("invalid pair %q in source", pair)
		}
		asOf, err := time.Parse(time.DateOnly, strings.TrimSpace(record[indexes["as_of"]]))
		if err != nil {
			return nil, fmt.Errorf("invalid date %q for %s", record[indexes["as_of"]], pair)
		}
		average, err := decimal.NewFromString(strings.TrimSpace(record[indexes["average"]]))
		if err != nil {
			return nil, fmt.Errorf("invalid average for %s %s: %v", pair, asOf.Format(time.DateOnly), err)
		}
		closing, err := decimal.NewFromString(strings.TrimSpace(record[indexes["closing"]]))
		if err != nil {
			return nil, fmt.Errorf("invalid closing for %s %s: %v", pair, asOf.Format(time.DateOnly), err)
		}
		if !average.IsPositive() || !closing.IsPositive() {
			return nil, fmt.Errorf("non-positive rates for %s %s", pair, asOf.Format(time.DateOnly))
		}
		rate := FXImportRate{Pair: pair, AsOf: asOf.Format(time.DateOnly), Average: average, Closing: closing}
		byKey[rate.Pair+"@"+rate.AsOf] = rate
	}
	rates := make([]FXImportRate, 0, len(byKey))
	for _, rate := range byKey {
		rates = append(rates, rate)
	}
	sort.Slice(rates, func(i, j int) bool {
		if rates[i].Pair == rates[j].Pair {
			return rates[i].AsOf < rates[j].AsOf
		}
		return rates[i].Pair < rates[j].Pair
	})
	return rates, nil
}

func defaultImportConfirm(r io.Reader, w io.Writer) (bool, error) {
	_, _ = fmt.Fprint(w, "Apply FX rates? Type YES to confirm: ")
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.EqualFold(strings.TrimSpace(line), "YES"), nil
}
