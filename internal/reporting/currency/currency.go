// Package currency rounds, compares and formats report amounts in the
// reporting currency and converts bound literals between currencies.
package currency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

const defaultFraction = 2

// Precision returns the number of minor-unit digits of the currency.
func Precision(code string) int32 {
	cur := money.GetCurrency(strings.ToUpper(code))
	if cur == nil {
		return defaultFraction
	}
	return int32(cur.Fraction)
}

// Round rounds v to the currency precision.
func Round(v decimal.Decimal, code string) decimal.Decimal {
	return v.Round(Precision(code))
}

// IsZero reports whether v rounds to zero in the currency.
func IsZero(v decimal.Decimal, code string) bool {
	return Round(v, code).IsZero()
}

// Compare compares a and b after rounding both to the currency precision.
func Compare(a, b decimal.Decimal, code string) int {
	return Round(a, code).Cmp(Round(b, code))
}

// Format renders v with the currency's symbol and separators. A value rounding
// to zero never renders with a minus sign.
func Format(v decimal.Decimal, code string) string {
	code = strings.ToUpper(code)
	cur := money.GetCurrency(code)
	if cur == nil {
		return Round(v, code).StringFixed(defaultFraction)
	}
	minor := v.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return cur.Formatter().Format(minor)
}

// Quote carries the rates of one currency pair for a period.
type Quote struct {
	Average decimal.Decimal
	Closing decimal.Decimal
}

// QuoteProvider exposes FX quotes; pair is FROM+TO, e.g. "EURUSD".
type QuoteProvider interface {
	QuoteForPeriod(ctx context.Context, asOf time.Time, pair string) (Quote, bool, error)
}

// MissingRateError is returned when no quote exists for a pair.
type MissingRateError struct {
	Pair string
	AsOf time.Time
}

func (e *MissingRateError) Error() string {
	return fmt.Sprintf("currency: no rate for %s at %s", e.Pair, e.AsOf.Format("2006-01-02"))
}

// Converter converts amounts at closing rates.
type Converter struct {
	quotes QuoteProvider
}

// NewConverter builds a converter; a nil provider only supports parity.
func NewConverter(quotes QuoteProvider) *Converter {
	return &Converter{quotes: quotes}
}

// Convert converts amount from one currency into another at the closing rate
// of asOf. Same-currency conversions never consult the provider.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string, asOf time.Time) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == "" || to == "" || from == to {
		return amount, nil
	}
	pair := from + to
	if c == nil || c.quotes == nil {
		return decimal.Zero, &MissingRateError{Pair: pair, AsOf: asOf}
	}
	quote, ok, err := c.quotes.QuoteForPeriod(ctx, asOf, pair)
	if err != nil {
		return decimal.Zero, fmt.Errorf("currency: quote %s: %w", pair, err)
	}
	if ok && !quote.Closing.IsZero() {
		return amount.Mul(quote.Closing), nil
	}
	inverse, ok, err := c.quotes.QuoteForPeriod(ctx, asOf, to+from)
	if err != nil {
		return decimal.Zero, fmt.Errorf("currency: quote %s: %w", to+from, err)
	}
	if !ok || inverse.Closing.IsZero() {
		return decimal.Zero, &MissingRateError{Pair: pair, AsOf: asOf}
	}
	return amount.Div(inverse.Closing), nil
}

// StaticQuotes is a fixed quote table, ignoring the period.
type StaticQuotes map[string]Quote

// QuoteForPeriod implements QuoteProvider.
func (s StaticQuotes) QuoteForPeriod(_ context.Context, _ time.Time, pair string) (Quote, bool, error) {
	q, ok := s[strings.ToUpper(pair)]
	return q, ok, nil
}
