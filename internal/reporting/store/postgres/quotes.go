package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ledger-reports/internal/reporting/currency"
)

// Quotes reads FX rates from fx_rates. The latest rate on or before the
// requested date applies.
type Quotes struct {
	db dbtx
}

// NewQuotes constructs the quote store.
func NewQuotes(pool *pgxpool.Pool) *Quotes {
	return &Quotes{db: pool}
}

// QuoteForPeriod implements currency.QuoteProvider.
func (q *Quotes) QuoteForPeriod(ctx context.Context, asOf time.Time, pair string) (currency.Quote, bool, error) {
	if q == nil || q.db == nil {
		return currency.Quote{}, false, errors.New("postgres: quote store not initialised")
	}
	const query = `
SELECT average::text, closing::text
FROM fx_rates
WHERE pair = $1 AND as_of <= $2
ORDER BY as_of DESC
LIMIT 1`
	var average, closing string
	err := q.db.QueryRow(ctx, query, strings.ToUpper(pair), asOf).Scan(&average, &closing)
	if errors.Is(err, pgx.ErrNoRows) {
		return currency.Quote{}, false, nil
	}
	if err != nil {
		return currency.Quote{}, false, fmt.Errorf("postgres: fx rate %s: %w", pair, err)
	}
	quote := currency.Quote{}
	if quote.Average, err = decimal.NewFromString(average); err != nil {
		return currency.Quote{}, false, fmt.Errorf("postgres: fx rate %s average: %w", pair, err)
	}
	if quote.Closing, err = decimal.NewFromString(closing); err != nil {
		return currency.Quote{}, false, fmt.Errorf("postgres: fx rate %s closing: %w", pair, err)
	}
	return quote, true, nil
}

// Save stores the rate of pair at asOf, replacing an existing one.
func (q *Quotes) Save(ctx context.Context, pair string, asOf time.Time, quote currency.Quote) error {
	if q == nil || q.db == nil {
		return errors.New("postgres: quote store not initialised")
	}
	const upsert = `
INSERT INTO fx_rates (pair, as_of, average, closing)
VALUES ($1, $2, $3::numeric, $4::numeric)
ON CONFLICT (pair, as_of) DO UPDATE SET average = EXCLUDED.average, closing = EXCLUDED.closing`
	if _, err := q.db.Exec(ctx, upsert, strings.ToUpper(pair), asOf, quote.Average.String(), quote.Closing.String()); err != nil {
		return fmt.Errorf("postgres: save fx rate %s: %w", pair, err)
	}
	return nil
}
