package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

func newCache(t *testing.T) (*Totals, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, time.Minute), mr
}

func sample() map[int64]reporting.ExpressionTotal {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return map[int64]reporting.ExpressionTotal{
		1: {Value: decimal.RequireFromString("10.25"), HasSublines: true},
		2: {
			Value:       decimal.NewFromInt(30),
			HasSublines: true,
			Groups: []reporting.GroupedValue{
				{Keys: []any{int64(7), "+base"}, Value: decimal.NewFromInt(10), HasSublines: true},
				{Keys: []any{nil, "-base"}, Value: decimal.NewFromInt(15), HasSublines: true},
				{Keys: []any{day, true}, Value: decimal.NewFromInt(5), HasSublines: true},
			},
		},
		3: {Groups: []reporting.GroupedValue{}},
	}
}

func TestRoundTripKeepsKeyTypes(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	_, ok, err := c.Get(ctx, "1:g:k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "1:g:k", sample()))
	got, ok, err := c.Get(ctx, "1:g:k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 3)

	require.True(t, got[1].Value.Equal(decimal.RequireFromString("10.25")))
	require.False(t, got[1].Grouped())
	require.True(t, got[3].Grouped())
	require.Empty(t, got[3].Groups)

	groups := got[2].Groups
	require.Len(t, groups, 3)
	require.Equal(t, []any{int64(7), "+base"}, groups[0].Keys)
	require.Equal(t, []any{nil, "-base"}, groups[1].Keys)
	day, ok := groups[2].Keys[0].(time.Time)
	require.True(t, ok)
	require.True(t, day.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, true, groups[2].Keys[1])
	require.True(t, groups[1].Value.Equal(decimal.NewFromInt(15)))
}

func TestInvalidateIsPerReport(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "1:g:k", sample()))
	require.NoError(t, c.Set(ctx, "2:g:k", sample()))

	require.NoError(t, c.Invalidate(ctx, 1))
	_, ok, err := c.Get(ctx, "1:g:k")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = c.Get(ctx, "2:g:k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBumpInvalidatesEverything(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "1:g:k", sample()))
	require.NoError(t, c.Bump(ctx))
	_, ok, err := c.Get(ctx, "1:g:k")
	require.NoError(t, err)
	require.False(t, ok)
	v, err := mr.Get(globalVersionKey)
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestEntriesExpire(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "1:g:k", sample()))
	mr.FastForward(2 * time.Minute)
	_, ok, err := c.Get(ctx, "1:g:k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *Totals
	_, ok, err := c.Get(context.Background(), "1:g")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, c.Set(context.Background(), "1:g", sample()))
	require.NoError(t, c.Invalidate(context.Background(), 1))
}
