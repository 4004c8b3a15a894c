package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type stubTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *stubTx) Commit(context.Context) error { t.committed = true; return nil }

func (t *stubTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type stubBeginner struct {
	tx   *stubTx
	opts pgx.TxOptions
}

func (b *stubBeginner) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	b.opts = opts
	return b.tx, nil
}

func TestWithTxCommits(t *testing.T) {
	b := &stubBeginner{tx: &stubTx{}}
	require.NoError(t, WithTx(context.Background(), b, func(pgx.Tx) error { return nil }))
	require.True(t, b.tx.committed)
	require.False(t, b.tx.rolledBack)
	require.Equal(t, pgx.ReadCommitted, b.opts.IsoLevel)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	b := &stubBeginner{tx: &stubTx{}}
	boom := errors.New("boom")
	err := WithTx(context.Background(), b, func(pgx.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.False(t, b.tx.committed)
	require.True(t, b.tx.rolledBack)

	require.Error(t, WithTx(context.Background(), nil, func(pgx.Tx) error { return nil }))
}
