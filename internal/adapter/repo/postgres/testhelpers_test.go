package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements the slice of pgx.Rows the repos touch: Next/Scan/Err/
// Close. The embedded interface covers the rest; calling anything else panics,
// which is what we want in a test.
type rowsStub struct {
	pgx.Rows
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Close()     {}
func (r *rowsStub) Err() error { return r.err }
func (r *rowsStub) Next() bool { return r.idx < len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error {
	fn := r.scans[r.idx]
	r.idx++
	return fn(dest...)
}

// txStub implements the pgx.Tx methods SetStockLocked uses.
type txStub struct {
	pgx.Tx
	row        rowStub
	execTag    pgconn.CommandTag
	execErr    error
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *txStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row { return t.row }
func (t *txStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return t.execTag, t.execErr
}
func (t *txStub) Commit(_ context.Context) error {
	t.committed = true
	return t.commitErr
}
func (t *txStub) Rollback(_ context.Context) error {
	t.rolledBack = true
	return nil
}

// poolStub implements postgres.PgxPool for tests.
// Define in a shared helper so multiple *_test.go files can reuse it without redefs

type poolStub struct {
	execTag   pgconn.CommandTag
	execErr   error
	execCalls int
	row       rowStub
	rows      *rowsStub
	queryErr  error
	tx        *txStub
	beginErr  error
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	p.execCalls++
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	if p.tx == nil {
		return nil, errors.New("no tx configured")
	}
	return p.tx, nil
}

// tag builds a CommandTag; RowsAffected parses the trailing count, so
// tag("UPDATE 1") affects one row.
func tag(op string) pgconn.CommandTag { return pgconn.NewCommandTag(op) }
