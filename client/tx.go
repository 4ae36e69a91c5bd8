package client

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/IvanBrykalov/gridclient/region"
)

var (
	// ErrTxActive is returned by Begin when ctx already carries a transaction.
	ErrTxActive = errors.New("client: transaction already active")
	// ErrNoTx is returned by Commit and Rollback when ctx carries none.
	ErrNoTx = errors.New("client: no transaction")
)

// TxManager starts and ends transactions. A transaction travels in the
// context passed to region operations.
type TxManager struct {
	begun      atomic.Uint64
	committed  atomic.Uint64
	rolledBack atomic.Uint64
}

// Begin starts a transaction and returns the context to run it in.
func (m *TxManager) Begin(ctx context.Context) (context.Context, *region.TxState, error) {
	if tx := region.TxFromContext(ctx); tx != nil && !tx.Finished() {
		return ctx, nil, ErrTxActive
	}
	tx := region.NewTx()
	m.begun.Add(1)
	return region.WithTx(ctx, tx), tx, nil
}

// Commit applies the local effects of the transaction in ctx.
func (m *TxManager) Commit(ctx context.Context) error {
	tx := region.TxFromContext(ctx)
	if tx == nil {
		return ErrNoTx
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	m.committed.Add(1)
	return nil
}

// Rollback discards the local effects of the transaction in ctx.
func (m *TxManager) Rollback(ctx context.Context) error {
	tx := region.TxFromContext(ctx)
	if tx == nil {
		return ErrNoTx
	}
	if err := tx.Rollback(); err != nil {
		return err
	}
	m.rolledBack.Add(1)
	return nil
}

// Exists reports whether ctx carries an unfinished transaction.
func (m *TxManager) Exists(ctx context.Context) bool {
	tx := region.TxFromContext(ctx)
	return tx != nil && !tx.Finished()
}

// TxCounts is a snapshot of the manager's counters.
type TxCounts struct {
	Begun, Committed, RolledBack uint64
}

func (m *TxManager) Counts() TxCounts {
	return TxCounts{
		Begun:      m.begun.Load(),
		Committed:  m.committed.Load(),
		RolledBack: m.rolledBack.Load(),
	}
}
