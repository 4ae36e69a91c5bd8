package region

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/derror"
)

var txSeq atomic.Uint64

// TxState is a client transaction. Operations run inside one go to the
// server only; their local effect is recorded and applied on Commit.
type TxState struct {
	id uint64

	mu      sync.Mutex
	dirty   bool
	done    bool
	changes []txChange
}

type txChange struct {
	region string
	apply  func(context.Context) error
}

// NewTx starts a transaction.
func NewTx() *TxState { return &TxState{id: txSeq.Add(1)} }

func (tx *TxState) ID() uint64 { return tx.id }

// Dirty reports whether any operation reached the server.
func (tx *TxState) Dirty() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.dirty
}

// Finished reports whether the transaction was committed or rolled back.
func (tx *TxState) Finished() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.done
}

// Len returns the number of recorded changes.
func (tx *TxState) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.changes)
}

func (tx *TxState) record(region string, apply func(context.Context) error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrNotSupported
	}
	tx.dirty = true
	tx.changes = append(tx.changes, txChange{region: region, apply: apply})
	return nil
}

// Commit applies the recorded changes locally, in order. Every change is
// attempted; the failures are returned together.
func (tx *TxState) Commit(ctx context.Context) error {
	changes, ok := tx.finish()
	if !ok {
		return ErrNotSupported
	}
	var errs derror.MultiError
	for _, c := range changes {
		if err := c.apply(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Rollback discards the recorded changes.
func (tx *TxState) Rollback() error {
	if _, ok := tx.finish(); !ok {
		return ErrNotSupported
	}
	return nil
}

func (tx *TxState) finish() ([]txChange, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, false
	}
	tx.done = true
	changes := tx.changes
	tx.changes = nil
	return changes, true
}

type txKey struct{}

// WithTx returns a context whose region operations run inside tx.
func WithTx(ctx context.Context, tx *TxState) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the transaction of ctx, or nil.
func TxFromContext(ctx context.Context) *TxState {
	tx, _ := ctx.Value(txKey{}).(*TxState)
	return tx
}
