// Package driver defines the storage contract the pipeline consumes and
// ships three implementations: an in-memory store, a SQL store
// (PostgreSQL/SQLite) and a MongoDB store. Drivers receive the
// storage-neutral query AST and lower it to their own syntax.
package driver

import (
	"context"
	"errors"

	"objectflow/internal/query"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnsupported marks a capability a driver does not provide. Missing
	// capabilities fail loudly, never as a silent no-op.
	ErrUnsupported     = errors.New("unsupported operation")
	ErrUniqueViolation = errors.New("unique constraint violation")
	// ErrTxConflict reports a commit rejected because the store changed
	// after the transaction's snapshot was taken.
	ErrTxConflict = errors.New("transaction conflict")
)

// Record is the raw storage representation of one row/document.
type Record = map[string]any

// Driver is the core storage contract.
type Driver interface {
	Find(ctx context.Context, object string, q *query.Query) ([]Record, error)
	FindOne(ctx context.Context, object string, id any) (Record, error)
	Insert(ctx context.Context, object string, doc Record) (Record, error)
	Update(ctx context.Context, object string, id any, doc Record) (Record, error)
	Delete(ctx context.Context, object string, id any) error
	Count(ctx context.Context, object string, filters []any) (int64, error)
}

// Tx is a transaction-scoped driver handle.
type Tx interface {
	Driver
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transactional is implemented by drivers supporting transactions.
type Transactional interface {
	Begin(ctx context.Context) (Tx, error)
}

// Aggregator is implemented by drivers supporting aggregate queries.
type Aggregator interface {
	Aggregate(ctx context.Context, object string, q *query.Query) ([]Record, error)
}

// Distincter is implemented by drivers supporting distinct-value queries.
type Distincter interface {
	Distinct(ctx context.Context, object string, field string, filters []any) ([]any, error)
}

// AtomicUpdater is implemented by drivers that can apply an update and
// return the resulting record in one storage round trip.
type AtomicUpdater interface {
	FindOneAndUpdate(ctx context.Context, object string, id any, doc Record) (Record, error)
}

// Begin starts a transaction, or fails with ErrUnsupported.
func Begin(ctx context.Context, d Driver) (Tx, error) {
	t, ok := d.(Transactional)
	if !ok {
		return nil, ErrUnsupported
	}
	return t.Begin(ctx)
}

// Aggregate runs an aggregate query, or fails with ErrUnsupported.
func Aggregate(ctx context.Context, d Driver, object string, q *query.Query) ([]Record, error) {
	a, ok := d.(Aggregator)
	if !ok {
		return nil, ErrUnsupported
	}
	return a.Aggregate(ctx, object, q)
}

// Distinct returns distinct values for a field, or fails with ErrUnsupported.
func Distinct(ctx context.Context, d Driver, object, field string, filters []any) ([]any, error) {
	dd, ok := d.(Distincter)
	if !ok {
		return nil, ErrUnsupported
	}
	return dd.Distinct(ctx, object, field, filters)
}

// FindOneAndUpdate applies an update atomically, or fails with
// ErrUnsupported.
func FindOneAndUpdate(ctx context.Context, d Driver, object string, id any, doc Record) (Record, error) {
	au, ok := d.(AtomicUpdater)
	if !ok {
		return nil, ErrUnsupported
	}
	return au.FindOneAndUpdate(ctx, object, id, doc)
}
