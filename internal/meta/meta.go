// Package meta persists query records: the registered {table, query} pair of
// every live search, keyed by "<meta-prefix><handle>".
package meta

import (
	"context"
	"errors"
	"time"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/filter"
)

// ErrNotFound is returned by Get when no record exists under the name.
var ErrNotFound = errors.New("query record not found")

// Record is a registered search.
type Record struct {
	Hash      string       `json:"hash"`
	Query     filter.Query `json:"query"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Store holds query records.
type Store interface {
	Has(ctx context.Context, name string) (bool, error)
	Get(ctx context.Context, name string) (*Record, error)
	// Put creates or overwrites the record stored under name.
	Put(ctx context.Context, name string, rec *Record) error
	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}
