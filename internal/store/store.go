// Package store defines the document store collaborator the live searches
// run against: a one-shot filtered query and a per-table change feed.
package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrClosed is returned by a client or feed used after Close.
var ErrClosed = errors.New("store closed")

// Row is a projected document returned by Find.
type Row = bson.M

// Op is the kind of change reported by a feed.
type Op string

const (
	OpInsert  Op = "insert"
	OpUpdate  Op = "update"
	OpReplace Op = "replace"
	OpDelete  Op = "delete"
	OpOther   Op = "other"
)

// ChangeEvent is one mutation of a watched table.
type ChangeEvent struct {
	Table      string
	Op         Op
	DocumentID any
}

// FindOptions narrows a Find.
type FindOptions struct {
	Projection []string // fields to return besides _id; empty returns whole documents
	Sort       bson.D
}

// Feed is a cancellable change subscription on one table. Events is closed
// once the feed ends; Err reports why it ended. After Close returns no further
// event is delivered.
type Feed interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// Client is the database collaborator.
type Client interface {
	Find(ctx context.Context, table string, filter bson.M, opts FindOptions) ([]Row, error)
	Watch(ctx context.Context, table string) (Feed, error)
	Close(ctx context.Context) error
}
