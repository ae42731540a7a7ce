// Package mongo implements store.Client on top of the official MongoDB driver.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/store"
)

// Config holds connection settings.
type Config struct {
	URL            string
	Database       string
	ConnectTimeout time.Duration
	FeedBuffer     int
}

// Client is a store.Client backed by one MongoDB database.
type Client struct {
	client     *mongo.Client
	db         *mongo.Database
	feedBuffer int
}

var _ store.Client = (*Client)(nil)

// Connect dials MongoDB and pings the primary.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("mongo: url is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo: database is required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	buffer := cfg.FeedBuffer
	if buffer <= 0 {
		buffer = 64
	}

	opts := options.Client().ApplyURI(cfg.URL).SetConnectTimeout(timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	return &Client{
		client:     client,
		db:         client.Database(cfg.Database),
		feedBuffer: buffer,
	}, nil
}

// Find runs filter against table. When a projection is given only those fields
// and _id are fetched.
func (c *Client) Find(ctx context.Context, table string, filter bson.M, opts store.FindOptions) ([]store.Row, error) {
	findOpts := options.Find()
	if len(opts.Projection) > 0 {
		projection := bson.M{"_id": 1}
		for _, f := range opts.Projection {
			projection[f] = 1
		}
		findOpts.SetProjection(projection)
	}
	if len(opts.Sort) > 0 {
		findOpts.SetSort(opts.Sort)
	}

	cursor, err := c.db.Collection(table).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: find %s: %w", table, err)
	}
	var rows []store.Row
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongo: read %s: %w", table, err)
	}
	return rows, nil
}

// Watch opens a change stream on table.
func (c *Client) Watch(ctx context.Context, table string) (store.Feed, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := c.db.Collection(table).Watch(streamCtx, mongo.Pipeline{})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mongo: watch %s: %w", table, err)
	}

	f := &feed{
		table:  table,
		stream: cs,
		cancel: cancel,
		ch:     make(chan store.ChangeEvent, c.feedBuffer),
		done:   make(chan struct{}),
	}
	go f.run(streamCtx)
	return f, nil
}

// Close disconnects from the server.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
}

type feed struct {
	table  string
	stream *mongo.ChangeStream
	cancel context.CancelFunc
	ch     chan store.ChangeEvent
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (f *feed) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.ch)
	defer f.stream.Close(context.Background())

	for f.stream.Next(ctx) {
		var doc changeDoc
		if err := f.stream.Decode(&doc); err != nil {
			f.setErr(fmt.Errorf("mongo: decode change on %s: %w", f.table, err))
			return
		}
		ev := store.ChangeEvent{Table: f.table, Op: toOp(doc.OperationType), DocumentID: doc.DocumentKey.ID}
		select {
		case f.ch <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := f.stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		f.setErr(fmt.Errorf("mongo: change stream on %s: %w", f.table, err))
	}
}

func toOp(operationType string) store.Op {
	switch operationType {
	case "insert":
		return store.OpInsert
	case "update":
		return store.OpUpdate
	case "replace":
		return store.OpReplace
	case "delete":
		return store.OpDelete
	default:
		return store.OpOther
	}
}

func (f *feed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *feed) Events() <-chan store.ChangeEvent { return f.ch }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close stops the stream and waits for the reader goroutine to exit.
func (f *feed) Close() error {
	f.cancel()
	<-f.done
	return nil
}
