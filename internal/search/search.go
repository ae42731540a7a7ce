// Package search runs one live query: it watches a table for changes and, on
// every change, re-runs the full query and publishes the complete list of
// matching identifiers.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	searcherr "github.com/kartikbazzad/bunbase/bunsearch/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/filter"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/store"
)

// State is the lifecycle position of a Search.
type State int

const (
	StateCreated State = iota
	StateWatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateWatching:
		return "watching"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Params configures a Search.
type Params struct {
	Name               string // handle, used for logging
	Log                *slog.Logger
	Client             store.Client
	Query              filter.Query
	Native             bool
	PrimaryKey         string
	ExcludeTablePrefix bool
	// ReopenDelay is the first wait before reopening a change feed that
	// ended on its own. It doubles up to maxReopenDelay. Zero means one
	// second.
	ReopenDelay time.Duration
	// EvalTimeout bounds one evaluation. Zero means 30 seconds.
	EvalTimeout time.Duration
	// OnResults receives every published list. It is never called after Stop
	// returns.
	OnResults func(entries []string)
}

// Search is a running live query.
type Search struct {
	p      Params
	log    *slog.Logger
	filter bson.M
	sort   bson.D

	cancel context.CancelFunc
	done   chan struct{}

	readyOnce sync.Once
	readyErr  error

	// evalMu serialises evaluation cycles.
	evalMu sync.Mutex

	// mu guards state and feed and is held while OnResults runs.
	mu    sync.Mutex
	state State
	feed  store.Feed
}

const (
	defaultReopenDelay = time.Second
	maxReopenDelay     = 30 * time.Second
	defaultEvalTimeout = 30 * time.Second
)

// New compiles the query, opens a change feed on the table and starts
// watching. On error nothing is left running.
func New(ctx context.Context, p Params) (*Search, error) {
	if p.Client == nil {
		return nil, errors.New("search: client is required")
	}
	if p.Query.Table == "" {
		return nil, searcherr.Validation("search.New", searcherr.ErrMissingTable)
	}
	if p.PrimaryKey == "" {
		p.PrimaryKey = "_id"
	}
	if p.Log == nil {
		p.Log = slog.Default()
	}
	if p.ReopenDelay <= 0 {
		p.ReopenDelay = defaultReopenDelay
	}
	if p.EvalTimeout <= 0 {
		p.EvalTimeout = defaultEvalTimeout
	}

	s := &Search{
		p:     p,
		log:   p.Log.With("handle", p.Name, "table", p.Query.Table),
		done:  make(chan struct{}),
		state: StateCreated,
	}
	if err := s.compile(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The search outlives the request that created it.
	loopCtx, cancel := context.WithCancel(context.Background())
	feed, err := p.Client.Watch(loopCtx, p.Query.Table)
	if err != nil {
		cancel()
		return nil, searcherr.Store("search.New", fmt.Errorf("watch %s: %w", p.Query.Table, err))
	}
	s.feed = feed
	s.cancel = cancel
	s.state = StateWatching

	go s.watch(loopCtx, feed)
	s.log.Debug("live search watching")
	return s, nil
}

func (s *Search) compile() error {
	if s.p.Native {
		n, err := filter.ParseNative(s.p.Query.Query)
		if err != nil {
			return err
		}
		s.filter, s.sort = n.Filter, n.Sort
		return nil
	}
	expr, err := filter.CompileJSON(s.p.Query.Query)
	if err != nil {
		return err
	}
	s.filter = expr.Native()
	return nil
}

// Filter returns the compiled native filter.
func (s *Search) Filter() bson.M { return s.filter }

// State returns the current lifecycle state.
func (s *Search) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WhenReady runs and publishes the first evaluation. Only the first call
// evaluates; later calls return its result.
func (s *Search) WhenReady(ctx context.Context) error {
	s.readyOnce.Do(func() {
		s.readyErr = s.cycle(ctx)
	})
	return s.readyErr
}

// Stop closes the change feed and waits for the watch loop to exit. An
// evaluation in flight runs to completion and its result is discarded. Stop
// is idempotent.
func (s *Search) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	feed := s.feed
	s.mu.Unlock()

	s.cancel()
	err := feed.Close()
	<-s.done
	s.log.Debug("live search stopped")
	return err
}

func (s *Search) watch(ctx context.Context, feed store.Feed) {
	defer close(s.done)
	for {
		for range feed.Events() {
			// A burst of changes needs only one evaluation.
			drain(feed.Events())
			s.evaluateInLoop(ctx)
		}
		if ctx.Err() != nil {
			return
		}

		s.log.Warn("change feed ended, reopening", "error", feed.Err())
		_ = feed.Close()
		feed = s.reopen(ctx)
		if feed == nil {
			return
		}
		// changes made while the feed was down were never delivered
		s.evaluateInLoop(ctx)
	}
}

// evaluateInLoop runs one cycle on a context Stop does not cancel.
func (s *Search) evaluateInLoop(ctx context.Context) {
	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.p.EvalTimeout)
	defer cancel()
	if err := s.cycle(evalCtx); err != nil && ctx.Err() == nil {
		s.log.Warn("evaluation failed, keeping previous list", "error", err)
	}
}

// reopen watches the table again, backing off between failed attempts. It
// returns nil once the search is stopped.
func (s *Search) reopen(ctx context.Context) store.Feed {
	table := s.p.Query.Table
	delay := s.p.ReopenDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		feed, err := s.p.Client.Watch(ctx, table)
		metrics.FeedReopensTotal.WithLabelValues(table, metrics.Status(err)).Inc()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("reopening change feed failed", "error", err, "retry_in", delay)
			delay = min(delay*2, maxReopenDelay)
			continue
		}

		s.mu.Lock()
		if s.state == StateStopped {
			s.mu.Unlock()
			_ = feed.Close()
			return nil
		}
		s.feed = feed
		s.mu.Unlock()
		s.log.Info("change feed reopened")
		return feed
	}
}

func drain(ch <-chan store.ChangeEvent) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// cycle evaluates and publishes. Failures are StoreErrors; nothing is
// published for a failed cycle.
func (s *Search) cycle(ctx context.Context) error {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()
	if s.State() == StateStopped {
		return nil
	}

	entries, err := s.evaluate(ctx)
	if err != nil {
		return err
	}
	s.publish(entries)
	return nil
}

func (s *Search) publish(entries []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped || s.p.OnResults == nil {
		return
	}
	s.p.OnResults(entries)
}

func (s *Search) evaluate(ctx context.Context) ([]string, error) {
	table := s.p.Query.Table
	start := time.Now()
	rows, err := s.p.Client.Find(ctx, table, s.filter, store.FindOptions{
		Projection: []string{s.p.PrimaryKey},
		Sort:       s.sort,
	})
	metrics.EvaluationDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
	metrics.EvaluationsTotal.WithLabelValues(table, metrics.Status(err)).Inc()
	if err != nil {
		return nil, searcherr.Store("search.evaluate", err)
	}

	entries := make([]string, 0, len(rows))
	for _, row := range rows {
		id, ok := row[s.p.PrimaryKey]
		if !ok || id == nil {
			id = row["_id"]
		}
		entry := idString(id)
		if !s.p.ExcludeTablePrefix {
			entry = table + "/" + entry
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func idString(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
