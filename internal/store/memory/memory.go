// Package memory is an embedded document store implementing store.Client.
//
// Tables hold bson.M documents keyed by _id. Every write is reported on the
// change feeds of its table, so live searches behave the same way they do
// against a MongoDB change stream.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/store"
)

// defaultFeedBuffer is the per-feed event buffer.
const defaultFeedBuffer = 64

type table struct {
	docs  map[string]bson.M
	order []string // insertion order, the natural order of Find
}

// Store is an in-memory document store with change feeds.
type Store struct {
	mu         sync.RWMutex
	tables     map[string]*table
	feeds      map[string]map[*feed]struct{}
	closed     bool
	feedBuffer int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tables:     make(map[string]*table),
		feeds:      make(map[string]map[*feed]struct{}),
		feedBuffer: defaultFeedBuffer,
	}
}

var _ store.Client = (*Store)(nil)

func keyOf(id any) string {
	if oid, ok := id.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(id)
}

func copyDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Insert adds a document and returns its _id. A missing _id is generated.
func (s *Store) Insert(ctx context.Context, tableName string, doc bson.M) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc = copyDoc(doc)
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = primitive.NewObjectID()
	}
	id := doc["_id"]
	key := keyOf(id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrClosed
	}
	t := s.tables[tableName]
	if t == nil {
		t = &table{docs: make(map[string]bson.M)}
		s.tables[tableName] = t
	}
	if _, exists := t.docs[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("duplicate _id %s in %s", key, tableName)
	}
	t.docs[key] = doc
	t.order = append(t.order, key)
	feeds := s.feedsOf(tableName)
	s.mu.Unlock()

	notify(feeds, store.ChangeEvent{Table: tableName, Op: store.OpInsert, DocumentID: id})
	return id, nil
}

// Replace swaps the document stored under id, keeping its _id.
func (s *Store) Replace(ctx context.Context, tableName string, id any, doc bson.M) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc = copyDoc(doc)
	doc["_id"] = id
	key := keyOf(id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	t := s.tables[tableName]
	if t == nil || t.docs[key] == nil {
		s.mu.Unlock()
		return fmt.Errorf("document %s not found in %s", key, tableName)
	}
	t.docs[key] = doc
	feeds := s.feedsOf(tableName)
	s.mu.Unlock()

	notify(feeds, store.ChangeEvent{Table: tableName, Op: store.OpReplace, DocumentID: id})
	return nil
}

// Update sets the given fields on the document stored under id.
func (s *Store) Update(ctx context.Context, tableName string, id any, fields bson.M) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := keyOf(id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	t := s.tables[tableName]
	if t == nil || t.docs[key] == nil {
		s.mu.Unlock()
		return fmt.Errorf("document %s not found in %s", key, tableName)
	}
	doc := copyDoc(t.docs[key])
	for k, v := range fields {
		if k == "_id" {
			continue
		}
		doc[k] = v
	}
	t.docs[key] = doc
	feeds := s.feedsOf(tableName)
	s.mu.Unlock()

	notify(feeds, store.ChangeEvent{Table: tableName, Op: store.OpUpdate, DocumentID: id})
	return nil
}

// Delete removes the document stored under id. Deleting a missing document is
// not an error and emits no event.
func (s *Store) Delete(ctx context.Context, tableName string, id any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := keyOf(id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}
	t := s.tables[tableName]
	if t == nil || t.docs[key] == nil {
		s.mu.Unlock()
		return nil
	}
	delete(t.docs, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	feeds := s.feedsOf(tableName)
	s.mu.Unlock()

	notify(feeds, store.ChangeEvent{Table: tableName, Op: store.OpDelete, DocumentID: id})
	return nil
}

// Find returns the documents of table matching filter, in insertion order
// unless opts.Sort is set.
func (s *Store) Find(ctx context.Context, tableName string, filter bson.M, opts store.FindOptions) ([]store.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, store.ErrClosed
	}
	var docs []bson.M
	if t := s.tables[tableName]; t != nil {
		docs = make([]bson.M, 0, len(t.order))
		for _, key := range t.order {
			docs = append(docs, t.docs[key])
		}
	}
	s.mu.RUnlock()

	rows := make([]store.Row, 0, len(docs))
	for _, doc := range docs {
		ok, err := Match(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, doc)
		}
	}
	if len(opts.Sort) > 0 {
		sortRows(rows, opts.Sort)
	}
	for i, doc := range rows {
		rows[i] = project(doc, opts.Projection)
	}
	return rows, nil
}

func project(doc bson.M, fields []string) bson.M {
	if len(fields) == 0 {
		return copyDoc(doc)
	}
	out := bson.M{"_id": doc["_id"]}
	for _, f := range fields {
		if v, ok := lookup(doc, f); ok {
			out[f] = v
		}
	}
	return out
}

func sortRows(rows []store.Row, order bson.D) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, e := range order {
			a, _ := lookup(rows[i], e.Key)
			b, _ := lookup(rows[j], e.Key)
			c, ok := compare(a, b)
			if !ok || c == 0 {
				continue
			}
			if dir, _ := toFloat(e.Value); dir < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Watch opens a change feed on table. The feed ends when ctx is done or Close
// is called.
func (s *Store) Watch(ctx context.Context, tableName string) (store.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	f := &feed{
		store: s,
		table: tableName,
		ch:    make(chan store.ChangeEvent, s.feedBuffer),
		done:  make(chan struct{}),
	}
	if s.feeds[tableName] == nil {
		s.feeds[tableName] = make(map[*feed]struct{})
	}
	s.feeds[tableName][f] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			f.end(ctx.Err())
		case <-f.done:
		}
	}()
	return f, nil
}

// Close ends every open feed and rejects further calls.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*feed
	for _, set := range s.feeds {
		for f := range set {
			all = append(all, f)
		}
	}
	s.mu.Unlock()

	for _, f := range all {
		f.end(store.ErrClosed)
	}
	return nil
}

// FeedCount reports the number of open feeds on table.
func (s *Store) FeedCount(tableName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.feeds[tableName])
}

// feedsOf must be called with s.mu held.
func (s *Store) feedsOf(tableName string) []*feed {
	set := s.feeds[tableName]
	out := make([]*feed, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}

func (s *Store) removeFeed(f *feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.feeds[f.table]; set != nil {
		delete(set, f)
		if len(set) == 0 {
			delete(s.feeds, f.table)
		}
	}
}

func notify(feeds []*feed, ev store.ChangeEvent) {
	for _, f := range feeds {
		f.send(ev)
	}
}

type feed struct {
	store *Store
	table string
	ch    chan store.ChangeEvent

	done     chan struct{}
	doneOnce sync.Once

	// mu serialises sends with closing ch.
	mu     sync.Mutex
	closed bool
	err    error
}

func (f *feed) Events() <-chan store.ChangeEvent { return f.ch }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() error {
	f.end(nil)
	return nil
}

func (f *feed) send(ev store.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- ev:
	case <-f.done:
	}
}

func (f *feed) end(err error) {
	f.doneOnce.Do(func() {
		close(f.done)
		f.store.removeFeed(f)

		f.mu.Lock()
		f.closed = true
		f.err = err
		close(f.ch)
		f.mu.Unlock()
	})
}
