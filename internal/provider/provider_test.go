package provider

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/config"
	searcherr "github.com/kartikbazzad/bunbase/bunsearch/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/filter"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/logger"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/meta"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/store/memory"
)

type fixture struct {
	cfg      *config.Config
	provider *Provider
	broker   *broker.Broker
	meta     *meta.MemoryStore
	db       *memory.Store
	fatals   atomic.Int32
}

func newFixture(t *testing.T, mutate func(*config.Config), lookup map[string]string) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HeartbeatInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	b, err := broker.New(broker.Options{MailboxSize: 16, Workers: 8, Logger: logger.Discard()})
	require.NoError(t, err)
	f := &fixture{cfg: cfg, broker: b, meta: meta.NewMemoryStore(4), db: memory.New()}

	p, err := New(Options{
		Config:  cfg,
		Log:     logger.Discard(),
		Broker:  b,
		Meta:    f.meta,
		DB:      f.db,
		Lookup:  lookup,
		OnFatal: func(error) { f.fatals.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	f.provider = p

	t.Cleanup(func() {
		_ = p.Stop(context.Background())
		_ = b.Close()
	})
	return f
}

func (f *fixture) register(t *testing.T, payload string) string {
	t.Helper()
	out, err := f.broker.Make(context.Background(), f.cfg.RPCName, []byte(payload))
	require.NoError(t, err)
	var handle string
	require.NoError(t, json.Unmarshal(out, &handle))
	return handle
}

// waitActive waits until the accepted subscription has stored its search.
func (f *fixture) waitActive(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.provider.Stats().ActiveSearches == n
	}, 2*time.Second, 5*time.Millisecond)
}

type listWatcher struct {
	lists chan []string
}

func (w *listWatcher) Send(msg *broker.Message) {
	if msg.Deleted() {
		return
	}
	var entries []string
	if err := json.Unmarshal(msg.Payload, &entries); err == nil {
		w.lists <- entries
	}
}

func (w *listWatcher) waitFor(t *testing.T, want []string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-w.lists:
			if assert.ObjectsAreEqual(want, got) {
				return
			}
		case <-deadline:
			t.Fatalf("list %v never published", want)
		}
	}
}

func newListWatcher() *listWatcher {
	return &listWatcher{lists: make(chan []string, 64)}
}

func TestHeartbeatRPC(t *testing.T) {
	f := newFixture(t, nil, nil)
	out, err := f.broker.Make(context.Background(), f.cfg.RPCName, []byte(`"__heartbeat__"`))
	require.NoError(t, err)
	assert.Equal(t, `"success"`, string(out))

	_, err = f.broker.Make(context.Background(), f.cfg.RPCName, []byte(`"hello"`))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.True(t, searcherr.Is(err, searcherr.KindValidation))
}

func TestRegisterIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	h1 := f.register(t, `{"table":"users","query":[["age","ge",30],["name","match","(?i)^a"]]}`)
	h2 := f.register(t, `{"query": [["age","ge",30], ["name","match","(?i)^a"]], "table": "users"}`)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)
	assert.Equal(t, 1, f.meta.Len())

	rec, err := f.meta.Get(context.Background(), f.provider.MetaName(h1))
	require.NoError(t, err)
	assert.Equal(t, h1, rec.Hash)
	assert.Equal(t, "users", rec.Query.Table)

	h3 := f.register(t, `{"table":"users","query":["age","ge",31]}`)
	assert.NotEqual(t, h1, h3)
	assert.Equal(t, 2, f.meta.Len())
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
		target  error
	}{
		{"missing table", `{"query":["a","eq",1]}`, searcherr.ErrMissingTable},
		{"empty table", `{"table":"","query":["a","eq",1]}`, searcherr.ErrMissingTable},
		{"missing query", `{"table":"users"}`, searcherr.ErrMissingQuery},
		{"empty query", `{"table":"users","query":[]}`, searcherr.ErrMissingQuery},
		{"not an object", `[1,2,3]`, ErrInvalidRequest},
		{"empty payload", ``, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.provider.Register(ctx, []byte(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.True(t, searcherr.Is(err, searcherr.KindValidation))
		})
	}
	assert.Equal(t, 0, f.meta.Len())
}

func TestRegisterNativeRequiresQueryKey(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.NativeQuery = true }, nil)
	_, err := f.provider.Register(context.Background(), []byte(`{"table":"users","query":{"age":1}}`))
	assert.ErrorIs(t, err, searcherr.ErrMissingNativeQuery)

	handle, err := f.provider.Register(context.Background(), []byte(`{"table":"users","query":{"$query":{"age":1}}}`))
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
}

func TestRegisterAppliesCollectionLookup(t *testing.T) {
	f := newFixture(t, nil, map[string]string{"users": "people"})
	handle := f.register(t, `{"table":"users","query":["a","eq",1]}`)

	rec, err := f.meta.Get(context.Background(), f.provider.MetaName(handle))
	require.NoError(t, err)
	assert.Equal(t, "people", rec.Query.Table)

	want, err := Hash(filter.Query{Table: "people", Query: []byte(`["a","eq",1]`)})
	require.NoError(t, err)
	assert.Equal(t, want, handle)
}

func TestLiveSearchLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	for _, doc := range []bson.M{
		{"_id": "1", "ds_id": "alice", "age": 31},
		{"_id": "2", "ds_id": "bob", "age": 25},
	} {
		_, err := f.db.Insert(ctx, "users", doc)
		require.NoError(t, err)
	}

	handle := f.register(t, `{"table":"users","query":["age","ge",30]}`)
	list := f.provider.ListName(handle)

	w := newListWatcher()
	cancel, err := f.broker.Subscribe(list, w)
	require.NoError(t, err)
	w.waitFor(t, []string{"users/alice"})
	f.waitActive(t, 1)

	require.NoError(t, f.db.Update(ctx, "users", "2", bson.M{"age": 40}))
	w.waitFor(t, []string{"users/alice", "users/bob"})

	// a second subscriber shares the same search
	w2 := newListWatcher()
	cancel2, err := f.broker.Subscribe(list, w2)
	require.NoError(t, err)
	w2.waitFor(t, []string{"users/alice", "users/bob"})
	assert.Equal(t, 1, f.provider.Stats().ActiveSearches)
	assert.Equal(t, 1, f.db.FeedCount("users"))

	cancel()
	cancel2()
	require.Eventually(t, func() bool {
		_, hasList := f.broker.Record(list)
		return f.provider.Stats().ActiveSearches == 0 && f.meta.Len() == 0 && !hasList
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.db.FeedCount("users"))

	// the handle is gone until registered again
	rejected, err := f.broker.Subscribe(list, newListWatcher())
	require.NoError(t, err)
	defer rejected()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.provider.Stats().ActiveSearches)
}

func TestSubscriptionToUnknownHandleIsRejected(t *testing.T) {
	f := newFixture(t, nil, nil)
	cancel, err := f.broker.Subscribe(f.provider.ListName("nope"), newListWatcher())
	require.NoError(t, err)
	defer cancel()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.provider.Stats().ActiveSearches)
}

func TestSubscriptionWithBadQueryIsRejected(t *testing.T) {
	f := newFixture(t, nil, nil)
	handle := f.register(t, `{"table":"users","query":["age","like",1]}`)
	cancel, err := f.broker.Subscribe(f.provider.ListName(handle), newListWatcher())
	require.NoError(t, err)
	defer cancel()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.provider.Stats().ActiveSearches)
	assert.Equal(t, 0, f.db.FeedCount("users"))
}

func TestUnregisterTearsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	handle := f.register(t, `{"table":"users","query":["age","ge",0]}`)
	list := f.provider.ListName(handle)

	w := newListWatcher()
	cancel, err := f.broker.Subscribe(list, w)
	require.NoError(t, err)
	defer cancel()
	w.waitFor(t, []string{})
	f.waitActive(t, 1)

	existed, err := f.provider.Unregister(ctx, handle)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 0, f.provider.Stats().ActiveSearches)
	assert.Equal(t, 0, f.meta.Len())
	_, ok := f.broker.Record(list)
	assert.False(t, ok)

	existed, err = f.provider.Unregister(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestStopKeepsRegistrations(t *testing.T) {
	f := newFixture(t, nil, nil)
	handle := f.register(t, `{"table":"users","query":["age","ge",0]}`)
	w := newListWatcher()
	cancel, err := f.broker.Subscribe(f.provider.ListName(handle), w)
	require.NoError(t, err)
	defer cancel()
	w.waitFor(t, []string{})
	f.waitActive(t, 1)

	require.NoError(t, f.provider.Stop(context.Background()))
	assert.Equal(t, 0, f.provider.Stats().ActiveSearches)
	assert.Equal(t, 1, f.meta.Len())
	assert.Equal(t, 0, f.db.FeedCount("users"))

	_, err = f.broker.Make(context.Background(), f.cfg.RPCName, []byte(`"__heartbeat__"`))
	assert.ErrorIs(t, err, broker.ErrNoProvider)
}

func TestHeartbeatFailureIsFatalOnce(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.HeartbeatInterval = 10 * time.Millisecond }, nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), f.fatals.Load())

	f.broker.Unprovide(f.cfg.RPCName)
	require.Eventually(t, func() bool { return f.fatals.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), f.fatals.Load())
}

func TestHashIsCanonical(t *testing.T) {
	a, err := Hash(filter.Query{Table: "t", Query: []byte(`{"$query":{"a":1,"b":2}}`)})
	require.NoError(t, err)
	b, err := Hash(filter.Query{Table: "t", Query: []byte(`{ "$query" : { "b" : 2, "a" : 1 } }`)})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Hash(filter.Query{Table: "u", Query: []byte(`{"$query":{"a":1,"b":2}}`)})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHeartbeatTimeoutIsFatal(t *testing.T) {
	f := newFixture(t, nil, nil)
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	f.broker.Unprovide(f.cfg.RPCName)
	require.NoError(t, f.broker.Provide(f.cfg.RPCName, func(ctx context.Context, payload []byte) ([]byte, error) {
		<-stuck
		return heartbeatReply, nil
	}))

	f.provider.wg.Add(1)
	go f.provider.heartbeat(20 * time.Millisecond)

	require.Eventually(t, func() bool { return f.fatals.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), f.fatals.Load())
}

func TestRegisterWaitsForTeardown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	payload := `{"table":"users","query":["age","ge",0]}`
	handle := f.register(t, payload)

	// hold the handle the way a teardown does
	unlock := f.provider.locks.Lock(handle)
	done := make(chan string, 1)
	go func() {
		h, err := f.provider.Register(ctx, []byte(payload))
		if err != nil {
			h = ""
		}
		done <- h
	}()

	select {
	case <-done:
		t.Fatal("register completed while the handle was being torn down")
	case <-time.After(50 * time.Millisecond):
	}
	_, err := f.meta.Delete(ctx, f.provider.MetaName(handle))
	require.NoError(t, err)
	unlock()

	select {
	case h := <-done:
		assert.Equal(t, handle, h)
	case <-time.After(2 * time.Second):
		t.Fatal("register never completed")
	}
	ok, err := f.meta.Has(ctx, f.provider.MetaName(handle))
	require.NoError(t, err)
	assert.True(t, ok)
}
