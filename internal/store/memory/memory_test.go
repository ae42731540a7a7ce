package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/store"
)

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, doc := range []bson.M{
		{"_id": "a", "ds_id": "u1", "name": "Alice", "age": 31.0},
		{"_id": "b", "ds_id": "u2", "name": "bob", "age": 25.0},
		{"_id": "c", "ds_id": "u3", "name": "Carol", "age": 40.0},
	} {
		_, err := s.Insert(ctx, "users", doc)
		require.NoError(t, err)
	}
}

func TestFindFiltersAndProjects(t *testing.T) {
	s := New()
	seed(t, s)

	rows, err := s.Find(context.Background(), "users", bson.M{"age": bson.M{"$gte": 30}}, store.FindOptions{Projection: []string{"ds_id"}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, bson.M{"_id": "a", "ds_id": "u1"}, rows[0])
	assert.Equal(t, bson.M{"_id": "c", "ds_id": "u3"}, rows[1])
}

func TestFindSorts(t *testing.T) {
	s := New()
	seed(t, s)

	rows, err := s.Find(context.Background(), "users", bson.M{}, store.FindOptions{Sort: bson.D{{Key: "age", Value: int32(-1)}}})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "c", rows[0]["_id"])
	assert.Equal(t, "a", rows[1]["_id"])
	assert.Equal(t, "b", rows[2]["_id"])
}

func TestFindMissingTable(t *testing.T) {
	rows, err := New().Find(context.Background(), "nothing", bson.M{}, store.FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMatchOperators(t *testing.T) {
	oid := primitive.NewObjectID()
	doc := bson.M{"_id": oid, "name": "Alice", "age": int32(31), "tags": bson.A{"x", "y"}, "address": bson.M{"city": "Oslo"}}

	tests := []struct {
		name   string
		filter bson.M
		want   bool
	}{
		{"eq", bson.M{"name": bson.M{"$eq": "Alice"}}, true},
		{"implicit eq", bson.M{"name": "Alice"}, true},
		{"ne missing field", bson.M{"missing": bson.M{"$ne": 1}}, true},
		{"gt mixed numeric types", bson.M{"age": bson.M{"$gt": 30.5}}, true},
		{"lte", bson.M{"age": bson.M{"$lte": 30}}, false},
		{"in", bson.M{"age": bson.M{"$in": bson.A{1, 31}}}, true},
		{"in array field", bson.M{"tags": bson.M{"$in": bson.A{"y"}}}, true},
		{"regex", bson.M{"name": bson.M{"$regex": primitive.Regex{Pattern: "^al", Options: "i"}}}, true},
		{"regex string with options", bson.M{"name": bson.M{"$regex": "^AL", "$options": "i"}}, true},
		{"regex case sensitive", bson.M{"name": bson.M{"$regex": primitive.Regex{Pattern: "^al"}}}, false},
		{"object id", bson.M{"_id": bson.M{"$eq": oid}}, true},
		{"dotted path", bson.M{"address.city": "Oslo"}, true},
		{"and", bson.M{"$and": bson.A{bson.M{"name": "Alice"}, bson.M{"age": bson.M{"$lt": 20}}}}, false},
		{"or", bson.M{"$or": bson.A{bson.M{"name": "Bob"}, bson.M{"age": bson.M{"$gt": 20}}}}, true},
		{"exists", bson.M{"address": bson.M{"$exists": true}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(doc, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchUnknownOperator(t *testing.T) {
	_, err := Match(bson.M{"a": 1}, bson.M{"a": bson.M{"$near": 1}})
	assert.Error(t, err)
}

func nextEvent(t *testing.T, f store.Feed) store.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-f.Events():
		require.True(t, ok, "feed closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return store.ChangeEvent{}
}

func TestWatchReportsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	f, err := s.Watch(ctx, "users")
	require.NoError(t, err)
	defer f.Close()

	id, err := s.Insert(ctx, "users", bson.M{"name": "Dan"})
	require.NoError(t, err)
	ev := nextEvent(t, f)
	assert.Equal(t, store.OpInsert, ev.Op)
	assert.Equal(t, id, ev.DocumentID)

	require.NoError(t, s.Update(ctx, "users", id, bson.M{"age": 3}))
	assert.Equal(t, store.OpUpdate, nextEvent(t, f).Op)

	require.NoError(t, s.Delete(ctx, "users", id))
	assert.Equal(t, store.OpDelete, nextEvent(t, f).Op)

	// writes to other tables are not reported
	_, err = s.Insert(ctx, "orders", bson.M{"n": 1})
	require.NoError(t, err)
	select {
	case ev := <-f.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := New()
	f, err := s.Watch(ctx, "users")
	require.NoError(t, err)
	require.Equal(t, 1, s.FeedCount("users"))

	require.NoError(t, f.Close())
	assert.Equal(t, 0, s.FeedCount("users"))

	_, err = s.Insert(ctx, "users", bson.M{"name": "Eve"})
	require.NoError(t, err)
	_, ok := <-f.Events()
	assert.False(t, ok)
	assert.NoError(t, f.Err())
}

func TestFeedEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New()
	f, err := s.Watch(ctx, "users")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-f.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not end")
	}
	assert.ErrorIs(t, f.Err(), context.Canceled)
}

func TestCloseEndsFeeds(t *testing.T) {
	ctx := context.Background()
	s := New()
	f, err := s.Watch(ctx, "users")
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	_, ok := <-f.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, f.Err(), store.ErrClosed)

	_, err = s.Find(ctx, "users", bson.M{}, store.FindOptions{})
	assert.ErrorIs(t, err, store.ErrClosed)
}
