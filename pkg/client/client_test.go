package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/config"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/ipc"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/logger"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/meta"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/provider"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/store/memory"
)

var errStop = errors.New("stop")

type server struct {
	socket   string
	db       *memory.Store
	provider *provider.Provider
}

func startServer(t *testing.T) *server {
	t.Helper()
	// unix socket paths are limited to ~100 bytes
	dir, err := os.MkdirTemp("", "bs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "s.sock")

	cfg := config.DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.IPC.SocketPath = socket
	cfg.IPC.MaxConnections = 8

	log := logger.Discard()
	b, err := broker.New(broker.Options{MailboxSize: 16, Workers: 8, Logger: log})
	require.NoError(t, err)
	db := memory.New()
	p, err := provider.New(provider.Options{
		Config:  cfg,
		Log:     log,
		Broker:  b,
		Meta:    meta.NewMemoryStore(4),
		DB:      db,
		OnFatal: func(error) {},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	srv := ipc.NewServer(cfg.IPC, log, ipc.NewHandler(b, p, log, time.Second))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		_ = srv.Stop()
		_ = p.Stop(context.Background())
		_ = b.Close()
	})
	return &server{socket: socket, db: db, provider: p}
}

func dial(t *testing.T, socket string) *Client {
	t.Helper()
	c := New(socket)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHeartbeat(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv.socket)
	require.NoError(t, c.Heartbeat())
}

func TestRegisterErrorsCarryKind(t *testing.T) {
	srv := startServer(t)
	c := dial(t, srv.socket)

	_, err := c.Register("", []any{"a", "eq", 1})
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "validation", e.Kind)
	assert.Contains(t, e.Message, "table")

	_, err = c.RPC("nobody", "x")
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Message, "no provider")

	// the connection survives failed requests
	require.NoError(t, c.Heartbeat())
}

func TestRegisterWatchAndUnregister(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	_, err := srv.db.Insert(ctx, "users", bson.M{"_id": "1", "ds_id": "alice", "age": 31})
	require.NoError(t, err)

	c := dial(t, srv.socket)
	handle, err := c.Register("users", []any{"age", "ge", 30})
	require.NoError(t, err)
	again, err := c.Register("users", []any{"age", "ge", 30})
	require.NoError(t, err)
	assert.Equal(t, handle, again)

	_, err = c.Snapshot(handle)
	assert.ErrorIs(t, err, ErrNotFound)

	updates := make(chan []string, 8)
	watcher := dial(t, srv.socket)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- watcher.Watch(handle, func(msg *Message) error {
			if msg.Deleted {
				close(updates)
				return errStop
			}
			entries, err := msg.Entries()
			if err != nil {
				return err
			}
			updates <- entries
			return nil
		})
	}()

	next := func() []string {
		select {
		case got := <-updates:
			return got
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for list update")
			return nil
		}
	}
	assert.Equal(t, []string{"users/alice"}, next())

	_, err = srv.db.Insert(ctx, "users", bson.M{"_id": "2", "ds_id": "bob", "age": 44})
	require.NoError(t, err)
	assert.Equal(t, []string{"users/alice", "users/bob"}, next())

	entries, err := c.Snapshot(handle)
	require.NoError(t, err)
	assert.Equal(t, []string{"users/alice", "users/bob"}, entries)

	topics, err := c.ListTopics()
	require.NoError(t, err)
	var found bool
	for _, tp := range topics {
		if tp.Name == c.ListName(handle) {
			found = true
			assert.Equal(t, 1, tp.Subscribers)
			assert.True(t, tp.HasRecord)
		}
	}
	assert.True(t, found)

	existed, err := c.Unregister(handle)
	require.NoError(t, err)
	assert.True(t, existed)

	select {
	case err := <-watchDone:
		assert.ErrorIs(t, err, errStop)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not see the list deleted")
	}
	assert.Equal(t, 0, srv.provider.Stats().ActiveSearches)

	existed, err = c.Unregister(handle)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestWatchEndsWhenClientCloses(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	_, err := srv.db.Insert(ctx, "users", bson.M{"_id": "1", "ds_id": "alice", "age": 31})
	require.NoError(t, err)

	c := dial(t, srv.socket)
	handle, err := c.Register("users", []any{"age", "ge", 30})
	require.NoError(t, err)

	watcher := New(srv.socket)
	got := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- watcher.Watch(handle, func(*Message) error {
			select {
			case got <- struct{}{}:
			default:
			}
			return nil
		})
	}()

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no list received")
	}
	require.Eventually(t, func() bool { return srv.provider.Stats().ActiveSearches == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, watcher.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after close")
	}

	// the audience is gone: the search stops and the registration is dropped
	require.Eventually(t, func() bool { return srv.provider.Stats().ActiveSearches == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := c.Snapshot(handle)
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}
