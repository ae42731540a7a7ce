package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(Options{MailboxSize: 4, Workers: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type collector struct {
	mu   sync.Mutex
	msgs []*Message
	ch   chan *Message
}

func newCollector() *collector {
	return &collector{ch: make(chan *Message, 64)}
}

func (c *collector) Send(msg *Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- msg
}

func (c *collector) next(t *testing.T) *Message {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestRetainedRecordDeliveredOnSubscribe(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.SetRecord("list_a", []byte(`["x"]`)))

	c := newCollector()
	cancel, err := b.Subscribe("list_a", c)
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, `["x"]`, string(c.next(t).Payload))

	require.NoError(t, b.SetRecord("list_a", []byte(`["x","y"]`)))
	assert.Equal(t, `["x","y"]`, string(c.next(t).Payload))

	data, ok := b.Record("list_a")
	require.True(t, ok)
	assert.Equal(t, `["x","y"]`, string(data))
}

func TestDeleteRecordNotifiesSubscribers(t *testing.T) {
	b := newTestBroker(t)
	c := newCollector()
	cancel, err := b.Subscribe("list_a", c)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.SetRecord("list_a", []byte(`[]`)))
	c.next(t)

	assert.True(t, b.DeleteRecord("list_a"))
	assert.True(t, c.next(t).Deleted())
	assert.False(t, b.DeleteRecord("list_a"))

	_, ok := b.Record("list_a")
	assert.False(t, ok)
}

func TestFullMailboxDropsOldest(t *testing.T) {
	b := newTestBroker(t)
	release := make(chan struct{})
	got := make(chan string, 16)
	sub := SubscriberFunc(func(m *Message) {
		<-release
		got <- string(m.Payload)
	})
	cancel, err := b.Subscribe("t", sub)
	require.NoError(t, err)
	defer cancel()

	// The first message may already be held by the delivery goroutine; the
	// mailbox then keeps only the newest four.
	for _, p := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		require.NoError(t, b.SetRecord("t", []byte(p)))
	}
	close(release)

	var last string
	deadline := time.After(2 * time.Second)
	for last != "8" {
		select {
		case last = <-got:
		case <-deadline:
			t.Fatalf("latest update not delivered, last %q", last)
		}
	}
}

func TestListenAcceptAndStop(t *testing.T) {
	b := newTestBroker(t)
	offered := make(chan string, 4)
	stopped := make(chan string, 4)

	unlisten, err := b.Listen(`^list_.*`, func(topic string, resp *ListenResponse) {
		offered <- topic
		resp.Accept()
		resp.OnStop(func() { stopped <- topic })
	})
	require.NoError(t, err)
	defer unlisten()

	other, err := b.Subscribe("meta_x", newCollector())
	require.NoError(t, err)
	defer other()

	c1, err := b.Subscribe("list_x", newCollector())
	require.NoError(t, err)
	c2, err := b.Subscribe("list_x", newCollector())
	require.NoError(t, err)

	select {
	case topic := <-offered:
		assert.Equal(t, "list_x", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("listener not invoked")
	}
	// second subscriber does not re-offer
	select {
	case topic := <-offered:
		t.Fatalf("unexpected second offer of %s", topic)
	case <-time.After(50 * time.Millisecond):
	}

	c1()
	select {
	case <-stopped:
		t.Fatal("stopped while a subscriber remains")
	case <-time.After(50 * time.Millisecond):
	}
	c2()
	select {
	case topic := <-stopped:
		assert.Equal(t, "list_x", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("onStop not invoked")
	}
	assert.Equal(t, 0, b.SubscriberCount("list_x"))
}

func TestListenRejectedNotReofferedUntilEmpty(t *testing.T) {
	b := newTestBroker(t)
	offered := make(chan string, 4)
	_, err := b.Listen(`^list_`, func(topic string, resp *ListenResponse) {
		resp.Reject()
		offered <- topic
	})
	require.NoError(t, err)

	c1, err := b.Subscribe("list_y", newCollector())
	require.NoError(t, err)
	<-offered
	c2, err := b.Subscribe("list_y", newCollector())
	require.NoError(t, err)
	select {
	case <-offered:
		t.Fatal("rejected topic offered again")
	case <-time.After(50 * time.Millisecond):
	}
	c1()
	c2()

	c3, err := b.Subscribe("list_y", newCollector())
	require.NoError(t, err)
	defer c3()
	select {
	case topic := <-offered:
		assert.Equal(t, "list_y", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("topic not offered after its audience reset")
	}
}

func TestAcceptAfterAudienceLeftRunsStop(t *testing.T) {
	b := newTestBroker(t)
	proceed := make(chan struct{})
	stopped := make(chan struct{})
	_, err := b.Listen(`^list_`, func(topic string, resp *ListenResponse) {
		<-proceed
		resp.Accept()
		resp.OnStop(func() { close(stopped) })
	})
	require.NoError(t, err)

	cancel, err := b.Subscribe("list_z", newCollector())
	require.NoError(t, err)
	cancel()
	close(proceed)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("late accept did not run onStop")
	}
}

func TestListenOffersExistingTopics(t *testing.T) {
	b := newTestBroker(t)
	cancel, err := b.Subscribe("list_existing", newCollector())
	require.NoError(t, err)
	defer cancel()

	offered := make(chan string, 1)
	_, err = b.Listen(`^list_`, func(topic string, resp *ListenResponse) {
		resp.Accept()
		offered <- topic
	})
	require.NoError(t, err)

	select {
	case topic := <-offered:
		assert.Equal(t, "list_existing", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("existing topic not offered")
	}
}

func TestListenInvalidPattern(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.Listen(`([`, func(string, *ListenResponse) {})
	assert.Error(t, err)
}

func TestRPC(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Provide("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return append([]byte("re:"), payload...), nil
	}))
	assert.Error(t, b.Provide("echo", nil))

	out, err := b.Make(context.Background(), "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "re:hi", string(out))

	_, err = b.Make(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrNoProvider)

	b.Unprovide("echo")
	_, err = b.Make(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestRPCHandlerError(t *testing.T) {
	b := newTestBroker(t)
	boom := errors.New("boom")
	require.NoError(t, b.Provide("fail", func(context.Context, []byte) ([]byte, error) {
		return nil, boom
	}))
	_, err := b.Make(context.Background(), "fail", nil)
	assert.ErrorIs(t, err, boom)
}

func TestRPCHonoursDeadline(t *testing.T) {
	b := newTestBroker(t)
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, b.Provide("slow", func(ctx context.Context, _ []byte) ([]byte, error) {
		<-block
		return nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Make(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTopicsAndClose(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)

	require.NoError(t, b.SetRecord("b", []byte(`1`)))
	cancel, err := b.Subscribe("a", newCollector())
	require.NoError(t, err)
	defer cancel()

	topics := b.Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, TopicInfo{Name: "a", Subscribers: 1}, topics[0])
	assert.Equal(t, TopicInfo{Name: "b", HasRecord: true}, topics[1])

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.SetRecord("b", nil), ErrClosed)
	_, err = b.Subscribe("a", newCollector())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Make(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
