package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

var (
	// ErrNoProvider is returned by Make when nobody provides the RPC.
	ErrNoProvider = errors.New("no provider for rpc")
	// ErrOverloaded is returned by Make when every RPC worker is busy.
	ErrOverloaded = errors.New("rpc workers exhausted")
)

// RPCHandler answers one request.
type RPCHandler func(ctx context.Context, payload []byte) ([]byte, error)

// Provide registers h as the provider of the named RPC.
func (b *Broker) Provide(name string, h RPCHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.providers[name]; ok {
		return fmt.Errorf("broker: rpc %q already provided", name)
	}
	b.providers[name] = h
	return nil
}

// Unprovide removes the provider of the named RPC.
func (b *Broker) Unprovide(name string) {
	b.mu.Lock()
	delete(b.providers, name)
	b.mu.Unlock()
}

type rpcResult struct {
	data []byte
	err  error
}

// Make calls the named RPC and waits for its answer or for ctx to end. The
// handler runs on the broker's worker pool with ctx.
func (b *Broker) Make(ctx context.Context, name string, payload []byte) ([]byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	h := b.providers[name]
	b.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, name)
	}

	callID := uuid.NewString()
	done := make(chan rpcResult, 1)
	err := b.pool.Submit(func() {
		data, err := h(ctx, payload)
		done <- rpcResult{data: data, err: err}
	})
	switch {
	case errors.Is(err, ants.ErrPoolOverload):
		return nil, ErrOverloaded
	case errors.Is(err, ants.ErrPoolClosed):
		return nil, ErrClosed
	case err != nil:
		return nil, fmt.Errorf("broker: submit rpc %s: %w", name, err)
	}

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		b.log.Debug("rpc abandoned", "rpc", name, "call", callID, "error", ctx.Err())
		return nil, ctx.Err()
	}
}
