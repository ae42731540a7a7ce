// Package provider coordinates live searches: it answers register RPCs with a
// deterministic handle, starts one live search per handle when the handle's
// list channel gains an audience and tears everything down when the audience
// is gone.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/config"
	searcherr "github.com/kartikbazzad/bunbase/bunsearch/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/logger"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/meta"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/search"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/store"
)

// Options wires a Provider to its collaborators.
type Options struct {
	Config *config.Config
	Log    *slog.Logger
	Broker *broker.Broker
	Meta   meta.Store
	DB     store.Client
	// Lookup maps a requested table to the collection actually searched.
	Lookup map[string]string
	// OnFatal is called once when the provider can no longer serve. It
	// defaults to logging and exiting the process.
	OnFatal func(err error)
}

// Provider is the search coordinator.
type Provider struct {
	cfg     *config.Config
	log     *slog.Logger
	broker  *broker.Broker
	meta    meta.Store
	db      store.Client
	lookup  map[string]string
	onFatal func(err error)
	schema  *gojsonschema.Schema

	mu       sync.Mutex
	searches map[string]*search.Search
	locks    *keyedMutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	fatalOnce sync.Once
	unlisten  func()
	started   bool
}

// New validates the options and builds a provider. Nothing runs until Start.
func New(opts Options) (*Provider, error) {
	if opts.Config == nil {
		return nil, errors.New("provider: config is required")
	}
	if opts.Broker == nil || opts.Meta == nil || opts.DB == nil {
		return nil, errors.New("provider: broker, meta store and database are required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "provider")

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(requestSchema))
	if err != nil {
		return nil, fmt.Errorf("provider: compile request schema: %w", err)
	}

	p := &Provider{
		cfg:      opts.Config,
		log:      log,
		broker:   opts.Broker,
		meta:     opts.Meta,
		db:       opts.DB,
		lookup:   opts.Lookup,
		onFatal:  opts.OnFatal,
		schema:   schema,
		searches: make(map[string]*search.Search),
		locks:    newKeyedMutex(),
	}
	if p.onFatal == nil {
		p.onFatal = func(err error) { logger.Fatal(log, "realtime search provider failed", err) }
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// ListName is the channel carrying the results of handle.
func (p *Provider) ListName(handle string) string { return p.cfg.ListNamePrefix + handle }

// MetaName is the key of the query record of handle.
func (p *Provider) MetaName(handle string) string { return p.cfg.MetaRecordPrefix + handle }

// Start provides the register RPC, listens for list channels and starts the
// heartbeat. Failures are fatal to the caller.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	if err := p.broker.Provide(p.cfg.RPCName, p.handleRPC); err != nil {
		return searcherr.Fatal("provider.Start", err)
	}
	p.log.Info("providing rpc method", "rpc", p.cfg.RPCName)

	pattern := "^" + regexp.QuoteMeta(p.cfg.ListNamePrefix) + ".*"
	unlisten, err := p.broker.Listen(pattern, p.onSubscription)
	if err != nil {
		p.broker.Unprovide(p.cfg.RPCName)
		return searcherr.Fatal("provider.Start", err)
	}
	p.unlisten = unlisten
	p.log.Info("listening for list channels", "pattern", pattern)

	if p.cfg.HeartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeat(p.cfg.HeartbeatInterval)
	}
	p.started = true
	p.log.Info("realtime search provider ready")
	return nil
}

// Stop withdraws the RPC and the listener and stops every live search.
// Query records and lists are kept so registrations survive a restart.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	unlisten := p.unlisten
	searches := p.searches
	p.searches = make(map[string]*search.Search)
	p.mu.Unlock()

	p.cancel()
	p.broker.Unprovide(p.cfg.RPCName)
	if unlisten != nil {
		unlisten()
	}

	g, _ := errgroup.WithContext(ctx)
	for handle, s := range searches {
		handle, s := handle, s
		g.Go(func() error {
			if err := s.Stop(); err != nil {
				return fmt.Errorf("stop search %s: %w", handle, err)
			}
			return nil
		})
	}
	err := g.Wait()
	metrics.ActiveSearches.Set(0)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info("realtime search provider stopped")
	return err
}

// Stats describes the running provider.
type Stats struct {
	ActiveSearches int      `json:"activeSearches"`
	Handles        []string `json:"handles"`
}

// Stats returns the handles with a running live search.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{ActiveSearches: len(p.searches), Handles: make([]string, 0, len(p.searches))}
	for h := range p.searches {
		st.Handles = append(st.Handles, h)
	}
	return st
}

// onSubscription is offered every list channel that gains its first
// subscriber.
func (p *Provider) onSubscription(name string, resp *broker.ListenResponse) {
	handle := strings.TrimPrefix(name, p.cfg.ListNamePrefix)
	log := p.log.With("handle", handle, "channel", name)
	log.Info("received subscription")

	s, err := p.onSubscriptionAdded(handle, log)
	if err != nil {
		log.Error("rejecting subscription", "error", err, "kind", searcherr.KindOf(err).String())
		resp.Reject()
		return
	}
	resp.Accept()
	resp.OnStop(func() { p.onSubscriptionRemoved(handle, s) })
}

func (p *Provider) onSubscriptionAdded(handle string, log *slog.Logger) (*search.Search, error) {
	unlock := p.locks.Lock(handle)
	defer unlock()

	ctx := p.ctx
	rec, err := p.meta.Get(ctx, p.MetaName(handle))
	if errors.Is(err, meta.ErrNotFound) {
		return nil, searcherr.Validation("provider.onSubscription", fmt.Errorf("query is missing for %s", p.MetaName(handle)))
	}
	if err != nil {
		return nil, searcherr.Store("provider.onSubscription", err)
	}

	p.mu.Lock()
	stale := p.searches[handle]
	delete(p.searches, handle)
	p.mu.Unlock()
	if stale != nil {
		// left over from an audience whose teardown has not run yet
		_ = stale.Stop()
	}

	log.Info("new search instance being made", "table", rec.Query.Table)
	s, err := search.New(ctx, search.Params{
		Name:               handle,
		Log:                p.log,
		Client:             p.db,
		Query:              rec.Query,
		Native:             p.cfg.NativeQuery,
		PrimaryKey:         p.cfg.PrimaryKey,
		ExcludeTablePrefix: p.cfg.ExcludeTablePrefix,
		OnResults:          func(entries []string) { p.onResultsChanged(handle, entries) },
	})
	if err != nil {
		return nil, err
	}
	if err := s.WhenReady(ctx); err != nil {
		_ = s.Stop()
		return nil, err
	}

	p.mu.Lock()
	p.searches[handle] = s
	metrics.ActiveSearches.Set(float64(len(p.searches)))
	p.mu.Unlock()
	return s, nil
}

// onSubscriptionRemoved runs when the last subscriber of the list leaves.
func (p *Provider) onSubscriptionRemoved(handle string, s *search.Search) {
	unlock := p.locks.Lock(handle)
	defer unlock()
	log := p.log.With("handle", handle)

	p.mu.Lock()
	current := p.searches[handle]
	if current == s {
		delete(p.searches, handle)
		metrics.ActiveSearches.Set(float64(len(p.searches)))
	}
	p.mu.Unlock()

	if err := s.Stop(); err != nil {
		log.Warn("stopping search", "error", err)
	}
	if current != s {
		// a newer audience owns the handle, or it was unregistered
		log.Debug("search instance already replaced")
		return
	}

	log.Info("old search instance being removed")
	p.deleteState(p.ctx, handle, log)
}

func (p *Provider) deleteState(ctx context.Context, handle string, log *slog.Logger) {
	if _, err := p.meta.Delete(ctx, p.MetaName(handle)); err != nil {
		log.Error("deleting query record", "error", err)
	}
	p.broker.DeleteRecord(p.ListName(handle))
}

// Unregister deletes the query record of handle, stopping its live search and
// clearing its list. It reports whether the handle was registered.
func (p *Provider) Unregister(ctx context.Context, handle string) (bool, error) {
	unlock := p.locks.Lock(handle)
	defer unlock()

	existed, err := p.meta.Delete(ctx, p.MetaName(handle))
	if err != nil {
		return false, searcherr.Store("provider.Unregister", err)
	}

	p.mu.Lock()
	s := p.searches[handle]
	delete(p.searches, handle)
	metrics.ActiveSearches.Set(float64(len(p.searches)))
	p.mu.Unlock()

	if s != nil {
		_ = s.Stop()
		existed = true
	}
	if p.broker.DeleteRecord(p.ListName(handle)) {
		existed = true
	}
	p.log.Info("search unregistered", "handle", handle, "existed", existed)
	return existed, nil
}

// onResultsChanged publishes the full list of a handle.
func (p *Provider) onResultsChanged(handle string, entries []string) {
	name := p.ListName(handle)
	data, err := marshalEntries(entries)
	if err == nil {
		err = p.broker.SetRecord(name, data)
	}
	metrics.ListPublishesTotal.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		p.log.Error("error setting entries for list", "channel", name, "error", err)
		return
	}
	p.log.Debug("updated list", "channel", name, "entries", len(entries))
}

func (p *Provider) heartbeat(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(p.ctx, interval)
		_, err := p.broker.Make(ctx, p.cfg.RPCName, heartbeatPayload)
		cancel()
		if err == nil {
			p.log.Debug("heartbeat succeeded")
			continue
		}
		if p.ctx.Err() != nil {
			return
		}
		metrics.HeartbeatFailuresTotal.Inc()
		p.fatal(searcherr.Fatal("provider.heartbeat", fmt.Errorf("%w: %v", searcherr.ErrHeartbeat, err)))
		return
	}
}

func (p *Provider) fatal(err error) {
	p.fatalOnce.Do(func() {
		p.log.Error("heartbeat check failed, restarting rpc provider", "error", err)
		p.onFatal(err)
	})
}
