package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/broker"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/config"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/httpapi"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/ipc"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/logger"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/meta"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/provider"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/store"
)

const shutdownTimeout = 10 * time.Second

// openStore connects the document store once configuration is loaded.
type openStore func(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Client, error)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags(), bindings)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("http"); f != nil && f.Changed && f.Value.String() == "" {
		cfg.HTTP.Enabled = false
	}
	return cfg, nil
}

func openMeta(cfg *config.Config) (meta.Store, error) {
	if cfg.Meta.Driver == "memory" {
		return meta.NewMemoryStore(16), nil
	}
	if dir := filepath.Dir(cfg.Meta.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create meta directory: %w", err)
		}
	}
	return meta.OpenSQLite(cfg.Meta.Path)
}

// serve runs the provider and its surfaces until SIGINT or SIGTERM.
func serve(cmd *cobra.Command, open openStore) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stdout)
	log.Info("starting bunsearch",
		"rpc", cfg.RPCName,
		"database", cfg.Database,
		"socket", cfg.IPC.SocketPath,
		"meta", cfg.Meta.Driver,
		"native_query", cfg.NativeQuery,
	)

	lookup, err := config.LoadCollectionLookup(cfg.CollectionLookup)
	if err != nil {
		logger.Fatal(log, "loading collection lookup", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := open(ctx, cfg, log)
	if err != nil {
		logger.Fatal(log, "connecting to the document store", err)
		return err
	}
	metaStore, err := openMeta(cfg)
	if err != nil {
		logger.Fatal(log, "opening query record store", err)
		return err
	}

	b, err := broker.New(broker.Options{MailboxSize: cfg.MailboxSize, Workers: cfg.Workers, Logger: log})
	if err != nil {
		logger.Fatal(log, "starting broker", err)
		return err
	}

	p, err := provider.New(provider.Options{
		Config: cfg,
		Log:    log,
		Broker: b,
		Meta:   metaStore,
		DB:     db,
		Lookup: lookup,
	})
	if err != nil {
		logger.Fatal(log, "creating provider", err)
		return err
	}
	if err := p.Start(ctx); err != nil {
		logger.Fatal(log, "starting provider", err)
		return err
	}

	ipcServer := ipc.NewServer(cfg.IPC, log, ipc.NewHandler(b, p, log, 0))
	if err := ipcServer.Start(); err != nil {
		logger.Fatal(log, "starting ipc server", err)
		return err
	}

	var httpServer *httpapi.Server
	if cfg.HTTP.Enabled {
		httpServer = httpapi.New(httpapi.Options{
			Config:   cfg.HTTP,
			RPCName:  cfg.RPCName,
			Log:      log,
			Broker:   b,
			Searches: p,
		})
		if err := httpServer.Start(); err != nil {
			logger.Fatal(log, "starting http server", err)
			return err
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
	}
	if err := ipcServer.Stop(); err != nil {
		log.Warn("ipc shutdown", "error", err)
	}
	if err := p.Stop(shutdownCtx); err != nil {
		log.Warn("provider shutdown", "error", err)
	}
	if err := b.Close(); err != nil {
		log.Warn("broker shutdown", "error", err)
	}
	if err := metaStore.Close(); err != nil {
		log.Warn("closing query record store", "error", err)
	}
	if err := db.Close(shutdownCtx); err != nil {
		log.Warn("closing document store", "error", err)
	}
	log.Info("bunsearch stopped")
	return nil
}
