package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/config"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/store"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/store/memory"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/store/mongo"
)

func mongoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mongo",
		Short: "Serve live searches over a MongoDB database (change streams need a replica set)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, func(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Client, error) {
				log.Info("connecting to mongodb", "database", cfg.Database)
				return mongo.Connect(ctx, mongo.Config{
					URL:            cfg.Mongo.URL,
					Database:       cfg.Database,
					ConnectTimeout: cfg.Mongo.ConnectTimeout,
				})
			})
		},
	}
	cmd.Flags().String("mongo-url", "mongodb://localhost:27017", "MongoDB connection string")
	cmd.Flags().String("mongo-database", "deepstream", "Database searched")
	return cmd
}

func memoryCmd() *cobra.Command {
	var seed string
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Serve live searches over an in-memory store (development and demos)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, func(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Client, error) {
				db := memory.New()
				if seed == "" {
					return db, nil
				}
				n, err := loadSeed(ctx, db, seed)
				if err != nil {
					return nil, err
				}
				log.Info("seeded memory store", "path", seed, "documents", n)
				return db, nil
			})
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", `JSON file of {"table": [documents]} loaded at start (extended JSON)`)
	return cmd
}

// loadSeed inserts the documents of a {"table": [doc, ...]} file. Documents
// are relaxed extended JSON, so {"$oid": "..."} yields an ObjectID.
func loadSeed(ctx context.Context, db *memory.Store, path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}
	var tables map[string][]json.RawMessage
	if err := json.Unmarshal(content, &tables); err != nil {
		return 0, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		for i, raw := range tables[name] {
			var doc bson.M
			if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
				return n, fmt.Errorf("seed %s[%d]: %w", name, i, err)
			}
			if _, err := db.Insert(ctx, name, doc); err != nil {
				return n, fmt.Errorf("seed %s[%d]: %w", name, i, err)
			}
			n++
		}
	}
	return n, nil
}
