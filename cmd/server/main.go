// Command bunsearch runs the realtime search provider.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// config key -> flag name
var bindings = map[string]string{
	"log.level":         "log-level",
	"log.format":        "log-format",
	"collection_lookup": "collection-lookup",
	"ipc.socket_path":   "socket",
	"http.listen_addr":  "http",
	"meta.driver":       "meta-driver",
	"meta.path":         "meta-path",
	"native_query":      "native-query",
	"mongo.url":         "mongo-url",
	"database":          "mongo-database",
}

var rootCmd = &cobra.Command{
	Use:           "bunsearch",
	Short:         "Realtime search provider: live query lists over a document store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to config file (optional)")
	pf.String("log-level", "INFO", "Log level (debug|info|warn|error|off)")
	pf.String("log-format", "text", "Log format (text|json)")
	pf.String("collection-lookup", "", "JSON file mapping table names to collections")
	pf.String("socket", "/tmp/bunsearch.sock", "Unix socket path")
	pf.String("http", ":8082", "HTTP listen address (empty to disable)")
	pf.String("meta-driver", "sqlite", "Query record store (sqlite|memory)")
	pf.String("meta-path", "./data/bunsearch.db", "SQLite file of the query record store")
	pf.Bool("native-query", false, "Accept native {$query, $orderby} queries instead of the DSL")

	rootCmd.AddCommand(mongoCmd(), memoryCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
