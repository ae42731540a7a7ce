// Command bunsearch-cli registers and watches realtime searches over the
// provider's Unix socket.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/bunsearch/pkg/client"
)

var (
	socketPath string
	rpcName    string
	listPrefix string
)

var rootCmd = &cobra.Command{
	Use:           "bunsearch-cli",
	Short:         "Bunsearch CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&socketPath, "socket", "/tmp/bunsearch.sock", "Unix socket of the provider")
	pf.StringVar(&rpcName, "rpc-name", client.DefaultRPCName, "Register RPC name")
	pf.StringVar(&listPrefix, "list-prefix", client.DefaultListNamePrefix, "List channel prefix")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "register <table> <query-json>",
			Short: "Register a search and print its handle",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					return register(cmd.OutOrStdout(), c, args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "watch <handle>",
			Short: "Print every list update of a handle until interrupted",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return watch(cmd.OutOrStdout(), args[0])
			},
		},
		&cobra.Command{
			Use:   "snapshot <handle>",
			Short: "Print the current list of a handle",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					return snapshot(cmd.OutOrStdout(), c, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "unregister <handle>",
			Short: "Delete a registered search",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					return unregister(cmd.OutOrStdout(), c, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "topics",
			Short: "List channels known to the provider",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					return topics(cmd.OutOrStdout(), c)
				})
			},
		},
		&cobra.Command{
			Use:   "heartbeat",
			Short: "Check that the register RPC answers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					if err := c.Heartbeat(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "success")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "shell",
			Short: "Interactive shell",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(func(c *client.Client) error {
					return runShell(cmd.OutOrStdout(), c)
				})
			},
		},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	c := client.New(socketPath)
	c.RPCName = rpcName
	c.ListNamePrefix = listPrefix
	return c
}

func withClient(fn func(c *client.Client) error) error {
	c := newClient()
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func register(out io.Writer, c *client.Client, table, queryJSON string) error {
	var query any
	if err := json.Unmarshal([]byte(queryJSON), &query); err != nil {
		return fmt.Errorf("query must be JSON: %w", err)
	}
	handle, err := c.Register(table, query)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, handle)
	return nil
}

func snapshot(out io.Writer, c *client.Client, handle string) error {
	entries, err := c.Snapshot(handle)
	if err != nil {
		return err
	}
	return printJSON(out, entries)
}

func unregister(out io.Writer, c *client.Client, handle string) error {
	existed, err := c.Unregister(handle)
	if err != nil {
		return err
	}
	if existed {
		fmt.Fprintln(out, "unregistered", handle)
	} else {
		fmt.Fprintln(out, "not registered:", handle)
	}
	return nil
}

func topics(out io.Writer, c *client.Client) error {
	list, err := c.ListTopics()
	if err != nil {
		return err
	}
	for _, t := range list {
		fmt.Fprintf(out, "%s\tsubscribers=%d\trecord=%t\n", t.Name, t.Subscribers, t.HasRecord)
	}
	return nil
}

// watch streams list updates on its own connection until SIGINT/SIGTERM or
// until the list is deleted.
func watch(out io.Writer, handle string) error {
	c := newClient()
	if err := c.Connect(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		_ = c.Close()
	}()

	err := c.Watch(handle, func(msg *client.Message) error {
		if msg.Deleted {
			fmt.Fprintln(out, "list deleted")
			return io.EOF
		}
		entries, err := msg.Entries()
		if err != nil {
			return err
		}
		return printJSON(out, entries)
	})
	_ = c.Close()
	if err == io.EOF {
		return nil
	}
	return err
}

func printJSON(out io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
