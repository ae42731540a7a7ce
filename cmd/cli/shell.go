package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/kartikbazzad/bunbase/bunsearch/pkg/client"
)

var shellCommands = []string{"register", "snapshot", "unregister", "topics", "heartbeat", "help", "exit"}

const shellHelp = `commands:
  register <table> <query-json>   register a search, print its handle
  snapshot <handle>               print the current list
  unregister <handle>             delete a registered search
  topics                          list channels
  heartbeat                       check the register rpc
  exit                            leave the shell`

var errExit = errors.New("exit")

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".bunsearch_history")
}

func runShell(out io.Writer, c *client.Client) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var matches []string
		for _, cmd := range shellCommands {
			if strings.HasPrefix(cmd, strings.ToLower(input)) {
				matches = append(matches, cmd)
			}
		}
		return matches
	})

	history := historyPath()
	if history != "" {
		if f, err := os.Open(history); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
	}
	defer func() {
		if history == "" {
			return
		}
		if f, err := os.Create(history); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintln(out, "bunsearch shell, type help for commands")
	for {
		input, err := line.Prompt("bunsearch> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if err := execLine(out, c, input); err != nil {
			if err == errExit {
				return nil
			}
			fmt.Fprintln(out, "error:", err)
		}
	}
}

// execLine runs one shell command. The query of register is the rest of the
// line so it may contain spaces.
func execLine(out io.Writer, c *client.Client, input string) error {
	parts := strings.SplitN(input, " ", 3)
	switch strings.ToLower(parts[0]) {
	case "register":
		if len(parts) < 3 {
			return errors.New("usage: register <table> <query-json>")
		}
		return register(out, c, parts[1], strings.TrimSpace(parts[2]))
	case "snapshot":
		if len(parts) != 2 {
			return errors.New("usage: snapshot <handle>")
		}
		return snapshot(out, c, parts[1])
	case "unregister":
		if len(parts) != 2 {
			return errors.New("usage: unregister <handle>")
		}
		return unregister(out, c, parts[1])
	case "topics":
		return topics(out, c)
	case "heartbeat":
		if err := c.Heartbeat(); err != nil {
			return err
		}
		fmt.Fprintln(out, "success")
		return nil
	case "help":
		fmt.Fprintln(out, shellHelp)
		return nil
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q (type help)", parts[0])
	}
}
