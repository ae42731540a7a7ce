// Package client provides a Go client for the bunsearch IPC server (Unix socket).
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/ipc"
)

const (
	// DefaultRPCName is the register RPC of a provider with default settings.
	DefaultRPCName = "realtime_search"
	// DefaultListNamePrefix prefixes the list channel of every handle.
	DefaultListNamePrefix = "realtime_search/list_"
)

// ErrNotFound is returned by Snapshot when the list has no content.
var ErrNotFound = errors.New("bunsearch: not found")

// Error is a failed request as reported by the server.
type Error struct {
	Message string
	Kind    string // validation, compile, store, fatal or empty
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("bunsearch: %s error: %s", e.Kind, e.Message)
	}
	return "bunsearch: " + e.Message
}

// Client communicates with a bunsearch server via Unix socket IPC. A client
// serialises its requests; Subscribe needs a client of its own.
type Client struct {
	socketPath     string
	RPCName        string
	ListNamePrefix string

	conn      net.Conn
	mu        sync.Mutex
	requestID uint64
}

// New creates a new client with the default RPC name and list prefix.
func New(socketPath string) *Client {
	return &Client{
		socketPath:     socketPath,
		RPCName:        DefaultRPCName,
		ListNamePrefix: DefaultListNamePrefix,
		requestID:      1,
	}
}

// Connect establishes a connection to the server.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("bunsearch: connect: %w", err)
	}
	c.conn = conn
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// ListName returns the list channel of handle.
func (c *Client) ListName(handle string) string {
	return c.ListNamePrefix + handle
}

func (c *Client) sendRequest(command uint8, payload []byte) (*ipc.ResponseFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}

	reqID := c.requestID
	c.requestID++

	data, err := ipc.EncodeRequest(&ipc.RequestFrame{RequestID: reqID, Command: command, Payload: payload})
	if err != nil {
		return nil, err
	}
	if err := ipc.WriteFrame(c.conn, data); err != nil {
		c.dropLocked()
		return nil, err
	}
	respData, err := ipc.ReadFrame(c.conn)
	if err != nil {
		c.dropLocked()
		return nil, err
	}
	resp, err := ipc.DecodeResponse(respData)
	if err != nil {
		return nil, err
	}
	if resp.RequestID != reqID {
		c.dropLocked()
		return nil, fmt.Errorf("bunsearch: response for request %d, expected %d", resp.RequestID, reqID)
	}
	return resp, nil
}

// dropLocked forgets a broken connection so the next call redials.
func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func decodeError(resp *ipc.ResponseFrame) error {
	if resp.Status == ipc.StatusNotFound {
		return ErrNotFound
	}
	var body ipc.ErrorBody
	if len(resp.Payload) > 0 && json.Unmarshal(resp.Payload, &body) == nil && body.Error != "" {
		return &Error{Message: body.Error, Kind: body.Kind}
	}
	return &Error{Message: fmt.Sprintf("error (status %d)", resp.Status)}
}

// RPC calls a provided RPC with data encoded as JSON.
func (c *Client) RPC(name string, data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("bunsearch: encode rpc data: %w", err)
	}
	payload, err := json.Marshal(ipc.RPCRequest{Name: name, Data: raw})
	if err != nil {
		return nil, err
	}
	resp, err := c.sendRequest(ipc.CmdRPC, payload)
	if err != nil {
		return nil, err
	}
	if resp.Status != ipc.StatusOK {
		return nil, decodeError(resp)
	}
	return resp.Payload, nil
}

// Register registers a search and returns its handle. query is either the
// DSL condition (nested arrays) or a native {"$query": ...} object.
func (c *Client) Register(table string, query any) (string, error) {
	out, err := c.RPC(c.RPCName, map[string]any{"table": table, "query": query})
	if err != nil {
		return "", err
	}
	var handle string
	if err := json.Unmarshal(out, &handle); err != nil {
		return "", fmt.Errorf("bunsearch: decode handle: %w", err)
	}
	return handle, nil
}

// Heartbeat checks that the register RPC is provided.
func (c *Client) Heartbeat() error {
	out, err := c.RPC(c.RPCName, "__heartbeat__")
	if err != nil {
		return err
	}
	var reply string
	if err := json.Unmarshal(out, &reply); err != nil || reply != "success" {
		return fmt.Errorf("bunsearch: unexpected heartbeat reply %s", out)
	}
	return nil
}

// Unregister deletes a registered search and reports whether it existed.
func (c *Client) Unregister(handle string) (bool, error) {
	payload, err := ipc.EncodeTopicPayload(handle)
	if err != nil {
		return false, err
	}
	resp, err := c.sendRequest(ipc.CmdUnregister, payload)
	if err != nil {
		return false, err
	}
	if resp.Status != ipc.StatusOK {
		return false, decodeError(resp)
	}
	var out struct {
		Existed bool `json:"existed"`
	}
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return false, fmt.Errorf("bunsearch: decode unregister: %w", err)
	}
	return out.Existed, nil
}

// Snapshot returns the current entries of a handle's list.
func (c *Client) Snapshot(handle string) ([]string, error) {
	payload, err := ipc.EncodeTopicPayload(c.ListName(handle))
	if err != nil {
		return nil, err
	}
	resp, err := c.sendRequest(ipc.CmdSnapshot, payload)
	if err != nil {
		return nil, err
	}
	if resp.Status != ipc.StatusOK {
		return nil, decodeError(resp)
	}
	var entries []string
	if err := json.Unmarshal(resp.Payload, &entries); err != nil {
		return nil, fmt.Errorf("bunsearch: decode list: %w", err)
	}
	return entries, nil
}

// Topic describes a channel on the server.
type Topic struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	HasRecord   bool   `json:"hasRecord"`
}

// ListTopics returns the channels known to the server.
func (c *Client) ListTopics() ([]Topic, error) {
	resp, err := c.sendRequest(ipc.CmdListTopics, nil)
	if err != nil {
		return nil, err
	}
	if resp.Status != ipc.StatusOK {
		return nil, decodeError(resp)
	}
	var topics []Topic
	if err := json.Unmarshal(resp.Payload, &topics); err != nil {
		return nil, fmt.Errorf("bunsearch: decode list topics: %w", err)
	}
	return topics, nil
}

// Message is a list update received when subscribing.
type Message struct {
	Topic   string
	Deleted bool
	Payload []byte
}

// Entries decodes the list carried by the message.
func (m *Message) Entries() ([]string, error) {
	if m.Deleted {
		return nil, nil
	}
	var entries []string
	err := json.Unmarshal(m.Payload, &entries)
	return entries, err
}

// Subscribe subscribes to a channel and calls fn for each message until the
// connection is closed or fn returns a non-nil error. Subscribe blocks and
// uses the connection exclusively.
func (c *Client) Subscribe(topic string, fn func(msg *Message) error) error {
	payload, err := ipc.EncodeTopicPayload(topic)
	if err != nil {
		return err
	}
	resp, err := c.sendRequest(ipc.CmdSubscribe, payload)
	if err != nil {
		return err
	}
	if resp.Status != ipc.StatusOK {
		return decodeError(resp)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("bunsearch: connection closed")
	}

	for {
		frame, err := ipc.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		msgTopic, event, body, err := ipc.DecodeMessageFrame(frame)
		if err != nil {
			continue
		}
		if err := fn(&Message{Topic: msgTopic, Deleted: event == ipc.EventDelete, Payload: body}); err != nil {
			return err
		}
	}
}

// Watch subscribes to the list of handle.
func (c *Client) Watch(handle string, fn func(msg *Message) error) error {
	return c.Subscribe(c.ListName(handle), fn)
}
