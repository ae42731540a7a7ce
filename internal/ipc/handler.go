package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/broker"
	searcherr "github.com/kartikbazzad/bunbase/bunsearch/internal/errors"
)

// Unregisterer removes a registered search.
type Unregisterer interface {
	Unregister(ctx context.Context, handle string) (bool, error)
}

// Handler handles IPC requests using the broker.
type Handler struct {
	broker     *broker.Broker
	searches   Unregisterer
	log        *slog.Logger
	rpcTimeout time.Duration
}

// NewHandler creates a new IPC handler. rpcTimeout bounds CmdRPC calls.
func NewHandler(b *broker.Broker, searches Unregisterer, log *slog.Logger, rpcTimeout time.Duration) *Handler {
	if rpcTimeout <= 0 {
		rpcTimeout = 30 * time.Second
	}
	return &Handler{broker: b, searches: searches, log: log, rpcTimeout: rpcTimeout}
}

// SubscribeSession is returned for CmdSubscribe so the server can unsubscribe
// on disconnect.
type SubscribeSession struct {
	Topic     string
	Cancel    func()
	Ready     func()        // releases message delivery once the OK response is written
	CloseChan chan struct{} // closed when a write to the connection fails
}

// Handle processes a request. For CmdSubscribe the session is non-nil and the
// server must call its Cancel when the connection closes.
func (h *Handler) Handle(conn net.Conn, req *RequestFrame) (*ResponseFrame, *SubscribeSession) {
	resp := &ResponseFrame{RequestID: req.RequestID}

	switch req.Command {
	case CmdRPC:
		return h.handleRPC(req, resp), nil
	case CmdSubscribe:
		return h.handleSubscribe(conn, req, resp)
	case CmdSnapshot:
		return h.handleSnapshot(req, resp), nil
	case CmdListTopics:
		return h.handleListTopics(resp), nil
	case CmdUnregister:
		return h.handleUnregister(req, resp), nil
	default:
		return fail(resp, errors.New("unknown command")), nil
	}
}

func fail(resp *ResponseFrame, err error) *ResponseFrame {
	resp.Status = StatusError
	kind := ""
	if k := searcherr.KindOf(err); k != searcherr.KindUnknown {
		kind = k.String()
	}
	resp.Payload = ErrorPayload(err.Error(), kind)
	return resp
}

func ok(resp *ResponseFrame, payload []byte) *ResponseFrame {
	resp.Status = StatusOK
	resp.Payload = payload
	return resp
}

func (h *Handler) handleRPC(req *RequestFrame, resp *ResponseFrame) *ResponseFrame {
	var call RPCRequest
	if err := json.Unmarshal(req.Payload, &call); err != nil {
		return fail(resp, err)
	}
	if call.Name == "" {
		return fail(resp, errors.New("missing rpc name"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.rpcTimeout)
	defer cancel()
	out, err := h.broker.Make(ctx, call.Name, call.Data)
	if err != nil {
		h.log.Debug("ipc rpc failed", "rpc", call.Name, "error", err)
		return fail(resp, err)
	}
	return ok(resp, out)
}

func (h *Handler) handleSnapshot(req *RequestFrame, resp *ResponseFrame) *ResponseFrame {
	topic, err := DecodeTopicPayload(req.Payload)
	if err != nil {
		return fail(resp, err)
	}
	data, found := h.broker.Record(topic)
	if !found {
		resp.Status = StatusNotFound
		resp.Payload = ErrorPayload("record not found", "")
		return resp
	}
	return ok(resp, data)
}

func (h *Handler) handleListTopics(resp *ResponseFrame) *ResponseFrame {
	payload, err := json.Marshal(h.broker.Topics())
	if err != nil {
		return fail(resp, err)
	}
	return ok(resp, payload)
}

func (h *Handler) handleUnregister(req *RequestFrame, resp *ResponseFrame) *ResponseFrame {
	if h.searches == nil {
		return fail(resp, errors.New("unregister not supported"))
	}
	handle, err := DecodeTopicPayload(req.Payload)
	if err != nil {
		return fail(resp, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.rpcTimeout)
	defer cancel()
	existed, err := h.searches.Unregister(ctx, handle)
	if err != nil {
		return fail(resp, err)
	}
	payload, _ := json.Marshal(map[string]bool{"existed": existed})
	return ok(resp, payload)
}

// connSubscriber implements broker.Subscriber by writing message frames to a connection.
type connSubscriber struct {
	conn      net.Conn
	mu        sync.Mutex
	log       *slog.Logger
	closeOnce sync.Once
	closeChan chan struct{}
}

func (c *connSubscriber) Send(msg *broker.Message) {
	event := uint8(EventUpdate)
	if msg.Deleted() {
		event = EventDelete
	}
	frame, err := EncodeMessageFrame(msg.Topic, event, msg.Payload)
	if err != nil {
		c.log.Error("encode message frame", "topic", msg.Topic, "error", err)
		return
	}
	c.mu.Lock()
	err = WriteFrame(c.conn, frame)
	c.mu.Unlock()
	if err != nil {
		c.closeOnce.Do(func() { close(c.closeChan) })
		c.log.Debug("subscriber write error (client likely disconnected)", "error", err)
	}
}

func (h *Handler) handleSubscribe(conn net.Conn, req *RequestFrame, resp *ResponseFrame) (*ResponseFrame, *SubscribeSession) {
	topic, err := DecodeTopicPayload(req.Payload)
	if err != nil {
		return fail(resp, err), nil
	}
	sub := &connSubscriber{conn: conn, log: h.log, closeChan: make(chan struct{})}
	// The OK response must reach the client before the first message frame.
	sub.mu.Lock()
	cancel, err := h.broker.Subscribe(topic, sub)
	if err != nil {
		sub.mu.Unlock()
		return fail(resp, err), nil
	}
	h.log.Info("ipc subscribe", "topic", topic, "subscribers", h.broker.SubscriberCount(topic))
	return ok(resp, []byte("{}")), &SubscribeSession{Topic: topic, Cancel: cancel, Ready: sub.mu.Unlock, CloseChan: sub.closeChan}
}
