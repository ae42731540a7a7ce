// Package ipc serves the provider over a Unix socket.
//
// Every frame on the wire is a little-endian uint32 length followed by that
// many bytes. Requests and responses share one layout:
//
//	RequestID u64 | Command or Status u8 | PayloadLen u32 | Payload
//
// After a successful CmdSubscribe the server only writes message frames:
//
//	TopicLen u16 | Topic | Event u8 | BodyLen u32 | Body
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

var (
	ErrInvalidFrame  = errors.New("invalid frame format")
	ErrFrameTooLarge = errors.New("frame too large")
)

const (
	FrameLenSize = 4
	headerSize   = 8 + 1 + 4
	MaxFrameSize = 16 * 1024 * 1024
	MaxTopicLen  = 1024
)

// Command codes
const (
	CmdRPC        = 1 // payload: RPCRequest JSON
	CmdSubscribe  = 2 // payload: topic; the connection then streams message frames
	CmdSnapshot   = 3 // payload: topic
	CmdListTopics = 4
	CmdUnregister = 5 // payload: handle
)

// Status codes
const (
	StatusOK       = 0
	StatusError    = 1
	StatusNotFound = 2
)

// Message frame events
const (
	EventUpdate = 0
	EventDelete = 1
)

// RequestFrame is a single IPC request.
type RequestFrame struct {
	RequestID uint64
	Command   uint8
	Payload   []byte
}

// ResponseFrame is a single IPC response.
type ResponseFrame struct {
	RequestID uint64
	Status    uint8
	Payload   []byte
}

// RPCRequest is the payload of CmdRPC.
type RPCRequest struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// ErrorBody is the payload of a failed response.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func encodeHeader(id uint64, code uint8, payload []byte) ([]byte, error) {
	if headerSize+len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, headerSize, headerSize+len(payload))
	binary.LittleEndian.PutUint64(buf, id)
	buf[8] = code
	binary.LittleEndian.PutUint32(buf[9:], uint32(len(payload)))
	return append(buf, payload...), nil
}

func decodeHeader(data []byte) (id uint64, code uint8, payload []byte, err error) {
	if len(data) < headerSize {
		return 0, 0, nil, ErrInvalidFrame
	}
	n := int(binary.LittleEndian.Uint32(data[9:]))
	if headerSize+n > len(data) {
		return 0, 0, nil, ErrInvalidFrame
	}
	if n > 0 {
		payload = append([]byte(nil), data[headerSize:headerSize+n]...)
	}
	return binary.LittleEndian.Uint64(data), data[8], payload, nil
}

// EncodeRequest encodes a request for sending.
func EncodeRequest(req *RequestFrame) ([]byte, error) {
	return encodeHeader(req.RequestID, req.Command, req.Payload)
}

// DecodeRequest decodes a request from bytes.
func DecodeRequest(data []byte) (*RequestFrame, error) {
	id, cmd, payload, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	return &RequestFrame{RequestID: id, Command: cmd, Payload: payload}, nil
}

// EncodeResponse encodes a response for sending.
func EncodeResponse(resp *ResponseFrame) ([]byte, error) {
	return encodeHeader(resp.RequestID, resp.Status, resp.Payload)
}

// DecodeResponse decodes a response from bytes.
func DecodeResponse(data []byte) (*ResponseFrame, error) {
	id, status, payload, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	return &ResponseFrame{RequestID: id, Status: status, Payload: payload}, nil
}

func appendTopic(buf []byte, topic string) ([]byte, error) {
	if len(topic) > MaxTopicLen {
		return nil, ErrFrameTooLarge
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(topic)))
	return append(buf, topic...), nil
}

// readTopic returns the topic at the start of data and the bytes after it.
func readTopic(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, ErrInvalidFrame
	}
	n := int(binary.LittleEndian.Uint16(data))
	if 2+n > len(data) {
		return "", nil, ErrInvalidFrame
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}

// EncodeTopicPayload encodes a single topic (2-byte length + bytes).
func EncodeTopicPayload(topic string) ([]byte, error) {
	return appendTopic(make([]byte, 0, 2+len(topic)), topic)
}

// DecodeTopicPayload decodes a topic from payload.
func DecodeTopicPayload(payload []byte) (string, error) {
	topic, _, err := readTopic(payload)
	return topic, err
}

// EncodeMessageFrame encodes a record update streamed to a subscriber.
func EncodeMessageFrame(topic string, event uint8, body []byte) ([]byte, error) {
	size := 2 + len(topic) + 1 + 4 + len(body)
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf, err := appendTopic(make([]byte, 0, size), topic)
	if err != nil {
		return nil, err
	}
	buf = append(buf, event)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	return append(buf, body...), nil
}

// DecodeMessageFrame decodes a streamed record update.
func DecodeMessageFrame(frame []byte) (topic string, event uint8, body []byte, err error) {
	topic, rest, err := readTopic(frame)
	if err != nil {
		return "", 0, nil, err
	}
	if len(rest) < 5 {
		return "", 0, nil, ErrInvalidFrame
	}
	event = rest[0]
	n := int(binary.LittleEndian.Uint32(rest[1:]))
	if 5+n > len(rest) {
		return "", 0, nil, ErrInvalidFrame
	}
	if n > 0 {
		body = append([]byte(nil), rest[5:5+n]...)
	}
	return topic, event, body, nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [FrameLenSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes data with its length prefix in a single write so frames
// from concurrent writers never interleave.
func WriteFrame(w io.Writer, data []byte) error {
	buf := binary.LittleEndian.AppendUint32(make([]byte, 0, FrameLenSize+len(data)), uint32(len(data)))
	_, err := w.Write(append(buf, data...))
	return err
}

// ErrorPayload returns a JSON error payload.
func ErrorPayload(msg, kind string) []byte {
	b, _ := json.Marshal(ErrorBody{Error: msg, Kind: kind})
	return b
}
