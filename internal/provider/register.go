package provider

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	searcherr "github.com/kartikbazzad/bunbase/bunsearch/internal/errors"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/filter"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/meta"
	"github.com/kartikbazzad/bunbase/bunsearch/internal/metrics"
)

// Heartbeat is the payload of the self-check RPC.
const Heartbeat = "__heartbeat__"

var (
	heartbeatPayload = []byte(`"` + Heartbeat + `"`)
	heartbeatReply   = []byte(`"success"`)

	// ErrInvalidRequest is returned for payloads that are not a {table, query} object.
	ErrInvalidRequest = errors.New("invalid query parameters, structure should be an object with at least the table")
)

const requestSchema = `{
	"type": "object",
	"required": ["table", "query"],
	"properties": {
		"table": {"type": "string", "minLength": 1},
		"query": {
			"anyOf": [
				{"type": "array", "minItems": 1},
				{"type": "object", "minProperties": 1}
			]
		}
	}
}`

// handleRPC answers the register RPC. The reply is a JSON string: "success"
// for a heartbeat, the handle otherwise.
func (p *Provider) handleRPC(ctx context.Context, payload []byte) ([]byte, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 && payload[0] == '"' {
		var s string
		if err := json.Unmarshal(payload, &s); err == nil && s == Heartbeat {
			metrics.RegistrationsTotal.WithLabelValues("heartbeat").Inc()
			return heartbeatReply, nil
		}
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return nil, searcherr.Validation("provider.register", ErrInvalidRequest)
	}

	handle, err := p.Register(ctx, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(handle)
}

// Register validates a {table, query} request, stores its query record when
// it is new and returns its handle. Registering the same query twice returns
// the same handle and writes nothing.
func (p *Provider) Register(ctx context.Context, payload []byte) (string, error) {
	q, err := p.validate(payload)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		p.log.Error("invalid register request", "error", err)
		return "", err
	}

	if collection, ok := p.lookup[q.Table]; ok && collection != "" {
		q.Table = collection
	}

	handle, err := Hash(q)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return "", searcherr.Validation("provider.register", err)
	}
	log := p.log.With("handle", handle, "table", q.Table)
	log.Info("created hash for realtime search")

	// excludes a teardown deleting the record this call reports as existing
	unlock := p.locks.Lock(handle)
	defer unlock()

	name := p.MetaName(handle)
	exists, err := p.meta.Has(ctx, name)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		log.Error("checking query record", "error", err)
		return "", searcherr.Store("provider.register", fmt.Errorf("error checking search hash: %w", err))
	}
	if exists {
		metrics.RegistrationsTotal.WithLabelValues("existing").Inc()
		return handle, nil
	}

	rec := &meta.Record{Hash: handle, Query: q, CreatedAt: time.Now().UTC()}
	if err := p.meta.Put(ctx, name, rec); err != nil {
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		log.Error("saving query record", "error", err)
		return "", searcherr.Store("provider.register", fmt.Errorf("error saving search hash: %w", err))
	}
	metrics.RegistrationsTotal.WithLabelValues("created").Inc()
	return handle, nil
}

func (p *Provider) validate(payload []byte) (filter.Query, error) {
	var q filter.Query
	if len(payload) == 0 {
		return q, searcherr.Validation("provider.register", ErrInvalidRequest)
	}

	result, err := p.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return q, searcherr.Validation("provider.register", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if !result.Valid() {
		for _, desc := range result.Errors() {
			switch {
			case desc.Field() == "table" || (desc.Type() == "required" && desc.Details()["property"] == "table"):
				return q, searcherr.Validation("provider.register", searcherr.ErrMissingTable)
			case desc.Field() == "query" || (desc.Type() == "required" && desc.Details()["property"] == "query"):
				return q, searcherr.Validation("provider.register", searcherr.ErrMissingQuery)
			}
		}
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return q, searcherr.Validation("provider.register", fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(errs, "; ")))
	}

	if err := json.Unmarshal(payload, &q); err != nil {
		return q, searcherr.Validation("provider.register", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if p.cfg.NativeQuery && !filter.HasNativeQuery(q.Query) {
		return q, searcherr.Validation("provider.register", searcherr.ErrMissingNativeQuery)
	}
	return q, nil
}

// Hash derives the handle of a query: the hex MD5 of its canonical JSON form
// (object keys sorted, no insignificant whitespace), so equal queries written
// differently share a handle.
func Hash(q filter.Query) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(q.Query))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	canonical, err := json.Marshal(map[string]any{"query": body, "table": q.Table})
	if err != nil {
		return "", err
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func marshalEntries(entries []string) ([]byte, error) {
	if entries == nil {
		entries = []string{}
	}
	return json.Marshal(entries)
}
