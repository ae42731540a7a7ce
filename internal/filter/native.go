package filter

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	searcherr "github.com/kartikbazzad/bunbase/bunsearch/internal/errors"
)

// Native is a query already written in MongoDB syntax:
//
//	{"$query": {"age": {"$gte": 30}}, "$orderby": {"age": -1}}
type Native struct {
	Filter bson.M
	Sort   bson.D
}

type nativeEnvelope struct {
	Query   *map[string]any `json:"$query"`
	OrderBy json.RawMessage `json:"$orderby"`
}

// HasNativeQuery reports whether raw is a JSON object carrying a $query key.
func HasNativeQuery(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe["$query"]
	return ok
}

// ParseNative decodes a native query. Every leaf value of the filter goes
// through the same identifier coercion as the DSL.
func ParseNative(raw []byte) (*Native, error) {
	if !HasNativeQuery(raw) {
		return nil, searcherr.Validation("filter.ParseNative", searcherr.ErrMissingNativeQuery)
	}
	var env nativeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, searcherr.Compile("filter.ParseNative", fmt.Errorf("%w: %v", searcherr.ErrInvalidCondition, err))
	}
	n := &Native{Filter: bson.M{}}
	if env.Query != nil {
		n.Filter = CoerceDeep(*env.Query).(bson.M)
	}
	if len(env.OrderBy) > 0 && string(env.OrderBy) != "null" {
		sort, err := parseOrderBy(env.OrderBy)
		if err != nil {
			return nil, searcherr.Compile("filter.ParseNative", err)
		}
		n.Sort = sort
	}
	return n, nil
}

// parseOrderBy keeps the key order of the $orderby object.
func parseOrderBy(raw json.RawMessage) (bson.D, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: $orderby must be an object", searcherr.ErrInvalidCondition)
	}
	var sort bson.D
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key := tok.(string)
		var dir json.Number
		if err := dec.Decode(&dir); err != nil {
			return nil, fmt.Errorf("%w: $orderby.%s must be 1 or -1", searcherr.ErrInvalidCondition, key)
		}
		n, err := dir.Int64()
		if err != nil || (n != 1 && n != -1) {
			return nil, fmt.Errorf("%w: $orderby.%s must be 1 or -1", searcherr.ErrInvalidCondition, key)
		}
		sort = append(sort, bson.E{Key: key, Value: int32(n)})
	}
	return sort, nil
}
