package filter

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// objectIDLen is the length of the hex form of an ObjectID.
const objectIDLen = 24

// Coerce converts a 24 character hex string into an ObjectID. Any other
// value is returned unchanged.
func Coerce(v any) any {
	s, ok := v.(string)
	if !ok || len(s) != objectIDLen {
		return v
	}
	oid, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return v
	}
	return oid
}

// CoerceDeep applies Coerce to every leaf value under v, descending into
// documents and arrays. Keys are never touched.
func CoerceDeep(v any) any {
	switch x := v.(type) {
	case bson.M:
		out := make(bson.M, len(x))
		for k, val := range x {
			out[k] = CoerceDeep(val)
		}
		return out
	case map[string]any:
		out := make(bson.M, len(x))
		for k, val := range x {
			out[k] = CoerceDeep(val)
		}
		return out
	case bson.D:
		out := make(bson.D, 0, len(x))
		for _, e := range x {
			out = append(out, bson.E{Key: e.Key, Value: CoerceDeep(e.Value)})
		}
		return out
	case bson.A:
		out := make(bson.A, 0, len(x))
		for _, val := range x {
			out = append(out, CoerceDeep(val))
		}
		return out
	case []any:
		out := make(bson.A, 0, len(x))
		for _, val := range x {
			out = append(out, CoerceDeep(val))
		}
		return out
	default:
		return Coerce(v)
	}
}
