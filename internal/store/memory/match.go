package memory

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Match reports whether doc satisfies a MongoDB filter. The supported subset is
// what the filter compiler and typical native queries produce: $and, $or, $nor,
// $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists and $regex (with $options).
func Match(doc bson.M, filter bson.M) (bool, error) {
	for key, cond := range filter {
		ok, err := matchKey(doc, key, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchKey(doc bson.M, key string, cond any) (bool, error) {
	switch key {
	case "$and", "$or", "$nor":
		list, ok := asList(cond)
		if !ok {
			return false, fmt.Errorf("value for %s must be a list", key)
		}
		for _, item := range list {
			sub, ok := asDoc(item)
			if !ok {
				return false, fmt.Errorf("element of %s must be an object", key)
			}
			matched, err := Match(doc, sub)
			if err != nil {
				return false, err
			}
			switch {
			case key == "$and" && !matched:
				return false, nil
			case key == "$or" && matched:
				return true, nil
			case key == "$nor" && matched:
				return false, nil
			}
		}
		return key != "$or", nil
	}

	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("unknown operator: %s", key)
	}

	actual, exists := lookup(doc, key)
	if re, ok := cond.(primitive.Regex); ok {
		return matchRegex(actual, re.Pattern, re.Options)
	}
	ops, ok := asDoc(cond)
	if !ok || !isOperatorDoc(ops) {
		return exists && equal(actual, cond), nil
	}

	for op, expected := range ops {
		matched, err := matchOperator(actual, exists, op, expected, ops)
		if err != nil || !matched {
			return false, err
		}
	}
	return true, nil
}

func matchOperator(actual any, exists bool, op string, expected any, ops bson.M) (bool, error) {
	switch op {
	case "$eq":
		return exists && equal(actual, expected), nil
	case "$ne":
		return !exists || !equal(actual, expected), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !exists {
			return false, nil
		}
		c, ok := compare(actual, expected)
		if !ok {
			return false, nil
		}
		switch op {
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "$in", "$nin":
		list, ok := asList(expected)
		if !ok {
			return false, fmt.Errorf("value for %s must be a list", op)
		}
		found := false
		for _, v := range list {
			if exists && equal(actual, v) {
				found = true
				break
			}
		}
		if op == "$in" {
			return found, nil
		}
		return !found, nil
	case "$exists":
		want, _ := expected.(bool)
		return exists == want, nil
	case "$regex":
		switch re := expected.(type) {
		case primitive.Regex:
			return matchRegex(actual, re.Pattern, re.Options)
		case string:
			opts, _ := ops["$options"].(string)
			return matchRegex(actual, re, opts)
		}
		return false, fmt.Errorf("$regex must be a string or regex")
	case "$options":
		return true, nil
	}
	return false, fmt.Errorf("unknown operator: %s", op)
}

func matchRegex(actual any, pattern, options string) (bool, error) {
	s, ok := actual.(string)
	if !ok {
		return false, nil
	}
	if strings.Contains(options, "i") {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return re.MatchString(s), nil
}

// lookup resolves a dotted path.
func lookup(doc bson.M, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := asDoc(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func isOperatorDoc(m bson.M) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func asDoc(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return bson.M(m), true
	case bson.D:
		return m.Map(), true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case bson.A:
		return l, true
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// equal follows MongoDB equality: numbers compare by value and an array field
// matches when any element is equal.
func equal(actual, expected any) bool {
	if list, ok := asList(actual); ok {
		if _, expList := asList(expected); !expList {
			for _, v := range list {
				if equal(v, expected) {
					return true
				}
			}
			return false
		}
	}
	if c, ok := compare(actual, expected); ok {
		return c == 0
	}
	return reflect.DeepEqual(actual, expected)
}

// compare orders two values of the same family (numbers, strings, ObjectIDs).
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa > fb:
			return 1, true
		case fa < fb:
			return -1, true
		}
		return 0, true
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	if oa, ok := a.(primitive.ObjectID); ok {
		ob, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return strings.Compare(oa.Hex(), ob.Hex()), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch i := v.(type) {
	case float64:
		return i, true
	case float32:
		return float64(i), true
	case int:
		return float64(i), true
	case int32:
		return float64(i), true
	case int64:
		return float64(i), true
	}
	return 0, false
}
