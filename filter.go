package parquedb

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// Filter is a MongoDB-style predicate tree evaluated in memory against a
// document's attribute map (§4.1). Leaf filters compare a dot-path field
// against an operator document; composite filters combine child filters with
// boolean logic.
type Filter struct {
	// Logic combines Children when set ("$and", "$or", "$nor"); leaf filters
	// leave Logic empty and set Field/Ops instead.
	Logic    string
	Children []Filter

	Field string
	Ops   map[string]any // e.g. {"$gt": 5, "$lt": 10}
}

// And builds a composite $and filter.
func And(children ...Filter) Filter { return Filter{Logic: "$and", Children: children} }

// Or builds a composite $or filter.
func Or(children ...Filter) Filter { return Filter{Logic: "$or", Children: children} }

// Not negates a single filter.
func Not(child Filter) Filter { return Filter{Logic: "$not", Children: []Filter{child}} }

// Eq builds a leaf equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Ops: map[string]any{"$eq": value}}
}

// Evaluate reports whether doc satisfies f.
func Evaluate(doc map[string]any, f Filter) (bool, error) {
	switch f.Logic {
	case "":
		return evaluateLeaf(doc, f)
	case "$and":
		for _, c := range f.Children {
			ok, err := Evaluate(doc, c)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case "$or":
		for _, c := range f.Children {
			ok, err := Evaluate(doc, c)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "$nor":
		for _, c := range f.Children {
			ok, err := Evaluate(doc, c)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	case "$not":
		if len(f.Children) != 1 {
			return false, NewInvariantError("$not requires exactly one child filter")
		}
		ok, err := Evaluate(doc, f.Children[0])
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, NewInvariantError(fmt.Sprintf("unknown filter logic %q", f.Logic))
	}
}

func evaluateLeaf(doc map[string]any, f Filter) (bool, error) {
	actual, exists := fieldAt(doc, f.Field)
	for op, expected := range f.Ops {
		if op == "$options" {
			continue // sibling modifier for $regex, not a predicate on its own
		}
		ok, err := evalOp(op, actual, exists, expected, f.Ops)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalOp(op string, actual any, exists bool, expected any, ops map[string]any) (bool, error) {
	switch op {
	case "$eq":
		return exists && deepEqual(actual, expected), nil
	case "$ne":
		return !exists || !deepEqual(actual, expected), nil
	case "$gt":
		return exists && compare(actual, expected) > 0, nil
	case "$gte":
		return exists && compare(actual, expected) >= 0, nil
	case "$lt":
		return exists && compare(actual, expected) < 0, nil
	case "$lte":
		return exists && compare(actual, expected) <= 0, nil
	case "$in":
		return exists && containsAny(expected, actual), nil
	case "$nin":
		return !exists || !containsAny(expected, actual), nil
	case "$exists":
		want, _ := expected.(bool)
		return exists == want, nil
	case "$type":
		want := fmt.Sprint(expected)
		if want == "null" {
			return !exists || actual == nil, nil
		}
		return exists && typeName(actual) == want, nil
	case "$regex":
		s, ok := actual.(string)
		if !exists || !ok {
			return false, nil
		}
		pattern, _ := expected.(string)
		if options, ok := ops["$options"].(string); ok && options != "" {
			pattern = regexOptionsPrefix(options) + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, NewInvariantError(fmt.Sprintf("invalid $regex pattern: %v", err))
		}
		return re.MatchString(s), nil
	case "$startsWith":
		s, ok := actual.(string)
		prefix, _ := expected.(string)
		return exists && ok && strings.HasPrefix(s, prefix), nil
	case "$endsWith":
		s, ok := actual.(string)
		suffix, _ := expected.(string)
		return exists && ok && strings.HasSuffix(s, suffix), nil
	case "$contains":
		s, ok := actual.(string)
		sub, _ := expected.(string)
		return exists && ok && strings.Contains(s, sub), nil
	case "$all":
		return exists && allPresent(actual, expected), nil
	case "$elemMatch":
		ef, ok := expected.(Filter)
		if !ok {
			return false, NewInvariantError("$elemMatch expects a Filter value")
		}
		return exists && elemMatches(actual, ef), nil
	case "$size":
		n, ok := sliceLen(actual)
		wantF, _ := toFloat(expected)
		return exists && ok && float64(n) == wantF, nil
	default:
		return false, NewInvariantError(fmt.Sprintf("unknown filter operator %q", op))
	}
}

// fieldAt resolves a dot-separated path against nested maps.
func fieldAt(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return doc, true
	}
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func deepEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// typeName reports a value's $type name using the spec's enum: string,
// number, boolean, null, array, object, date (§4.1). Absent keys are handled
// by the $type case in evalOp, not here.
func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, float32, int, int64:
		return "number"
	case bool:
		return "boolean"
	case time.Time:
		return "date"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

// regexOptionsPrefix turns a $options string (subset of i/m/s) into a Go
// regexp inline-flag prefix, or "" when no recognized flag is present.
func regexOptionsPrefix(options string) string {
	var flags []byte
	for _, c := range options {
		switch c {
		case 'i', 'm', 's':
			flags = append(flags, byte(c))
		}
	}
	if len(flags) == 0 {
		return ""
	}
	return "(?" + string(flags) + ")"
}

func containsAny(expected any, actual any) bool {
	list, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, v := range list {
		if deepEqual(actual, v) {
			return true
		}
	}
	return false
}

func allPresent(actual any, expected any) bool {
	arr, ok := actual.([]any)
	if !ok {
		return false
	}
	want, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, w := range want {
		found := false
		for _, v := range arr {
			if deepEqual(v, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func elemMatches(actual any, f Filter) bool {
	arr, ok := actual.([]any)
	if !ok {
		return false
	}
	for _, v := range arr {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if ok2, err := Evaluate(m, f); err == nil && ok2 {
			return true
		}
	}
	return false
}

func sliceLen(actual any) (int, bool) {
	arr, ok := actual.([]any)
	if !ok {
		return 0, false
	}
	return len(arr), true
}
