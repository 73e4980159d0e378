package parquedb

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ApplyUpdate applies an update-operator document (§4.1) to doc and returns a
// new document; doc itself is never mutated. The validator rejects a spec
// that targets the same field from multiple operators, or whose $rename
// source/target collides with another operator's field, before anything is
// applied.
func ApplyUpdate(doc map[string]any, update map[string]any) (map[string]any, error) {
	if err := validateUpdate(update); err != nil {
		return nil, err
	}

	out := cloneDoc(doc)
	now := time.Now().UTC()

	for op, argsRaw := range update {
		args, ok := argsRaw.(map[string]any)
		if !ok {
			return nil, NewInvariantError(fmt.Sprintf("update operator %q requires an object argument", op))
		}
		var err error
		switch op {
		case "$set":
			for path, v := range args {
				setAt(out, path, v)
			}
		case "$setOnInsert":
			// no-op on an existing document; caller applies this only at creation time.
		case "$unset":
			for path := range args {
				unsetAt(out, path)
			}
		case "$inc":
			err = numericOp(out, args, func(a, b float64) float64 { return a + b })
		case "$mul":
			err = numericOp(out, args, func(a, b float64) float64 { return a * b })
		case "$min":
			err = numericOp(out, args, func(a, b float64) float64 {
				if b < a {
					return b
				}
				return a
			})
		case "$max":
			err = numericOp(out, args, func(a, b float64) float64 {
				if b > a {
					return b
				}
				return a
			})
		case "$rename":
			for from, toRaw := range args {
				to, _ := toRaw.(string)
				if v, ok := fieldAt(out, from); ok {
					setAt(out, to, v)
					unsetAt(out, from)
				}
			}
		case "$currentDate":
			for path, spec := range args {
				setAt(out, path, currentDateValue(spec, now))
			}
		case "$push":
			err = pushOp(out, args)
		case "$pull":
			err = pullOp(out, args)
		case "$pullAll":
			err = pullAllOp(out, args)
		case "$addToSet":
			err = addToSetOp(out, args)
		case "$pop":
			err = popOp(out, args)
		case "$bit":
			err = bitOp(out, args)
		default:
			return nil, NewInvariantError(fmt.Sprintf("unknown update operator %q", op))
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// currentDateValue resolves a $currentDate field spec (true, or
// {$type:'date'|'timestamp'}) against a single now captured once per
// ApplyUpdate call, so every field it touches agrees (§4.1).
func currentDateValue(spec any, now time.Time) any {
	if m, ok := spec.(map[string]any); ok {
		if t, _ := m["$type"].(string); t == "timestamp" {
			return now.Unix()
		}
	}
	return now
}

// validateUpdate rejects an update document that targets the same field from
// two different operators, including a $rename whose source or target
// collides with another operator's field (§4.1 Validation).
func validateUpdate(update map[string]any) error {
	owners := make(map[string]string)
	claim := func(field, op string) error {
		if existing, ok := owners[field]; ok && existing != op {
			return NewConflictError(fmt.Sprintf("field %q is targeted by both %q and %q", field, existing, op))
		}
		owners[field] = op
		return nil
	}

	for op, argsRaw := range update {
		args, ok := argsRaw.(map[string]any)
		if !ok {
			continue // surfaced as an invariant error when the update is actually applied
		}
		if op == "$rename" {
			for from, toRaw := range args {
				if err := claim(from, op); err != nil {
					return err
				}
				if to, _ := toRaw.(string); to != "" {
					if err := claim(to, op); err != nil {
						return err
					}
				}
			}
			continue
		}
		for field := range args {
			if err := claim(field, op); err != nil {
				return err
			}
		}
	}
	return nil
}

// cloneDoc deep-copies a document so ApplyUpdate never mutates its input.
func cloneDoc(doc map[string]any) map[string]any {
	cloned, _ := cloneValue(doc).(map[string]any)
	if cloned == nil {
		cloned = make(map[string]any)
	}
	return cloned
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

func setAt(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
}

func unsetAt(doc map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			delete(cur, p)
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}

func numericOp(doc map[string]any, args map[string]any, combine func(a, b float64) float64) error {
	for path, deltaRaw := range args {
		delta, ok := toFloat(deltaRaw)
		if !ok {
			return NewInvariantError(fmt.Sprintf("non-numeric argument for field %q", path))
		}
		cur := 0.0
		if v, ok := fieldAt(doc, path); ok {
			cf, ok := toFloat(v)
			if !ok {
				return NewInvariantError(fmt.Sprintf("field %q is not numeric", path))
			}
			cur = cf
		}
		setAt(doc, path, combine(cur, delta))
	}
	return nil
}

func pushOp(doc map[string]any, args map[string]any) error {
	for path, spec := range args {
		arr := asArray(doc, path)
		specMap, isDoc := spec.(map[string]any)
		var each []any
		if isDoc {
			if eachRaw, ok := specMap["$each"].([]any); ok {
				each = eachRaw
			} else {
				each = []any{spec}
			}
		} else {
			each = []any{spec}
		}
		arr = append(arr, each...)

		if isDoc {
			if pos, ok := specMap["$position"]; ok {
				n, _ := toFloat(pos)
				idx := int(n)
				tail := arr[len(arr)-len(each):]
				arr = arr[:len(arr)-len(each)]
				if idx < 0 || idx > len(arr) {
					idx = len(arr)
				}
				merged := make([]any, 0, len(arr)+len(tail))
				merged = append(merged, arr[:idx]...)
				merged = append(merged, tail...)
				merged = append(merged, arr[idx:]...)
				arr = merged
			}
			if sortSpec, ok := specMap["$sort"]; ok {
				sortArray(arr, sortSpec)
			}
			if sliceRaw, ok := specMap["$slice"]; ok {
				n, _ := toFloat(sliceRaw)
				arr = sliceArray(arr, int(n))
			}
		}
		setAt(doc, path, arr)
	}
	return nil
}

func pullOp(doc map[string]any, args map[string]any) error {
	for path, spec := range args {
		arr := asArray(doc, path)
		out := arr[:0]
		if f, ok := spec.(Filter); ok {
			for _, v := range arr {
				m, ok := v.(map[string]any)
				if ok {
					if match, _ := Evaluate(m, f); match {
						continue
					}
				}
				out = append(out, v)
			}
		} else {
			for _, v := range arr {
				if !deepEqual(v, spec) {
					out = append(out, v)
				}
			}
		}
		setAt(doc, path, append([]any{}, out...))
	}
	return nil
}

func pullAllOp(doc map[string]any, args map[string]any) error {
	for path, spec := range args {
		values, ok := spec.([]any)
		if !ok {
			return NewInvariantError(fmt.Sprintf("$pullAll requires an array for field %q", path))
		}
		arr := asArray(doc, path)
		out := make([]any, 0, len(arr))
		for _, v := range arr {
			remove := false
			for _, r := range values {
				if deepEqual(v, r) {
					remove = true
					break
				}
			}
			if !remove {
				out = append(out, v)
			}
		}
		setAt(doc, path, out)
	}
	return nil
}

func addToSetOp(doc map[string]any, args map[string]any) error {
	for path, spec := range args {
		arr := asArray(doc, path)
		var candidates []any
		if m, ok := spec.(map[string]any); ok {
			if each, ok := m["$each"].([]any); ok {
				candidates = each
			} else {
				candidates = []any{spec}
			}
		} else {
			candidates = []any{spec}
		}
		for _, c := range candidates {
			found := false
			for _, v := range arr {
				if deepEqual(v, c) {
					found = true
					break
				}
			}
			if !found {
				arr = append(arr, c)
			}
		}
		setAt(doc, path, arr)
	}
	return nil
}

func popOp(doc map[string]any, args map[string]any) error {
	for path, dirRaw := range args {
		dir, _ := toFloat(dirRaw)
		arr := asArray(doc, path)
		if len(arr) == 0 {
			continue
		}
		if dir < 0 {
			arr = arr[1:]
		} else {
			arr = arr[:len(arr)-1]
		}
		setAt(doc, path, arr)
	}
	return nil
}

func bitOp(doc map[string]any, args map[string]any) error {
	for path, specRaw := range args {
		spec, ok := specRaw.(map[string]any)
		if !ok {
			return NewInvariantError(fmt.Sprintf("$bit requires an object for field %q", path))
		}
		cur := int64(0)
		if v, ok := fieldAt(doc, path); ok {
			f, ok := toFloat(v)
			if !ok {
				return NewInvariantError(fmt.Sprintf("field %q is not numeric for $bit", path))
			}
			cur = int64(f)
		}
		// $bit operations apply left-to-right over operand map entries (§4.1);
		// iterate a fixed sequence rather than Go's randomized map order.
		for _, kind := range []string{"and", "or", "xor"} {
			operandRaw, ok := spec[kind]
			if !ok {
				continue
			}
			operand, _ := toFloat(operandRaw)
			o := int64(operand)
			switch kind {
			case "and":
				cur &= o
			case "or":
				cur |= o
			case "xor":
				cur ^= o
			}
		}
		setAt(doc, path, float64(cur))
	}
	return nil
}

func asArray(doc map[string]any, path string) []any {
	v, ok := fieldAt(doc, path)
	if !ok {
		return nil
	}
	arr, _ := v.([]any)
	return append([]any{}, arr...)
}

func sliceArray(arr []any, n int) []any {
	if n >= 0 {
		if n > len(arr) {
			n = len(arr)
		}
		return arr[:n]
	}
	n = -n
	if n > len(arr) {
		n = len(arr)
	}
	return arr[len(arr)-n:]
}

func sortArray(arr []any, sortSpec any) {
	field, _ := sortSpec.(string)
	dir := 1.0
	if m, ok := sortSpec.(map[string]any); ok {
		for k, v := range m {
			field = k
			dir, _ = toFloat(v)
		}
	}
	sort.SliceStable(arr, func(i, j int) bool {
		var vi, vj any
		if field == "" {
			vi, vj = arr[i], arr[j]
		} else {
			mi, _ := arr[i].(map[string]any)
			mj, _ := arr[j].(map[string]any)
			vi, _ = fieldAt(mi, field)
			vj, _ = fieldAt(mj, field)
		}
		c := compare(vi, vj)
		if dir < 0 {
			return c > 0
		}
		return c < 0
	})
}
