package compare

import (
	"encoding/json"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/dualrun/internal/runtime/jsoncodec"
	"github.com/drblury/dualrun/internal/runtime/rules"
)

// valueClass is the JSON type of a decoded value. Integers and floats are
// distinct classes: 100 and 100.0 never compare equal unless a
// canonical_number directive turned the float into an integer.
type valueClass int

const (
	classNull valueClass = iota
	classBool
	classInteger
	classFloat
	classString
	classArray
	classObject
	classUnknown
)

func (c valueClass) String() string {
	switch c {
	case classNull:
		return "null"
	case classBool:
		return "boolean"
	case classInteger:
		return "integer"
	case classFloat:
		return "float"
	case classString:
		return "string"
	case classArray:
		return "array"
	case classObject:
		return "object"
	default:
		return "unknown"
	}
}

func classOf(v any) valueClass {
	switch t := v.(type) {
	case nil:
		return classNull
	case bool:
		return classBool
	case json.Number:
		if isIntegerLiteral(string(t)) {
			return classInteger
		}
		return classFloat
	case string:
		return classString
	case []any:
		return classArray
	case map[string]any:
		return classObject
	default:
		return classUnknown
	}
}

func isIntegerLiteral(s string) bool {
	return !strings.ContainsAny(s, ".eE")
}

// numbersEqual compares two numbers of the same class by value, so 1.50
// and 1.5 are equal floats.
func numbersEqual(a, b json.Number, class valueClass) bool {
	if class == classInteger {
		x, okA := new(big.Int).SetString(string(a), 10)
		y, okB := new(big.Int).SetString(string(b), 10)
		if okA && okB {
			return x.Cmp(y) == 0
		}
		return a == b
	}
	x, errA := strconv.ParseFloat(string(a), 64)
	y, errB := strconv.ParseFloat(string(b), 64)
	if errA != nil || errB != nil {
		return a == b
	}
	return x == y
}

// removePath deletes every node matched by segments. A "*" segment matches
// every key of an object or every element of an array.
func removePath(node any, segments []string) any {
	if len(segments) == 0 {
		return node
	}
	seg, rest := segments[0], segments[1:]
	switch t := node.(type) {
	case map[string]any:
		if seg == rules.Wildcard {
			if len(rest) == 0 {
				return map[string]any{}
			}
			for k, child := range t {
				t[k] = removePath(child, rest)
			}
			return t
		}
		child, ok := t[seg]
		if !ok {
			return t
		}
		if len(rest) == 0 {
			delete(t, seg)
		} else {
			t[seg] = removePath(child, rest)
		}
		return t
	case []any:
		if seg == rules.Wildcard {
			if len(rest) == 0 {
				return []any{}
			}
			for i, child := range t {
				t[i] = removePath(child, rest)
			}
			return t
		}
		idx, ok := arrayIndex(seg, len(t))
		if !ok {
			return t
		}
		if len(rest) == 0 {
			return append(t[:idx:idx], t[idx+1:]...)
		}
		t[idx] = removePath(t[idx], rest)
		return t
	default:
		return node
	}
}

func arrayIndex(seg string, n int) (int, bool) {
	if seg == "" || (len(seg) > 1 && seg[0] == '0') {
		return 0, false
	}
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}

// applyAt runs fn on every node matched by segments and stores the result
// back into the tree.
func applyAt(node any, segments []string, fn func(any) any) any {
	if len(segments) == 0 {
		return fn(node)
	}
	seg, rest := segments[0], segments[1:]
	switch t := node.(type) {
	case map[string]any:
		if seg == rules.Wildcard {
			for k, child := range t {
				t[k] = applyAt(child, rest, fn)
			}
			return t
		}
		if child, ok := t[seg]; ok {
			t[seg] = applyAt(child, rest, fn)
		}
		return t
	case []any:
		if seg == rules.Wildcard {
			for i, child := range t {
				t[i] = applyAt(child, rest, fn)
			}
			return t
		}
		if idx, ok := arrayIndex(seg, len(t)); ok {
			t[idx] = applyAt(t[idx], rest, fn)
		}
		return t
	default:
		return node
	}
}

// walk applies leaf to every scalar below node, children first, and then
// container to every array or object.
func walk(node any, leaf func(any) any, container func(any) any) any {
	switch t := node.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = walk(child, leaf, container)
		}
		if container != nil {
			return container(t)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = walk(child, leaf, container)
		}
		if container != nil {
			return container(t)
		}
		return t
	default:
		if leaf != nil {
			return leaf(node)
		}
		return node
	}
}

// normalizer builds the subtree transformation for one directive.
func normalizer(d rules.Directive) (func(any) any, error) {
	switch d.Kind {
	case rules.DirectiveRoundTimestamp:
		precision, err := d.PrecisionDuration()
		if err != nil {
			return nil, err
		}
		return func(n any) any { return walk(n, roundTimestamp(precision), nil) }, nil
	case rules.DirectiveNumericPrecision:
		return func(n any) any { return walk(n, numericPrecision(d.Digits), nil) }, nil
	case rules.DirectiveCanonicalNumber:
		return func(n any) any { return walk(n, canonicalNumber, nil) }, nil
	case rules.DirectiveLowercase:
		return func(n any) any { return walk(n, mapString(strings.ToLower), nil) }, nil
	case rules.DirectiveTrimSpace:
		return func(n any) any { return walk(n, mapString(strings.TrimSpace), nil) }, nil
	case rules.DirectiveSortArray:
		return func(n any) any { return walk(n, nil, sortArray) }, nil
	default:
		return nil, &unknownDirectiveError{kind: d.Kind}
	}
}

type unknownDirectiveError struct{ kind string }

func (e *unknownDirectiveError) Error() string { return "unknown directive " + strconv.Quote(e.kind) }

var timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00"}

func roundTimestamp(precision time.Duration) func(any) any {
	return func(v any) any {
		s, ok := v.(string)
		if !ok {
			return v
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC().Truncate(precision).Format(time.RFC3339Nano)
			}
		}
		return v
	}
}

func numericPrecision(digits int) func(any) any {
	scale := math.Pow10(digits)
	return func(v any) any {
		n, ok := v.(json.Number)
		if !ok || isIntegerLiteral(string(n)) {
			return v
		}
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil || math.IsInf(f, 0) {
			return v
		}
		rounded := math.Round(f*scale) / scale
		return floatNumber(rounded)
	}
}

// canonicalNumber rewrites integral floats as integers and normalises float
// spelling.
func canonicalNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok || isIntegerLiteral(string(n)) {
		return v
	}
	if r, ok := new(big.Rat).SetString(string(n)); ok && r.IsInt() {
		return json.Number(r.Num().String())
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return v
	}
	return floatNumber(f)
}

func floatNumber(f float64) json.Number {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if isIntegerLiteral(s) {
		s += ".0"
	}
	return json.Number(s)
}

func mapString(fn func(string) string) func(any) any {
	return func(v any) any {
		if s, ok := v.(string); ok {
			return fn(s)
		}
		return v
	}
}

func sortArray(v any) any {
	arr, ok := v.([]any)
	if !ok {
		return v
	}
	keys := make([]string, len(arr))
	for i, el := range arr {
		b, err := jsoncodec.Marshal(el)
		if err != nil {
			return v
		}
		keys[i] = string(b)
	}
	idx := make([]int, len(arr))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
	sorted := make([]any, len(arr))
	for i, j := range idx {
		sorted[i] = arr[j]
	}
	return sorted
}
