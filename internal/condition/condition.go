// Package condition implements the small condition grammar shared by state
// escalation rules and event-trigger schedules.
//
// Supported forms: "true" / "always", "changed", and the comparisons
// ">N", ">=N", "<N", "<=N", "==V", "!=V". Anything else, including
// predicate strings serialized by a runtime the hub does not carry, is
// inert and evaluates to false.
package condition

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Condition is a parsed condition ready for evaluation.
type Condition struct {
	kind    kind
	op      string
	operand string
}

type kind int

const (
	kindInert kind = iota
	kindAlways
	kindChanged
	kindCompare
)

var compareOps = []string{">=", "<=", "==", "!=", ">", "<"}

// Parse parses a condition string. Unsupported input parses successfully
// into an inert condition rather than erroring; persisted rules from other
// runtimes must not break evaluation.
func Parse(raw string) Condition {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "true", "always":
		return Condition{kind: kindAlways}
	case "changed":
		return Condition{kind: kindChanged}
	}
	for _, op := range compareOps {
		if strings.HasPrefix(s, op) {
			return Condition{
				kind:    kindCompare,
				op:      op,
				operand: strings.TrimSpace(s[len(op):]),
			}
		}
	}
	return Condition{kind: kindInert}
}

// Inert reports whether the condition can never fire.
func (c Condition) Inert() bool { return c.kind == kindInert }

// Eval evaluates the condition against a value transition. old is nil when
// the key had no previous value.
func (c Condition) Eval(old, new json.RawMessage) bool {
	switch c.kind {
	case kindAlways:
		return true
	case kindChanged:
		return !rawEqual(old, new)
	case kindCompare:
		return c.compare(new)
	default:
		return false
	}
}

func (c Condition) compare(value json.RawMessage) bool {
	num, numOK := asNumber(value)

	switch c.op {
	case "==", "!=":
		var equal bool
		if n, err := strconv.ParseFloat(c.operand, 64); err == nil && numOK {
			equal = num == n
		} else {
			equal = asString(value) == c.operand
		}
		if c.op == "==" {
			return equal
		}
		return !equal
	}

	// Ordered comparisons are numeric only.
	n, err := strconv.ParseFloat(c.operand, 64)
	if err != nil || !numOK {
		return false
	}
	switch c.op {
	case ">":
		return num > n
	case ">=":
		return num >= n
	case "<":
		return num < n
	case "<=":
		return num <= n
	}
	return false
}

func rawEqual(a, b json.RawMessage) bool {
	return strings.TrimSpace(string(a)) == strings.TrimSpace(string(b))
}

func asNumber(raw json.RawMessage) (float64, bool) {
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// asString renders the value for equality checks: JSON strings compare by
// their contents, everything else by its JSON encoding.
func asString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
