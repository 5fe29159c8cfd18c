package broker

import (
	"time"

	"github.com/Basilakis/kai-sub001/model"
)

// Op identifies a filter comparison operator.
type Op string

// Supported filter operators.
const (
	OpEq      Op = "eq"
	OpLt      Op = "lt"
	OpGt      Op = "gt"
	OpBetween Op = "between"
	OpIn      Op = "in"
)

// Message fields addressable by filter conditions.
const (
	FieldID        = "id"
	FieldSeq       = "seq"
	FieldQueue     = "queue"
	FieldType      = "type"
	FieldSource    = "source"
	FieldStatus    = "status"
	FieldTimestamp = "timestamp"
	FieldExpiresAt = "expires_at"
	FieldPriority  = "priority"
	FieldAttempts  = "attempts"
)

// Cond is a single typed comparison against a message field.
// Construct conditions with Eq, Lt, Gt, Between and In rather than directly.
type Cond struct {
	Field  string
	Op     Op
	Value  interface{}
	High   interface{}   // upper bound, OpBetween only
	Values []interface{} // member set, OpIn only
}

// Filter is a conjunction of conditions. A nil or empty Filter matches
// every message.
type Filter []Cond

// Eq matches messages whose field equals v.
func Eq(field string, v interface{}) Cond {
	return Cond{Field: field, Op: OpEq, Value: v}
}

// Lt matches messages whose field is strictly less than v.
func Lt(field string, v interface{}) Cond {
	return Cond{Field: field, Op: OpLt, Value: v}
}

// Gt matches messages whose field is strictly greater than v.
func Gt(field string, v interface{}) Cond {
	return Cond{Field: field, Op: OpGt, Value: v}
}

// Between matches messages whose field lies in [lo, hi].
func Between(field string, lo, hi interface{}) Cond {
	return Cond{Field: field, Op: OpBetween, Value: lo, High: hi}
}

// In matches messages whose field equals any of vs.
func In(field string, vs ...interface{}) Cond {
	return Cond{Field: field, Op: OpIn, Values: vs}
}

// Match evaluates the filter against a message in memory.
// Used by the in-memory store adapter and by change-feed implementations
// that cannot push the filter down to the storage engine.
func (f Filter) Match(m *model.Message) bool {
	for _, c := range f {
		if !c.match(m) {
			return false
		}
	}
	return true
}

func (c Cond) match(m *model.Message) bool {
	fv, ok := fieldValue(m, c.Field)
	if !ok {
		return false
	}

	switch c.Op {
	case OpEq:
		return compare(fv, c.Value) == 0
	case OpLt:
		return compare(fv, c.Value) < 0
	case OpGt:
		return compare(fv, c.Value) > 0
	case OpBetween:
		return compare(fv, c.Value) >= 0 && compare(fv, c.High) <= 0
	case OpIn:
		for _, v := range c.Values {
			if compare(fv, v) == 0 {
				return true
			}
		}
		return false
	}
	return false
}

// fieldValue extracts the named field from a message.
// The second return is false for unknown fields and for a nil expires_at,
// which no condition matches.
func fieldValue(m *model.Message, field string) (interface{}, bool) {
	switch field {
	case FieldID:
		return m.ID, true
	case FieldSeq:
		return m.Seq, true
	case FieldQueue:
		return string(m.Queue), true
	case FieldType:
		return m.Type, true
	case FieldSource:
		return m.Source, true
	case FieldStatus:
		return string(m.Status), true
	case FieldTimestamp:
		return m.Timestamp, true
	case FieldExpiresAt:
		if m.ExpiresAt == nil {
			return nil, false
		}
		return *m.ExpiresAt, true
	case FieldPriority:
		return m.Priority, true
	case FieldAttempts:
		return m.Attempts, true
	}
	return nil, false
}

// compare orders two filter values of the same kind.
// Returns -1, 0 or 1. Mismatched kinds compare as unequal (-1).
func compare(a, b interface{}) int {
	switch av := a.(type) {
	case string:
		bv, ok := asString(b)
		if !ok {
			return -1
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return -1
		}
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		}
		return 0
	default:
		af, aok := asFloat(a)
		bf, bok := asFloat(b)
		if !aok || !bok {
			return -1
		}
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case model.Queue:
		return string(s), true
	case model.Status:
		return string(s), true
	}
	return "", false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
