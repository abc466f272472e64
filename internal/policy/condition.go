// Trustflow - Behavioral Session Trust Scoring
// Copyright 2026 Kestrel Security
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelsec/trustflow

package policy

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/kestrelsec/trustflow/internal/logging"
)

// Condition is a boolean expression tree over scoring-context fields. The
// wire form is the rule author's JSON: a leaf object maps field names to
// operator checks, and "and"/"or" keys hold child condition lists.
//
//	{"trust_score": {"lt": 30}}
//	{"and": [{"role": {"eq": "admin"}}, {"trust_score": {"lt": 50}}]}
//
// An empty condition matches everything. A leaf is an implicit conjunction
// over all of its fields and operator checks.
type Condition struct {
	And  []Condition
	Or   []Condition
	Leaf map[string]map[string]json.RawMessage
}

// ParseCondition decodes a wire-form condition.
func ParseCondition(raw []byte) (Condition, error) {
	var c Condition
	if len(raw) == 0 {
		return c, nil
	}
	if err := c.UnmarshalJSON(raw); err != nil {
		return Condition{}, err
	}
	return c, nil
}

// UnmarshalJSON decodes the wire shape. "and" and "or" are reserved keys;
// every other key is a field name with an operator map.
func (c *Condition) UnmarshalJSON(raw []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("condition must be a JSON object: %w", err)
	}

	*c = Condition{}
	for key, val := range obj {
		switch key {
		case "and":
			if err := json.Unmarshal(val, &c.And); err != nil {
				return fmt.Errorf("decode and-branch: %w", err)
			}
		case "or":
			if err := json.Unmarshal(val, &c.Or); err != nil {
				return fmt.Errorf("decode or-branch: %w", err)
			}
		default:
			var ops map[string]json.RawMessage
			if err := json.Unmarshal(val, &ops); err != nil {
				return fmt.Errorf("field %q: operator map expected: %w", key, err)
			}
			if c.Leaf == nil {
				c.Leaf = make(map[string]map[string]json.RawMessage)
			}
			c.Leaf[key] = ops
		}
	}
	return nil
}

// MarshalJSON re-encodes the wire shape.
func (c Condition) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{})
	if len(c.And) > 0 {
		obj["and"] = c.And
	}
	if len(c.Or) > 0 {
		obj["or"] = c.Or
	}
	for field, ops := range c.Leaf {
		obj[field] = ops
	}
	return json.Marshal(obj)
}

// Matches evaluates the condition against the scoring context. Evaluation
// fails closed: an unknown operator, a missing field, or an uncomparable
// value makes the enclosing check false, never an error.
func (c Condition) Matches(input map[string]interface{}) bool {
	for _, child := range c.And {
		if !child.Matches(input) {
			return false
		}
	}

	if len(c.Or) > 0 {
		anyMatch := false
		for _, child := range c.Or {
			if child.Matches(input) {
				anyMatch = true
				break
			}
		}
		if !anyMatch {
			return false
		}
	}

	for field, ops := range c.Leaf {
		value, ok := input[field]
		if !ok {
			logging.Warn().Str("field", field).Msg("Policy condition references absent field")
			return false
		}
		for op, operand := range ops {
			if !applyOperator(op, value, operand) {
				return false
			}
		}
	}

	return true
}

// applyOperator runs one operator check. Unknown operators fail closed.
func applyOperator(op string, value interface{}, operand json.RawMessage) bool {
	fn, ok := operators[op]
	if !ok {
		logging.Warn().Str("operator", op).Msg("Policy condition uses unknown operator")
		return false
	}
	return fn(value, operand)
}

type operatorFunc func(value interface{}, operand json.RawMessage) bool

var operators = map[string]operatorFunc{
	"lt":  func(v interface{}, o json.RawMessage) bool { return compareNumeric(v, o, func(a, b float64) bool { return a < b }) },
	"lte": func(v interface{}, o json.RawMessage) bool { return compareNumeric(v, o, func(a, b float64) bool { return a <= b }) },
	"gt":  func(v interface{}, o json.RawMessage) bool { return compareNumeric(v, o, func(a, b float64) bool { return a > b }) },
	"gte": func(v interface{}, o json.RawMessage) bool { return compareNumeric(v, o, func(a, b float64) bool { return a >= b }) },
	"eq":  equal,
	"neq": func(v interface{}, o json.RawMessage) bool { return !equal(v, o) },
	"in":  contains,
}

func compareNumeric(value interface{}, operand json.RawMessage, cmp func(a, b float64) bool) bool {
	a, ok := toFloat(value)
	if !ok {
		return false
	}
	var b float64
	if err := json.Unmarshal(operand, &b); err != nil {
		return false
	}
	return cmp(a, b)
}

func equal(value interface{}, operand json.RawMessage) bool {
	if a, ok := toFloat(value); ok {
		var b float64
		if err := json.Unmarshal(operand, &b); err == nil {
			return a == b
		}
	}
	if a, ok := value.(string); ok {
		var b string
		if err := json.Unmarshal(operand, &b); err == nil {
			return a == b
		}
	}
	if a, ok := value.(bool); ok {
		var b bool
		if err := json.Unmarshal(operand, &b); err == nil {
			return a == b
		}
	}
	return false
}

func contains(value interface{}, operand json.RawMessage) bool {
	var items []json.RawMessage
	if err := json.Unmarshal(operand, &items); err != nil {
		return false
	}
	for _, item := range items {
		if equal(value, item) {
			return true
		}
	}
	return false
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
