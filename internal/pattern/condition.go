package pattern

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/spf13/cast"

	"github.com/ajitpratap0/streamcore/pkg/errors"
	"github.com/ajitpratap0/streamcore/pkg/models"
)

// Comparison operators understood by field conditions
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpExists   = "exists"
)

// FieldCondition compares one payload field with a constant
type FieldCondition struct {
	Field string
	Op    string
	Value interface{}
}

// ConditionPattern matches a single event: the event type (if set), every
// field condition and the expression (if set) must all hold.
type ConditionPattern struct {
	Name       string
	EventType  string
	Fields     []FieldCondition
	Expression string
	Severity   models.Severity
}

type compiledCondition struct {
	ConditionPattern
	program *vm.Program
}

func compileCondition(p ConditionPattern) (*compiledCondition, error) {
	if p.Name == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "condition pattern needs a name")
	}
	for _, f := range p.Fields {
		switch f.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpExists:
		default:
			return nil, errors.Newf(errors.ErrorTypeConfig, "condition %q: unknown operator %q", p.Name, f.Op)
		}
	}

	c := &compiledCondition{ConditionPattern: p}
	if p.Expression != "" {
		program, err := expr.Compile(p.Expression, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("condition %q: invalid expression", p.Name))
		}
		c.program = program
	}
	return c, nil
}

func (c *compiledCondition) matches(ev *models.Event) bool {
	if c.EventType != "" && c.EventType != ev.Type {
		return false
	}
	for _, f := range c.Fields {
		actual, ok := ev.Field(f.Field)
		if !compare(actual, ok, f.Op, f.Value) {
			return false
		}
	}
	if c.program != nil {
		out, err := expr.Run(c.program, Env(ev))
		if err != nil {
			return false
		}
		matched, _ := out.(bool)
		return matched
	}
	return true
}

// Env builds the expression environment for an event: payload fields at the
// top level plus id, type, key and timestamp (epoch millis). Payload fields
// with those names are reachable through payload.
func Env(ev *models.Event) map[string]interface{} {
	fields := ev.Fields()
	env := make(map[string]interface{}, len(fields)+5)
	for k, v := range fields {
		env[k] = v
	}
	env["id"] = ev.ID
	env["type"] = ev.Type
	env["key"] = ev.Key()
	env["timestamp"] = ev.TimestampMillis()
	env["payload"] = fields
	return env
}

func compare(actual interface{}, present bool, op string, want interface{}) bool {
	if op == OpExists {
		return present && actual != nil
	}
	if !present {
		return op == OpNe
	}

	switch op {
	case OpEq:
		return equal(actual, want)
	case OpNe:
		return !equal(actual, want)
	case OpContains:
		return contains(actual, want)
	}

	a, errA := cast.ToFloat64E(actual)
	b, errB := cast.ToFloat64E(want)
	if errA != nil || errB != nil {
		// non-numeric operands order lexically
		as, bs := cast.ToString(actual), cast.ToString(want)
		switch op {
		case OpGt:
			return as > bs
		case OpGte:
			return as >= bs
		case OpLt:
			return as < bs
		case OpLte:
			return as <= bs
		}
		return false
	}
	switch op {
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	}
	return false
}

func equal(a, b interface{}) bool {
	if fa, err := cast.ToFloat64E(a); err == nil {
		if fb, err := cast.ToFloat64E(b); err == nil {
			return fa == fb
		}
	}
	return cast.ToString(a) == cast.ToString(b)
}

func contains(container, item interface{}) bool {
	if s, ok := container.(string); ok {
		return strings.Contains(s, cast.ToString(item))
	}
	rv := reflect.ValueOf(container)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), item) {
				return true
			}
		}
		return false
	}
	if m, ok := container.(map[string]interface{}); ok {
		_, found := m[cast.ToString(item)]
		return found
	}
	return false
}
