package selection

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// ErrUnknownOperator is returned by Parse for an unsupported name suffix.
var ErrUnknownOperator = errors.New("unknown constraint operator")

// Record is a candidate record: field name to value.
type Record map[string]any

// Op identifies how a constraint compares a record field.
type Op int

const (
	// OpEquals requires record[field] == value.
	OpEquals Op = iota
	// OpAtLeast requires record[field] >= value.
	OpAtLeast
	// OpOneOf requires record[field] to be a member of values.
	OpOneOf
)

// String returns the legacy suffix-free name of the operator.
func (o Op) String() string {
	switch o {
	case OpEquals:
		return "eq"
	case OpAtLeast:
		return "gt"
	case OpOneOf:
		return "in"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Constraint is a single declarative requirement on a record field.
// Build it with Equals, AtLeast or OneOf.
type Constraint struct {
	op     Op
	field  string
	value  any
	values []any
}

// Equals requires the field to equal value.
func Equals(field string, value any) Constraint {
	return Constraint{op: OpEquals, field: field, value: value}
}

// AtLeast requires the field to be not less than value.
func AtLeast(field string, value any) Constraint {
	return Constraint{op: OpAtLeast, field: field, value: value}
}

// OneOf requires the field to be a member of values.
func OneOf(field string, values ...any) Constraint {
	return Constraint{op: OpOneOf, field: field, values: values}
}

// Op returns the constraint operator.
func (c Constraint) Op() Op { return c.op }

// Field returns the record field the constraint applies to.
func (c Constraint) Field() string { return c.field }

// Value returns the expected value for Equals and AtLeast constraints.
func (c Constraint) Value() any { return c.value }

// Values returns the allowed values for OneOf constraints.
func (c Constraint) Values() []any { return c.values }

// Vacuous reports whether the expected value is empty. Vacuous
// constraints are treated as unset and never reject a record whose field
// is present.
func (c Constraint) Vacuous() bool {
	if c.op == OpOneOf {
		return len(c.values) == 0
	}

	return isZero(c.value)
}

// Match evaluates the constraint against a record. A record missing the
// field is rejected regardless of the operator.
func (c Constraint) Match(r Record) bool {
	actual, ok := r[c.field]
	if !ok {
		return false
	}

	if c.Vacuous() {
		return true
	}

	switch c.op {
	case OpEquals:
		return equal(actual, c.value)
	case OpAtLeast:
		cmp, ok := compare(actual, c.value)

		return ok && cmp >= 0
	case OpOneOf:
		for _, v := range c.values {
			if equal(actual, v) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// String renders the constraint in the legacy suffix syntax.
func (c Constraint) String() string {
	switch c.op {
	case OpAtLeast:
		return fmt.Sprintf("%s__gt=%v", c.field, c.value)
	case OpOneOf:
		return fmt.Sprintf("%s__in=%v", c.field, c.values)
	default:
		return fmt.Sprintf("%s=%v", c.field, c.value)
	}
}

// Constraints is an ordered set of constraints combined with AND.
type Constraints []Constraint

// Match reports whether the record satisfies every constraint.
func (cs Constraints) Match(r Record) bool {
	for _, c := range cs {
		if !c.Match(r) {
			return false
		}
	}

	return true
}

// Find returns the first constraint on the given field.
func (cs Constraints) Find(field string) (Constraint, bool) {
	for _, c := range cs {
		if c.field == field {
			return c, true
		}
	}

	return Constraint{}, false
}

// Only returns the constraints that apply to one of the given fields.
func (cs Constraints) Only(fields ...string) Constraints {
	out := make(Constraints, 0, len(fields))

	for _, c := range cs {
		for _, f := range fields {
			if c.field == f {
				out = append(out, c)

				break
			}
		}
	}

	return out
}

// Parse converts legacy suffix-named criteria into constraints. A name
// without suffix means equality, "__gt" means AtLeast and "__in" means
// OneOf. Constraints are returned sorted by name.
func Parse(criteria map[string]any) (Constraints, error) {
	names := make([]string, 0, len(criteria))
	for name := range criteria {
		names = append(names, name)
	}

	sort.Strings(names)

	out := make(Constraints, 0, len(names))

	for _, name := range names {
		value := criteria[name]

		field, suffix, found := strings.Cut(name, "__")
		if field == "" {
			return nil, fmt.Errorf("constraint %q: empty field name", name)
		}

		if !found {
			out = append(out, Equals(field, value))

			continue
		}

		switch suffix {
		case "gt":
			out = append(out, AtLeast(field, value))
		case "in":
			values, err := toSlice(value)
			if err != nil {
				return nil, fmt.Errorf("constraint %q: %w", name, err)
			}

			out = append(out, OneOf(field, values...))
		default:
			return nil, fmt.Errorf("constraint %q: %w %q", name, ErrUnknownOperator, suffix)
		}
	}

	return out, nil
}

func toSlice(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}

	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}

	return out, nil
}

func isZero(v any) bool {
	if v == nil {
		return true
	}

	if n, ok := v.(json.Number); ok {
		return n == "" || n == "0"
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return rv.IsZero()
	}
}

// number is a normalized numeric value. Integers are kept exact.
type number struct {
	isInt bool
	i     int64
	f     float64
}

func toNumber(v any) (number, bool) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return number{isInt: true, i: i}, true
		}

		f, err := x.Float64()
		if err != nil {
			return number{}, false
		}

		return number{f: f}, true
	case bool, string, nil:
		return number{}, false
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number{isInt: true, i: rv.Int()}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return number{f: float64(u)}, true
		}

		return number{isInt: true, i: int64(u)}, true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return number{isInt: true, i: int64(f)}, true
		}

		return number{f: f}, true
	default:
		return number{}, false
	}
}

func (n number) float() float64 {
	if n.isInt {
		return float64(n.i)
	}

	return n.f
}

// compare returns -1, 0 or 1 and whether the two values are comparable.
func compare(a, b any) (int, bool) {
	na, okA := toNumber(a)
	nb, okB := toNumber(b)

	if okA && okB {
		if na.isInt && nb.isInt {
			switch {
			case na.i < nb.i:
				return -1, true
			case na.i > nb.i:
				return 1, true
			default:
				return 0, true
			}
		}

		fa, fb := na.float(), nb.float()

		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	sa, okA := a.(string)
	sb, okB := b.(string)

	if okA && okB {
		return strings.Compare(sa, sb), true
	}

	return 0, false
}

func equal(a, b any) bool {
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)

		return ok && ba == bb
	}

	if _, ok := b.(bool); ok {
		return false
	}

	if cmp, ok := compare(a, b); ok {
		return cmp == 0
	}

	return reflect.DeepEqual(a, b)
}
