package filterspec

import (
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// textOps in match order: longer operators before their prefixes.
var textOps = []string{OpNotNull, OpIsNull, OpNotIn + " ", OpIn + " ", OpGte, OpLte, OpNeq, OpEq, "=", OpGt, OpLt}

// Parse reads a single property test such as "age >= 20", "city is null",
// "name == 'Ann Lee'" or "city in [Oslo, Rome]". Operands are YAML scalars
// or flow sequences.
func Parse(expr string) (Spec, error) {
	expr = strings.TrimSpace(expr)
	end := strings.IndexFunc(expr, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	if end == 0 || expr == "" {
		return Spec{}, fmt.Errorf("expression %q: expected a property name", expr)
	}
	if end < 0 {
		return Spec{}, fmt.Errorf("expression %q: expected an operator", expr)
	}
	prop := expr[:end]
	rest := strings.TrimSpace(expr[end:])

	for _, op := range textOps {
		if !strings.HasPrefix(strings.ToLower(rest), op) {
			continue
		}
		operand := strings.TrimSpace(rest[len(op):])
		op = strings.TrimSpace(op)
		s := Spec{Property: prop, Op: op}
		switch op {
		case OpIsNull, OpNotNull:
			if operand != "" {
				return Spec{}, fmt.Errorf("expression %q: %s takes no operand", expr, op)
			}
			return s, nil
		case OpIn, OpNotIn:
			if err := yaml.Unmarshal([]byte(operand), &s.Values); err != nil {
				return Spec{}, fmt.Errorf("expression %q: %w", expr, err)
			}
			if s.Values == nil {
				return Spec{}, fmt.Errorf("expression %q: %s needs a list such as [a, b]", expr, op)
			}
			return s, nil
		default:
			if operand == "" {
				return Spec{}, fmt.Errorf("expression %q: missing operand", expr)
			}
			if err := yaml.Unmarshal([]byte(operand), &s.Value); err != nil {
				return Spec{}, fmt.Errorf("expression %q: %w", expr, err)
			}
			return s, nil
		}
	}
	return Spec{}, fmt.Errorf("expression %q: unknown operator", expr)
}

// ParseAll parses every expression and joins them with all.
func ParseAll(exprs []string) (Spec, error) {
	if len(exprs) == 0 {
		return Spec{}, nil
	}
	if len(exprs) == 1 {
		return Parse(exprs[0])
	}
	all := make([]Spec, len(exprs))
	for i, e := range exprs {
		s, err := Parse(e)
		if err != nil {
			return Spec{}, err
		}
		all[i] = s
	}
	return Spec{All: all}, nil
}
