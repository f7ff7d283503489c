package expr

import (
	"github.com/sluice-io/sluice/internal/fault"
	"github.com/sluice-io/sluice/internal/jsonval"
)

const (
	// MaxDepth is the maximum nesting depth of operator applications.
	MaxDepth = 10

	// MaxOperators is the maximum number of operator applications in
	// one condition.
	MaxOperators = 50
)

// operators is the whitelist. Values record the minimum operand count
// enforced at validation time; full arity checking happens during
// evaluation, where operand types are known.
var operators = map[string]bool{
	"var": true, "missing": true, "missing_some": true,
	"==": true, "===": true, "!=": true, "!==": true,
	">": true, ">=": true, "<": true, "<=": true,
	"and": true, "or": true, "!": true, "if": true, "in": true,
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"min": true, "max": true,
	"cat": true, "substr": true, "length": true,
}

// Parse decodes raw JSON into a validated condition.
func Parse(data []byte) (jsonval.Value, error) {
	v, err := jsonval.Decode(data)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "condition is not valid JSON")
	}
	if err := Validate(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks a condition against the language contract: the root
// is an operator application, every object names exactly one
// whitelisted operator, nesting stays within MaxDepth, and the total
// operator count stays within MaxOperators.
func Validate(v jsonval.Value) error {
	if _, ok := v.(jsonval.Object); !ok {
		return fault.Validation("condition root must be an operator object, got %s", jsonval.TypeName(v))
	}

	count := 0
	if err := walk(v, 1, &count); err != nil {
		return err
	}
	return nil
}

// walk descends the condition tree. depth counts operator nesting;
// arrays are operand containers and do not add a level.
func walk(v jsonval.Value, depth int, count *int) error {
	switch node := v.(type) {
	case jsonval.Object:
		if depth > MaxDepth {
			return fault.Validation("condition exceeds maximum depth of %d", MaxDepth)
		}
		if len(node) != 1 {
			return fault.Validation("operator object must have exactly one key, got %d", len(node))
		}
		*count++
		if *count > MaxOperators {
			return fault.Validation("condition exceeds maximum of %d operators", MaxOperators)
		}
		for op, operand := range node {
			if !operators[op] {
				return fault.Validation("Operator not allowed: %s", op)
			}
			if op == "var" {
				if err := validateVarOperand(operand); err != nil {
					return err
				}
			}
			return walk(operand, depth+1, count)
		}
		return nil
	case jsonval.Array:
		for _, elem := range node {
			if err := walk(elem, depth, count); err != nil {
				return err
			}
		}
		return nil
	default:
		// Scalar literal.
		return nil
	}
}

// validateVarOperand enforces the path shape: a string, or an array of
// [path, default] where the path is a string.
func validateVarOperand(operand jsonval.Value) error {
	switch o := operand.(type) {
	case jsonval.String:
		return nil
	case jsonval.Array:
		if len(o) == 0 || len(o) > 2 {
			return fault.Validation("var expects [path] or [path, default], got %d operands", len(o))
		}
		if _, ok := o[0].(jsonval.String); !ok {
			return fault.Validation("var path must be a string, got %s", jsonval.TypeName(o[0]))
		}
		return nil
	default:
		return fault.Validation("var path must be a string, got %s", jsonval.TypeName(operand))
	}
}
