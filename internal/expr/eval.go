package expr

import (
	"math"
	"strconv"
	"strings"

	"github.com/sluice-io/sluice/internal/fault"
	"github.com/sluice-io/sluice/internal/jsonval"
)

// Evaluate runs a condition against an event payload and coerces the
// result to a boolean. The condition is assumed validated; conditions
// loaded from storage still get the whitelist check because unknown
// operators fail here too.
func Evaluate(cond jsonval.Value, payload jsonval.Object) (bool, error) {
	v, err := eval(cond, payload)
	if err != nil {
		return false, err
	}
	return jsonval.Truthy(v), nil
}

// eval computes the value of a node. Objects apply their operator,
// arrays evaluate element-wise, scalars are literals.
func eval(node jsonval.Value, data jsonval.Object) (jsonval.Value, error) {
	switch n := node.(type) {
	case jsonval.Object:
		if len(n) != 1 {
			return nil, evalErr("operator object must have exactly one key, got %d", len(n))
		}
		for op, operand := range n {
			return apply(op, operand, data)
		}
		return nil, nil // unreachable
	case jsonval.Array:
		out := make(jsonval.Array, len(n))
		for i, elem := range n {
			v, err := eval(elem, data)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return node, nil
	}
}

func apply(op string, operand jsonval.Value, data jsonval.Object) (jsonval.Value, error) {
	switch op {
	case "var":
		return applyVar(operand, data)
	case "missing":
		return applyMissing(operand, data)
	case "missing_some":
		return applyMissingSome(operand, data)
	case "and", "or":
		return applyLogic(op, operand, data)
	case "if":
		return applyIf(operand, data)
	}

	// The remaining operators evaluate all operands eagerly.
	args, err := evalArgs(operand, data)
	if err != nil {
		return nil, err
	}

	switch op {
	case "==":
		a, b, err := two(op, args)
		if err != nil {
			return nil, err
		}
		return jsonval.Bool(jsonval.Equal(a, b)), nil
	case "!=":
		a, b, err := two(op, args)
		if err != nil {
			return nil, err
		}
		return jsonval.Bool(!jsonval.Equal(a, b)), nil
	case "===":
		a, b, err := two(op, args)
		if err != nil {
			return nil, err
		}
		return jsonval.Bool(jsonval.StrictEqual(a, b)), nil
	case "!==":
		a, b, err := two(op, args)
		if err != nil {
			return nil, err
		}
		return jsonval.Bool(!jsonval.StrictEqual(a, b)), nil
	case ">", ">=", "<", "<=":
		return applyCompare(op, args)
	case "!":
		if len(args) != 1 {
			return nil, evalErr("! expects 1 operand, got %d", len(args))
		}
		return jsonval.Bool(!jsonval.Truthy(args[0])), nil
	case "in":
		return applyIn(args)
	case "+", "-", "*", "/", "%", "min", "max":
		return applyArithmetic(op, args)
	case "cat":
		return applyCat(args)
	case "substr":
		return applySubstr(args)
	case "length":
		return applyLength(args)
	default:
		return nil, evalErr("Operator not allowed: %s", op)
	}
}

// applyVar resolves a payload path. The operand is a string path or
// [path, default]; a missing path yields the default, or null.
func applyVar(operand jsonval.Value, data jsonval.Object) (jsonval.Value, error) {
	var path jsonval.Value
	var def jsonval.Value = jsonval.Null{}

	switch o := operand.(type) {
	case jsonval.Array:
		if len(o) == 0 || len(o) > 2 {
			return nil, evalErr("var expects [path] or [path, default], got %d operands", len(o))
		}
		p, err := eval(o[0], data)
		if err != nil {
			return nil, err
		}
		path = p
		if len(o) == 2 {
			d, err := eval(o[1], data)
			if err != nil {
				return nil, err
			}
			def = d
		}
	default:
		p, err := eval(operand, data)
		if err != nil {
			return nil, err
		}
		path = p
	}

	s, ok := path.(jsonval.String)
	if !ok {
		return nil, evalErr("var path must be a string, got %s", jsonval.TypeName(path))
	}
	v, found := data.Lookup(string(s))
	if !found {
		return def, nil
	}
	return v, nil
}

// applyMissing returns the subset of paths that do not resolve in the
// payload. A path set explicitly to null counts as missing.
func applyMissing(operand jsonval.Value, data jsonval.Object) (jsonval.Value, error) {
	v, err := eval(operand, data)
	if err != nil {
		return nil, err
	}
	paths, ok := v.(jsonval.Array)
	if !ok {
		paths = jsonval.Array{v}
	}

	missing := jsonval.Array{}
	for _, p := range paths {
		s, ok := p.(jsonval.String)
		if !ok {
			return nil, evalErr("missing expects string paths, got %s", jsonval.TypeName(p))
		}
		if !present(data, string(s)) {
			missing = append(missing, s)
		}
	}
	return missing, nil
}

// applyMissingSome takes [min, paths] and returns the missing paths
// when fewer than min are present, otherwise an empty array.
func applyMissingSome(operand jsonval.Value, data jsonval.Object) (jsonval.Value, error) {
	o, ok := operand.(jsonval.Array)
	if !ok || len(o) != 2 {
		return nil, evalErr("missing_some expects [min, paths]")
	}
	minV, err := eval(o[0], data)
	if err != nil {
		return nil, err
	}
	need, err := toNumber("missing_some", minV)
	if err != nil {
		return nil, err
	}
	pathsV, err := eval(o[1], data)
	if err != nil {
		return nil, err
	}
	paths, ok := pathsV.(jsonval.Array)
	if !ok {
		return nil, evalErr("missing_some paths must be an array, got %s", jsonval.TypeName(pathsV))
	}

	missing := jsonval.Array{}
	for _, p := range paths {
		s, ok := p.(jsonval.String)
		if !ok {
			return nil, evalErr("missing_some expects string paths, got %s", jsonval.TypeName(p))
		}
		if !present(data, string(s)) {
			missing = append(missing, s)
		}
	}
	if len(paths)-len(missing) >= int(need) {
		return jsonval.Array{}, nil
	}
	return missing, nil
}

func present(data jsonval.Object, path string) bool {
	v, found := data.Lookup(path)
	if !found {
		return false
	}
	_, isNull := v.(jsonval.Null)
	return !isNull
}

// applyLogic short-circuits: "and" returns the first falsy operand or
// the last one, "or" the first truthy operand or the last one.
func applyLogic(op string, operand jsonval.Value, data jsonval.Object) (jsonval.Value, error) {
	args, ok := operand.(jsonval.Array)
	if !ok {
		args = jsonval.Array{operand}
	}
	if len(args) == 0 {
		return nil, evalErr("%s expects at least 1 operand", op)
	}

	var last jsonval.Value
	for _, arg := range args {
		v, err := eval(arg, data)
		if err != nil {
			return nil, err
		}
		truthy := jsonval.Truthy(v)
		if op == "and" && !truthy {
			return v, nil
		}
		if op == "or" && truthy {
			return v, nil
		}
		last = v
	}
	return last, nil
}

// applyIf walks [cond, then, cond, then, ..., else] pairs lazily.
func applyIf(operand jsonval.Value, data jsonval.Object) (jsonval.Value, error) {
	args, ok := operand.(jsonval.Array)
	if !ok {
		args = jsonval.Array{operand}
	}

	i := 0
	for ; i+1 < len(args); i += 2 {
		c, err := eval(args[i], data)
		if err != nil {
			return nil, err
		}
		if jsonval.Truthy(c) {
			return eval(args[i+1], data)
		}
	}
	// Trailing operand is the else branch.
	if i < len(args) {
		return eval(args[i], data)
	}
	return jsonval.Null{}, nil
}

func applyCompare(op string, args jsonval.Array) (jsonval.Value, error) {
	// "<" and "<=" accept a third operand for range tests.
	if len(args) == 3 && (op == "<" || op == "<=") {
		left, err := compare(op, args[0], args[1])
		if err != nil {
			return nil, err
		}
		if !left {
			return jsonval.Bool(false), nil
		}
		right, err := compare(op, args[1], args[2])
		if err != nil {
			return nil, err
		}
		return jsonval.Bool(right), nil
	}

	a, b, err := two(op, args)
	if err != nil {
		return nil, err
	}
	res, err := compare(op, a, b)
	if err != nil {
		return nil, err
	}
	return jsonval.Bool(res), nil
}

// compare orders two values: numerically when both coerce to numbers,
// lexicographically when both are non-numeric strings.
func compare(op string, a, b jsonval.Value) (bool, error) {
	an, aok := jsonval.NumberOf(a)
	bn, bok := jsonval.NumberOf(b)
	if aok && bok {
		switch op {
		case ">":
			return an > bn, nil
		case ">=":
			return an >= bn, nil
		case "<":
			return an < bn, nil
		case "<=":
			return an <= bn, nil
		}
	}

	as, aIsStr := a.(jsonval.String)
	bs, bIsStr := b.(jsonval.String)
	if aIsStr && bIsStr {
		switch op {
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		}
	}

	return false, evalErr("%s cannot compare %s and %s", op, jsonval.TypeName(a), jsonval.TypeName(b))
}

func applyIn(args jsonval.Array) (jsonval.Value, error) {
	needle, haystack, err := two("in", args)
	if err != nil {
		return nil, err
	}
	switch h := haystack.(type) {
	case jsonval.Array:
		for _, elem := range h {
			if jsonval.StrictEqual(needle, elem) {
				return jsonval.Bool(true), nil
			}
		}
		return jsonval.Bool(false), nil
	case jsonval.String:
		n, ok := needle.(jsonval.String)
		if !ok {
			return nil, evalErr("in expects a string needle for string search, got %s", jsonval.TypeName(needle))
		}
		return jsonval.Bool(strings.Contains(string(h), string(n))), nil
	default:
		return nil, evalErr("in expects an array or string to search, got %s", jsonval.TypeName(haystack))
	}
}

func applyArithmetic(op string, args jsonval.Array) (jsonval.Value, error) {
	switch op {
	case "+":
		sum := 0.0
		for _, a := range args {
			n, err := toNumber(op, a)
			if err != nil {
				return nil, err
			}
			sum += n
		}
		return finite(sum)
	case "-":
		switch len(args) {
		case 1:
			n, err := toNumber(op, args[0])
			if err != nil {
				return nil, err
			}
			return finite(-n)
		case 2:
			a, err := toNumber(op, args[0])
			if err != nil {
				return nil, err
			}
			b, err := toNumber(op, args[1])
			if err != nil {
				return nil, err
			}
			return finite(a - b)
		default:
			return nil, evalErr("- expects 1 or 2 operands, got %d", len(args))
		}
	case "*":
		if len(args) == 0 {
			return nil, evalErr("* expects at least 1 operand")
		}
		prod := 1.0
		for _, a := range args {
			n, err := toNumber(op, a)
			if err != nil {
				return nil, err
			}
			prod *= n
		}
		return finite(prod)
	case "/":
		a, b, err := twoNumbers(op, args)
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return nil, evalErr("division by zero")
		}
		return finite(a / b)
	case "%":
		a, b, err := twoNumbers(op, args)
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return nil, evalErr("modulo by zero")
		}
		return finite(math.Mod(a, b))
	case "min", "max":
		if len(args) == 0 {
			return nil, evalErr("%s expects at least 1 operand", op)
		}
		best, err := toNumber(op, args[0])
		if err != nil {
			return nil, err
		}
		for _, a := range args[1:] {
			n, err := toNumber(op, a)
			if err != nil {
				return nil, err
			}
			if (op == "min" && n < best) || (op == "max" && n > best) {
				best = n
			}
		}
		return jsonval.Number(best), nil
	default:
		return nil, evalErr("Operator not allowed: %s", op)
	}
}

func applyCat(args jsonval.Array) (jsonval.Value, error) {
	var sb strings.Builder
	for _, a := range args {
		s, err := stringify(a)
		if err != nil {
			return nil, err
		}
		sb.WriteString(s)
	}
	return jsonval.String(sb.String()), nil
}

// applySubstr takes [s, start, length?]. Negative start counts from
// the end; negative length stops short of the end. Offsets are in
// runes.
func applySubstr(args jsonval.Array) (jsonval.Value, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, evalErr("substr expects [string, start] or [string, start, length], got %d operands", len(args))
	}
	s, ok := args[0].(jsonval.String)
	if !ok {
		return nil, evalErr("substr expects a string, got %s", jsonval.TypeName(args[0]))
	}
	startF, err := toNumber("substr", args[1])
	if err != nil {
		return nil, err
	}

	runes := []rune(string(s))
	start := int(startF)
	if start < 0 {
		start += len(runes)
	}
	if start < 0 {
		start = 0
	}
	if start > len(runes) {
		start = len(runes)
	}

	end := len(runes)
	if len(args) == 3 {
		lengthF, err := toNumber("substr", args[2])
		if err != nil {
			return nil, err
		}
		length := int(lengthF)
		if length < 0 {
			end = len(runes) + length
		} else {
			end = start + length
		}
		if end < start {
			end = start
		}
		if end > len(runes) {
			end = len(runes)
		}
	}
	return jsonval.String(runes[start:end]), nil
}

func applyLength(args jsonval.Array) (jsonval.Value, error) {
	if len(args) != 1 {
		return nil, evalErr("length expects 1 operand, got %d", len(args))
	}
	switch v := args[0].(type) {
	case jsonval.String:
		return jsonval.Number(len([]rune(string(v)))), nil
	case jsonval.Array:
		return jsonval.Number(len(v)), nil
	default:
		return nil, evalErr("length expects a string or array, got %s", jsonval.TypeName(args[0]))
	}
}

// evalArgs evaluates an operand into an argument list. A non-array
// operand is a single argument.
func evalArgs(operand jsonval.Value, data jsonval.Object) (jsonval.Array, error) {
	if arr, ok := operand.(jsonval.Array); ok {
		out := make(jsonval.Array, len(arr))
		for i, elem := range arr {
			v, err := eval(elem, data)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	v, err := eval(operand, data)
	if err != nil {
		return nil, err
	}
	return jsonval.Array{v}, nil
}

func two(op string, args jsonval.Array) (jsonval.Value, jsonval.Value, error) {
	if len(args) != 2 {
		return nil, nil, evalErr("%s expects 2 operands, got %d", op, len(args))
	}
	return args[0], args[1], nil
}

func twoNumbers(op string, args jsonval.Array) (float64, float64, error) {
	a, b, err := two(op, args)
	if err != nil {
		return 0, 0, err
	}
	an, err := toNumber(op, a)
	if err != nil {
		return 0, 0, err
	}
	bn, err := toNumber(op, b)
	if err != nil {
		return 0, 0, err
	}
	return an, bn, nil
}

// toNumber coerces an argument for arithmetic: numbers pass, numeric
// strings parse. Booleans, null, and containers raise an evaluation
// error rather than coercing silently.
func toNumber(op string, v jsonval.Value) (float64, error) {
	switch n := v.(type) {
	case jsonval.Number:
		return float64(n), nil
	case jsonval.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(n)), 64)
		if err != nil {
			return 0, evalErr("%s expects a numeric operand, got non-numeric string %q", op, string(n))
		}
		return f, nil
	default:
		return 0, evalErr("%s expects a numeric operand, got %s", op, jsonval.TypeName(v))
	}
}

// finite guards arithmetic results against overflow to infinity.
func finite(f float64) (jsonval.Value, error) {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, evalErr("arithmetic result is not a finite number")
	}
	return jsonval.Number(f), nil
}

func stringify(v jsonval.Value) (string, error) {
	switch s := v.(type) {
	case jsonval.String:
		return string(s), nil
	case jsonval.Number:
		return formatNumber(float64(s)), nil
	case jsonval.Bool:
		if s {
			return "true", nil
		}
		return "false", nil
	case jsonval.Null:
		return "", nil
	default:
		b, err := jsonval.Marshal(v)
		if err != nil {
			return "", evalErr("cannot render %s as a string", jsonval.TypeName(v))
		}
		return string(b), nil
	}
}

// formatNumber renders integral values without a decimal point.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func evalErr(format string, args ...any) error {
	return fault.New(fault.KindEvalError, format, args...)
}
