// Package expr implements the rule condition language.
//
// A condition is a JSON document in which every object carries exactly
// one key naming an operator, applied to its operand. Scalars and
// arrays are literals; array elements are themselves evaluated, so
// operator applications nest anywhere a value can appear:
//
//	{"and": [
//	  {"==": [{"var": "type"}, "purchase"]},
//	  {">":  [{"var": "amount"}, 100]}
//	]}
//
// Operators are whitelisted. The full set:
//
//	data access:  var, missing, missing_some
//	comparison:   ==, ===, !=, !==, >, >=, <, <=
//	logic:        and, or, !, if, in
//	arithmetic:   +, -, *, /, %, min, max
//	string:       cat, substr, length
//
// Anything else fails validation, as do conditions nesting operators
// deeper than MaxDepth or containing more than MaxOperators
// applications. Limits bound evaluation cost; conditions are stored
// data, not trusted code.
//
// Evaluation resolves "var" paths against the event payload using
// dotted segments ("user.address.city", "items.0.sku"). The final
// result coerces to a boolean: false, null, 0, "" and [] are falsy,
// everything else truthy. Type mismatches the operators cannot coerce
// around (arithmetic on objects, division by zero) surface as
// evaluation errors rather than panics; the engine records them
// against the rule that raised them.
package expr
