package correlation

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/TrigintaFaces/excalibur/pkg/celsafety"
)

// CELAccessor compiles expr once and returns an Accessor that
// evaluates it against msg marshaled to map[string]any, the same
// approach the teacher's CEL decision-point evaluator uses for policy
// predicates (SPEC_FULL §4.5). expr must evaluate to a non-empty
// string; any other outcome is a non-match.
func CELAccessor(expr string) (Accessor, error) {
	env, err := cel.NewEnv(cel.Variable("msg", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("correlation: cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("correlation: cel compile %q: %w", expr, issues.Err())
	}
	if err := celsafety.Validate(ast); err != nil {
		return nil, fmt.Errorf("correlation: cel expression %q: %w", expr, err)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("correlation: cel program %q: %w", expr, err)
	}

	return func(msg any) (string, bool) {
		input, err := toMap(msg)
		if err != nil {
			return "", false
		}
		out, _, err := prg.Eval(map[string]any{"msg": input})
		if err != nil {
			return "", false
		}
		s, ok := out.Value().(string)
		if !ok || s == "" {
			return "", false
		}
		return s, true
	}, nil
}

// MustCELAccessor is CELAccessor but panics on a compile error, for
// use in package-level rule registration tables.
func MustCELAccessor(expr string) Accessor {
	acc, err := CELAccessor(expr)
	if err != nil {
		panic(err)
	}
	return acc
}

// toMap round-trips msg through JSON to a map[string]any so arbitrary
// Go message structs can be evaluated by a CEL program declared over
// map[string]dyn.
func toMap(msg any) (map[string]any, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
