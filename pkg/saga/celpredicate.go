package saga

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/TrigintaFaces/excalibur/pkg/celsafety"
	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// CELPredicate compiles expr once and returns a Step.Predicate that
// evaluates it against the step's raw payload, unmarshaled to
// map[string]any, as "payload" (SPEC_FULL §4.7: conditional and
// multi-conditional step predicates may be supplied as compiled Go
// functions or as CEL expressions, the same CEL integration C5 uses).
// expr must evaluate to a bool.
func CELPredicate(expr string) (func(context.Context, []byte) (bool, error), error) {
	env, err := cel.NewEnv(cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("saga: cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("saga: cel compile %q: %w", expr, issues.Err())
	}
	if err := celsafety.Validate(ast); err != nil {
		return nil, fmt.Errorf("saga: cel expression %q: %w", expr, err)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("saga: cel program %q: %w", expr, err)
	}

	return func(_ context.Context, payload []byte) (bool, error) {
		var input map[string]any
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &input); err != nil {
				return false, fmt.Errorf("%w: cel predicate payload: %v", excerrors.ErrConditionEval, err)
			}
		}
		out, _, err := prg.Eval(map[string]any{"payload": input})
		if err != nil {
			return false, fmt.Errorf("%w: cel predicate %q: %v", excerrors.ErrConditionEval, expr, err)
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("%w: cel predicate %q did not evaluate to bool", excerrors.ErrConditionEval, expr)
		}
		return b, nil
	}, nil
}

// MustCELPredicate is CELPredicate but panics on a compile error, for
// use in package-level step-graph construction.
func MustCELPredicate(expr string) func(context.Context, []byte) (bool, error) {
	pred, err := CELPredicate(expr)
	if err != nil {
		panic(err)
	}
	return pred
}
