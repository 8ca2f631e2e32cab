// Package celsafety statically validates a compiled CEL AST before its
// cel.Program is ever evaluated, rejecting constructs that would make
// saga predicates (pkg/saga) and correlation accessors
// (pkg/correlation) non-deterministic or unauditable: floating point
// literals, now(), and map iteration via keys()/values().
//
// Grounded on the teacher's pkg/kernel/celdp/validator.go
// CELDPValidator.Validate/checkRecursively, which walks the same
// exprpb.Expr oneof over a parsed-only AST; this package runs the
// equivalent walk over a type-checked AST (cel.Env.Compile, not
// cel.Env.Parse) since both call sites here always compile.
package celsafety

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Issue is one forbidden construct found in a compiled CEL AST.
type Issue struct {
	Message string
}

// Check walks ast's checked expression tree and returns every
// forbidden construct found. ast must come from cel.Env.Compile (a
// type-checked AST); an AST produced by cel.Env.Parse alone returns an
// error.
func Check(ast *cel.Ast) ([]Issue, error) {
	checked, err := cel.AstToCheckedExpr(ast)
	if err != nil {
		return nil, fmt.Errorf("celsafety: ast is not type-checked: %w", err)
	}
	var issues []Issue
	walk(checked.GetExpr(), &issues)
	return issues, nil
}

// Validate is Check followed by folding any issues into a single
// error, for callers that just want a compile-time reject.
func Validate(ast *cel.Ast) error {
	issues, err := Check(ast)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		return nil
	}
	msgs := make([]string, len(issues))
	for i, iss := range issues {
		msgs[i] = iss.Message
	}
	return fmt.Errorf("celsafety: %s", strings.Join(msgs, "; "))
}

func walk(e *exprpb.Expr, issues *[]Issue) {
	if e == nil {
		return
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*issues = append(*issues, Issue{Message: "floating point literals are forbidden"})
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*issues = append(*issues, Issue{Message: "now() is forbidden"})
		case "keys", "values":
			*issues = append(*issues, Issue{Message: "map iteration (keys/values) is forbidden: iteration order is unspecified"})
		}
		if call.Target != nil {
			walk(call.Target, issues)
		}
		for _, arg := range call.Args {
			walk(arg, issues)
		}

	case *exprpb.Expr_SelectExpr:
		walk(k.SelectExpr.Operand, issues)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walk(el, issues)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				walk(entry.GetMapKey(), issues)
			}
			walk(entry.Value, issues)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walk(comp.IterRange, issues)
		walk(comp.AccuInit, issues)
		walk(comp.LoopCondition, issues)
		walk(comp.LoopStep, issues)
		walk(comp.Result, issues)
	}
}
