package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// checkDeterminism walks a compiled rule's AST and rejects constructs that
// would make evaluation depend on wall-clock time or map iteration order --
// both of which vary across replicas and break replay.
func checkDeterminism(ast *cel.Ast) error {
	expr, err := cel.AstToCheckedExpr(ast)
	if err != nil {
		// Not all ASTs type-check to a CheckedExpr (e.g. parse-only); fall
		// back to the unchecked parsed expr, which still carries ExprKind.
		parsed, perr := cel.AstToParsedExpr(ast)
		if perr != nil {
			return nil
		}
		return walkDeterminism(parsed.GetExpr())
	}
	return walkDeterminism(expr.GetExpr())
}

func walkDeterminism(e *exprpb.Expr) error {
	if e == nil {
		return nil
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			return fmt.Errorf("policy: floating point literals are non-deterministic and forbidden")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now", "timestamp":
			return fmt.Errorf("policy: %s() is non-deterministic and forbidden", call.Function)
		case "keys", "values":
			return fmt.Errorf("policy: map iteration (%s) is non-deterministic and forbidden", call.Function)
		}
		if call.Target != nil {
			if err := walkDeterminism(call.Target); err != nil {
				return err
			}
		}
		for _, arg := range call.Args {
			if err := walkDeterminism(arg); err != nil {
				return err
			}
		}

	case *exprpb.Expr_SelectExpr:
		return walkDeterminism(k.SelectExpr.Operand)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			if err := walkDeterminism(el); err != nil {
				return err
			}
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				if err := walkDeterminism(entry.GetMapKey()); err != nil {
					return err
				}
			}
			if err := walkDeterminism(entry.Value); err != nil {
				return err
			}
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		for _, sub := range []*exprpb.Expr{comp.IterRange, comp.AccuInit, comp.LoopCondition, comp.LoopStep, comp.Result} {
			if err := walkDeterminism(sub); err != nil {
				return err
			}
		}
	}
	return nil
}
