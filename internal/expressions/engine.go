// Package expressions hosts the expression engines used by workflow steps:
// CEL for conditional predicates, Expr for deterministic logic in the eval
// tool, and GoJQ for data transforms. All engines cache compiled programs and
// are safe for concurrent use.
package expressions

import "context"

// Engine evaluates an expression against the run context snapshot.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
