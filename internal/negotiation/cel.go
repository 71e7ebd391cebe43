package negotiation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ExpressionScorer evaluates an optional operator-supplied CEL
// expression in place of the built-in ConvergenceDelta formula, for
// deployments that want a custom convergence rule per intent type
// (e.g. weighting some fields more than others). One shared *cel.Env
// exposes `prev` and `cur` maps; a compiled-program cache keyed by
// expression text avoids recompiling on every round.
type ExpressionScorer struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewExpressionScorer() (*ExpressionScorer, error) {
	env, err := cel.NewEnv(
		cel.Variable("prev", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("cur", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("negotiation: create CEL env: %w", err)
	}
	return &ExpressionScorer{env: env, cache: make(map[string]cel.Program)}, nil
}

// Score evaluates expr against prev/cur proposal fields, expecting a
// double result in [0,1]. Intended to replace ConvergenceDelta when an
// operator configures a custom expression for an intent type.
func (s *ExpressionScorer) Score(expr string, prev, cur map[string]any) (float64, error) {
	prg, err := s.compile(expr)
	if err != nil {
		return 0, err
	}
	out, _, err := prg.Eval(map[string]any{"prev": prev, "cur": cur})
	if err != nil {
		return 0, fmt.Errorf("negotiation: CEL eval error: %w", err)
	}
	score, ok := out.Value().(float64)
	if !ok {
		return 0, fmt.Errorf("negotiation: CEL expression %q did not evaluate to a double", expr)
	}
	return score, nil
}

func (s *ExpressionScorer) compile(expr string) (cel.Program, error) {
	s.mu.RLock()
	prg, ok := s.cache[expr]
	s.mu.RUnlock()
	if ok {
		return prg, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prg, ok := s.cache[expr]; ok {
		return prg, nil
	}
	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("negotiation: CEL compile error: %w", issues.Err())
	}
	prg, err := s.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("negotiation: CEL program error: %w", err)
	}
	s.cache[expr] = prg
	return prg, nil
}
