package agent

import (
	"context"
)

// CriticResult is the uniform output of any pluggable evaluator.
type CriticResult struct {
	Score   float64  `json:"score"` // in [0, 1]
	Labels  []string `json:"labels,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// Critic scores a step's output.
type Critic interface {
	Name() string
	Evaluate(ctx context.Context, step string, output any) (CriticResult, error)
}

// CriticFunc adapts a plain function to the Critic interface.
type CriticFunc struct {
	CriticName string
	Fn         func(ctx context.Context, step string, output any) (CriticResult, error)
}

func (c CriticFunc) Name() string { return c.CriticName }

func (c CriticFunc) Evaluate(ctx context.Context, step string, output any) (CriticResult, error) {
	return c.Fn(ctx, step, output)
}

// HandleStepResult runs the given critics over a step's output and merges
// their verdicts: scores are averaged, labels and reasons are unioned.
// With no critics configured the result is a default pass {1.0, ["pass"]}.
// A critic that errors is skipped rather than failing the evaluation.
func HandleStepResult(ctx context.Context, critics []Critic, step string, output any) CriticResult {
	if len(critics) == 0 {
		return CriticResult{Score: 1.0, Labels: []string{"pass"}}
	}

	var (
		total   float64
		scored  int
		labels  []string
		reasons []string
		seen    = make(map[string]bool)
	)
	for _, c := range critics {
		res, err := c.Evaluate(ctx, step, output)
		if err != nil {
			continue
		}
		total += res.Score
		scored++
		for _, l := range res.Labels {
			if !seen["l:"+l] {
				seen["l:"+l] = true
				labels = append(labels, l)
			}
		}
		for _, r := range res.Reasons {
			if !seen["r:"+r] {
				seen["r:"+r] = true
				reasons = append(reasons, r)
			}
		}
	}
	if scored == 0 {
		return CriticResult{Score: 1.0, Labels: []string{"pass"}}
	}
	return CriticResult{
		Score:   total / float64(scored),
		Labels:  labels,
		Reasons: reasons,
	}
}
