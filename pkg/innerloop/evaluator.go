package innerloop

import (
	"context"
	"fmt"

	"github.com/crewline-ai/crewline/core/pkg/contracts"
)

// EvaluationResult is what a criteria evaluator reports for one output.
type EvaluationResult struct {
	OverallScore float64           `json:"overall_score"`
	Issues       []contracts.Issue `json:"issues,omitempty"`
}

// CriteriaEvaluator scores an output against criteria content. What counts
// as an issue and how much it deducts is task-specific and lives outside
// the core; only the shape of this contract and the aggregation rule in
// Accepted are fixed here.
type CriteriaEvaluator interface {
	Evaluate(ctx context.Context, output *contracts.GeneratedOutput, criteria contracts.PolicyContent) (*EvaluationResult, error)
}

// evaluatorValidator adapts a CriteriaEvaluator to the Validator capability,
// applying the shared aggregation rule so every adapter judges pass/fail
// identically.
type evaluatorValidator struct {
	eval      CriteriaEvaluator
	threshold float64
}

// ValidatorFromEvaluator wraps a CriteriaEvaluator as a contracts.Validator.
// threshold <= 0 uses the engine default.
func ValidatorFromEvaluator(eval CriteriaEvaluator, threshold float64) contracts.Validator {
	if threshold <= 0 {
		threshold = DefaultScoreThreshold
	}
	return &evaluatorValidator{eval: eval, threshold: threshold}
}

func (v *evaluatorValidator) Validate(ctx context.Context, output *contracts.GeneratedOutput, criteria *contracts.PolicyDocument) (*contracts.ValidationResult, error) {
	var content contracts.PolicyContent
	if criteria != nil {
		content = criteria.Content
	}
	res, err := v.eval.Evaluate(ctx, output, content)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("evaluator returned no result")
	}
	return &contracts.ValidationResult{
		Valid:  Accepted(res.OverallScore, res.Issues, v.threshold),
		Score:  res.OverallScore,
		Issues: res.Issues,
	}, nil
}
