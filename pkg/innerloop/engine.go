// Package innerloop orchestrates the generate -> validate -> learn cycle.
// The loop is sandboxed end to end: it produces DRAFT tasks and DRAFT policy
// proposals, and has no authority to make either effective.
package innerloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crewline-ai/crewline/core/pkg/approval"
	"github.com/crewline-ai/crewline/core/pkg/contracts"
	"github.com/crewline-ai/crewline/core/pkg/policy"
	"github.com/crewline-ai/crewline/core/pkg/task"
)

// Clock provides time for the engine. Inject a fixed clock in tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

const (
	// DefaultMaxIterations bounds the generate/validate cycle per run.
	DefaultMaxIterations = 3
	// DefaultScoreThreshold is the uniform acceptance score across all task
	// types.
	DefaultScoreThreshold = 0.7
)

// Accepted is the shared pass/fail aggregation rule: an output converges
// iff its score meets the threshold and no issue has severity "error".
// Issue-generation logic is task-specific; this rule is not.
func Accepted(score float64, issues []contracts.Issue, threshold float64) bool {
	if score < threshold {
		return false
	}
	for _, is := range issues {
		if is.Severity == contracts.SeverityError {
			return false
		}
	}
	return true
}

// Config wires an Engine. Generator, Validator, Policies and Tasks are
// required; everything else is optional.
type Config struct {
	Generator contracts.Generator
	Validator contracts.Validator
	Extractor contracts.LearningExtractor
	Policies  *policy.Manager
	Tasks     task.Store
	Queue     *approval.Queue
	Runs      RunStore
	Clock     Clock
	Logger    *slog.Logger

	MaxIterations  int
	ScoreThreshold float64
}

// Engine runs the inner loop for one tenant-scoped request at a time.
// Iterations within a run are strictly sequential; each one depends on the
// previous validation result. Construct one per wiring context and inject
// it; there is no package-level instance.
type Engine struct {
	generator contracts.Generator
	validator contracts.Validator
	extractor contracts.LearningExtractor
	policies  *policy.Manager
	tasks     task.Store
	queue     *approval.Queue
	runs      RunStore
	clock     Clock
	logger    *slog.Logger

	maxIterations  int
	scoreThreshold float64
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Generator == nil || cfg.Validator == nil {
		return nil, fmt.Errorf("engine requires generator and validator capabilities")
	}
	if cfg.Policies == nil || cfg.Tasks == nil {
		return nil, fmt.Errorf("engine requires policy manager and task store")
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = DefaultScoreThreshold
	}
	return &Engine{
		generator:      cfg.Generator,
		validator:      cfg.Validator,
		extractor:      cfg.Extractor,
		policies:       cfg.Policies,
		tasks:          cfg.Tasks,
		queue:          cfg.Queue,
		runs:           cfg.Runs,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		maxIterations:  cfg.MaxIterations,
		scoreThreshold: cfg.ScoreThreshold,
	}, nil
}

// RunRequest describes one inner-loop run.
type RunRequest struct {
	TenantID string
	TaskType string
	Context  map[string]any
	// Priority seeds the task; a generator may override it by name through
	// the output metadata "priority" key.
	Priority         contracts.TaskPriority
	EscalationReason contracts.EscalationReason
	ScheduledFor     *time.Time
	ExpiresAt        *time.Time

	// MaxIterations overrides the engine default when > 0.
	MaxIterations int
	// Queue submits the task for approval after a converged run.
	Queue bool
}

// RunResult is what a completed run produced. The task is always written —
// as a queued PENDING_APPROVAL on convergence with Queue set, otherwise as
// a DRAFT for manual inspection. A non-converged run is not an error.
type RunResult struct {
	Task *contracts.Task
	Run  *contracts.LoopRun
}

// Run executes the loop: load active policy, generate, validate, and on
// non-acceptance extract learnings and file guideline-update proposals as
// policy drafts. Regeneration always uses the same active Guidelines; a
// draft proposal is never consulted until a teleoperator activates it.
//
// Capability errors and panics consume one iteration each. If the
// capabilities fail on every iteration the run ends non-converged with the
// last error attached; nothing is left stuck mid-lifecycle.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	guidelines, err := e.policies.GetActive(ctx, req.TenantID, contracts.KindGuidelines)
	if err != nil {
		return nil, fmt.Errorf("load active guidelines: %w", err)
	}
	criteria, err := e.policies.GetActive(ctx, req.TenantID, contracts.KindCriteria)
	if err != nil {
		return nil, fmt.Errorf("load active criteria: %w", err)
	}

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = e.maxIterations
	}

	startedAt := e.clock.Now().UTC()
	var (
		lastOutput *contracts.GeneratedOutput
		lastScore  float64
		lastErr    error
		converged  bool
		iterations int
	)

	for i := 1; i <= maxIter; i++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		iterations = i

		output, err := e.generate(ctx, req, guidelines)
		if err != nil {
			lastErr = err
			e.logger.Warn("generation failed", "tenant", req.TenantID, "iteration", i, "err", err)
			continue
		}
		lastOutput = output

		result, err := e.validate(ctx, output, criteria)
		if err != nil {
			lastErr = err
			e.logger.Warn("validation failed", "tenant", req.TenantID, "iteration", i, "err", err)
			continue
		}
		lastScore = result.Score

		if Accepted(result.Score, result.Issues, e.scoreThreshold) {
			converged = true
			break
		}
		e.learn(ctx, req, output, result.Issues)
	}

	t, err := e.writeTask(ctx, req, guidelines, criteria, lastOutput, iterations, converged)
	if err != nil {
		return nil, err
	}

	if req.Queue && converged {
		t, err = e.submitForApproval(ctx, t, req.EscalationReason)
		if err != nil {
			return nil, err
		}
	}

	run := &contracts.LoopRun{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		TaskID:     t.ID,
		TaskType:   req.TaskType,
		Iterations: iterations,
		Converged:  converged,
		FinalScore: lastScore,
		StartedAt:  startedAt,
		FinishedAt: e.clock.Now().UTC(),
	}
	if lastErr != nil {
		run.LastError = lastErr.Error()
	}
	e.record(ctx, run)

	return &RunResult{Task: t, Run: run}, nil
}

func (e *Engine) generate(ctx context.Context, req RunRequest, guidelines *contracts.PolicyDocument) (out *contracts.GeneratedOutput, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, &contracts.ExternalFailure{Capability: "generator", Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	out, err = e.generator.Generate(ctx, req.TaskType, req.Context, guidelines)
	if err != nil {
		return nil, &contracts.ExternalFailure{Capability: "generator", Err: err}
	}
	if out == nil {
		return nil, &contracts.ExternalFailure{Capability: "generator", Err: fmt.Errorf("generator returned no output")}
	}
	return out, nil
}

func (e *Engine) validate(ctx context.Context, output *contracts.GeneratedOutput, criteria *contracts.PolicyDocument) (res *contracts.ValidationResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, &contracts.ExternalFailure{Capability: "validator", Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	res, err = e.validator.Validate(ctx, output, criteria)
	if err != nil {
		return nil, &contracts.ExternalFailure{Capability: "validator", Err: err}
	}
	if res == nil {
		return nil, &contracts.ExternalFailure{Capability: "validator", Err: fmt.Errorf("validator returned no result")}
	}
	return res, nil
}

// learn extracts learnings from the failed iteration and files any
// guideline updates as policy drafts. Proposal failures are logged and
// dropped; a learning must never abort the loop.
func (e *Engine) learn(ctx context.Context, req RunRequest, output *contracts.GeneratedOutput, issues []contracts.Issue) {
	if e.extractor == nil {
		return
	}
	learnings, err := e.extractor.Extract(ctx, output, issues)
	if err != nil {
		e.logger.Warn("learning extraction failed", "tenant", req.TenantID, "err", err)
		return
	}
	for _, l := range learnings {
		if l.Kind != contracts.LearningGuidelineUpdate || len(l.Patch) == 0 {
			continue
		}
		_, err := e.policies.CreateDraft(ctx, req.TenantID, contracts.KindGuidelines, policy.DraftSpec{
			Patch:     l.Patch,
			CreatedBy: contracts.ActorAgent,
			Changelog: l.Summary,
		})
		if err != nil {
			e.logger.Warn("guideline proposal rejected", "tenant", req.TenantID, "err", err)
		}
	}
}

func (e *Engine) writeTask(ctx context.Context, req RunRequest, guidelines, criteria *contracts.PolicyDocument, output *contracts.GeneratedOutput, iterations int, converged bool) (*contracts.Task, error) {
	var payload json.RawMessage
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
		payload = raw
	}

	t := &contracts.Task{
		ID:                  uuid.NewString(),
		TenantID:            req.TenantID,
		Type:                req.TaskType,
		Payload:             payload,
		Priority:            taskPriority(req, output),
		Iterations:          iterations,
		Converged:           converged,
		ScheduledFor:        req.ScheduledFor,
		ExpiresAt:           req.ExpiresAt,
		GuidelinesVersionID: guidelines.ID,
		CriteriaVersionID:   criteria.ID,
	}
	if err := e.tasks.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("write task: %w", err)
	}
	return t, nil
}

// taskPriority resolves the task's priority. Generators know the content's
// urgency better than the caller, so a "priority" name in the output
// metadata wins over the request's seed.
func taskPriority(req RunRequest, output *contracts.GeneratedOutput) contracts.TaskPriority {
	if output == nil {
		return req.Priority
	}
	name, ok := output.Metadata["priority"].(string)
	if !ok {
		return req.Priority
	}
	return contracts.ParseTaskPriority(name)
}

func (e *Engine) submitForApproval(ctx context.Context, t *contracts.Task, reason contracts.EscalationReason) (*contracts.Task, error) {
	if e.queue != nil {
		return e.queue.Submit(ctx, t.ID, reason)
	}
	if err := e.tasks.QueueForApproval(ctx, t.ID, reason); err != nil {
		return nil, err
	}
	return e.tasks.Get(ctx, t.ID)
}

func (e *Engine) record(ctx context.Context, run *contracts.LoopRun) {
	if e.runs == nil {
		return
	}
	if err := e.runs.Record(ctx, run); err != nil {
		e.logger.Warn("loop run not recorded", "run", run.ID, "err", err)
	}
}
