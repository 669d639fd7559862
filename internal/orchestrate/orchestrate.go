// Package orchestrate drives the decision cycle for an inbound specialist
// result: score it, decide ACCEPT/RETRY/ESCALATE, checkpoint the step, then
// publish either a DecisionNotice or a retry TaskInvoke. It is the one
// piece of business logic tying the otherwise-independent
// qscore/decision/checkpoint/publish packages together into a single
// publish.Handler, registered on the Dispatcher for envelope.TaskResult.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wesign-qa/cmo/internal/checkpoint"
	"github.com/wesign-qa/cmo/internal/decision"
	"github.com/wesign-qa/cmo/internal/middleware"
	"github.com/wesign-qa/cmo/internal/publish"
	"github.com/wesign-qa/cmo/internal/qscore"
	"github.com/wesign-qa/cmo/pkg/envelope"
	"github.com/wesign-qa/cmo/pkg/telemetry"
)

// TaskResultPayload is the inbound specialist result: the raw inputs the
// quality signals are computed from.
type TaskResultPayload struct {
	SpecialistID      string   `json:"specialist_id"`
	Capability        string   `json:"capability"`
	SummaryItems      int      `json:"summary_items"`
	Affordances       int      `json:"affordances"`
	UniqueFirstTokens int      `json:"unique_first_tokens"`
	PolicyDegraded    bool     `json:"policy_degraded"`
	SchemaValid       bool     `json:"schema_valid"`
	LatencyMS         float64  `json:"latency_ms"`
	RetryDepth        int      `json:"retry_depth"`
	TaskKeywords      []string `json:"task_keywords,omitempty"`
	AffordanceText    string   `json:"affordance_text,omitempty"`

	HasPreviousAttempt    bool    `json:"has_previous_attempt,omitempty"`
	PrevSummaryOverlap    float64 `json:"prev_summary_overlap,omitempty"`
	PrevAffordanceOverlap float64 `json:"prev_affordance_overlap,omitempty"`
}

// TaskInvokePayload is the outbound retry payload: same trace_id,
// incremented attempt_no, the new target as sole recipient.
type TaskInvokePayload struct {
	AttemptNo   int    `json:"attempt_no"`
	Capability  string `json:"capability"`
	SummaryHint string `json:"summary_hint,omitempty"`
}

// Topics supplies the topic builders the handler needs; production wiring
// passes pkg/topic's well-known builders, tests pass stubs.
type Topics struct {
	Decisions        func(tenant, project string) (string, error)
	Escalations      func(tenant, project string) (string, error)
	SpecialistInvoke func(tenant, project, specialist string) (string, error)
}

// Handler wires qscore, decision, checkpoint, and publish into one
// publish.Handler.
type Handler struct {
	Checkpointer *checkpoint.Checkpointer
	Grading      decision.GradingStore
	Discoverer   decision.CapabilityDiscoverer
	Publisher    *publish.Publisher

	Weights     qscore.Weights
	Calibration qscore.CalibrationTable
	Thresholds  decision.Thresholds

	Topics  Topics
	Self    envelope.AgentID
	Metrics *telemetry.Metrics

	// GraphID/GraphVersion name the decision-cycle graph each run is
	// recorded under; empty values fall back to DefaultGraphID/Version.
	GraphID      string
	GraphVersion string

	Clock func() time.Time
}

// DefaultGraphID and DefaultGraphVersion identify the built-in
// score-then-decide cycle when no explicit graph is configured.
const (
	DefaultGraphID      = "decision-cycle"
	DefaultGraphVersion = "v1"
)

func (h *Handler) graphRef() (string, string) {
	id, ver := h.GraphID, h.GraphVersion
	if id == "" {
		id = DefaultGraphID
	}
	if ver == "" {
		ver = DefaultGraphVersion
	}
	return id, ver
}

func (h *Handler) clock() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// Handle implements publish.Handler for envelope.TaskResult.
func (h *Handler) Handle(ctx context.Context, env envelope.Envelope, ack func() error) error {
	var p TaskResultPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("orchestrate: unmarshal task result: %w", err)
	}

	result, err := h.computeQScore(p)
	if err != nil {
		return err
	}

	policyPersist, schemaPersist := h.persistedFailure(ctx, env.Meta.TraceID, result.Signals, p.RetryDepth)

	if err := h.checkpointStep(ctx, env, p, result); err != nil {
		return err
	}

	dec, err := decision.Decide(ctx, decision.Input{
		QScore:             result,
		RetryDepth:         p.RetryDepth,
		FailedSpecialistID: p.SpecialistID,
		PersistedPolicyOK0: policyPersist,
		PersistedSchemaOK0: schemaPersist,
	}, h.Thresholds, h.Discoverer, env.Meta.Tenant, env.Meta.Project, p.Capability)
	if err != nil {
		return fmt.Errorf("orchestrate: decide: %w", err)
	}

	// Policy caveats travel with the decision so the recipient sees the
	// constraints the gate attached to this envelope.
	for _, c := range middleware.ConstraintsFromContext(ctx) {
		dec.Reasons = append(dec.Reasons, fmt.Sprintf("constraint: %s %s", c.Action, c.Field))
	}

	if h.Grading != nil {
		_, err := h.Grading.Insert(ctx, decision.GradingEvent{
			MessageID:             env.Meta.MessageID,
			TraceID:               env.Meta.TraceID,
			AttemptNo:             p.RetryDepth,
			Decision:              dec.Outcome,
			QScore:                result.Calibrated,
			Reasons:               dec.Reasons,
			IdempotencyKey:        env.Meta.IdempotencyKey,
			SpecialistID:          p.SpecialistID,
			RetryTargetSpecialist: dec.RetryTargetSpecialist,
			CreatedAt:             h.clock(),
		})
		if err != nil {
			if errors.Is(err, decision.ErrDuplicateGradingEvent) {
				// Already graded and published once; nothing further to do
				// but acknowledge this redelivery.
				return ack()
			}
			return fmt.Errorf("orchestrate: persist grading event: %w", err)
		}
	}

	if h.Metrics != nil {
		h.Metrics.DecisionTotal.WithLabelValues(string(dec.Outcome)).Inc()
	}

	switch dec.Outcome {
	case decision.Accept, decision.Escalate:
		if err := h.completeRun(ctx, env, dec); err != nil {
			return err
		}
		if err := h.publishDecisionNotice(ctx, env, dec, result); err != nil {
			return err
		}
	case decision.Retry:
		if err := h.publishRetryInvoke(ctx, env, p, dec); err != nil {
			return err
		}
	}

	return ack()
}

func (h *Handler) computeQScore(p TaskResultPayload) (qscore.Result, error) {
	started := time.Now()
	signals := qscore.Signals{
		ResultConfidence:    qscore.ResultConfidence(p.SummaryItems, p.Affordances, p.UniqueFirstTokens),
		PolicyOK:            qscore.PolicyOK(p.PolicyDegraded),
		SchemaOK:            qscore.SchemaOK(p.SchemaValid),
		EvidenceCoverage:    qscore.EvidenceCoverage(p.SummaryItems, p.Affordances),
		AffordanceAlignment: qscore.AffordanceAlignment(p.TaskKeywords, p.AffordanceText),
		LatencyNorm:         qscore.LatencyNorm(p.LatencyMS),
		RetryDepthPenalty:   qscore.RetryDepthPenalty(p.RetryDepth),
		ConsistencyPrev:     qscore.ConsistencyPrev(p.HasPreviousAttempt, p.PrevSummaryOverlap, p.PrevAffordanceOverlap),
	}
	result, err := qscore.Compute(signals, h.Weights, h.Calibration)
	if h.Metrics != nil {
		h.Metrics.QScoreDuration.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		return qscore.Result{}, fmt.Errorf("orchestrate: compute qscore: %w", err)
	}
	return result, nil
}

// persistedFailure looks at the previous attempt's recorded QScore signals
// (stepIndex = retryDepth-1) and reports whether policy_ok/schema_ok were
// 0 on that attempt as well as this one. Best effort: any lookup failure
// (no checkpointer, first attempt, no prior step recorded) is treated as
// "not persisted" rather than an error, since the decision still has a
// well-defined outcome without it.
func (h *Handler) persistedFailure(ctx context.Context, traceID string, current qscore.Signals, retryDepth int) (policyPersist, schemaPersist bool) {
	if h.Checkpointer == nil || retryDepth < 1 {
		return false, false
	}
	steps, err := h.Checkpointer.Replay(ctx, traceID)
	if err != nil {
		return false, false
	}
	for _, sw := range steps {
		if sw.Step.StepIndex != retryDepth-1 {
			continue
		}
		for _, act := range sw.Activities {
			if act.Type != checkpoint.ActivityA2A {
				continue
			}
			var prev qscore.Result
			if err := json.Unmarshal(act.ResponseData, &prev); err != nil {
				continue
			}
			policyPersist = current.PolicyOK == 0 && prev.Signals.PolicyOK == 0
			schemaPersist = current.SchemaOK == 0 && prev.Signals.SchemaOK == 0
			return policyPersist, schemaPersist
		}
	}
	return false, false
}

func (h *Handler) checkpointStep(ctx context.Context, env envelope.Envelope, p TaskResultPayload, result qscore.Result) error {
	if h.Checkpointer == nil {
		return nil
	}
	now := h.clock()
	if p.RetryDepth == 0 {
		// First attempt for this trace; later attempts reuse the run row.
		graphID, graphVersion := h.graphRef()
		if err := h.Checkpointer.BeginRun(ctx, env.Meta.TraceID, graphID, graphVersion, nil); err != nil {
			return fmt.Errorf("orchestrate: begin run: %w", err)
		}
	}
	if err := h.Checkpointer.RecordStep(ctx, checkpoint.Step{
		TraceID:     env.Meta.TraceID,
		StepIndex:   p.RetryDepth,
		NodeID:      "decide",
		StateHash:   result.Explanation,
		InputHash:   env.Meta.IdempotencyKey,
		OutputHash:  fmt.Sprintf("%.4f", result.Calibrated),
		StartedAt:   now,
		CompletedAt: &now,
	}); err != nil {
		return fmt.Errorf("orchestrate: record step: %w", err)
	}

	reqBytes, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("orchestrate: marshal task result for activity log: %w", err)
	}
	respBytes, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("orchestrate: marshal qscore result for activity log: %w", err)
	}
	if err := h.Checkpointer.RecordActivity(ctx, checkpoint.Activity{
		TraceID:      env.Meta.TraceID,
		StepIndex:    p.RetryDepth,
		Type:         checkpoint.ActivityA2A,
		RequestHash:  env.Meta.IdempotencyKey,
		RequestData:  reqBytes,
		ResponseData: respBytes,
		Timestamp:    now,
	}); err != nil {
		return fmt.Errorf("orchestrate: record activity: %w", err)
	}
	return nil
}

func (h *Handler) completeRun(ctx context.Context, env envelope.Envelope, dec decision.Decision) error {
	if h.Checkpointer == nil {
		return nil
	}
	status := checkpoint.RunCompleted
	if dec.Outcome == decision.Escalate {
		status = checkpoint.RunFailed
	}
	if err := h.Checkpointer.CompleteRun(ctx, env.Meta.TraceID, status, ""); err != nil {
		return fmt.Errorf("orchestrate: complete run: %w", err)
	}
	return nil
}

func (h *Handler) publishDecisionNotice(ctx context.Context, env envelope.Envelope, dec decision.Decision, result qscore.Result) error {
	topicFn := h.Topics.Decisions
	if dec.Outcome == decision.Escalate && h.Topics.Escalations != nil {
		topicFn = h.Topics.Escalations
	}
	top, err := topicFn(env.Meta.Tenant, env.Meta.Project)
	if err != nil {
		return fmt.Errorf("orchestrate: build decision topic: %w", err)
	}
	_, err = h.Publisher.PublishDecisionNotice(ctx, top, h.Self, []envelope.AgentID{env.Meta.From}, env.Meta.Tenant, env.Meta.Project, env.Meta.TraceID, publish.DecisionNotice{
		TraceID:               env.Meta.TraceID,
		Decision:              string(dec.Outcome),
		QScore:                result.Calibrated,
		Reasons:               dec.Reasons,
		RetryTargetSpecialist: dec.RetryTargetSpecialist,
	})
	if err != nil {
		return fmt.Errorf("orchestrate: publish decision notice: %w", err)
	}
	return nil
}

func (h *Handler) publishRetryInvoke(ctx context.Context, env envelope.Envelope, p TaskResultPayload, dec decision.Decision) error {
	top, err := h.Topics.SpecialistInvoke(env.Meta.Tenant, env.Meta.Project, dec.RetryTargetSpecialist)
	if err != nil {
		return fmt.Errorf("orchestrate: build retry invoke topic: %w", err)
	}
	_, err = h.Publisher.Publish(ctx, publish.Request{
		Topic:   top,
		Type:    envelope.TaskInvoke,
		From:    h.Self,
		To:      []envelope.AgentID{{ID: dec.RetryTargetSpecialist, Type: envelope.KindAgent}},
		Tenant:  env.Meta.Tenant,
		Project: env.Meta.Project,
		TraceID: env.Meta.TraceID,
		Payload: TaskInvokePayload{AttemptNo: p.RetryDepth + 1, Capability: p.Capability},
	})
	if err != nil {
		return fmt.Errorf("orchestrate: publish retry invoke: %w", err)
	}
	return nil
}
