package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeAnalyze     = "job:analyze"
	TypeGenerate    = "job:generate"
	TypeHealthSweep = "health:sweep"

	QueueAnalysis   = "analysis"
	QueueGeneration = "generation"
	QueueHealth     = "health"
)

const (
	analysisTimeout   = 15 * time.Minute
	generationTimeout = 2 * time.Hour
	sweepTimeout      = 5 * time.Minute
	retention         = 24 * time.Hour

	// StageRedeliveries is how often asynq hands a stage task out again after
	// its worker died or the handler returned an infrastructure error.
	// Provider failures never reach asynq; they go through Retry.
	StageRedeliveries = 2
)

// Retry is the retry descriptor threaded through stage tasks. Backoff is
// the delay before the attempt that follows this one.
type Retry struct {
	Attempt        int `json:"attempt"`
	MaxAttempts    int `json:"maxAttempts"`
	BackoffSeconds int `json:"backoffSeconds"`
}

// Exhausted reports whether this was the last permitted attempt.
func (r Retry) Exhausted() bool {
	return r.Attempt >= r.MaxAttempts
}

func (r Retry) Delay() time.Duration {
	return time.Duration(r.BackoffSeconds) * time.Second
}

// Next returns the descriptor of the following attempt. factor scales the
// backoff carried forward: 1 keeps it fixed, 2 doubles it.
func (r Retry) Next(factor int) Retry {
	if factor < 1 {
		factor = 1
	}
	return Retry{
		Attempt:        r.Attempt + 1,
		MaxAttempts:    r.MaxAttempts,
		BackoffSeconds: r.BackoffSeconds * factor,
	}
}

// Policy is the retry configuration of one stage.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Factor grows the backoff between attempts.
	Factor int
}

func (p Policy) First() Retry {
	return Retry{
		Attempt:        1,
		MaxAttempts:    p.MaxAttempts,
		BackoffSeconds: int(p.Backoff / time.Second),
	}
}

// StagePayload is the body of job:analyze and job:generate tasks.
type StagePayload struct {
	JobID string `json:"jobId"`
	Retry Retry  `json:"retry"`
}

func NewStageTask(taskType string, p StagePayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

func ParseStagePayload(t *asynq.Task) (StagePayload, error) {
	var p StagePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if p.JobID == "" {
		return p, fmt.Errorf("task payload without job id")
	}
	return p, nil
}

func NewHealthSweepTask() *asynq.Task {
	return asynq.NewTask(TypeHealthSweep, nil)
}

// HealthSweepOptions are used both for one-off and scheduled sweeps.
func HealthSweepOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(QueueHealth),
		asynq.MaxRetry(0),
		asynq.Timeout(sweepTimeout),
		asynq.Retention(time.Hour),
	}
}

// TaskClient is the part of *asynq.Client the enqueuer uses.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer schedules stage tasks. Stage retries go through the Retry
// descriptor; asynq's own retry only covers lost workers.
type Enqueuer struct {
	client     TaskClient
	analysis   Policy
	generation Policy
}

func NewEnqueuer(client TaskClient, analysis, generation Policy) *Enqueuer {
	return &Enqueuer{client: client, analysis: analysis, generation: generation}
}

// EnqueueAnalyze starts the analyze stage of a job at attempt 1.
func (e *Enqueuer) EnqueueAnalyze(ctx context.Context, jobID string) error {
	return e.Enqueue(ctx, TypeAnalyze, StagePayload{JobID: jobID, Retry: e.analysis.First()}, 0)
}

// EnqueueGenerate starts the generate stage of a job at attempt 1.
func (e *Enqueuer) EnqueueGenerate(ctx context.Context, jobID string) error {
	return e.Enqueue(ctx, TypeGenerate, StagePayload{JobID: jobID, Retry: e.generation.First()}, 0)
}

// Retry schedules the next attempt of a failed stage. It returns false
// without enqueueing when the attempts are used up.
func (e *Enqueuer) Retry(ctx context.Context, taskType string, p StagePayload) (bool, error) {
	if p.Retry.Exhausted() {
		return false, nil
	}
	policy := e.policy(taskType)
	next := StagePayload{JobID: p.JobID, Retry: p.Retry.Next(policy.Factor)}
	if err := e.Enqueue(ctx, taskType, next, p.Retry.Delay()); err != nil {
		return false, err
	}
	return true, nil
}

// Enqueue submits a stage task, optionally delayed.
func (e *Enqueuer) Enqueue(ctx context.Context, taskType string, p StagePayload, delay time.Duration) error {
	task, err := NewStageTask(taskType, p)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(queueFor(taskType)),
		asynq.MaxRetry(StageRedeliveries),
		asynq.Timeout(timeoutFor(taskType)),
		asynq.Retention(retention),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	if _, err := e.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// EnqueueHealthSweep requests an out-of-schedule sweep.
func (e *Enqueuer) EnqueueHealthSweep(ctx context.Context) error {
	if _, err := e.client.EnqueueContext(ctx, NewHealthSweepTask(), HealthSweepOptions()...); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (e *Enqueuer) policy(taskType string) Policy {
	if taskType == TypeGenerate {
		return e.generation
	}
	return e.analysis
}

func queueFor(taskType string) string {
	switch taskType {
	case TypeGenerate:
		return QueueGeneration
	case TypeHealthSweep:
		return QueueHealth
	}
	return QueueAnalysis
}

func timeoutFor(taskType string) time.Duration {
	if taskType == TypeGenerate {
		return generationTimeout
	}
	return analysisTimeout
}
