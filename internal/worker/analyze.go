package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/visualmatrix/api/internal/dispatch"
	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/queue"
	"github.com/visualmatrix/api/internal/store"
)

const (
	analysisPreamble = "Act as a top commercial advertising director. Study this product photo carefully and design a creative commercial scene for it."
	analysisClosing  = "Write one detailed prompt suitable for AI image generation, covering the scene description, lighting setup and composition."
)

// ProcessAnalyze handles job:analyze tasks.
func (o *Orchestrator) ProcessAnalyze(ctx context.Context, t *asynq.Task) error {
	return o.withClaim(ctx, t, o.analyze)
}

func (o *Orchestrator) analyze(ctx context.Context, p queue.StagePayload) error {
	log := o.log.With().Str("job_id", p.JobID).Int("attempt", p.Retry.Attempt).Logger()

	var skip, resumed bool
	job, err := o.update(ctx, p.JobID, func(j *model.Job) error {
		switch {
		case j.State == model.JobPending:
		case j.State == model.JobFailed && j.AnalysisPrompt == "":
			if err := j.TransitionTo(model.JobPending); err != nil {
				return err
			}
		case j.State == model.JobAnalyzing:
			// The claim is ours, so whoever left it analyzing is gone.
			resumed = true
			return nil
		default:
			skip = true
			return errSkip
		}
		return j.TransitionTo(model.JobAnalyzing)
	})
	if skip {
		log.Info().Msg("analysis already past this stage, nothing to do")
		return nil
	}
	if err != nil {
		if errors.Is(err, asynq.SkipRetry) {
			return err
		}
		o.retryOrGiveUp(ctx, queue.TypeAnalyze, p, err)
		return nil
	}
	if resumed {
		log.Warn().Msg("resuming interrupted analysis")
	}

	// A job retried after analysis already succeeded keeps its prompt.
	prompt := job.AnalysisPrompt
	if prompt == "" {
		prompt, err = o.runAnalysis(ctx, job)
		if err != nil {
			return o.failAnalysis(ctx, p, job, err)
		}
	}

	job, err = o.update(ctx, p.JobID, func(j *model.Job) error {
		j.AnalysisPrompt = prompt
		j.Error = ""
		return j.TransitionTo(model.JobAnalyzed)
	})
	if err != nil {
		if errors.Is(err, asynq.SkipRetry) {
			return err
		}
		o.retryOrGiveUp(ctx, queue.TypeAnalyze, p, err)
		return nil
	}

	o.notifier.EmitToUser(job.UserID, model.EventAnalysisComplete, model.AnalysisCompleteEvent{
		JobID:  job.ID,
		Prompt: job.AnalysisPrompt,
	})
	log.Info().Msg("analysis completed")

	// A retried job that had reached generation continues there.
	if job.FinalPrompt != "" && job.QuantityRequested > 0 {
		if err := o.scheduler.EnqueueGenerate(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to resume generation: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) runAnalysis(ctx context.Context, job *model.Job) (string, error) {
	prompt := o.compositePrompt(ctx, job)

	img, err := o.loader.Load(ctx, job.SourceImage)
	if err != nil {
		return "", err
	}

	resp, err := o.dispatcher.Dispatch(ctx, dispatch.Request{
		Kind:   model.KindAnalysis,
		Prompt: prompt,
		Image:  &img,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// compositePrompt is the fixed preamble plus the user's text and the
// selected style's instruction, when present.
func (o *Orchestrator) compositePrompt(ctx context.Context, job *model.Job) string {
	var userPart, stylePart string
	if job.UserPrompt != "" {
		userPart = "User requirements: " + job.UserPrompt
	}
	if job.StyleID != "" {
		style, err := o.styles.GetStyle(ctx, job.StyleID)
		switch {
		case err == nil:
			stylePart = "Style requirements: " + style.PromptInstruction
		case errors.Is(err, store.ErrStyleNotFound):
			o.log.Warn().Str("job_id", job.ID).Str("style_id", job.StyleID).Msg("style template not found, ignoring")
		default:
			o.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to load style template, ignoring")
		}
	}
	return joinLines(analysisPreamble, userPart, stylePart, analysisClosing)
}

func (o *Orchestrator) failAnalysis(ctx context.Context, p queue.StagePayload, job *model.Job, cause error) error {
	msg := cause.Error()
	failed, err := o.update(context.WithoutCancel(ctx), p.JobID, func(j *model.Job) error {
		j.Error = msg
		return j.TransitionTo(model.JobFailed)
	})
	if err != nil {
		o.log.Error().Err(err).Str("job_id", p.JobID).Msg("failed to mark analysis failed")
	} else {
		job = failed
	}

	o.notifier.EmitToUser(job.UserID, model.EventAnalysisFailed, model.AnalysisFailedEvent{
		JobID: job.ID,
		Error: msg,
	})
	o.retryOrGiveUp(ctx, queue.TypeAnalyze, p, cause)
	return nil
}
