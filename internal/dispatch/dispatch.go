package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/provider"
)

var (
	// ErrNoAvailableProvider means no eligible candidate could be called.
	ErrNoAvailableProvider = errors.New("no available provider")
	// ErrAllProvidersExhausted means every callable candidate failed.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
)

// CandidateFailure records why one candidate was passed over.
type CandidateFailure struct {
	ChannelID   int64  `json:"channelId"`
	ChannelName string `json:"channel"`
	Model       string `json:"model"`
	Reason      string `json:"reason"`
}

// ExhaustedError carries the per-candidate failures of a dispatch call.
type ExhaustedError struct {
	Kind     model.Kind
	Failures []CandidateFailure
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d %s candidate(s) failed", ErrAllProvidersExhausted, len(e.Failures), e.Kind)
}

func (e *ExhaustedError) Unwrap() error { return ErrAllProvidersExhausted }

// Request is one unit of provider work. Image is required for analysis.
type Request struct {
	Kind   model.Kind
	Prompt string
	Image  *provider.SourceImage
}

// Response is the first successful candidate's output.
type Response struct {
	Candidate model.Candidate
	Adapter   string
	Text      string
	Image     *provider.GeneratedImage
	LatencyMs int64
}

// CandidateSource yields the ordered eligible candidates for a kind.
type CandidateSource interface {
	ListEligible(ctx context.Context, kind model.Kind) ([]model.Candidate, error)
}

// Demoter marks a channel unhealthy after a live call failure.
type Demoter interface {
	Demote(ctx context.Context, channelID int64) error
}

type Dispatcher struct {
	candidates  CandidateSource
	adapters    *provider.Set
	demoter     Demoter
	callTimeout time.Duration
	log         zerolog.Logger
}

func New(candidates CandidateSource, adapters *provider.Set, demoter Demoter, callTimeout time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		candidates:  candidates,
		adapters:    adapters,
		demoter:     demoter,
		callTimeout: callTimeout,
		log:         log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch tries eligible candidates in order until one succeeds. Every
// failed candidate's channel is demoted before the next one is tried.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	if req.Kind == model.KindAnalysis && req.Image == nil {
		return nil, errors.New("analysis request without image")
	}

	candidates, err := d.candidates.ListEligible(ctx, req.Kind)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoAvailableProvider, req.Kind)
	}

	var failures []CandidateFailure
	demoted := make(map[int64]bool)

	for _, c := range candidates {
		if demoted[c.Channel.ID] {
			d.log.Debug().
				Int64("channel_id", c.Channel.ID).
				Str("model", c.Model.Name).
				Msg("skipping model of channel demoted during this dispatch")
			continue
		}

		adapter, ok := d.resolve(c, req.Kind)
		if !ok {
			continue
		}

		start := time.Now()
		resp, err := d.call(ctx, adapter, c, req)
		if err == nil {
			resp.LatencyMs = time.Since(start).Milliseconds()
			d.log.Info().
				Int64("channel_id", c.Channel.ID).
				Str("channel", c.Channel.Name).
				Str("model", c.Model.Name).
				Str("kind", string(req.Kind)).
				Int64("latency_ms", resp.LatencyMs).
				Msg("dispatch succeeded")
			return resp, nil
		}

		// The caller went away; the channel is not at fault.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		failure := CandidateFailure{
			ChannelID:   c.Channel.ID,
			ChannelName: c.Channel.Name,
			Model:       c.Model.Name,
			Reason:      err.Error(),
		}
		failures = append(failures, failure)
		demoted[c.Channel.ID] = true

		entry := d.log.Warn().
			Int64("channel_id", failure.ChannelID).
			Str("channel", failure.ChannelName).
			Str("model", failure.Model).
			Str("kind", string(req.Kind)).
			Str("reason", failure.Reason)
		if derr := d.demoter.Demote(ctx, c.Channel.ID); derr != nil {
			entry = entry.AnErr("demote_error", derr)
		}
		entry.Msg("provider call failed, channel demoted")
	}

	if len(failures) == 0 {
		return nil, fmt.Errorf("%w for %s: no adapter matched any candidate", ErrNoAvailableProvider, req.Kind)
	}
	return nil, &ExhaustedError{Kind: req.Kind, Failures: failures}
}

// resolve finds an adapter able to serve kind for c, logging a skip when
// none is registered.
func (d *Dispatcher) resolve(c model.Candidate, kind model.Kind) (provider.Adapter, bool) {
	adapter, ok := d.adapters.Resolve(c.Model.Name)
	if ok {
		switch kind {
		case model.KindAnalysis:
			_, ok = adapter.(provider.Analyzer)
		case model.KindGeneration:
			_, ok = adapter.(provider.Generator)
		default:
			ok = false
		}
	}
	if !ok {
		d.log.Warn().
			Int64("channel_id", c.Channel.ID).
			Str("channel", c.Channel.Name).
			Str("model", c.Model.Name).
			Str("kind", string(kind)).
			Msg("no adapter for model, skipping")
		return nil, false
	}
	return adapter, true
}

func (d *Dispatcher) call(ctx context.Context, adapter provider.Adapter, c model.Candidate, req Request) (*Response, error) {
	timeout := d.callTimeout
	if o, ok := adapter.(provider.TimeoutOverrider); ok && o.CallTimeout() > timeout {
		timeout = o.CallTimeout()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := provider.TargetFor(c)
	resp := &Response{Candidate: c, Adapter: adapter.Name()}

	switch req.Kind {
	case model.KindAnalysis:
		text, err := adapter.(provider.Analyzer).Analyze(callCtx, target, *req.Image, req.Prompt)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: empty analysis", provider.ErrMalformedResponse)
		}
		resp.Text = text
	case model.KindGeneration:
		img, err := adapter.(provider.Generator).Generate(callCtx, target, req.Prompt)
		if err != nil {
			return nil, err
		}
		if img == nil || (img.URL == "" && len(img.Data) == 0) {
			return nil, fmt.Errorf("%w: empty image", provider.ErrMalformedResponse)
		}
		resp.Image = img
	}
	return resp, nil
}
