package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/visualmatrix/api/internal/model"
)

var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrModelNotFound    = errors.New("model not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrResultNotFound   = errors.New("result not found")
	ErrStyleNotFound    = errors.New("style not found")
	ErrAlreadyFinalized = errors.New("result already finalized")
	ErrJobClaimed       = errors.New("job is claimed by another worker")
)

// ChannelStore persists channels and their models.
// Healthy and Available are only touched through SetChannelHealthy and
// RecordProbe; the admin update paths never write them.
type ChannelStore interface {
	CreateChannel(ctx context.Context, ch *model.Channel) error
	UpdateChannel(ctx context.Context, id int64, patch model.ChannelPatch) (*model.Channel, error)
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
	ListChannels(ctx context.Context) ([]model.Channel, error)
	CreateModel(ctx context.Context, m *model.Model) error
	UpdateModel(ctx context.Context, id int64, patch model.ModelPatch) (*model.Model, error)
	SetChannelHealthy(ctx context.Context, id int64, healthy bool) error
	RecordProbe(ctx context.Context, id int64, res model.ProbeResult) error
}

// JobStore persists jobs, their results and worker claims.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// UpdateJob runs fn against the current record and persists the result
	// atomically. An error from fn aborts the write.
	UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.Job, int, error)
	ClaimJob(ctx context.Context, id, owner string, ttl time.Duration) error
	ReleaseJob(ctx context.Context, id, owner string) error

	// AddResult stores res and returns the job's result count afterwards.
	AddResult(ctx context.Context, res *model.Result) (int, error)
	GetResult(ctx context.Context, id string) (*model.Result, error)
	ListResults(ctx context.Context, jobID string) ([]model.Result, error)
	CountResults(ctx context.Context, jobID string) (int, error)
	FinalizeResult(ctx context.Context, id, finalizedURL string, editorData json.RawMessage) (*model.Result, error)
}

type StyleStore interface {
	GetStyle(ctx context.Context, id string) (*model.StyleTemplate, error)
	ListStyles(ctx context.Context, activeOnly bool) ([]model.StyleTemplate, error)
	UpsertStyle(ctx context.Context, style *model.StyleTemplate) error
}

type Store interface {
	ChannelStore
	JobStore
	StyleStore
	Close() error
}

func paginate(jobs []model.Job, filter model.JobFilter) []model.Job {
	if filter.Offset >= len(jobs) {
		return []model.Job{}
	}
	jobs = jobs[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	return jobs
}

func applyChannelPatch(ch *model.Channel, patch model.ChannelPatch) {
	if patch.Name != nil {
		ch.Name = *patch.Name
	}
	if patch.Provider != nil {
		ch.Provider = *patch.Provider
	}
	if patch.BaseURL != nil {
		ch.BaseURL = *patch.BaseURL
	}
	if patch.APIKey != nil {
		ch.APIKey = *patch.APIKey
	}
	if patch.Active != nil {
		ch.Active = *patch.Active
	}
}

func applyModelPatch(m *model.Model, patch model.ModelPatch) {
	if patch.Name != nil {
		m.Name = *patch.Name
	}
	if patch.Priority != nil {
		m.Priority = *patch.Priority
	}
	if patch.Active != nil {
		m.Active = *patch.Active
	}
}

func sortModelsByID(models []model.Model) {
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Redis)(nil)
	_ Store = (*Postgres)(nil)
)
