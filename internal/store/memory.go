package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/visualmatrix/api/internal/model"
)

type claim struct {
	owner   string
	expires time.Time
}

// Memory is a process-local Store used in development and tests.
type Memory struct {
	mu         sync.RWMutex
	channelSeq int64
	modelSeq   int64
	channels   map[int64]*model.Channel
	models     map[int64]*model.Model
	jobs       map[string]*model.Job
	results    map[string]*model.Result
	jobResults map[string][]string
	styles     map[string]*model.StyleTemplate
	claims     map[string]claim
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		channels:   make(map[int64]*model.Channel),
		models:     make(map[int64]*model.Model),
		jobs:       make(map[string]*model.Job),
		results:    make(map[string]*model.Result),
		jobResults: make(map[string][]string),
		styles:     make(map[string]*model.StyleTemplate),
		claims:     make(map[string]claim),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) CreateChannel(_ context.Context, ch *model.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channelSeq++
	ch.ID = s.channelSeq
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now()
	}
	stored := *ch
	stored.Models = nil
	s.channels[ch.ID] = &stored
	return nil
}

func (s *Memory) UpdateChannel(_ context.Context, id int64, patch model.ChannelPatch) (*model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	applyChannelPatch(ch, patch)
	return s.channelWithModels(ch), nil
}

func (s *Memory) GetChannel(_ context.Context, id int64) (*model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return s.channelWithModels(ch), nil
}

func (s *Memory) ListChannels(_ context.Context) ([]model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, *s.channelWithModels(ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// channelWithModels copies ch and attaches its models. Caller holds the lock.
func (s *Memory) channelWithModels(ch *model.Channel) *model.Channel {
	cp := *ch
	cp.Models = nil
	for _, m := range s.models {
		if m.ChannelID == ch.ID {
			cp.Models = append(cp.Models, *m)
		}
	}
	sortModelsByID(cp.Models)
	return &cp
}

func (s *Memory) CreateModel(_ context.Context, m *model.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[m.ChannelID]
	if !ok {
		return ErrChannelNotFound
	}
	s.modelSeq++
	m.ID = s.modelSeq
	m.Available = ch.Healthy
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	stored := *m
	s.models[m.ID] = &stored
	return nil
}

func (s *Memory) UpdateModel(_ context.Context, id int64, patch model.ModelPatch) (*model.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[id]
	if !ok {
		return nil, ErrModelNotFound
	}
	applyModelPatch(m, patch)
	cp := *m
	return &cp, nil
}

func (s *Memory) SetChannelHealthy(_ context.Context, id int64, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	ch.Healthy = healthy
	return nil
}

func (s *Memory) RecordProbe(_ context.Context, id int64, res model.ProbeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	checked := res.CheckedAt
	ch.Healthy = res.Healthy
	ch.LatencyMs = res.LatencyMs
	ch.LastCheckedAt = &checked
	for _, m := range s.models {
		if m.ChannelID == id {
			m.Available = res.Healthy
		}
	}
	return nil
}

func (s *Memory) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Memory) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *Memory) UpdateJob(_ context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	if err := fn(&cp); err != nil {
		return nil, err
	}
	stored := cp
	s.jobs[id] = &stored
	return &cp, nil
}

func (s *Memory) ListJobs(_ context.Context, filter model.JobFilter) ([]model.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Job
	for _, job := range s.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.UserID != "" && job.UserID != filter.UserID {
			continue
		}
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter), len(out), nil
}

func (s *Memory) ClaimJob(_ context.Context, id, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	now := s.now()
	if c, ok := s.claims[id]; ok && c.owner != owner && now.Before(c.expires) {
		return ErrJobClaimed
	}
	s.claims[id] = claim{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (s *Memory) ReleaseJob(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.claims[id]; ok && c.owner == owner {
		delete(s.claims, id)
	}
	return nil
}

func (s *Memory) AddResult(_ context.Context, res *model.Result) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[res.JobID]; !ok {
		return 0, ErrJobNotFound
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = s.now()
	}
	cp := *res
	s.results[res.ID] = &cp
	s.jobResults[res.JobID] = append(s.jobResults[res.JobID], res.ID)
	return len(s.jobResults[res.JobID]), nil
}

func (s *Memory) GetResult(_ context.Context, id string) (*model.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.results[id]
	if !ok {
		return nil, ErrResultNotFound
	}
	cp := *res
	return &cp, nil
}

func (s *Memory) ListResults(_ context.Context, jobID string) ([]model.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Result, 0, len(s.jobResults[jobID]))
	for _, id := range s.jobResults[jobID] {
		out = append(out, *s.results[id])
	}
	return out, nil
}

func (s *Memory) CountResults(_ context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobResults[jobID]), nil
}

func (s *Memory) FinalizeResult(_ context.Context, id, finalizedURL string, editorData json.RawMessage) (*model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.results[id]
	if !ok {
		return nil, ErrResultNotFound
	}
	if res.FinalizedImageURL != "" {
		return nil, ErrAlreadyFinalized
	}
	res.FinalizedImageURL = finalizedURL
	res.EditorData = editorData
	cp := *res
	return &cp, nil
}

func (s *Memory) GetStyle(_ context.Context, id string) (*model.StyleTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.styles[id]
	if !ok {
		return nil, ErrStyleNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Memory) ListStyles(_ context.Context, activeOnly bool) ([]model.StyleTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.StyleTemplate, 0, len(s.styles))
	for _, st := range s.styles {
		if activeOnly && !st.Active {
			continue
		}
		out = append(out, *st)
	}
	sortStyles(out)
	return out, nil
}

func (s *Memory) UpsertStyle(_ context.Context, style *model.StyleTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.styles[style.ID]; ok {
		style.CreatedAt = existing.CreatedAt
	} else if style.CreatedAt.IsZero() {
		style.CreatedAt = s.now()
	}
	cp := *style
	s.styles[style.ID] = &cp
	return nil
}

func sortStyles(styles []model.StyleTemplate) {
	sort.Slice(styles, func(i, j int) bool {
		if styles[i].SortOrder != styles[j].SortOrder {
			return styles[i].SortOrder < styles[j].SortOrder
		}
		return styles[i].ID < styles[j].ID
	})
}
