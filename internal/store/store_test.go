package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/visualmatrix/api/internal/model"
)

type storeFactory func(t *testing.T) Store

func newMemoryStore(t *testing.T) Store {
	t.Helper()
	return NewMemory()
}

func newRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb)
}

// newPostgresStore connects to POSTGRES_TEST_DSN and empties every table,
// so each subtest starts from a fresh schema.
func newPostgresStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()
	pool, err := NewPostgresPool(ctx, os.Getenv("POSTGRES_TEST_DSN"), 4)
	if err != nil {
		t.Fatalf("NewPostgresPool: %v", err)
	}
	pg, err := NewPostgres(ctx, pool)
	if err != nil {
		pool.Close()
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(func() { pg.Close() })
	if _, err := pool.Exec(ctx, `TRUNCATE results, jobs, models, channels, styles RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pg
}

func TestStores(t *testing.T) {
	factories := map[string]storeFactory{
		"memory": newMemoryStore,
		"redis":  newRedisStore,
	}
	if os.Getenv("POSTGRES_TEST_DSN") != "" {
		factories["postgres"] = newPostgresStore
	} else {
		t.Log("POSTGRES_TEST_DSN not set, skipping postgres store")
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			// miniredis only expires keys on FastForward; see TestRedis_ClaimExpiry.
			if name != "redis" {
				t.Run("ClaimExpiry", func(t *testing.T) { testClaimExpiry(t, factory(t)) })
			}
			t.Run("ChannelLifecycle", func(t *testing.T) { testChannelLifecycle(t, factory(t)) })
			t.Run("RecordProbeCascades", func(t *testing.T) { testRecordProbeCascades(t, factory(t)) })
			t.Run("AdminUpdateKeepsHealth", func(t *testing.T) { testAdminUpdateKeepsHealth(t, factory(t)) })
			t.Run("JobUpdate", func(t *testing.T) { testJobUpdate(t, factory(t)) })
			t.Run("JobList", func(t *testing.T) { testJobList(t, factory(t)) })
			t.Run("Claims", func(t *testing.T) { testClaims(t, factory(t)) })
			t.Run("Results", func(t *testing.T) { testResults(t, factory(t)) })
			t.Run("Styles", func(t *testing.T) { testStyles(t, factory(t)) })
		})
	}
}

func seedChannel(t *testing.T, s Store, name string, healthy bool) *model.Channel {
	t.Helper()
	ch := &model.Channel{Name: name, Provider: model.ProviderOpenAI, BaseURL: "https://" + name + ".example", APIKey: "k", Active: true, Healthy: healthy}
	if err := s.CreateChannel(context.Background(), ch); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return ch
}

func seedModel(t *testing.T, s Store, channelID int64, name string, kind model.Kind, priority int) *model.Model {
	t.Helper()
	m := &model.Model{ChannelID: channelID, Name: name, Kind: kind, Priority: priority, Active: true}
	if err := s.CreateModel(context.Background(), m); err != nil {
		t.Fatalf("CreateModel: %v", err)
	}
	return m
}

func seedJob(t *testing.T, s Store, id, userID string, state model.JobState, created time.Time) *model.Job {
	t.Helper()
	job := &model.Job{ID: id, UserID: userID, State: state, SourceImage: "uploads/" + id + ".jpg", CreatedAt: created, UpdatedAt: created}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func testChannelLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	a := seedChannel(t, s, "alpha", true)
	b := seedChannel(t, s, "beta", false)
	if a.ID == 0 || b.ID <= a.ID {
		t.Fatalf("expected increasing ids, got %d and %d", a.ID, b.ID)
	}

	ma := seedModel(t, s, a.ID, "gpt-4o", model.KindAnalysis, 1)
	mb := seedModel(t, s, b.ID, "dall-e-3", model.KindGeneration, 2)
	if !ma.Available {
		t.Error("model on healthy channel should start available")
	}
	if mb.Available {
		t.Error("model on unhealthy channel should start unavailable")
	}

	if err := s.CreateModel(ctx, &model.Model{ChannelID: 999, Name: "x", Kind: model.KindAnalysis}); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}

	got, err := s.GetChannel(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if got.Name != "alpha" || got.APIKey != "k" || len(got.Models) != 1 || got.Models[0].Name != "gpt-4o" {
		t.Errorf("unexpected channel: %+v", got)
	}

	channels, err := s.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(channels) != 2 || channels[0].ID != a.ID || channels[1].ID != b.ID {
		t.Errorf("expected channels ordered by id, got %+v", channels)
	}

	if err := s.SetChannelHealthy(ctx, a.ID, false); err != nil {
		t.Fatalf("SetChannelHealthy: %v", err)
	}
	got, _ = s.GetChannel(ctx, a.ID)
	if got.Healthy {
		t.Error("expected channel demoted")
	}
	if err := s.SetChannelHealthy(ctx, 404, false); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}

	prio := 7
	updated, err := s.UpdateModel(ctx, ma.ID, model.ModelPatch{Priority: &prio})
	if err != nil {
		t.Fatalf("UpdateModel: %v", err)
	}
	if updated.Priority != 7 || updated.Name != "gpt-4o" {
		t.Errorf("unexpected model after patch: %+v", updated)
	}
	if _, err := s.UpdateModel(ctx, 404, model.ModelPatch{}); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

func testRecordProbeCascades(t *testing.T, s Store) {
	ctx := context.Background()
	ch := seedChannel(t, s, "alpha", true)
	seedModel(t, s, ch.ID, "gemini-1.5-pro", model.KindAnalysis, 1)
	seedModel(t, s, ch.ID, "gemini-1.5-flash", model.KindAnalysis, 2)

	checked := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.RecordProbe(ctx, ch.ID, model.ProbeResult{Healthy: false, LatencyMs: 321, CheckedAt: checked}); err != nil {
		t.Fatalf("RecordProbe: %v", err)
	}

	got, _ := s.GetChannel(ctx, ch.ID)
	if got.Healthy || got.LatencyMs != 321 || got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(checked) {
		t.Errorf("unexpected channel after probe: %+v", got)
	}
	for _, m := range got.Models {
		if m.Available {
			t.Errorf("model %s should be unavailable", m.Name)
		}
	}

	if err := s.RecordProbe(ctx, ch.ID, model.ProbeResult{Healthy: true, LatencyMs: 12, CheckedAt: checked}); err != nil {
		t.Fatalf("RecordProbe: %v", err)
	}
	got, _ = s.GetChannel(ctx, ch.ID)
	for _, m := range got.Models {
		if m.Available != got.Healthy {
			t.Errorf("model %s availability %v disagrees with channel health %v", m.Name, m.Available, got.Healthy)
		}
	}

	if err := s.RecordProbe(ctx, 404, model.ProbeResult{}); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

func testAdminUpdateKeepsHealth(t *testing.T, s Store) {
	ctx := context.Background()
	ch := seedChannel(t, s, "alpha", true)
	if err := s.SetChannelHealthy(ctx, ch.ID, false); err != nil {
		t.Fatal(err)
	}

	name := "renamed"
	inactive := false
	got, err := s.UpdateChannel(ctx, ch.ID, model.ChannelPatch{Name: &name, Active: &inactive})
	if err != nil {
		t.Fatalf("UpdateChannel: %v", err)
	}
	if got.Name != "renamed" || got.Active {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.Healthy {
		t.Error("admin update must not touch the healthy flag")
	}
	if _, err := s.UpdateChannel(ctx, 404, model.ChannelPatch{}); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("expected ErrChannelNotFound, got %v", err)
	}
}

func testJobUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	seedJob(t, s, "job-1", "user-1", model.JobPending, time.Now().UTC())

	updated, err := s.UpdateJob(ctx, "job-1", func(j *model.Job) error {
		j.AnalysisPrompt = "a watercolor fox"
		return j.TransitionTo(model.JobAnalyzing)
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.State != model.JobAnalyzing {
		t.Errorf("expected analyzing, got %s", updated.State)
	}

	_, err = s.UpdateJob(ctx, "job-1", func(j *model.Job) error {
		j.AnalysisPrompt = "overwritten"
		return j.TransitionTo(model.JobCompleted)
	})
	if !errors.Is(err, model.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.AnalysisPrompt != "a watercolor fox" || got.State != model.JobAnalyzing {
		t.Errorf("aborted update leaked: %+v", got)
	}

	if _, err := s.UpdateJob(ctx, "missing", func(*model.Job) error { return nil }); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func testJobList(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC()
	seedJob(t, s, "j1", "u1", model.JobFailed, base)
	seedJob(t, s, "j2", "u1", model.JobCompleted, base.Add(time.Second))
	seedJob(t, s, "j3", "u2", model.JobFailed, base.Add(2*time.Second))

	jobs, total, err := s.ListJobs(ctx, model.JobFilter{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if total != 3 || len(jobs) != 3 || jobs[0].ID != "j3" {
		t.Errorf("expected newest first, got total=%d %+v", total, jobs)
	}

	jobs, total, _ = s.ListJobs(ctx, model.JobFilter{State: model.JobFailed})
	if total != 2 || len(jobs) != 2 {
		t.Errorf("expected 2 failed jobs, got %d", total)
	}

	jobs, total, _ = s.ListJobs(ctx, model.JobFilter{UserID: "u1", Limit: 1})
	if total != 2 || len(jobs) != 1 || jobs[0].ID != "j2" {
		t.Errorf("unexpected user page: total=%d %+v", total, jobs)
	}

	jobs, total, _ = s.ListJobs(ctx, model.JobFilter{State: model.JobFailed, UserID: "u1", Limit: 10, Offset: 0})
	if total != 1 || len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Errorf("expected j1 for state+user filter, got total=%d %+v", total, jobs)
	}

	jobs, total, _ = s.ListJobs(ctx, model.JobFilter{State: model.JobFailed, Limit: 1, Offset: 1})
	if total != 2 || len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Errorf("expected second failed job on page 2, got total=%d %+v", total, jobs)
	}

	jobs, _, _ = s.ListJobs(ctx, model.JobFilter{UserID: "u1", Offset: 5})
	if len(jobs) != 0 {
		t.Errorf("expected empty page, got %d", len(jobs))
	}
}

func testClaims(t *testing.T, s Store) {
	ctx := context.Background()
	seedJob(t, s, "job-1", "user-1", model.JobPending, time.Now().UTC())

	if err := s.ClaimJob(ctx, "job-1", "worker-a", time.Minute); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := s.ClaimJob(ctx, "job-1", "worker-a", time.Minute); err != nil {
		t.Errorf("re-claim by owner should succeed, got %v", err)
	}
	if err := s.ClaimJob(ctx, "job-1", "worker-b", time.Minute); !errors.Is(err, ErrJobClaimed) {
		t.Errorf("expected ErrJobClaimed, got %v", err)
	}
	if err := s.ReleaseJob(ctx, "job-1", "worker-b"); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}
	if err := s.ClaimJob(ctx, "job-1", "worker-b", time.Minute); !errors.Is(err, ErrJobClaimed) {
		t.Errorf("release by non-owner must not drop the claim, got %v", err)
	}
	if err := s.ReleaseJob(ctx, "job-1", "worker-a"); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}
	if err := s.ClaimJob(ctx, "job-1", "worker-b", time.Minute); err != nil {
		t.Errorf("claim after release should succeed, got %v", err)
	}
	if err := s.ClaimJob(ctx, "missing", "worker-a", time.Minute); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func testClaimExpiry(t *testing.T, s Store) {
	ctx := context.Background()
	seedJob(t, s, "job-1", "user-1", model.JobGenerating, time.Now().UTC())

	if err := s.ClaimJob(ctx, "job-1", "worker-a", 50*time.Millisecond); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := s.ClaimJob(ctx, "job-1", "worker-b", time.Minute); err != nil {
		t.Errorf("expired claim should be taken over, got %v", err)
	}
	if err := s.ClaimJob(ctx, "job-1", "worker-a", time.Minute); !errors.Is(err, ErrJobClaimed) {
		t.Errorf("new holder must keep the job, got %v", err)
	}
}

func TestRedis_ClaimExpiry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	s := NewRedis(rdb)
	seedJob(t, s, "job-1", "user-1", model.JobGenerating, time.Now().UTC())

	if err := s.ClaimJob(ctx, "job-1", "worker-a", time.Minute); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if err := s.ClaimJob(ctx, "job-1", "worker-b", time.Minute); err != nil {
		t.Errorf("expired claim should be taken over, got %v", err)
	}
}

func testResults(t *testing.T, s Store) {
	ctx := context.Background()
	seedJob(t, s, "job-1", "user-1", model.JobGenerating, time.Now().UTC())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := &model.Result{ID: fmt.Sprintf("res-%d", i), JobID: "job-1", ImageURL: fmt.Sprintf("https://cdn.example/%d.png", i)}
			if _, err := s.AddResult(ctx, res); err != nil {
				t.Errorf("AddResult: %v", err)
			}
		}(i)
	}
	wg.Wait()

	n, err := s.CountResults(ctx, "job-1")
	if err != nil || n != 4 {
		t.Fatalf("expected 4 results, got %d (%v)", n, err)
	}
	list, err := s.ListResults(ctx, "job-1")
	if err != nil || len(list) != 4 {
		t.Fatalf("expected 4 listed results, got %d (%v)", len(list), err)
	}

	count, err := s.AddResult(ctx, &model.Result{ID: "res-x", JobID: "job-1", ImageURL: "https://cdn.example/x.png"})
	if err != nil || count != 5 {
		t.Errorf("expected AddResult to return 5, got %d (%v)", count, err)
	}
	if _, err := s.AddResult(ctx, &model.Result{ID: "orphan", JobID: "missing"}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}

	editor := json.RawMessage(`{"crop":[0,0,512,512]}`)
	res, err := s.FinalizeResult(ctx, "res-x", "https://cdn.example/x-final.png", editor)
	if err != nil {
		t.Fatalf("FinalizeResult: %v", err)
	}
	if res.FinalizedImageURL != "https://cdn.example/x-final.png" || res.ImageURL != "https://cdn.example/x.png" {
		t.Errorf("unexpected finalized result: %+v", res)
	}
	if _, err := s.FinalizeResult(ctx, "res-x", "https://cdn.example/other.png", nil); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("expected ErrAlreadyFinalized, got %v", err)
	}
	if _, err := s.FinalizeResult(ctx, "missing", "u", nil); !errors.Is(err, ErrResultNotFound) {
		t.Errorf("expected ErrResultNotFound, got %v", err)
	}
}

func testStyles(t *testing.T, s Store) {
	ctx := context.Background()
	styles := []*model.StyleTemplate{
		{ID: "ink", Name: "Ink", PromptInstruction: "black ink line art", Active: true, SortOrder: 2},
		{ID: "oil", Name: "Oil", PromptInstruction: "thick oil paint", Active: false, SortOrder: 1},
		{ID: "anime", Name: "Anime", PromptInstruction: "cel shaded anime", Active: true, SortOrder: 0},
	}
	for _, st := range styles {
		if err := s.UpsertStyle(ctx, st); err != nil {
			t.Fatalf("UpsertStyle: %v", err)
		}
	}

	active, err := s.ListStyles(ctx, true)
	if err != nil {
		t.Fatalf("ListStyles: %v", err)
	}
	if len(active) != 2 || active[0].ID != "anime" || active[1].ID != "ink" {
		t.Errorf("unexpected active styles: %+v", active)
	}

	all, _ := s.ListStyles(ctx, false)
	if len(all) != 3 {
		t.Errorf("expected 3 styles, got %d", len(all))
	}

	got, err := s.GetStyle(ctx, "ink")
	if err != nil || got.PromptInstruction != "black ink line art" {
		t.Errorf("GetStyle: %+v %v", got, err)
	}
	if _, err := s.GetStyle(ctx, "missing"); !errors.Is(err, ErrStyleNotFound) {
		t.Errorf("expected ErrStyleNotFound, got %v", err)
	}
}
