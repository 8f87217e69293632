package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/store"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	analyze  []string
	generate []string
	err      error
}

func (f *fakeEnqueuer) EnqueueAnalyze(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyze = append(f.analyze, jobID)
	return f.err
}

func (f *fakeEnqueuer) EnqueueGenerate(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generate = append(f.generate, jobID)
	return f.err
}

func newJobService(t *testing.T) (*JobService, *store.Memory, *fakeEnqueuer) {
	t.Helper()
	mem := store.NewMemory()
	enq := &fakeEnqueuer{}
	return NewJobService(mem, mem, enq, 10, 8), mem, enq
}

func seedJob(t *testing.T, mem *store.Memory, id, userID string, state model.JobState) {
	t.Helper()
	now := time.Now().UTC()
	if err := mem.CreateJob(context.Background(), &model.Job{
		ID: id, UserID: userID, State: state, SourceImage: "uploads/a.jpg",
		AnalysisPrompt: "a scene", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSubmitAnalysis_CreatesPendingJobAndEnqueues(t *testing.T) {
	svc, mem, enq := newJobService(t)
	ctx := context.Background()

	resp, err := svc.SubmitAnalysis(ctx, AnalysisInput{UserID: "u1", SourceImage: "uploads/u1/x.jpg", UserPrompt: "on a beach"})
	if err != nil {
		t.Fatalf("SubmitAnalysis: %v", err)
	}
	if resp.State != model.JobPending {
		t.Errorf("expected pending, got %s", resp.State)
	}
	if len(enq.analyze) != 1 || enq.analyze[0] != resp.JobID {
		t.Errorf("expected analyze enqueued for %s, got %v", resp.JobID, enq.analyze)
	}

	job, err := mem.GetJob(ctx, resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.UserID != "u1" || job.UserPrompt != "on a beach" {
		t.Errorf("unexpected job: %+v", job)
	}
}

func TestSubmitAnalysis_RejectsInactiveStyle(t *testing.T) {
	svc, mem, enq := newJobService(t)
	ctx := context.Background()
	_ = mem.UpsertStyle(ctx, &model.StyleTemplate{ID: "luxury", Name: "Luxury", PromptInstruction: "x", Active: false})

	for _, styleID := range []string{"luxury", "missing"} {
		_, err := svc.SubmitAnalysis(ctx, AnalysisInput{UserID: "u1", SourceImage: "a.jpg", StyleID: styleID})
		if !errors.Is(err, ErrStyleUnavailable) {
			t.Errorf("style %q: expected ErrStyleUnavailable, got %v", styleID, err)
		}
	}
	if len(enq.analyze) != 0 {
		t.Errorf("nothing should be enqueued, got %v", enq.analyze)
	}
}

func TestSubmitGeneration(t *testing.T) {
	tests := []struct {
		name    string
		state   model.JobState
		userID  string
		qty     int
		wantErr error
	}{
		{"analyzed job", model.JobAnalyzed, "u1", 4, nil},
		{"quantity too large", model.JobAnalyzed, "u1", 9, ErrInvalidQuantity},
		{"quantity zero", model.JobAnalyzed, "u1", 0, ErrInvalidQuantity},
		{"not analyzed yet", model.JobAnalyzing, "u1", 2, ErrInvalidState},
		{"other user", model.JobAnalyzed, "u2", 2, ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mem, enq := newJobService(t)
			seedJob(t, mem, "job-1", "u1", tt.state)

			resp, err := svc.SubmitGeneration(context.Background(), tt.userID, &model.GenerateRequest{
				JobID: "job-1", FinalPrompt: "final", Quantity: tt.qty,
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if len(enq.generate) != 0 {
					t.Errorf("generation should not be enqueued")
				}
				return
			}
			if err != nil {
				t.Fatalf("SubmitGeneration: %v", err)
			}
			if resp.Cost != 40 {
				t.Errorf("expected cost 40, got %d", resp.Cost)
			}
			job, _ := mem.GetJob(context.Background(), "job-1")
			if job.FinalPrompt != "final" || job.QuantityRequested != 4 || job.CostPoints != 40 {
				t.Errorf("unexpected job after submit: %+v", job)
			}
			if len(enq.generate) != 1 {
				t.Errorf("expected one generate enqueue, got %v", enq.generate)
			}
		})
	}
}

func TestSubmitGeneration_SecondRequestRejected(t *testing.T) {
	svc, mem, _ := newJobService(t)
	seedJob(t, mem, "job-1", "u1", model.JobAnalyzed)
	req := &model.GenerateRequest{JobID: "job-1", FinalPrompt: "final", Quantity: 1}

	if _, err := svc.SubmitGeneration(context.Background(), "u1", req); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := svc.SubmitGeneration(context.Background(), "u1", req); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second submit, got %v", err)
	}
}

func TestQueryStatus_Ownership(t *testing.T) {
	svc, mem, _ := newJobService(t)
	ctx := context.Background()
	seedJob(t, mem, "job-1", "u1", model.JobCompleted)
	if _, err := mem.AddResult(ctx, &model.Result{ID: "r1", JobID: "job-1", ImageURL: "https://img/1.png"}); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.QueryStatus(ctx, "u1", "job-1", false)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Errorf("expected 1 result, got %d", len(resp.Results))
	}

	if _, err := svc.QueryStatus(ctx, "u2", "job-1", false); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.QueryStatus(ctx, "admin", "job-1", true); err != nil {
		t.Errorf("admin should read any job: %v", err)
	}
	if _, err := svc.QueryStatus(ctx, "u1", "missing", false); !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestRetryJob(t *testing.T) {
	svc, mem, enq := newJobService(t)
	ctx := context.Background()
	seedJob(t, mem, "failed", "u1", model.JobFailed)
	seedJob(t, mem, "done", "u1", model.JobCompleted)

	job, err := svc.RetryJob(ctx, "failed")
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if job.State != model.JobPending {
		t.Errorf("expected pending job, got %+v", job)
	}
	if job.AnalysisPrompt != "a scene" {
		t.Errorf("analysis prompt should be kept, got %q", job.AnalysisPrompt)
	}
	if len(enq.analyze) != 1 || enq.analyze[0] != "failed" {
		t.Errorf("expected analyze enqueued, got %v", enq.analyze)
	}

	if _, err := svc.RetryJob(ctx, "done"); !errors.Is(err, ErrJobNotRetryable) {
		t.Errorf("expected ErrJobNotRetryable, got %v", err)
	}
}

func TestRetryJob_ResumesStuckJobs(t *testing.T) {
	svc, mem, enq := newJobService(t)
	ctx := context.Background()
	seedJob(t, mem, "analyzing", "u1", model.JobAnalyzing)
	seedJob(t, mem, "generating", "u1", model.JobGenerating)
	seedJob(t, mem, "requested", "u1", model.JobAnalyzed)
	if _, err := mem.UpdateJob(ctx, "requested", func(j *model.Job) error {
		j.FinalPrompt = "final"
		j.QuantityRequested = 2
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	seedJob(t, mem, "idle", "u1", model.JobAnalyzed)

	for _, tt := range []struct {
		id    string
		state model.JobState
	}{
		{"analyzing", model.JobAnalyzing},
		{"generating", model.JobGenerating},
		{"requested", model.JobAnalyzed},
	} {
		if _, err := svc.RetryJob(ctx, tt.id); err != nil {
			t.Fatalf("RetryJob(%s): %v", tt.id, err)
		}
		if got := mustJob(t, mem, tt.id).State; got != tt.state {
			t.Errorf("%s: expected state %s to be kept, got %s", tt.id, tt.state, got)
		}
	}
	if len(enq.analyze) != 1 || enq.analyze[0] != "analyzing" {
		t.Errorf("expected analyze for the analyzing job, got %v", enq.analyze)
	}
	if len(enq.generate) != 2 || enq.generate[0] != "generating" || enq.generate[1] != "requested" {
		t.Errorf("expected generate for generating and requested jobs, got %v", enq.generate)
	}

	// Analyzed without a generation request waits on the user, not a worker.
	if _, err := svc.RetryJob(ctx, "idle"); !errors.Is(err, ErrJobNotRetryable) {
		t.Errorf("expected ErrJobNotRetryable, got %v", err)
	}
}

func TestRetryJob_RefusesClaimedJob(t *testing.T) {
	svc, mem, enq := newJobService(t)
	ctx := context.Background()
	seedJob(t, mem, "busy", "u1", model.JobGenerating)
	if err := mem.ClaimJob(ctx, "busy", "worker-a", time.Minute); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.RetryJob(ctx, "busy"); !errors.Is(err, ErrJobInProgress) {
		t.Fatalf("expected ErrJobInProgress, got %v", err)
	}
	if len(enq.generate) != 0 {
		t.Errorf("nothing should be enqueued, got %v", enq.generate)
	}

	// The check must not leave a claim behind.
	if err := mem.ReleaseJob(ctx, "busy", "worker-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RetryJob(ctx, "busy"); err != nil {
		t.Fatalf("RetryJob after release: %v", err)
	}
	if err := mem.ClaimJob(ctx, "busy", "worker-b", time.Minute); err != nil {
		t.Errorf("job should be claimable after retry, got %v", err)
	}
}

func TestSubmitGeneration_EnqueueFailureWithdrawsRequest(t *testing.T) {
	svc, mem, enq := newJobService(t)
	ctx := context.Background()
	seedJob(t, mem, "job-1", "u1", model.JobAnalyzed)
	enq.err = errors.New("redis down")

	req := &model.GenerateRequest{JobID: "job-1", FinalPrompt: "final", Quantity: 2}
	if _, err := svc.SubmitGeneration(ctx, "u1", req); err == nil {
		t.Fatal("expected enqueue error")
	}

	job := mustJob(t, mem, "job-1")
	if job.State != model.JobAnalyzed || job.FinalPrompt != "" || job.QuantityRequested != 0 || job.CostPoints != 0 {
		t.Fatalf("expected request withdrawn, got %+v", job)
	}

	enq.err = nil
	resp, err := svc.SubmitGeneration(ctx, "u1", req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resp.Cost != 20 || mustJob(t, mem, "job-1").CostPoints != 20 {
		t.Errorf("expected a single charge of 20, got resp=%d job=%d", resp.Cost, mustJob(t, mem, "job-1").CostPoints)
	}
}

func mustJob(t *testing.T, mem *store.Memory, id string) *model.Job {
	t.Helper()
	job, err := mem.GetJob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestListJobs_FilterAndLimit(t *testing.T) {
	svc, mem, _ := newJobService(t)
	seedJob(t, mem, "a", "u1", model.JobFailed)
	seedJob(t, mem, "b", "u2", model.JobFailed)
	seedJob(t, mem, "c", "u1", model.JobCompleted)

	resp, err := svc.ListJobs(context.Background(), model.JobFilter{State: model.JobFailed, Limit: 1000})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if resp.Total != 2 || len(resp.Jobs) != 2 {
		t.Errorf("expected 2 failed jobs, got total=%d len=%d", resp.Total, len(resp.Jobs))
	}
}

func TestFinalizeResult(t *testing.T) {
	svc, mem, _ := newJobService(t)
	ctx := context.Background()
	seedJob(t, mem, "job-1", "u1", model.JobCompleted)
	_, _ = mem.AddResult(ctx, &model.Result{ID: "r1", JobID: "job-1", ImageURL: "https://img/1.png"})
	req := &model.FinalizeRequest{FinalizedImageURL: "https://img/1-final.png", EditorData: []byte(`{"layers":[]}`)}

	if _, err := svc.FinalizeResult(ctx, "u2", "r1", req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	res, err := svc.FinalizeResult(ctx, "u1", "r1", req)
	if err != nil {
		t.Fatalf("FinalizeResult: %v", err)
	}
	if res.FinalizedImageURL != "https://img/1-final.png" {
		t.Errorf("unexpected finalized url %q", res.FinalizedImageURL)
	}

	if _, err := svc.FinalizeResult(ctx, "u1", "r1", req); !errors.Is(err, store.ErrAlreadyFinalized) {
		t.Errorf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestSeedStyles_Idempotent(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	_ = mem.UpsertStyle(ctx, &model.StyleTemplate{ID: "luxury", Name: "Custom", PromptInstruction: "mine", Active: false})

	added, err := SeedStyles(ctx, mem)
	if err != nil {
		t.Fatalf("SeedStyles: %v", err)
	}
	if added != len(DefaultStyles)-1 {
		t.Errorf("expected %d added, got %d", len(DefaultStyles)-1, added)
	}
	again, _ := SeedStyles(ctx, mem)
	if again != 0 {
		t.Errorf("second seed should add nothing, got %d", again)
	}

	st, _ := mem.GetStyle(ctx, "luxury")
	if st.Name != "Custom" {
		t.Errorf("existing style should be left alone, got %q", st.Name)
	}
}
