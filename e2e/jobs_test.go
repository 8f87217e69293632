package e2e

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/visualmatrix/api/internal/model"
)

func TestAnalyze_Accepted(t *testing.T) {
	ta := setupApp(t)

	req := createAnalyzeRequest(t, generateToken(t), "image/png", map[string]string{"userPrompt": "on a beach"})
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	body := parseJSON(t, resp)
	jobID, _ := body["jobId"].(string)
	if jobID == "" {
		t.Fatalf("expected jobId in response, got %v", body)
	}
	if body["state"] != string(model.JobPending) {
		t.Errorf("expected pending state, got %v", body["state"])
	}

	job, err := ta.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if job.UserID != testUserID || job.UserPrompt != "on a beach" {
		t.Errorf("unexpected job %+v", job)
	}
	if !strings.HasPrefix(job.SourceImage, "uploads/"+testUserID+"/") {
		t.Errorf("unexpected source image ref %q", job.SourceImage)
	}
	if len(ta.enqueuer.analyze) != 1 || ta.enqueuer.analyze[0] != jobID {
		t.Errorf("expected analyze stage queued, got %v", ta.enqueuer.analyze)
	}
}

func TestAnalyze_InvalidContentType(t *testing.T) {
	ta := setupApp(t)

	req := createAnalyzeRequest(t, generateToken(t), "text/plain", nil)
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
	if code := errorCode(t, resp); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestAnalyze_UnknownStyle(t *testing.T) {
	ta := setupApp(t)

	req := createAnalyzeRequest(t, generateToken(t), "image/png", map[string]string{"styleId": "nope"})
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestAnalyze_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ta := setupApp(t, withRateLimit(rdb, 1))
	token := generateToken(t)

	resp, err := ta.app.Test(createAnalyzeRequest(t, token, "image/png", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	resp, err = ta.app.Test(createAnalyzeRequest(t, token, "image/png", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestGenerate_Accepted(t *testing.T) {
	ta := setupApp(t)
	seedJob(t, ta, "job-1", testUserID, model.JobAnalyzed)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate",
		`{"jobId":"job-1","finalPrompt":"a bottle on marble","quantity":3}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	body := parseJSON(t, resp)
	if body["cost"] != float64(30) {
		t.Errorf("expected cost 30, got %v", body["cost"])
	}
	if len(ta.enqueuer.generate) != 1 {
		t.Errorf("expected generate stage queued, got %v", ta.enqueuer.generate)
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/generate",
		`{"jobId":"job-1","finalPrompt":"again","quantity":1}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)
}

func TestGenerate_Validation(t *testing.T) {
	ta := setupApp(t)
	seedJob(t, ta, "job-1", testUserID, model.JobAnalyzed)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing prompt", `{"jobId":"job-1","quantity":1}`, http.StatusBadRequest},
		{"zero quantity", `{"jobId":"job-1","finalPrompt":"x","quantity":0}`, http.StatusBadRequest},
		{"quantity above max", `{"jobId":"job-1","finalPrompt":"x","quantity":9}`, http.StatusBadRequest},
		{"unknown job", `{"jobId":"missing","finalPrompt":"x","quantity":1}`, http.StatusNotFound},
		{"malformed body", `{"jobId":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", tt.body)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, tt.status)
		})
	}
}

func TestGenerate_OtherUsersJob(t *testing.T) {
	ta := setupApp(t)
	seedJob(t, ta, "job-1", "someone-else", model.JobAnalyzed)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate",
		`{"jobId":"job-1","finalPrompt":"x","quantity":1}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusForbidden)
}

func TestJobStatus(t *testing.T) {
	ta := setupApp(t)
	seedJob(t, ta, "mine", testUserID, model.JobCompleted)
	seedJob(t, ta, "theirs", "someone-else", model.JobCompleted)
	_, _ = ta.store.AddResult(context.Background(), &model.Result{ID: "r1", JobID: "mine", ImageURL: "https://img/1.png"})

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/mine", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	body := parseJSON(t, resp)
	results, _ := body["results"].([]interface{})
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %v", body["results"])
	}

	resp, _ = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/theirs", "")
	assertStatus(t, resp, http.StatusForbidden)

	resp, _ = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/missing", "")
	assertStatus(t, resp, http.StatusNotFound)

	resp, _ = doAdminRequest(t, ta.app, http.MethodGet, "/api/jobs/theirs", "")
	assertStatus(t, resp, http.StatusOK)
}

func TestFinalize(t *testing.T) {
	ta := setupApp(t)
	seedJob(t, ta, "job-1", testUserID, model.JobCompleted)
	_, _ = ta.store.AddResult(context.Background(), &model.Result{ID: "r1", JobID: "job-1", ImageURL: "https://img/1.png"})
	body := `{"finalizedImageUrl":"https://img/1-final.png","editorData":{"text":"SALE"}}`

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/results/r1/finalize", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	got := parseJSON(t, resp)
	if got["finalizedImageUrl"] != "https://img/1-final.png" {
		t.Errorf("unexpected finalized url %v", got["finalizedImageUrl"])
	}

	resp, _ = doAuthRequest(t, ta.app, http.MethodPost, "/api/results/r1/finalize", body)
	assertStatus(t, resp, http.StatusConflict)
}

func TestStyles_ActiveOnly(t *testing.T) {
	ta := setupApp(t)
	ctx := context.Background()
	_ = ta.store.UpsertStyle(ctx, &model.StyleTemplate{ID: "luxury", Name: "Luxury", PromptInstruction: "marble", Active: true})
	_ = ta.store.UpsertStyle(ctx, &model.StyleTemplate{ID: "retired", Name: "Retired", PromptInstruction: "x", Active: false})

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/styles", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if body := readBody(t, resp); !strings.Contains(body, "luxury") || strings.Contains(body, "retired") {
		t.Errorf("expected only active styles, got %s", body)
	}
}
