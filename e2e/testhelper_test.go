package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/visualmatrix/api/internal/auth"
	"github.com/visualmatrix/api/internal/client"
	"github.com/visualmatrix/api/internal/handler"
	"github.com/visualmatrix/api/internal/middleware"
	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/provider"
	"github.com/visualmatrix/api/internal/service"
	"github.com/visualmatrix/api/internal/store"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testUserID    = "test-user-123"
	testAdminID   = "test-admin-1"
)

// recordingEnqueuer stands in for the task queue.
type recordingEnqueuer struct {
	mu       sync.Mutex
	analyze  []string
	generate []string
}

func (e *recordingEnqueuer) EnqueueAnalyze(_ context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.analyze = append(e.analyze, jobID)
	return nil
}

func (e *recordingEnqueuer) EnqueueGenerate(_ context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generate = append(e.generate, jobID)
	return nil
}

// stubHealth answers probes without reaching any upstream.
type stubHealth struct {
	healthy bool
}

func (h *stubHealth) ProbeChannel(_ context.Context, id int64) (model.ProbeResult, error) {
	return model.ProbeResult{Healthy: h.healthy, LatencyMs: 5, CheckedAt: time.Now().UTC()}, nil
}

func (h *stubHealth) RunSweep(context.Context) (model.SweepResponse, error) {
	return model.SweepResponse{}, nil
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	store    *store.Memory
	enqueuer *recordingEnqueuer
}

type setupOption func(*setupConfig)

type setupConfig struct {
	redis        *redis.Client
	analyzeLimit int
}

// withRateLimit backs the rate limiter with rdb and allows perHour analyze calls.
func withRateLimit(rdb *redis.Client, perHour int) setupOption {
	return func(c *setupConfig) {
		c.redis = rdb
		c.analyzeLimit = perHour
	}
}

// setupApp builds the same route table as cmd/server on top of the
// in-memory store and a local object store in a temp dir.
func setupApp(t *testing.T, opts ...setupOption) *testApp {
	t.Helper()

	cfg := setupConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	mem := store.NewMemory()
	enq := &recordingEnqueuer{}
	validate := validator.New()

	dir := t.TempDir()
	objects, err := client.NewLocalStore(dir, "/files")
	if err != nil {
		t.Fatalf("failed to create local store: %v", err)
	}
	loader := provider.NewImageLoader(http.DefaultClient, 512, dir)

	jobService := service.NewJobService(mem, mem, enq, 10, 8)
	uploadService := service.NewUploadService(objects, loader, 5<<20)
	channelService := service.NewChannelService(mem, &stubHealth{healthy: true})

	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(cfg.redis)

	app := fiber.New(fiber.Config{
		BodyLimit: 20 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"store": "memory",
				"r2":    false,
				"auth":  true,
			},
		})
	})

	handler.Routes{
		Auth:          authMiddleware.Authenticate(),
		WSAuth:        authMiddleware.AuthenticateQuery(),
		AdminOnly:     middleware.AdminOnly(),
		AnalyzeLimit:  rateLimiter.AnalyzeLimit(cfg.analyzeLimit),
		GenerateLimit: rateLimiter.GenerateLimit(0),
		Jobs:          handler.NewJobHandler(jobService, uploadService, validate),
		Admin:         handler.NewAdminHandler(channelService, jobService, validate),
		AuthVerify:    handler.NewAuthHandler(nil, testJWTSecret),
	}.Mount(app)

	return &testApp{app: app, store: mem, enqueuer: enq}
}

func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	signed, err := auth.SignLegacyToken(testJWTSecret, userID, userID+"@example.com", role, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// generateToken creates a legacy HMAC JWT token for the regular test user.
func generateToken(t *testing.T) string {
	t.Helper()
	return signToken(t, testUserID, "")
}

func generateAdminToken(t *testing.T) string {
	t.Helper()
	return signToken(t, testAdminID, auth.RoleAdmin)
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as the regular test user.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
}

func doAdminRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateAdminToken(t),
	})
}

// createAnalyzeRequest builds a multipart analyze request carrying a small PNG.
func createAnalyzeRequest(t *testing.T, token, contentType string, fields map[string]string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = writer.WriteField(k, v)
	}

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", `form-data; name="image"; filename="product.png"`)
	partHeader.Set("Content-Type", contentType)
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if err := png.Encode(part, image.NewRGBA(image.Rect(0, 0, 32, 32))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	writer.Close()

	req, err := http.NewRequest(http.MethodPost, "/api/analyze", &buf)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// seedJob stores a job owned by userID directly in the memory store.
func seedJob(t *testing.T, ta *testApp, id, userID string, state model.JobState) {
	t.Helper()
	now := time.Now().UTC()
	err := ta.store.CreateJob(context.Background(), &model.Job{
		ID: id, UserID: userID, State: state, SourceImage: "uploads/x.jpg",
		AnalysisPrompt: "a product on marble", CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := parseJSON(t, resp)
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
