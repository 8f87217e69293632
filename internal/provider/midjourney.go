package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	midjourneySuccess = "SUCCESS"
	midjourneyFailure = "FAILURE"
)

type midjourneySubmit struct {
	Prompt      string   `json:"prompt"`
	Base64Array []string `json:"base64Array"`
}

type midjourneySubmitResponse struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	Result      string `json:"result"`
}

type midjourneyTask struct {
	Status     string `json:"status"`
	ImageURL   string `json:"imageUrl"`
	FailReason string `json:"failReason"`
	Progress   string `json:"progress"`
}

// Midjourney drives a midjourney-proxy deployment: submit an imagine task,
// then poll it until it settles.
type Midjourney struct {
	jsonClient
	interval time.Duration
	polls    int
}

func NewMidjourney(httpClient *http.Client, interval time.Duration, polls int) *Midjourney {
	return &Midjourney{
		jsonClient: jsonClient{httpClient: httpClient},
		interval:   interval,
		polls:      polls,
	}
}

func (m *Midjourney) Name() string       { return "midjourney" }
func (m *Midjourney) Patterns() []string { return []string{"midjourney*", "mj*"} }

// CallTimeout covers the whole submit-and-poll cycle.
func (m *Midjourney) CallTimeout() time.Duration {
	return m.interval*time.Duration(m.polls) + 30*time.Second
}

func (m *Midjourney) Generate(ctx context.Context, t Target, prompt string) (*GeneratedImage, error) {
	var submitted midjourneySubmitResponse
	reqBody := midjourneySubmit{Prompt: prompt, Base64Array: []string{}}
	if err := m.post(ctx, t.BaseURL+"/submit/imagine", bearer(t.APIKey), reqBody, &submitted); err != nil {
		return nil, err
	}
	taskID := strings.TrimSpace(submitted.Result)
	if taskID == "" {
		return nil, fmt.Errorf("%w: no task id (%s)", ErrMalformedResponse, submitted.Description)
	}

	endpoint := fmt.Sprintf("%s/task/%s/fetch", t.BaseURL, url.PathEscape(taskID))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for i := 0; i < m.polls; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var task midjourneyTask
		if err := m.get(ctx, endpoint, bearer(t.APIKey), &task); err != nil {
			return nil, err
		}
		switch strings.ToUpper(task.Status) {
		case midjourneySuccess:
			if task.ImageURL == "" {
				return nil, fmt.Errorf("%w: task %s succeeded without image", ErrMalformedResponse, taskID)
			}
			return &GeneratedImage{URL: task.ImageURL}, nil
		case midjourneyFailure:
			return nil, fmt.Errorf("midjourney task %s failed: %s", taskID, task.FailReason)
		}
	}
	return nil, fmt.Errorf("midjourney task %s did not finish after %d polls", taskID, m.polls)
}
