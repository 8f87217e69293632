package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobState is a node of the job state machine.
type JobState string

const (
	JobPending    JobState = "pending"
	JobAnalyzing  JobState = "analyzing"
	JobAnalyzed   JobState = "analyzed"
	JobGenerating JobState = "generating"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

var ErrIllegalTransition = errors.New("illegal job state transition")

var transitions = map[JobState][]JobState{
	JobPending:    {JobAnalyzing},
	JobAnalyzing:  {JobAnalyzed, JobFailed},
	JobAnalyzed:   {JobGenerating},
	JobGenerating: {JobCompleted, JobFailed},
	JobFailed:     {JobPending},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s JobState) Valid() bool {
	switch s {
	case JobPending, JobAnalyzing, JobAnalyzed, JobGenerating, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Job is one analyze -> generate request of a user.
type Job struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	State             JobState   `json:"state"`
	SourceImage       string     `json:"sourceImage"`
	UserPrompt        string     `json:"userPrompt,omitempty"`
	StyleID           string     `json:"styleId,omitempty"`
	AnalysisPrompt    string     `json:"analysisPrompt,omitempty"`
	FinalPrompt       string     `json:"finalPrompt,omitempty"`
	QuantityRequested int        `json:"quantityRequested"`
	QuantitySucceeded int        `json:"quantitySucceeded"`
	CostPoints        int        `json:"costPoints"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
}

// TransitionTo moves the job along a legal edge.
func (j *Job) TransitionTo(to JobState) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.State, to)
	}
	now := time.Now().UTC()
	j.State = to
	j.UpdatedAt = now
	if to == JobCompleted || to == JobFailed {
		j.CompletedAt = &now
	} else {
		j.CompletedAt = nil
	}
	return nil
}

// Result is one generated image of a job.
type Result struct {
	ID                string          `json:"id"`
	JobID             string          `json:"jobId"`
	ImageURL          string          `json:"imageUrl"`
	FinalizedImageURL string          `json:"finalizedImageUrl,omitempty"`
	EditorData        json.RawMessage `json:"editorData,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// StyleTemplate contributes a style instruction to the analysis prompt.
type StyleTemplate struct {
	ID                string    `json:"id" validate:"required,min=1,max=64"`
	Name              string    `json:"name" validate:"required,min=1,max=100"`
	PromptInstruction string    `json:"promptInstruction" validate:"required"`
	PreviewURL        string    `json:"previewUrl,omitempty" validate:"omitempty,url"`
	Active            bool      `json:"active"`
	SortOrder         int       `json:"sortOrder"`
	CreatedAt         time.Time `json:"createdAt"`
}

// JobFilter narrows admin job listings. Zero values match everything.
type JobFilter struct {
	State  JobState
	UserID string
	Limit  int
	Offset int
}

type AnalyzeResponse struct {
	JobID     string    `json:"jobId"`
	State     JobState  `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

type GenerateRequest struct {
	JobID       string `json:"jobId" validate:"required"`
	FinalPrompt string `json:"finalPrompt" validate:"required,max=4000"`
	Quantity    int    `json:"quantity" validate:"required,min=1"`
}

type GenerateResponse struct {
	JobID    string   `json:"jobId"`
	State    JobState `json:"state"`
	Quantity int      `json:"quantity"`
	Cost     int      `json:"cost"`
}

type JobStatusResponse struct {
	Job     *Job     `json:"job"`
	Results []Result `json:"results"`
}

type JobListResponse struct {
	Jobs  []Job `json:"jobs"`
	Total int   `json:"total"`
}

type FinalizeRequest struct {
	FinalizedImageURL string          `json:"finalizedImageUrl" validate:"required"`
	EditorData        json.RawMessage `json:"editorData"`
}
