package model

// Job lifecycle events pushed to the owning user.
const (
	EventAnalysisComplete   = "analysis_complete"
	EventAnalysisFailed     = "analysis_failed"
	EventGenerationStarted  = "generation_started"
	EventGenerationProgress = "generation_progress"
	EventGenerationComplete = "generation_complete"
	EventGenerationFailed   = "generation_failed"
)

// WebSocket control message types
const (
	WSMessageTypePing = "ping"
	WSMessageTypePong = "pong"
)

// WSMessage is the envelope of every frame sent to a client.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type AnalysisCompleteEvent struct {
	JobID  string `json:"jobId"`
	Prompt string `json:"prompt"`
}

type AnalysisFailedEvent struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

type GenerationStartedEvent struct {
	JobID    string `json:"jobId"`
	Quantity int    `json:"quantity"`
}

type GenerationProgressEvent struct {
	JobID     string `json:"jobId"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	ImageURL  string `json:"imageUrl"`
}

type GenerationCompleteEvent struct {
	JobID  string   `json:"jobId"`
	Images []string `json:"images"`
}

type GenerationFailedEvent struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}
