package orchestrator

import (
	"time"

	"github.com/voltlens/voltlens/detection"
)

// Event is one orchestrator notification. Consumers drain Events() and
// switch on the concrete type; Name returns the wire tag.
type Event interface {
	Name() string
}

// DetectionStarted announces a document submission and its job fan-out.
type DetectionStarted struct {
	DocumentID      string   `json:"documentId"`
	SessionID       string   `json:"sessionId"`
	JobIDs          []string `json:"jobIds"`
	TotalPages      int      `json:"totalPages"`
	EstimatedTimeMs int64    `json:"estimatedTimeMs"`
}

func (DetectionStarted) Name() string { return "detectionStarted" }

// DetectionProgress relays a pipeline stage transition for one job.
type DetectionProgress struct {
	JobID         string  `json:"jobId"`
	Progress      float64 `json:"progress"`
	Stage         string  `json:"stage"`
	CurrentSymbol string  `json:"currentSymbol,omitempty"`
}

func (DetectionProgress) Name() string { return "detectionProgress" }

// SymbolDetected relays one accepted symbol with the running total.
type SymbolDetected struct {
	JobID      string           `json:"jobId"`
	Symbol     detection.Symbol `json:"symbol"`
	TotalFound int              `json:"totalFound"`
}

func (SymbolDetected) Name() string { return "symbolDetected" }

// DetectionCompleted carries the final result of one job.
type DetectionCompleted struct {
	JobID  string            `json:"jobId"`
	Result *detection.Result `json:"result"`
}

func (DetectionCompleted) Name() string { return "detectionCompleted" }

// DetectionError reports a terminally failed job.
type DetectionError struct {
	JobID   string                 `json:"jobId"`
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (DetectionError) Name() string { return "detectionError" }

// ProviderFailure is one failed attempt within a fallback walk.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
}

// PerformanceWarning reports a fully exhausted fallback chain.
type PerformanceWarning struct {
	SessionID string            `json:"sessionId"`
	Operation string            `json:"operation"`
	Failures  []ProviderFailure `json:"failures"`
	Message   string            `json:"message"`
}

func (PerformanceWarning) Name() string { return "performanceWarning" }

// MemoryWarning reports context storage pressure.
type MemoryWarning struct {
	StorageBytes int64   `json:"storageBytes"`
	Contexts     int     `json:"contexts"`
	Threshold    float64 `json:"threshold"`
	Message      string  `json:"message"`
}

func (MemoryWarning) Name() string { return "memoryWarning" }

// ContextAlert relays a monitor alert.
type ContextAlert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	ContextID string    `json:"contextId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Metric    float64   `json:"metric"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raisedAt"`
}

func (ContextAlert) Name() string { return "contextAlert" }
