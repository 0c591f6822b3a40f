// Package detection implements the schematic symbol detection subsystem: a
// durable job queue with retry and retention, and the per-page detection
// pipeline that turns a page image into typed symbol candidates.
package detection

import (
	"time"
)

// Job statuses. A job is terminal once completed, failed, or cancelled.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Settings control one detection job.
type Settings struct {
	ConfidenceThreshold   float64       `json:"confidenceThreshold"`
	MaxSymbolsPerPage     int           `json:"maxSymbolsPerPage"`
	EnablePatternMatching bool          `json:"enablePatternMatching"`
	EnableClassifier      bool          `json:"enableClassifier"`
	EnableLLMValidation   bool          `json:"enableLLMValidation"`
	ProcessingTimeout     time.Duration `json:"processingTimeoutMs"`
}

// Job is one page detection work item. Only the worker holding the job
// mutates it after submission.
type Job struct {
	JobID      string    `json:"jobId"`
	DocumentID string    `json:"documentId"`
	SessionID  string    `json:"sessionId"`
	PageNumber int       `json:"pageNumber"`
	Image      []byte    `json:"imageBlob,omitempty"`
	Settings   Settings  `json:"settings"`
	CreatedAt  time.Time `json:"createdAt"`

	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progressPercent"`
	ProgressStage   string  `json:"progressStage"`
	Attempts        int     `json:"attempts"`
	LastError       string  `json:"lastError,omitempty"`
}

// BoundingBox is a pixel-space rectangle.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the box area in pixels.
func (b BoundingBox) Area() int {
	return b.Width * b.Height
}

// AspectRatio returns width/height, or zero for a degenerate box.
func (b BoundingBox) AspectRatio() float64 {
	if b.Height == 0 {
		return 0
	}
	return float64(b.Width) / float64(b.Height)
}

// IoU computes intersection-over-union with another box.
func (b BoundingBox) IoU(other BoundingBox) float64 {
	x1 := maxInt(b.X, other.X)
	y1 := maxInt(b.Y, other.Y)
	x2 := minInt(b.X+b.Width, other.X+other.Width)
	y2 := minInt(b.Y+b.Height, other.Y+other.Height)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Symbol is one detected schematic symbol.
type Symbol struct {
	ID              string      `json:"id"`
	Type            string      `json:"type"`
	Confidence      float64     `json:"confidence"`
	Box             BoundingBox `json:"boundingBox"`
	DetectionMethod string      `json:"detectionMethod"`
	PageNumber      int         `json:"pageNumber"`
}

// Result is the output of one completed job.
type Result struct {
	JobID            string    `json:"jobId"`
	DocumentID       string    `json:"documentId"`
	PageNumber       int       `json:"pageNumber"`
	Symbols          []Symbol  `json:"symbols"`
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	CompletedAt      time.Time `json:"completedAt"`
}

// ProgressEvent marks a stage boundary within one job.
type ProgressEvent struct {
	JobID         string  `json:"jobId"`
	Progress      float64 `json:"progress"`
	Stage         string  `json:"stage"`
	CurrentSymbol string  `json:"currentSymbol,omitempty"`
}

// SymbolEvent announces one symbol that survived finalization.
type SymbolEvent struct {
	JobID      string `json:"jobId"`
	Symbol     Symbol `json:"symbol"`
	TotalFound int    `json:"totalFound"`
}

// CompletedEvent carries the final result of a job's pipeline pass.
type CompletedEvent struct {
	JobID  string  `json:"jobId"`
	Result *Result `json:"result"`
}

// EventSink receives pipeline events. Implementations must not block; the
// pipeline emits inline between stages.
type EventSink interface {
	Progress(ProgressEvent)
	SymbolDetected(SymbolEvent)
	Completed(CompletedEvent)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Progress(ProgressEvent)     {}
func (NoopSink) SymbolDetected(SymbolEvent) {}
func (NoopSink) Completed(CompletedEvent)   {}
