package conversation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/telemetry"
)

// Alert types emitted by the monitor.
const (
	AlertRetrievalTime   = "retrieval_time"
	AlertEnhancementTime = "enhancement_time"
	AlertAccuracyDrop    = "accuracy_drop"
	AlertStorageExceeded = "storage_limit_exceeded"
	AlertMemoryLeak      = "memory_leak"
	AlertCacheMissRate   = "cache_miss_rate_high"
	AlertErrorRateSpike  = "error_rate_spike"
)

// emaAlpha is the smoothing factor for per-operation baselines.
const emaAlpha = 0.1

// leakSampleWindow is the number of consecutive growing storage samples
// after which unbounded growth is flagged as a leak.
const leakSampleWindow = 6

// OperationEvent is one observed context-engine operation.
type OperationEvent struct {
	Operation  string
	DurationMs float64
	Success    bool
	ContextID  string
	SessionID  string
}

// Alert is a typed threshold violation.
type Alert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	ContextID string    `json:"contextId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Metric    float64   `json:"metric"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raisedAt"`
}

// AnalyticsSummary grades context-engine health.
type AnalyticsSummary struct {
	Grade            string   `json:"grade"`
	AvgRetrievalMs   float64  `json:"avgRetrievalMs"`
	AvgEnhancementMs float64  `json:"avgEnhancementMs"`
	Accuracy         float64  `json:"accuracy"`
	ErrorRate        float64  `json:"errorRate"`
	ActiveAlerts     int      `json:"activeAlerts"`
	Recommendations  []string `json:"recommendations,omitempty"`
}

type baseline struct {
	ema      float64
	count    int64
	failures int64
}

type alertKey struct {
	typ       string
	contextID string
	sessionID string
}

// Monitor tracks context-engine latencies, error rates, and memory samples,
// raising typed alerts on threshold violations. Duplicate alerts for the
// same (type, context, session) are suppressed until resolved.
type Monitor struct {
	cfg    core.MonitorConfig
	logger core.Logger

	mu        sync.Mutex
	baselines map[string]*baseline
	active    map[alertKey]Alert
	accuracy  float64
	accCount  int64

	lastStorage  int64
	growthStreak int

	// onAlert, when set, receives every newly raised alert.
	onAlert func(Alert)
}

// NewMonitor creates a monitor with the configured thresholds.
func NewMonitor(cfg core.MonitorConfig, logger core.Logger) *Monitor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Monitor{
		cfg:       cfg,
		logger:    logger,
		baselines: make(map[string]*baseline),
		active:    make(map[alertKey]Alert),
	}
}

// OnAlert registers the alert sink. Must be called before events flow.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlert = fn
}

// Record ingests one operation event, updating the EMA baseline and
// checking thresholds.
func (m *Monitor) Record(ev OperationEvent) {
	m.mu.Lock()
	b, ok := m.baselines[ev.Operation]
	if !ok {
		b = &baseline{ema: ev.DurationMs}
		m.baselines[ev.Operation] = b
	} else {
		b.ema = emaAlpha*ev.DurationMs + (1-emaAlpha)*b.ema
	}
	b.count++
	if !ev.Success {
		b.failures++
	}
	errorRate := float64(b.failures) / float64(b.count)
	m.mu.Unlock()

	telemetry.Histogram("conversation.operation.duration_ms", ev.DurationMs,
		"op", ev.Operation, "module", telemetry.ModuleConversation)

	switch ev.Operation {
	case "retrieval":
		if m.cfg.RetrievalTimeMs > 0 && ev.DurationMs > m.cfg.RetrievalTimeMs {
			m.raise(Alert{
				Type: AlertRetrievalTime, Severity: "warning",
				ContextID: ev.ContextID, SessionID: ev.SessionID,
				Metric: ev.DurationMs, Threshold: m.cfg.RetrievalTimeMs,
				Message: fmt.Sprintf("context retrieval took %.0fms", ev.DurationMs),
			})
		}
	case "enhancement":
		if m.cfg.EnhancementTimeMs > 0 && ev.DurationMs > m.cfg.EnhancementTimeMs {
			m.raise(Alert{
				Type: AlertEnhancementTime, Severity: "warning",
				ContextID: ev.ContextID, SessionID: ev.SessionID,
				Metric: ev.DurationMs, Threshold: m.cfg.EnhancementTimeMs,
				Message: fmt.Sprintf("query enhancement took %.0fms", ev.DurationMs),
			})
		}
	}

	if m.cfg.MaxErrorRate > 0 && errorRate > m.cfg.MaxErrorRate {
		m.raise(Alert{
			Type: AlertErrorRateSpike, Severity: "critical",
			ContextID: ev.ContextID, SessionID: ev.SessionID,
			Metric: errorRate, Threshold: m.cfg.MaxErrorRate,
			Message: fmt.Sprintf("error rate %.2f for operation %s", errorRate, ev.Operation),
		})
	}
}

// RecordAccuracy ingests one accuracy observation in [0,1].
func (m *Monitor) RecordAccuracy(value float64) {
	m.mu.Lock()
	m.accCount++
	m.accuracy += (value - m.accuracy) / float64(m.accCount)
	current := m.accuracy
	m.mu.Unlock()

	if m.cfg.MinAccuracy > 0 && current < m.cfg.MinAccuracy && m.accCount >= 5 {
		m.raise(Alert{
			Type: AlertAccuracyDrop, Severity: "critical",
			Metric: current, Threshold: m.cfg.MinAccuracy,
			Message: fmt.Sprintf("rolling accuracy %.2f below minimum", current),
		})
	}
}

// RecordMemory ingests a periodic storage sample. Storage that grows across
// leakSampleWindow consecutive samples without ever shrinking is treated as
// a leak even while still under the hard limit.
func (m *Monitor) RecordMemory(storageBytes int64, contexts int) {
	telemetry.Gauge("conversation.storage_bytes", float64(storageBytes), "module", telemetry.ModuleConversation)

	m.mu.Lock()
	if m.lastStorage > 0 && storageBytes > m.lastStorage {
		m.growthStreak++
	} else if storageBytes <= m.lastStorage {
		m.growthStreak = 0
	}
	m.lastStorage = storageBytes
	streak := m.growthStreak
	m.mu.Unlock()

	if m.cfg.MaxStorageBytes > 0 && storageBytes > m.cfg.MaxStorageBytes {
		m.raise(Alert{
			Type: AlertStorageExceeded, Severity: "critical",
			Metric: float64(storageBytes), Threshold: float64(m.cfg.MaxStorageBytes),
			Message: fmt.Sprintf("context storage at %d bytes across %d contexts", storageBytes, contexts),
		})
	}
	if streak >= leakSampleWindow {
		m.raise(Alert{
			Type: AlertMemoryLeak, Severity: "warning",
			Metric: float64(storageBytes), Threshold: float64(leakSampleWindow),
			Message: fmt.Sprintf("context storage grew across %d consecutive samples to %d bytes", streak, storageBytes),
		})
	}
}

// RecordCacheMissRate ingests the current cache miss ratio in [0,1].
func (m *Monitor) RecordCacheMissRate(rate float64) {
	if m.cfg.MaxCacheMissRate > 0 && rate > m.cfg.MaxCacheMissRate {
		m.raise(Alert{
			Type: AlertCacheMissRate, Severity: "warning",
			Metric: rate, Threshold: m.cfg.MaxCacheMissRate,
			Message: fmt.Sprintf("cache miss rate %.2f", rate),
		})
	}
}

// raise registers an alert unless the same (type, context, session) alert
// is already active.
func (m *Monitor) raise(a Alert) {
	key := alertKey{typ: a.Type, contextID: a.ContextID, sessionID: a.SessionID}

	m.mu.Lock()
	if _, dup := m.active[key]; dup {
		m.mu.Unlock()
		return
	}
	a.RaisedAt = time.Now()
	m.active[key] = a
	sink := m.onAlert
	m.mu.Unlock()

	m.logger.Warn("Context alert raised", map[string]interface{}{
		"operation":  "context_alert",
		"alert_type": a.Type,
		"severity":   a.Severity,
		"metric":     a.Metric,
		"threshold":  a.Threshold,
		"context_id": a.ContextID,
	})
	telemetry.Counter("conversation.alerts", "type", a.Type, "module", telemetry.ModuleConversation)
	if sink != nil {
		sink(a)
	}
}

// Resolve clears an active alert, re-arming it for future violations.
func (m *Monitor) Resolve(alertType, contextID, sessionID string) bool {
	key := alertKey{typ: alertType, contextID: contextID, sessionID: sessionID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[key]; !ok {
		return false
	}
	delete(m.active, key)
	return true
}

// ActiveAlerts returns all unresolved alerts, oldest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out
}

// Baseline returns the EMA latency for an operation, or zero when unseen.
func (m *Monitor) Baseline(operation string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.baselines[operation]; ok {
		return b.ema
	}
	return 0
}

// Summary grades current health A-F from retrieval time, enhancement time
// and accuracy, and emits recommendations for each failing dimension.
func (m *Monitor) Summary() AnalyticsSummary {
	m.mu.Lock()
	retrieval := 0.0
	if b, ok := m.baselines["retrieval"]; ok {
		retrieval = b.ema
	}
	enhancement := 0.0
	if b, ok := m.baselines["enhancement"]; ok {
		enhancement = b.ema
	}
	var totalOps, totalFailures int64
	for _, b := range m.baselines {
		totalOps += b.count
		totalFailures += b.failures
	}
	accuracy := m.accuracy
	accCount := m.accCount
	activeAlerts := len(m.active)
	m.mu.Unlock()

	errorRate := 0.0
	if totalOps > 0 {
		errorRate = float64(totalFailures) / float64(totalOps)
	}

	score := 0
	var recs []string
	if m.cfg.RetrievalTimeMs <= 0 || retrieval <= m.cfg.RetrievalTimeMs {
		score++
	} else {
		recs = append(recs, "retrieval latency above target: reduce context size or enable compression")
	}
	if m.cfg.EnhancementTimeMs <= 0 || enhancement <= m.cfg.EnhancementTimeMs {
		score++
	} else {
		recs = append(recs, "enhancement latency above target: lower maxContextSources or lookback window")
	}
	if m.cfg.MinAccuracy <= 0 || accuracy >= m.cfg.MinAccuracy || accCount == 0 {
		score++
	} else {
		recs = append(recs, "accuracy below target: review entity resolution threshold")
	}

	grades := map[int]string{3: "A", 2: "B", 1: "C", 0: "D"}
	grade := grades[score]
	if errorRate > 0.25 {
		grade = "F"
		recs = append(recs, "error rate critical: inspect recent operation failures")
	}

	return AnalyticsSummary{
		Grade:            grade,
		AvgRetrievalMs:   retrieval,
		AvgEnhancementMs: enhancement,
		Accuracy:         accuracy,
		ErrorRate:        errorRate,
		ActiveAlerts:     activeAlerts,
		Recommendations:  recs,
	}
}
