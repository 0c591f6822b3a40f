package provider

import (
	"sync"
	"time"
)

// historyCapacity bounds the per-instance request history ring.
const historyCapacity = 1000

// RequestRecord is one completed request outcome kept for health and metrics.
type RequestRecord struct {
	Timestamp  time.Time
	Success    bool
	DurationMs int64
	TokensUsed int
	ErrorKind  string
	SessionID  string
}

// HistoryStats aggregates the current ring contents.
type HistoryStats struct {
	Total         int
	Successes     int
	Failures      int
	ErrorRate     float64
	AvgDurationMs float64
	TotalTokens   int64
	Oldest        time.Time
	Newest        time.Time
}

// RequestHistory is a fixed-capacity ring of recent request outcomes.
// Safe for concurrent use.
type RequestHistory struct {
	mu    sync.Mutex
	ring  []RequestRecord
	next  int
	count int
}

// NewRequestHistory creates a history ring with the standard capacity.
func NewRequestHistory() *RequestHistory {
	return &RequestHistory{ring: make([]RequestRecord, historyCapacity)}
}

// Record appends one outcome, evicting the oldest when full.
func (h *RequestHistory) Record(r RequestRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = r
	h.next = (h.next + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
}

// Len returns the number of records currently held.
func (h *RequestHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Recent returns up to n most recent records, newest first.
func (h *RequestHistory) Recent(n int) []RequestRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > h.count {
		n = h.count
	}
	out := make([]RequestRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.ring)) % len(h.ring)
		out = append(out, h.ring[idx])
	}
	return out
}

// Stats aggregates all held records.
func (h *RequestHistory) Stats() HistoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := HistoryStats{Total: h.count}
	if h.count == 0 {
		return stats
	}

	var totalDuration int64
	for i := 1; i <= h.count; i++ {
		idx := (h.next - i + len(h.ring)) % len(h.ring)
		r := h.ring[idx]
		if r.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
		totalDuration += r.DurationMs
		stats.TotalTokens += int64(r.TokensUsed)
		if stats.Oldest.IsZero() || r.Timestamp.Before(stats.Oldest) {
			stats.Oldest = r.Timestamp
		}
		if r.Timestamp.After(stats.Newest) {
			stats.Newest = r.Timestamp
		}
	}
	stats.ErrorRate = float64(stats.Failures) / float64(stats.Total)
	stats.AvgDurationMs = float64(totalDuration) / float64(stats.Total)
	return stats
}
