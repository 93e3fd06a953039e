package rpc

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// TraceRecord describes one dispatched call.
type TraceRecord struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Args      json.RawMessage `json:"args,omitempty"`
	Started   time.Time       `json:"started"`
	Duration  time.Duration   `json:"duration"`
	OK        bool            `json:"ok"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// TraceSink receives a record for every call. Record must not block.
type TraceSink interface {
	Record(rec TraceRecord)
}

// =============================================================================
// Ring
// =============================================================================

// Ring keeps the most recent trace records in memory.
type Ring struct {
	mu   sync.Mutex
	buf  []TraceRecord
	next int
	full bool
}

// NewRing creates a ring holding up to size records.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 256
	}
	return &Ring{buf: make([]TraceRecord, size)}
}

// Record stores rec, evicting the oldest record when full.
func (r *Ring) Record(rec TraceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to limit records, newest first. A limit of zero or less
// returns everything held.
func (r *Ring) Recent(limit int) []TraceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]TraceRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// =============================================================================
// Log Sink
// =============================================================================

// LogSink writes every call to a structured logger. Failed calls log at warn.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging with logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "rpc")}
}

// Record implements TraceSink.
func (s *LogSink) Record(rec TraceRecord) {
	if rec.OK {
		s.logger.Info("call",
			"trace_id", rec.ID,
			"method", rec.Method,
			"duration", rec.Duration,
		)
		return
	}
	s.logger.Warn("call failed",
		"trace_id", rec.ID,
		"method", rec.Method,
		"duration", rec.Duration,
		"kind", rec.ErrorKind,
		"error", rec.Error,
	)
}
