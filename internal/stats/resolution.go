// Package stats provides counters for identity find-or-create outcomes.
package stats

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ResolutionStats tracks how many identity lookups created a new row versus
// reused an existing one. All operations are thread-safe.
type ResolutionStats struct {
	created int64
	reused  int64
}

// NewResolutionStats creates a new ResolutionStats instance.
func NewResolutionStats() *ResolutionStats {
	return &ResolutionStats{}
}

// RecordCreated increments the created counter.
func (s *ResolutionStats) RecordCreated() {
	atomic.AddInt64(&s.created, 1)
}

// RecordReused increments the reused counter.
func (s *ResolutionStats) RecordReused() {
	atomic.AddInt64(&s.reused, 1)
}

// Created returns the number of resolutions that inserted a row.
func (s *ResolutionStats) Created() int64 {
	return atomic.LoadInt64(&s.created)
}

// Reused returns the number of resolutions that found an existing row.
func (s *ResolutionStats) Reused() int64 {
	return atomic.LoadInt64(&s.reused)
}

// Total returns created + reused.
func (s *ResolutionStats) Total() int64 {
	return s.Created() + s.Reused()
}

// Reset resets all counters to zero.
func (s *ResolutionStats) Reset() {
	atomic.StoreInt64(&s.created, 0)
	atomic.StoreInt64(&s.reused, 0)
}

// String returns a human-readable summary of the statistics.
func (s *ResolutionStats) String() string {
	return fmt.Sprintf("created=%d reused=%d total=%d", s.Created(), s.Reused(), s.Total())
}

// LogSummary logs a summary at INFO level.
func (s *ResolutionStats) LogSummary(logger *slog.Logger, entity string) {
	logger.Info("identity resolution statistics",
		"entity", entity,
		"created", s.Created(),
		"reused", s.Reused(),
		"total", s.Total(),
	)
}
