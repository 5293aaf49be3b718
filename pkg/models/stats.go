package models

import (
	"sync"
	"sync/atomic"
)

// RunStats aggregates counters for a single run. All fields are safe for
// concurrent use by body workers.
type RunStats struct {
	RegionsAttempted  atomic.Int64
	RegionsProcessed  atomic.Int64
	RegionFetchErrors atomic.Int64
	RegionParseErrors atomic.Int64

	BodiesAttempted    atomic.Int64
	BodiesProcessed    atomic.Int64
	BodyFetchErrors    atomic.Int64
	BodyParseErrors    atomic.Int64
	BodiesWithoutWards atomic.Int64
	BodiesAlreadyDone  atomic.Int64 // Skipped on resume, journaled success from an earlier run

	WardsWritten atomic.Int64
	WardsDropped atomic.Int64 // Failed validation, counted as ward-level parse errors

	mu           sync.Mutex
	errorsByType map[string]int64
}

// CountError records one error occurrence under its category label
// (see utils.CategorizeError).
func (s *RunStats) CountError(category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errorsByType == nil {
		s.errorsByType = make(map[string]int64)
	}
	s.errorsByType[category]++
}

// ErrorsByType returns a copy of the per-category error counts.
func (s *RunStats) ErrorsByType() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}
