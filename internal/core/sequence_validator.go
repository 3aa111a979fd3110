package core

import (
	"fmt"
	"sync"
)

// BatchSequenceValidator enforces strictly increasing batch ids per market.
// Gaps are tolerated and counted: a batch id may be burned by a release that
// never reached execution. Replays and reordering are rejected.
type BatchSequenceValidator struct {
	mu      sync.Mutex
	last    map[string]uint64 // market -> last executed batch id
	metrics *SequenceMetrics
}

func NewBatchSequenceValidator() *BatchSequenceValidator {
	return &BatchSequenceValidator{
		last:    make(map[string]uint64),
		metrics: NewSequenceMetrics(),
	}
}

// ValidateBatch checks batchID against the last executed batch of the
// market and advances it on success.
func (sv *BatchSequenceValidator) ValidateBatch(marketID string, batchID uint64) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	last := sv.last[marketID]
	if batchID <= last {
		sv.metrics.recordOutOfOrder(marketID)
		return fmt.Errorf("%w: market=%s, last=%d, got=%d", ErrBatchOutOfOrder, marketID, last, batchID)
	}
	if batchID > last+1 {
		sv.metrics.recordGap(marketID)
	}
	sv.last[marketID] = batchID
	return nil
}

// LastBatch returns the last accepted batch id of a market.
func (sv *BatchSequenceValidator) LastBatch(marketID string) uint64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.last[marketID]
}

// Restore initializes a market's position (used during recovery).
func (sv *BatchSequenceValidator) Restore(marketID string, lastBatchID uint64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.last[marketID] = lastBatchID
}

func (sv *BatchSequenceValidator) Metrics() *SequenceMetrics { return sv.metrics }

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats per market.
type SequenceMetrics struct {
	mu         sync.Mutex
	gaps       map[string]int64
	outOfOrder map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func (m *SequenceMetrics) recordGap(marketID string) {
	m.mu.Lock()
	m.gaps[marketID]++
	m.mu.Unlock()
}

func (m *SequenceMetrics) recordOutOfOrder(marketID string) {
	m.mu.Lock()
	m.outOfOrder[marketID]++
	m.mu.Unlock()
}

func (m *SequenceMetrics) GetGaps(marketID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gaps[marketID]
}

func (m *SequenceMetrics) GetOutOfOrder(marketID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outOfOrder[marketID]
}
