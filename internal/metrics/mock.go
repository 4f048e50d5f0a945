package metrics

import "sync"

// Mock is a mock implementation of the Metrics interface for testing.
// It is safe for concurrent use.
type Mock struct {
	mu                 sync.Mutex
	scoresProcessed    map[string]int
	firstPlaceChanges  map[string]int
	moderationActions  map[string]int
	cacheWriteFailures int
	recomputeDurations []float64
	reconcileDurations []float64
}

var _ Metrics = (*Mock)(nil)

// NewMock creates a new mock instance.
func NewMock() *Mock {
	return &Mock{
		scoresProcessed:   make(map[string]int),
		firstPlaceChanges: make(map[string]int),
		moderationActions: make(map[string]int),
	}
}

func (m *Mock) IncScoresProcessed(variant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoresProcessed[variant]++
}

func (m *Mock) IncFirstPlaceChanges(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstPlaceChanges[outcome]++
}

func (m *Mock) IncModerationActions(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moderationActions[action]++
}

func (m *Mock) IncCacheWriteFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheWriteFailures++
}

func (m *Mock) ObserveRecomputeDuration(duration float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recomputeDurations = append(m.recomputeDurations, duration)
}

func (m *Mock) ObserveReconcileDuration(duration float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileDurations = append(m.reconcileDurations, duration)
}

// ScoresProcessed returns how many scores were counted for a variant.
func (m *Mock) ScoresProcessed(variant string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scoresProcessed[variant]
}

// FirstPlaceChanges returns how many ledger writes were counted for an outcome.
func (m *Mock) FirstPlaceChanges(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstPlaceChanges[outcome]
}

// ModerationActions returns how many state-changing actions were counted for a kind.
func (m *Mock) ModerationActions(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moderationActions[action]
}

// CacheWriteFailures returns the number of failed cache writes.
func (m *Mock) CacheWriteFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cacheWriteFailures
}

// Reconciles returns how many reconciliation passes were observed.
func (m *Mock) Reconciles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reconcileDurations)
}
