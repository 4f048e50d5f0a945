package metrics

// Metrics defines the interface for collecting engine metrics.
// This decouples the engine from the specific metrics implementation (e.g., Prometheus).
type Metrics interface {
	IncScoresProcessed(variant string)
	IncFirstPlaceChanges(outcome string)
	IncModerationActions(action string)
	IncCacheWriteFailures()
	ObserveRecomputeDuration(duration float64)
	ObserveReconcileDuration(duration float64)
}
