package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service holds all the Prometheus metrics of the ranking engine
type Service struct {
	ScoresProcessed    *prometheus.CounterVec
	FirstPlaceChanges  *prometheus.CounterVec
	ModerationActions  *prometheus.CounterVec
	CacheWriteFailures prometheus.Counter
	RecomputeDuration  prometheus.Histogram
	ReconcileDuration  prometheus.Histogram
}

var _ Metrics = (*Service)(nil)

// NewMetricsHandler returns an http.Handler for the given Gatherer.
// If no gatherer is provided, it uses the default one.
func NewMetricsHandler(gatherer ...prometheus.Gatherer) http.Handler {
	gath := prometheus.DefaultGatherer
	if len(gatherer) > 0 {
		gath = gatherer[0]
	}
	return promhttp.HandlerFor(gath, promhttp.HandlerOpts{})
}

// NewService creates and registers the Prometheus metrics.
// If no registerer is provided, it uses the default Prometheus registerer.
func NewService(registerer ...prometheus.Registerer) *Service {
	reg := prometheus.DefaultRegisterer
	if len(registerer) > 0 {
		reg = registerer[0]
	}

	s := &Service{
		ScoresProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranking_scores_processed_total",
			Help: "The total number of score events applied to player aggregates.",
		}, []string{"variant"}),
		FirstPlaceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranking_first_place_changes_total",
			Help: "The total number of first-place ledger writes by outcome.",
		}, []string{"outcome"}),
		ModerationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ranking_moderation_actions_total",
			Help: "The total number of moderation actions that changed a player's state.",
		}, []string{"action"}),
		CacheWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ranking_cache_write_failures_total",
			Help: "The total number of ranking cache writes that failed after the SQL write succeeded.",
		}),
		RecomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ranking_recompute_duration_seconds",
			Help:    "The duration of aggregate recomputations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ranking_reconcile_duration_seconds",
			Help:    "The duration of a full ranking cache reconciliation pass.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}

	reg.MustRegister(
		s.ScoresProcessed,
		s.FirstPlaceChanges,
		s.ModerationActions,
		s.CacheWriteFailures,
		s.RecomputeDuration,
		s.ReconcileDuration,
	)

	return s
}

func (s *Service) IncScoresProcessed(variant string) {
	s.ScoresProcessed.WithLabelValues(variant).Inc()
}

func (s *Service) IncFirstPlaceChanges(outcome string) {
	s.FirstPlaceChanges.WithLabelValues(outcome).Inc()
}

func (s *Service) IncModerationActions(action string) {
	s.ModerationActions.WithLabelValues(action).Inc()
}

func (s *Service) IncCacheWriteFailures() {
	s.CacheWriteFailures.Inc()
}

func (s *Service) ObserveRecomputeDuration(duration float64) {
	s.RecomputeDuration.Observe(duration)
}

func (s *Service) ObserveReconcileDuration(duration float64) {
	s.ReconcileDuration.Observe(duration)
}
