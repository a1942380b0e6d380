package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	AuthAttempts       *prometheus.CounterVec
	Lockouts           prometheus.Counter
	SimilarityScore    *prometheus.HistogramVec
	ExtractionDuration *prometheus.HistogramVec
	VotesCommitted     prometheus.Counter
	ReplayRejected     prometheus.Counter
	LedgerDuration     *prometheus.HistogramVec
	LedgerFailures     *prometheus.CounterVec
	Reconciled         *prometheus.CounterVec
	SessionsSwept      prometheus.Counter
	RequestDuration    *prometheus.HistogramVec
}

// New creates and registers all metrics with the default registerer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates the metrics on reg; tests pass a fresh registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "biovote_auth_attempts_total",
			Help: "Authentication attempts by modality and outcome",
		}, []string{"modality", "outcome"}),
		Lockouts: f.NewCounter(prometheus.CounterOpts{
			Name: "biovote_voter_lockouts_total",
			Help: "Voters transitioned to the locked state",
		}),
		SimilarityScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "biovote_similarity_score",
			Help:    "Cosine similarity of live samples against enrolled templates",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.65, 0.7, 0.75, 0.8, 0.9, 1},
		}, []string{"modality"}),
		ExtractionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "biovote_feature_extraction_duration_seconds",
			Help:    "Latency of feature extraction per modality",
			Buckets: prometheus.DefBuckets,
		}, []string{"modality"}),
		VotesCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "biovote_votes_committed_total",
			Help: "Votes durably committed with a ledger receipt",
		}),
		ReplayRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "biovote_session_replays_rejected_total",
			Help: "Cast attempts rejected because the session was already consumed",
		}),
		LedgerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "biovote_ledger_call_duration_seconds",
			Help:    "Latency of external ledger calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		LedgerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "biovote_ledger_failures_total",
			Help: "Failed external ledger calls by operation",
		}, []string{"operation"}),
		Reconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "biovote_vote_reconciliations_total",
			Help: "Pending vote intents resolved by reconciliation, by result",
		}, []string{"result"}),
		SessionsSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "biovote_consumed_sessions_swept_total",
			Help: "Expired consumed-session entries removed by the sweeper",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "biovote_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) IncrementAuthAttempt(modality, outcome string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(modality, outcome).Inc()
}

func (m *Metrics) IncrementLockouts() {
	if m == nil {
		return
	}
	m.Lockouts.Inc()
}

func (m *Metrics) ObserveSimilarity(modality string, score float64) {
	if m == nil {
		return
	}
	m.SimilarityScore.WithLabelValues(modality).Observe(score)
}

func (m *Metrics) ObserveExtraction(modality string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExtractionDuration.WithLabelValues(modality).Observe(d.Seconds())
}

func (m *Metrics) IncrementVotesCommitted() {
	if m == nil {
		return
	}
	m.VotesCommitted.Inc()
}

func (m *Metrics) IncrementReplayRejected() {
	if m == nil {
		return
	}
	m.ReplayRejected.Inc()
}

func (m *Metrics) ObserveLedgerCall(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.LedgerDuration.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		m.LedgerFailures.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) IncrementReconciled(result string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(result).Inc()
}

func (m *Metrics) AddSessionsSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsSwept.Add(float64(n))
}

func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, statusClass(status)).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
