package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := NewWithRegisterer(prometheus.NewRegistry())

	m.IncrementAuthAttempt("face", "failure")
	m.IncrementAuthAttempt("face", "failure")
	m.IncrementLockouts()
	m.ObserveLedgerCall("submit_vote", 10*time.Millisecond, errors.New("boom"))
	m.AddSessionsSwept(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuthAttempts.WithLabelValues("face", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lockouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerFailures.WithLabelValues("submit_vote")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsSwept))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementAuthAttempt("face", "success")
		m.ObserveSimilarity("face", 0.9)
		m.IncrementVotesCommitted()
		m.ObserveRequest("/healthz", 200, time.Millisecond)
	})
}
