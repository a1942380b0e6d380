// Package matcher turns live biometric samples into feature vectors and
// scores them against enrolled templates by cosine similarity.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"biovote/internal/biometric"
	"biovote/internal/platform/metrics"
	dErrors "biovote/pkg/domain-errors"
)

var tracer = otel.Tracer("biovote/matcher")

const defaultTimeout = 10 * time.Second

// Result of comparing a live vector with an enrolled one.
type Result struct {
	Matched bool
	Score   float64
}

// Engine routes samples to the capability for their modality and applies the
// per-modality threshold.
type Engine struct {
	capabilities map[biometric.Modality]Capability
	thresholds   map[biometric.Modality]float64
	timeout      time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

type Option func(*Engine)

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithCapability registers c for its modality, replacing any previous one.
func WithCapability(c Capability) Option {
	return func(e *Engine) {
		e.capabilities[c.Modality()] = c
	}
}

// WithThreshold sets the match threshold for m.
func WithThreshold(m biometric.Modality, threshold float64) Option {
	return func(e *Engine) {
		e.thresholds[m] = threshold
	}
}

// New builds an engine with the default thresholds (face 0.68, fingerprint
// 0.75). Modalities without a registered capability are unavailable.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		capabilities: make(map[biometric.Modality]Capability),
		thresholds: map[biometric.Modality]float64{
			biometric.ModalityFace:        0.68,
			biometric.ModalityFingerprint: 0.75,
		},
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for m, t := range e.thresholds {
		if t < 0 || t > 1 {
			return nil, fmt.Errorf("threshold for %s must be within [0,1], got %v", m, t)
		}
	}
	return e, nil
}

// Capability returns the capability for m and whether it is available.
func (e *Engine) Capability(m biometric.Modality) (Capability, bool) {
	c, ok := e.capabilities[m]
	if !ok {
		return Unavailable(m), false
	}
	return c, c.Available()
}

// Available lists the modalities that can currently be served.
func (e *Engine) Available() []biometric.Modality {
	var out []biometric.Modality
	for _, m := range biometric.Modalities {
		if _, ok := e.Capability(m); ok {
			out = append(out, m)
		}
	}
	return out
}

// Threshold returns the configured threshold for m.
func (e *Engine) Threshold(m biometric.Modality) float64 {
	return e.thresholds[m]
}

type extraction struct {
	features []float32
	err      error
}

// ExtractFeatures runs the modality's pipeline bounded by the engine timeout.
func (e *Engine) ExtractFeatures(ctx context.Context, m biometric.Modality, sample []byte) ([]float32, error) {
	c, ok := e.Capability(m)
	if !ok {
		return nil, dErrors.New(dErrors.CodeModalityUnavailable, m.String()+" matching is not available")
	}

	ctx, span := tracer.Start(ctx, "matcher.ExtractFeatures")
	defer span.End()
	span.SetAttributes(attribute.String("biometric.modality", m.String()), attribute.Int("sample.bytes", len(sample)))

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan extraction, 1)
	go func() {
		f, err := c.Extract(ctx, sample)
		done <- extraction{f, err}
	}()

	var res extraction
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil && ctx.Err() != nil {
		res.err = dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "feature extraction timed out")
	}
	e.metrics.ObserveExtraction(m.String(), time.Since(start))

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(res.err)))
		var de *dErrors.Error
		if !errors.As(res.err, &de) {
			return nil, dErrors.Wrap(res.err, dErrors.CodeInternal, "feature extraction failed")
		}
		return nil, res.err
	}
	return res.features, nil
}

// Compare scores live against stored. Matched requires score >= threshold.
func (e *Engine) Compare(live, stored []float32, m biometric.Modality) Result {
	score := CosineSimilarity(live, stored)
	e.metrics.ObserveSimilarity(m.String(), score)
	threshold, ok := e.thresholds[m]
	if !ok || len(live) == 0 || len(live) != len(stored) {
		return Result{Matched: false, Score: score}
	}
	return Result{Matched: score >= threshold, Score: score}
}
