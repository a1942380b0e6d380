package attempt

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// attemptEvent is the record value published per attempt.
type attemptEvent struct {
	ID              string   `json:"id"`
	Seq             int64    `json:"seq"`
	ExternalVoterID string   `json:"voter_id"`
	Method          string   `json:"method"`
	Outcome         string   `json:"outcome"`
	FailureReason   string   `json:"failure_reason,omitempty"`
	Score           *float64 `json:"similarity_score,omitempty"`
	SourceDevice    string   `json:"source_device,omitempty"`
	PollingStation  string   `json:"polling_station,omitempty"`
	AttemptedAt     string   `json:"attempted_at"`
	ChainHash       string   `json:"chain_hash"`
}

// KafkaPublisher produces attempts keyed by external voter id so one voter's
// attempts stay ordered within a partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

func NewKafkaPublisher(client *kgo.Client, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, a *Attempt) {
	payload, err := json.Marshal(attemptEvent{
		ID:              a.ID.String(),
		Seq:             a.Seq,
		ExternalVoterID: a.ExternalVoterID,
		Method:          a.Method.String(),
		Outcome:         string(a.Outcome),
		FailureReason:   a.FailureReason,
		Score:           a.Score,
		SourceDevice:    a.SourceDevice,
		PollingStation:  a.PollingStation,
		AttemptedAt:     a.AttemptedAt.UTC().Format(time.RFC3339Nano),
		ChainHash:       a.ChainHash,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "failed to encode attempt event", "attempt_id", a.ID, "error", err)
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(a.ExternalVoterID),
		Value: payload,
	}
	// The request may finish before delivery; detach from its cancellation.
	p.client.Produce(context.WithoutCancel(ctx), record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("failed to publish attempt event",
				"attempt_id", a.ID,
				"topic", r.Topic,
				"error", err,
			)
		}
	})
}

// Flush waits for buffered events, bounded by ctx.
func (p *KafkaPublisher) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}
