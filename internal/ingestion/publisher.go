package ingestion

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PredictCore/internal/core"
	"PredictCore/internal/observability"
)

const (
	ResultsStream = "PREDICT_RESULTS"

	HeaderEventType = "Predict-Event-Type"
	HeaderSequence  = "Predict-Sequence"
)

// StreamPublisher is the JetStream publishing surface the publisher needs.
type StreamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// ResultPublisher streams sealed envelopes to predict.results.{market}.
// Publishing is best effort: consumers that miss messages read the result
// log instead.
type ResultPublisher struct {
	js          StreamPublisher
	inputChan   <-chan core.Output
	maxAttempts int
	backoff     time.Duration
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewResultPublisher(js StreamPublisher, inputChan <-chan core.Output, metrics *observability.Metrics, logger zerolog.Logger) *ResultPublisher {
	return &ResultPublisher{
		js:          js,
		inputChan:   inputChan,
		maxAttempts: 3,
		backoff:     50 * time.Millisecond,
		metrics:     metrics,
		logger:      logger,
	}
}

// Run starts the outbound publisher loop.
func (rp *ResultPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-rp.inputChan:
			if !ok {
				return nil
			}
			if err := rp.publish(ctx, out); err != nil {
				rp.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("result publish failed")
			}
		}
	}
}

// ResultSubject returns the subject results of a market are published on.
func ResultSubject(marketID string) string {
	return "predict.results." + marketID
}

func (rp *ResultPublisher) publish(ctx context.Context, out core.Output) error {
	env := out.Envelope
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := nats.NewMsg(ResultSubject(env.MarketID))
	msg.Data = data
	msg.Header.Set(HeaderEventType, env.EventType.String())
	msg.Header.Set(HeaderSequence, strconv.FormatInt(env.Sequence, 10))

	backoff := rp.backoff
	for attempt := 1; ; attempt++ {
		// the sequence doubles as the JetStream dedup id, so retries are safe
		_, err = rp.js.PublishMsg(ctx, msg, jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
		if err == nil {
			if rp.metrics != nil {
				rp.metrics.Published.Inc()
			}
			return nil
		}
		if attempt >= rp.maxAttempts {
			return fmt.Errorf("publish seq=%d after %d attempts: %w", env.Sequence, attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// EnsureResultsStream creates the outbound results stream.
func EnsureResultsStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       ResultsStream,
		Subjects:   []string{"predict.results.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", ResultsStream, err)
	}
	return nil
}
