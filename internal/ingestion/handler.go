package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PredictCore/internal/intake"
	"PredictCore/internal/observability"
)

// Intake is the queue surface the handler drives.
type Intake interface {
	Commit(req intake.CommitRequest, now time.Time) (uuid.UUID, error)
	Reveal(id uuid.UUID, payload intake.IntentPayload, salt intake.Salt, now time.Time) error
	Cancel(id uuid.UUID, owner string, now time.Time) error
}

// Handler applies intake messages to the queue. Queue refusals (duplicate,
// mismatch, expired, halted market) are final for the message and acked;
// malformed messages are terminated.
type Handler struct {
	queue   Intake
	clock   func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewHandler(queue Intake, clock func() time.Time, metrics *observability.Metrics, logger zerolog.Logger) *Handler {
	if clock == nil {
		clock = time.Now
	}
	return &Handler{queue: queue, clock: clock, metrics: metrics, logger: logger}
}

// Run drains msgChan until ctx is done or the channel closes.
func (h *Handler) Run(ctx context.Context, msgChan <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-msgChan:
			if !ok {
				return nil
			}
			h.Handle(raw)
		}
	}
}

// Handle parses and applies one message, then settles it.
func (h *Handler) Handle(raw RawMessage) {
	cmd, err := ParseRawMessage(raw)
	if err != nil {
		h.count("unknown", "malformed")
		h.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed intake message")
		settle(raw.TermFunc)
		return
	}

	now := h.clock()
	switch c := cmd.(type) {
	case *CommitCommand:
		var id uuid.UUID
		if id, err = h.queue.Commit(c.Request, now); err == nil {
			h.logger.Debug().Str("market", c.Request.MarketID).Str("commitment_id", id.String()).Msg("commitment accepted")
		}
	case *RevealCommand:
		err = h.queue.Reveal(c.ID, c.Payload, c.Salt, now)
	case *CancelCommand:
		err = h.queue.Cancel(c.ID, c.Owner, now)
	}

	kind := string(cmd.Kind())
	if err != nil {
		h.count(kind, "rejected")
		h.logger.Debug().Err(err).Str("kind", kind).Str("market", cmd.Market()).Msg("intake rejected")
	} else {
		h.count(kind, "accepted")
	}
	settle(raw.AckFunc)
}

func (h *Handler) count(kind, result string) {
	if h.metrics != nil {
		h.metrics.IngestMessages.WithLabelValues(kind, result).Inc()
	}
}

func settle(f func()) {
	if f != nil {
		f()
	}
}
