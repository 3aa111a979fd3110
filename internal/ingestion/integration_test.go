package ingestion_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PredictCore/internal/core"
	"PredictCore/internal/event"
	"PredictCore/internal/ingestion"
	"PredictCore/internal/testutil"
)

func TestIntegration_PublisherDedupsRetriedSequence(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test NATS not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ingestion.EnsureResultsStream(ctx, js); err != nil {
		t.Fatalf("EnsureResultsStream: %v", err)
	}

	market := "it-" + uuid.NewString()
	seq := time.Now().UnixNano()
	ev := &event.CommitmentsExpired{MarketID: market, IDs: []uuid.UUID{uuid.New()}, At: time.Now().UTC()}
	env, err := event.Seal(seq, ev, 0, ev.At, [32]byte{}, [32]byte{1})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	ch := make(chan core.Output, 2)
	ch <- core.Output{Envelope: env, Event: ev}
	ch <- core.Output{Envelope: env, Event: ev}
	close(ch)
	if err := ingestion.NewResultPublisher(js, ch, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stream, err := js.Stream(ctx, ingestion.ResultsStream)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	cons, err := stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ingestion.ResultSubject(market)},
	})
	if err != nil {
		t.Fatalf("OrderedConsumer: %v", err)
	}
	batch, err := cons.Fetch(2, jetstream.FetchMaxWait(time.Second))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	var got []jetstream.Msg
	for msg := range batch.Messages() {
		got = append(got, msg)
	}
	if len(got) != 1 {
		t.Fatalf("stream holds %d messages for %s, want 1", len(got), market)
	}
	if h := got[0].Headers().Get(ingestion.HeaderSequence); h != strconv.FormatInt(seq, 10) {
		t.Errorf("sequence header = %q, want %d", h, seq)
	}
}
