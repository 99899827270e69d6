package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/VictoriaMetrics/metrics"

	"github.com/havocst/havocst-IDS/pkg/detector"
)

var (
	messagesSeen      = metrics.NewCounter("ids_ingest_messages_total")
	messagesMalformed = metrics.NewCounter("ids_ingest_malformed_total")
)

// PubSubSource pulls observation envelopes from a Pub/Sub subscription.
type PubSubSource struct {
	projectID      string
	subscriptionID string
}

// NewPubSubSource builds a subscription-backed observation source.
func NewPubSubSource(projectID, subscriptionID string) *PubSubSource {
	return &PubSubSource{projectID: projectID, subscriptionID: subscriptionID}
}

// Run consumes the subscription until the context is canceled. Malformed
// messages are acked and counted as recoverable skips so a bad agent cannot
// wedge the subscription.
func (s *PubSubSource) Run(ctx context.Context, out chan<- detector.Observation) error {
	client, err := pubsub.NewClient(ctx, s.projectID)
	if err != nil {
		return fmt.Errorf("pubsub client: %w", err)
	}
	defer client.Close()

	sub := client.Subscription(s.subscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking subscription %q: %w", s.subscriptionID, err)
	}
	if !exists {
		return fmt.Errorf("subscription %q not found", s.subscriptionID)
	}

	slog.Info("consuming observations", "project", s.projectID, "subscription", s.subscriptionID)

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		messagesSeen.Inc()

		obs, err := ParseObservation(msg.Data)
		if err != nil {
			messagesMalformed.Inc()
			slog.Debug("dropping malformed observation", "message_id", msg.ID, "err", err)
			msg.Ack()
			return
		}

		select {
		case out <- obs:
			msg.Ack()
		case <-ctx.Done():
			// Redeliver after restart; the observation was never recorded.
			msg.Nack()
		}
	})
}
