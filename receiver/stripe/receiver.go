// Package stripe provides an inbound Stripe webhook receiver that verifies
// event signatures and hands verified events to the webhook delivery queue.
// Processing happens later, in the queue's drain loop, so a transient
// downstream failure never loses a provider event.
package stripe

import (
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocoord/pkg/gocoord"
)

const maxBodyBytes = 256 * 1024

// Receiver accepts Stripe webhook POSTs and enqueues verified events.
type Receiver struct {
	queue         *gocoord.WebhookQueue
	webhookSecret string
	logger        gocoord.Logger
}

// Config holds receiver configuration.
type Config struct {
	// WebhookSecret is the Stripe endpoint signing secret.
	WebhookSecret string

	// Logger is used for structured logging (default: NoopLogger).
	Logger gocoord.Logger
}

// NewReceiver creates a receiver that feeds the given queue.
func NewReceiver(queue *gocoord.WebhookQueue, config Config) (*Receiver, error) {
	if queue == nil {
		return nil, gocoord.ErrStoreUnavailable
	}
	logger := config.Logger
	if logger == nil {
		logger = &gocoord.NoopLogger{}
	}
	return &Receiver{
		queue:         queue,
		webhookSecret: config.WebhookSecret,
		logger:        logger,
	}, nil
}

// ServeHTTP implements http.Handler. The Stripe event id becomes the
// job's idempotency key, so Stripe's redeliveries collapse to one job.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusRequestEntityTooLarge)
		return
	}

	sig := req.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, r.webhookSecret)
	if err != nil {
		r.logger.Warn("webhook signature verification failed",
			gocoord.Field{Key: "error", Value: err.Error()})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := r.queue.Enqueue(req.Context(), event.ID, body); err != nil {
		r.logger.Error("failed to enqueue webhook event",
			gocoord.Field{Key: "event_id", Value: event.ID},
			gocoord.Field{Key: "error", Value: err.Error()})
		// Non-2xx makes Stripe redeliver; the idempotent enqueue
		// absorbs the duplicate once the store recovers.
		http.Error(w, "failed to accept webhook", http.StatusInternalServerError)
		return
	}

	r.logger.Info("webhook event enqueued",
		gocoord.Field{Key: "event_id", Value: event.ID},
		gocoord.Field{Key: "event_type", Value: string(event.Type)})

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
