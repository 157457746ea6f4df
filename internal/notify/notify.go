// Package notify delivers domain events to an external webhook.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

// EventCDRCreated is sent when a CDR was stored
const EventCDRCreated = "cdr.created"

// Event is the webhook body
type Event struct {
	DeliveryID string          `json:"delivery_id"`
	EventType  string          `json:"event_type"`
	Module     ocpi.ModuleID   `json:"module"`
	Key        ocpi.RecordKey  `json:"key"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Poster sends a JSON body to a URL, retrying transient failures
type Poster interface {
	PostJSON(ctx context.Context, url string, body interface{}) error
}

// Notifier posts events to a webhook in the background
type Notifier struct {
	url     string
	poster  Poster
	timeout time.Duration
	log     *logrus.Entry
}

// New creates a notifier. An empty url disables delivery.
func New(url string, poster Poster) *Notifier {
	return &Notifier{
		url:     url,
		poster:  poster,
		timeout: 2 * time.Minute,
		log:     logrus.WithField("component", "notify"),
	}
}

// Enabled reports whether a webhook is configured
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// CDRCreated is a post-store hook for the cdrs module. Delivery does not
// block the request that stored the CDR.
func (n *Notifier) CDRCreated(ctx context.Context, r *ocpi.Record) error {
	if !n.Enabled() {
		return nil
	}
	ev := &Event{
		DeliveryID: uuid.NewString(),
		EventType:  EventCDRCreated,
		Module:     r.Module,
		Key:        r.Key,
		Data:       r.Data,
		OccurredAt: time.Now().UTC(),
	}
	go n.deliver(ev)
	return nil
}

func (n *Notifier) deliver(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	log := n.log.WithFields(logrus.Fields{
		"delivery_id": ev.DeliveryID,
		"event_type":  ev.EventType,
		"key":         ev.Key.String(),
	})
	if err := n.poster.PostJSON(ctx, n.url, ev); err != nil {
		log.WithError(err).Error("Webhook delivery failed")
		return
	}
	log.Info("Webhook delivered")
}
