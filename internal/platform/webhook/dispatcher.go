package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Dispatcher fans events out to matching subscriptions and records every
// attempt. Delivery is synchronous and best-effort: a dead receiver shows
// up as a failed delivery in the log, never as an error to the publisher.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger zerolog.Logger
}

type Option func(*Dispatcher)

// WithClient overrides the HTTP client, mainly for tests.
func WithClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

func NewDispatcher(store Store, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers a receiver endpoint. An empty secret gets a generated
// one, returned once on the created subscription.
func (d *Dispatcher) Subscribe(ctx context.Context, tenantID, rawURL, secret string, events []string) (*Subscription, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event pattern is required")
	}
	if secret == "" {
		generated, err := generateSecret()
		if err != nil {
			return nil, err
		}
		secret = generated
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Status:    SubscriptionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (d *Dispatcher) Subscription(ctx context.Context, id string) (*Subscription, error) {
	return d.store.GetSubscription(ctx, id)
}

func (d *Dispatcher) Subscriptions(ctx context.Context, tenantID string, limit, offset int) ([]*Subscription, int, error) {
	return d.store.ListSubscriptions(ctx, tenantID, limit, offset)
}

func (d *Dispatcher) Unsubscribe(ctx context.Context, id string) error {
	return d.store.DeleteSubscription(ctx, id)
}

func (d *Dispatcher) Pause(ctx context.Context, id string) error {
	return d.setStatus(ctx, id, SubscriptionPaused)
}

func (d *Dispatcher) Resume(ctx context.Context, id string) error {
	return d.setStatus(ctx, id, SubscriptionActive)
}

func (d *Dispatcher) setStatus(ctx context.Context, id string, status SubscriptionStatus) error {
	sub, err := d.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	sub.Status = status
	sub.UpdatedAt = time.Now().UTC()
	return d.store.UpdateSubscription(ctx, sub)
}

// Publish delivers the event to every active subscription whose patterns
// match. The returned slice holds one recorded delivery per receiver.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) []*Delivery {
	subs, err := d.store.ListActiveSubscriptions(ctx, ev.TenantID)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", ev.Type).Msg("list subscriptions failed")
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", ev.Type).Msg("marshal event failed")
		return nil
	}

	var deliveries []*Delivery
	for _, sub := range subs {
		if !sub.Matches(ev.Type) {
			continue
		}
		deliveries = append(deliveries, d.post(ctx, sub, ev.ID, ev.Type, payload, 1))
	}
	return deliveries
}

// Redeliver retries a previously recorded delivery with the same payload,
// bumping the attempt counter.
func (d *Dispatcher) Redeliver(ctx context.Context, deliveryID string) (*Delivery, error) {
	prev, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	sub, err := d.store.GetSubscription(ctx, prev.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return d.post(ctx, sub, prev.EventID, prev.EventType, prev.Payload, prev.Attempt+1), nil
}

// Ping sends a synthetic webhook.ping event so an operator can verify a
// receiver before real traffic reaches it.
func (d *Dispatcher) Ping(ctx context.Context, subscriptionID string) (*Delivery, error) {
	sub, err := d.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	ev := Event{
		ID:         uuid.NewString(),
		Type:       "webhook.ping",
		TenantID:   sub.TenantID,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return d.post(ctx, sub, ev.ID, ev.Type, payload, 1), nil
}

func (d *Dispatcher) Deliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*Delivery, int, error) {
	return d.store.ListDeliveries(ctx, subscriptionID, limit, offset)
}

// post performs one HTTP delivery and records the attempt. Failures are
// captured in the record, not returned.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, eventID, eventType string, payload []byte, attempt int) *Delivery {
	now := time.Now().UTC()
	delivery := &Delivery{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EventID:        eventID,
		EventType:      eventType,
		Payload:        payload,
		Attempt:        attempt,
		DeliveredAt:    now,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		delivery.Error = err.Error()
		d.record(ctx, delivery)
		return delivery
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", sub.ID)
	req.Header.Set("X-Webhook-Event", eventType)
	req.Header.Set("X-Webhook-Signature", "sha256="+Sign(payload, sub.Secret))
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))

	resp, err := d.client.Do(req)
	if err != nil {
		delivery.Error = err.Error()
		d.record(ctx, delivery)
		return delivery
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	delivery.StatusCode = resp.StatusCode
	delivery.ResponseBody = string(body)
	delivery.Succeeded = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !delivery.Succeeded {
		delivery.Error = fmt.Sprintf("receiver returned %d", resp.StatusCode)
	}

	d.record(ctx, delivery)
	return delivery
}

func (d *Dispatcher) record(ctx context.Context, delivery *Delivery) {
	if err := d.store.RecordDelivery(ctx, delivery); err != nil {
		d.logger.Error().Err(err).
			Str("subscription_id", delivery.SubscriptionID).
			Msg("record delivery failed")
	}
}
