package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists subscriptions in the shared schema so they survive
// restarts and are reachable from both tenant-scoped requests and the
// background delivery path, which runs outside any tenant search_path.
// Table names are fully qualified for that reason.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const subscriptionCols = `id, tenant_id, url, secret, events, status, created_at, updated_at`

func (p *PGStore) scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.TenantID, &s.URL, &s.Secret, &s.Events, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription not found")
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PGStore) CreateSubscription(ctx context.Context, s *Subscription) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO shared.webhook_subscription (`+subscriptionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.TenantID, s.URL, s.Secret, s.Events, s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *PGStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return p.scanSubscription(p.pool.QueryRow(ctx, `
		SELECT `+subscriptionCols+` FROM shared.webhook_subscription WHERE id = $1`, id))
}

func (p *PGStore) ListSubscriptions(ctx context.Context, tenantID string, limit, offset int) ([]*Subscription, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM shared.webhook_subscription
		WHERE ($1 = '' OR tenant_id = $1)`, tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT `+subscriptionCols+` FROM shared.webhook_subscription
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY created_at ASC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	subs, err := collectSubscriptions(rows)
	return subs, total, err
}

func (p *PGStore) ListActiveSubscriptions(ctx context.Context, tenantID string) ([]*Subscription, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+subscriptionCols+` FROM shared.webhook_subscription
		WHERE status = 'active' AND ($1 = '' OR tenant_id = $1)
		ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.ID, &s.TenantID, &s.URL, &s.Secret, &s.Events, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, &s)
	}
	return subs, rows.Err()
}

func (p *PGStore) UpdateSubscription(ctx context.Context, s *Subscription) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE shared.webhook_subscription
		SET url = $2, secret = $3, events = $4, status = $5, updated_at = $6
		WHERE id = $1`,
		s.ID, s.URL, s.Secret, s.Events, s.Status, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s not found", s.ID)
	}
	return nil
}

func (p *PGStore) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM shared.webhook_subscription WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s not found", id)
	}
	return nil
}

func (p *PGStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO shared.webhook_delivery
			(id, subscription_id, event_id, event_type, payload, attempt, status_code, succeeded, error, response_body, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.SubscriptionID, d.EventID, d.EventType, d.Payload, d.Attempt,
		d.StatusCode, d.Succeeded, d.Error, d.ResponseBody, d.DeliveredAt)
	return err
}

func (p *PGStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	var d Delivery
	err := p.pool.QueryRow(ctx, `
		SELECT id, subscription_id, event_id, event_type, payload, attempt, status_code, succeeded, error, response_body, delivered_at
		FROM shared.webhook_delivery WHERE id = $1`, id).
		Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &d.Payload, &d.Attempt,
			&d.StatusCode, &d.Succeeded, &d.Error, &d.ResponseBody, &d.DeliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery not found")
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PGStore) ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*Delivery, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM shared.webhook_delivery WHERE subscription_id = $1`,
		subscriptionID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, subscription_id, event_id, event_type, payload, attempt, status_code, succeeded, error, response_body, delivered_at
		FROM shared.webhook_delivery
		WHERE subscription_id = $1
		ORDER BY delivered_at DESC LIMIT $2 OFFSET $3`, subscriptionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &d.Payload, &d.Attempt,
			&d.StatusCode, &d.Succeeded, &d.Error, &d.ResponseBody, &d.DeliveredAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &d)
	}
	return out, total, rows.Err()
}
