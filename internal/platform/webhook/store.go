package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists subscriptions and their delivery log.
type Store interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string, limit, offset int) ([]*Subscription, int, error)
	// ListActiveSubscriptions returns every active subscription for the
	// tenant; an empty tenantID means all tenants.
	ListActiveSubscriptions(ctx context.Context, tenantID string) ([]*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
	DeleteSubscription(ctx context.Context, id string) error

	RecordDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]*Delivery, int, error)
}

// MemoryStore keeps everything in process. Suitable for tests and for
// single-node dev setups where losing subscriptions on restart is fine.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	deliveries    map[string]*Delivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*Subscription),
		deliveries:    make(map[string]*Delivery),
	}
}

func (m *MemoryStore) CreateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.ID] = s
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	return s, nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, tenantID string, limit, offset int) ([]*Subscription, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Subscription
	for _, s := range m.subscriptions {
		if tenantID == "" || s.TenantID == tenantID {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return []*Subscription{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryStore) ListActiveSubscriptions(_ context.Context, tenantID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*Subscription
	for _, s := range m.subscriptions {
		if s.Status != SubscriptionActive {
			continue
		}
		if tenantID != "" && s.TenantID != tenantID {
			continue
		}
		active = append(active, s)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	return active, nil
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[s.ID]; !ok {
		return fmt.Errorf("subscription %s not found", s.ID)
	}
	m.subscriptions[s.ID] = s
	return nil
}

func (m *MemoryStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[id]; !ok {
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(m.subscriptions, id)
	return nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = d
	return nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s not found", id)
	}
	return d, nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, subscriptionID string, limit, offset int) ([]*Delivery, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Delivery
	for _, d := range m.deliveries {
		if d.SubscriptionID == subscriptionID {
			all = append(all, d)
		}
	}
	// Newest first, matching the audit-trail reading order.
	sort.Slice(all, func(i, j int) bool { return all[i].DeliveredAt.After(all[j].DeliveredAt) })

	total := len(all)
	if offset >= total {
		return []*Delivery{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}
