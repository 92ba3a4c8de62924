// Package webhook pushes approval-engine events to subscriber endpoints
// registered by compliance. Payloads are HMAC-signed so receivers can verify
// origin, and every delivery attempt is recorded for audit.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Event is one approval-engine occurrence pushed to subscribers. Type uses
// the "access.<template>" vocabulary: access.approval-pending,
// access.request-approved, access.request-denied, access.request-expired,
// access.access-revoked.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	TenantID   string            `json:"tenant_id,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	PatientID  string            `json:"patient_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// SubscriptionStatus gates delivery. Paused subscriptions keep their
// configuration and delivery history but receive nothing.
type SubscriptionStatus string

const (
	SubscriptionActive SubscriptionStatus = "active"
	SubscriptionPaused SubscriptionStatus = "paused"
)

// Subscription is one registered receiver endpoint.
type Subscription struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenant_id"`
	URL       string             `json:"url"`
	Secret    string             `json:"-"`
	Events    []string           `json:"events"`
	Status    SubscriptionStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Matches reports whether the subscription wants the given event type.
// Patterns are exact types, a prefix wildcard ("access.*"), or "*".
func (s *Subscription) Matches(eventType string) bool {
	for _, pattern := range s.Events {
		if pattern == "*" || pattern == eventType {
			return true
		}
		if strings.HasSuffix(pattern, ".*") &&
			strings.HasPrefix(eventType, pattern[:len(pattern)-1]) {
			return true
		}
	}
	return false
}

// Delivery is one attempt to hand an event to one subscription, recorded
// whether it succeeded or not.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	StatusCode     int             `json:"status_code"`
	Succeeded      bool            `json:"succeeded"`
	Error          string          `json:"error,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	DeliveredAt    time.Time       `json:"delivered_at"`
}

// Sign computes the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}
