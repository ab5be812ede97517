package store

import (
	"time"

	"gorm.io/datatypes"

	"github.com/apiverse/apiverse/internal/credential"
)

// APIKey is an issued caller key. Only the argon2id hash and the lookup
// prefix are stored; the plaintext never reaches the database.
type APIKey struct {
	ID          uint   `gorm:"primaryKey"`
	OwnerID     uint   `gorm:"index;not null"`
	KeyHash     string `gorm:"size:255;not null"`
	Prefix      string `gorm:"size:32;uniqueIndex;not null"`
	Environment string `gorm:"size:32;not null"`
	Active      bool   `gorm:"not null"`
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// UpstreamAPI is a third-party API exposed through the gateway.
type UpstreamAPI struct {
	ID        uint           `gorm:"primaryKey"`
	OwnerID   uint           `gorm:"index;not null"`
	Name      string         `gorm:"size:128;not null"`
	BaseURL   string         `gorm:"size:2048;not null"`
	Auth      datatypes.JSON `gorm:"type:json"`
	Active    bool           `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Descriptor decodes the stored auth descriptor.
func (a *UpstreamAPI) Descriptor() (credential.Descriptor, error) {
	return credential.Parse(a.Auth)
}

// RateLimitPolicy holds the window quotas for one upstream API.
type RateLimitPolicy struct {
	ID        uint   `gorm:"primaryKey"`
	APIID     uint   `gorm:"uniqueIndex;not null"`
	Tier      string `gorm:"size:32;not null"`
	PerHour   int64  `gorm:"not null"`
	PerDay    int64  `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageRecord is one metered proxied call. Rows are append-only.
type UsageRecord struct {
	ID             uint      `gorm:"primaryKey"`
	APIID          uint      `gorm:"index;not null"`
	KeyID          uint      `gorm:"index"`
	Endpoint       string    `gorm:"size:2048;not null"`
	Method         string    `gorm:"size:16;not null"`
	StatusCode     int       `gorm:"not null"`
	ResponseTimeMS int64     `gorm:"not null"`
	Timestamp      time.Time `gorm:"index;not null"`
}

// EventType is the closed set of events a subscription can target.
type EventType string

const (
	EventAPIRequest    EventType = "api.request"
	EventAPIError      EventType = "api.error"
	EventAPIRateLimit  EventType = "api.rate_limit"
	EventAPIKeyCreated EventType = "api.key.created"
	EventAPIKeyRevoked EventType = "api.key.revoked"
)

func (e EventType) Valid() bool {
	switch e {
	case EventAPIRequest, EventAPIError, EventAPIRateLimit, EventAPIKeyCreated, EventAPIKeyRevoked:
		return true
	}
	return false
}

// WebhookSubscription registers a callback URL for one event type. An
// APIID of 0 subscribes to that event across all of the owner's APIs,
// including key lifecycle events which carry no API.
type WebhookSubscription struct {
	ID          uint      `gorm:"primaryKey"`
	OwnerID     uint      `gorm:"index;not null"`
	APIID       uint      `gorm:"index;not null"`
	EventType   EventType `gorm:"size:64;index;not null"`
	CallbackURL string    `gorm:"size:2048;not null"`
	Secret      string    `gorm:"size:255"`
	Active      bool      `gorm:"not null"`
	CreatedAt   time.Time
}

// DeliveryStatus is the lifecycle state of a WebhookDelivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookDelivery records the outcome of delivering one event to one
// subscription.
type WebhookDelivery struct {
	ID             string         `gorm:"primaryKey;size:36"`
	SubscriptionID uint           `gorm:"index;not null"`
	EventType      EventType      `gorm:"size:64;not null"`
	Payload        datatypes.JSON `gorm:"type:json"`
	Status         DeliveryStatus `gorm:"size:16;index;not null"`
	AttemptCount   int            `gorm:"not null"`
	ResponseCode   *int
	ResponseBody   string `gorm:"size:1024"`
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

func allModels() []any {
	return []any{
		&APIKey{},
		&UpstreamAPI{},
		&RateLimitPolicy{},
		&UsageRecord{},
		&WebhookSubscription{},
		&WebhookDelivery{},
	}
}
