package models

import "time"

// DefaultMaxConcurrentBots applies to users created without an explicit limit.
const DefaultMaxConcurrentBots = 2

// User owns meetings and API tokens. Users are created administratively
// and never deleted while they own meetings.
type User struct {
	ID                int64     `json:"id"`
	Email             string    `json:"email"`
	Name              string    `json:"name,omitempty"`
	MaxConcurrentBots int       `json:"max_concurrent_bots"`
	WebhookURL        *string   `json:"webhook_url,omitempty"`
	// WebhookSecret is never serialized through any read API.
	WebhookSecret *string   `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// APIToken authenticates a user on the public control plane.
type APIToken struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}
