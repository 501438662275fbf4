package models

import (
	"time"
)

// Certificate types.
const (
	CertLetsEncrypt = "letsencrypt"
	CertCustom      = "custom"
)

// Certificate tracks TLS material for a domain. At most one row exists per domain;
// renewals rewrite it in place.
type Certificate struct {
	ID         uint       `json:"id" gorm:"primaryKey"`
	UUID       string     `json:"uuid" gorm:"uniqueIndex"`
	Name       string     `json:"name"`
	Domain     string     `json:"domain" gorm:"uniqueIndex"`
	Type       string     `json:"type"`
	Issuer     string     `json:"issuer"`
	CertPath   string     `json:"cert_path"`
	KeyPath    string     `json:"key_path"`
	ExpiresAt  *time.Time `json:"expires_at"` // nil for permanent/custom without expiry
	LastError  string     `json:"last_error,omitempty"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ValidAt reports whether the certificate can be served at t.
func (c Certificate) ValidAt(t time.Time) bool {
	if c.CertPath == "" || c.KeyPath == "" {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(t)
}
