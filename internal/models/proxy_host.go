package models

import (
	"time"
)

// Challenge types accepted for ACME validation.
const (
	ChallengeHTTP = "http"
	ChallengeDNS  = "dns"
)

// ProxyHost is the foundational entity representing a proxied upstream service or static site.
type ProxyHost struct {
	ID                      uint        `json:"id" gorm:"primaryKey"`
	UUID                    string      `json:"uuid" gorm:"uniqueIndex"`
	Domain                  string      `json:"domain" gorm:"index"`
	Target                  string      `json:"target"` // upstream URL or static file root
	IsStatic                bool        `json:"is_static"`
	Enabled                 bool        `json:"enabled" gorm:"index"`
	SSLChallengeType        string      `json:"ssl_challenge_type"`
	DNSConfigID             *uint       `json:"dns_config_id"`
	HSTSEnabled             bool        `json:"hsts_enabled"`
	WebsocketEnabled        bool        `json:"websocket_enabled"`
	AllowedIPs              []string    `json:"allowed_ips" gorm:"serializer:json"`
	Paths                   []PathRoute `json:"paths" gorm:"serializer:json"`
	RateLimit               *RateLimit  `json:"rate_limit,omitempty" gorm:"serializer:json"`
	UnderConstruction       bool        `json:"under_construction"`
	UnderConstructionPageID *uint       `json:"under_construction_page_id"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// PathRoute sends requests matching Pattern to a dedicated upstream.
// A trailing "*" makes the pattern a prefix match; otherwise it is exact.
type PathRoute struct {
	Pattern string            `json:"pattern"`
	Target  string            `json:"target"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RateLimit caps requests per client IP within a window.
type RateLimit struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"` // Go duration, e.g. "1m"
}
