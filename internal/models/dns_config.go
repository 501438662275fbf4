package models

import (
	"time"
)

// DNS provider identifiers.
const (
	DNSProviderCloudflare   = "cloudflare"
	DNSProviderDigitalOcean = "digitalocean"
	DNSProviderRFC2136      = "rfc2136"
	DNSProviderScript       = "script"
	DNSProviderManual       = "manual"
)

// DNSConfig holds the provider credentials used to publish DNS-01 TXT records.
type DNSConfig struct {
	ID          uint              `json:"id" gorm:"primaryKey"`
	UUID        string            `json:"uuid" gorm:"uniqueIndex"`
	Name        string            `json:"name"`
	Provider    string            `json:"provider"`
	Credentials map[string]string `json:"credentials,omitempty" gorm:"serializer:json"`
	Script      string            `json:"script,omitempty"`
	APIHost     string            `json:"api_host,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Redacted returns a copy safe for API responses.
func (d DNSConfig) Redacted() DNSConfig {
	if len(d.Credentials) == 0 {
		return d
	}
	creds := make(map[string]string, len(d.Credentials))
	for k := range d.Credentials {
		creds[k] = "********"
	}
	d.Credentials = creds
	return d
}
