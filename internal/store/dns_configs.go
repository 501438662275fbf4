package store

import (
	"context"
	"net"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
)

const redactedSecret = "********"

// ValidateDNSConfig checks the provider-specific required fields.
func ValidateDNSConfig(cfg *models.DNSConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return apperr.Validation("", "name is required")
	}
	cred := func(k string) string { return strings.TrimSpace(cfg.Credentials[k]) }

	switch cfg.Provider {
	case models.DNSProviderCloudflare, models.DNSProviderDigitalOcean:
		if cred("api_token") == "" {
			return apperr.Validation("", "%s requires credentials.api_token", cfg.Provider)
		}
	case models.DNSProviderRFC2136:
		ns := cred("nameserver")
		if ns == "" {
			return apperr.Validation("", "rfc2136 requires credentials.nameserver")
		}
		if _, _, err := net.SplitHostPort(ns); err != nil {
			return apperr.Validation("", "rfc2136 nameserver %q must be host:port", ns)
		}
		if (cred("tsig_key") == "") != (cred("tsig_secret") == "") {
			return apperr.Validation("", "rfc2136 requires both tsig_key and tsig_secret, or neither")
		}
	case models.DNSProviderScript:
		if strings.TrimSpace(cfg.Script) == "" {
			return apperr.Validation("", "script provider requires a script path")
		}
	case models.DNSProviderManual:
	default:
		return apperr.Validation("", "unknown dns provider %q", cfg.Provider)
	}
	return nil
}

// PutDNSConfig validates and stores a DNS config. Redacted credential values keep the stored secret.
func (s *Store) PutDNSConfig(ctx context.Context, cfg *models.DNSConfig) error {
	const op = "put dns config"
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.DNSConfig
		if cfg.UUID != "" {
			if err := tx.Where("uuid = ?", cfg.UUID).First(&current).Error; err != nil {
				return notFound(op, err, "dns config %s not found", cfg.UUID)
			}
			for k, v := range cfg.Credentials {
				if v == redactedSecret {
					cfg.Credentials[k] = current.Credentials[k]
				}
			}
		}
		if err := ValidateDNSConfig(cfg); err != nil {
			return err
		}
		if cfg.UUID == "" {
			cfg.UUID = uuid.New().String()
			return tx.Create(cfg).Error
		}
		cfg.ID = current.ID
		cfg.CreatedAt = current.CreatedAt
		return tx.Save(cfg).Error
	})
}

// GetDNSConfig returns the config with the given UUID.
func (s *Store) GetDNSConfig(ctx context.Context, id string) (*models.DNSConfig, error) {
	var cfg models.DNSConfig
	if err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&cfg).Error; err != nil {
		return nil, notFound("get dns config", err, "dns config %s not found", id)
	}
	return &cfg, nil
}

// GetDNSConfigByID returns the config referenced by a host.
func (s *Store) GetDNSConfigByID(ctx context.Context, id uint) (*models.DNSConfig, error) {
	var cfg models.DNSConfig
	if err := s.db.WithContext(ctx).First(&cfg, id).Error; err != nil {
		return nil, notFound("get dns config", err, "dns config %d not found", id)
	}
	return &cfg, nil
}

// ListDNSConfigs returns all configs ordered by name.
func (s *Store) ListDNSConfigs(ctx context.Context) ([]models.DNSConfig, error) {
	var out []models.DNSConfig
	if err := s.db.WithContext(ctx).Order("name, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDNSConfig removes a config. Conflict while any host references it.
func (s *Store) DeleteDNSConfig(ctx context.Context, id string) error {
	const op = "delete dns config"
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cfg models.DNSConfig
		if err := tx.Where("uuid = ?", id).First(&cfg).Error; err != nil {
			return notFound(op, err, "dns config %s not found", id)
		}
		var refs int64
		if err := tx.Model(&models.ProxyHost{}).Where("dns_config_id = ?", cfg.ID).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return apperr.Conflict(op, "dns config %q is used by %d host(s)", cfg.Name, refs)
		}
		return tx.Delete(&models.DNSConfig{}, cfg.ID).Error
	})
}
