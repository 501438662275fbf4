package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
)

// HostFilter narrows ListHosts.
type HostFilter struct {
	Search  string
	Enabled *bool
	Page    int
	Limit   int
}

// PutHost validates and stores a host, creating it when UUID is empty.
func (s *Store) PutHost(ctx context.Context, host *models.ProxyHost) error {
	const op = "put host"
	if err := normalizeHost(host); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkHostRefs(tx, host); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if host.Enabled {
			if err := checkDomainFree(tx, host.Domain, host.UUID); err != nil {
				return err
			}
		}

		if host.UUID == "" {
			host.UUID = uuid.New().String()
			return tx.Create(host).Error
		}

		var current models.ProxyHost
		if err := tx.Where("uuid = ?", host.UUID).First(&current).Error; err != nil {
			return notFound(op, err, "host %s not found", host.UUID)
		}
		host.ID = current.ID
		host.CreatedAt = current.CreatedAt
		return tx.Save(host).Error
	})
}

// ToggleHost flips Enabled. Enabling fails with Conflict when another enabled host owns the domain.
func (s *Store) ToggleHost(ctx context.Context, id string) (*models.ProxyHost, error) {
	var host models.ProxyHost
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("uuid = ?", id).First(&host).Error; err != nil {
			return notFound("toggle host", err, "host %s not found", id)
		}
		host.Enabled = !host.Enabled
		if host.Enabled {
			if err := checkDomainFree(tx, host.Domain, host.UUID); err != nil {
				return err
			}
		}
		return tx.Model(&host).Update("enabled", host.Enabled).Error
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}

// DeleteHost removes a host. Its certificate row goes too unless another host still serves the domain.
func (s *Store) DeleteHost(ctx context.Context, id string) (*models.ProxyHost, error) {
	var host models.ProxyHost
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("uuid = ?", id).First(&host).Error; err != nil {
			return notFound("delete host", err, "host %s not found", id)
		}
		if err := tx.Delete(&models.ProxyHost{}, host.ID).Error; err != nil {
			return err
		}
		var others int64
		if err := tx.Model(&models.ProxyHost{}).Where("domain = ?", host.Domain).Count(&others).Error; err != nil {
			return err
		}
		if others == 0 {
			if err := tx.Where("domain = ?", host.Domain).Delete(&models.Certificate{}).Error; err != nil {
				return err
			}
		}
		return tx.Create(newAudit("admin", AuditHostDeleted, host.Domain, host.UUID, s.now())).Error
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}

// GetHost returns the host with the given UUID.
func (s *Store) GetHost(ctx context.Context, id string) (*models.ProxyHost, error) {
	var host models.ProxyHost
	if err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&host).Error; err != nil {
		return nil, notFound("get host", err, "host %s not found", id)
	}
	return &host, nil
}

// GetHostByDomain returns the enabled host for domain, or a disabled one when none is enabled.
func (s *Store) GetHostByDomain(ctx context.Context, domain string) (*models.ProxyHost, error) {
	var host models.ProxyHost
	err := s.db.WithContext(ctx).
		Where("domain = ?", strings.ToLower(strings.TrimSpace(domain))).
		Order("enabled desc, id").
		First(&host).Error
	if err != nil {
		return nil, notFound("get host", err, "no host for domain %s", domain)
	}
	return &host, nil
}

// ListHosts returns hosts ordered by domain plus the unpaginated total.
func (s *Store) ListHosts(ctx context.Context, f HostFilter) ([]models.ProxyHost, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.ProxyHost{})
	if f.Enabled != nil {
		q = q.Where("enabled = ?", *f.Enabled)
	}
	if f.Search != "" {
		like := likePattern(f.Search)
		q = q.Where(`(lower(domain) LIKE ? ESCAPE '\' OR lower(target) LIKE ? ESCAPE '\')`, like, like)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var hosts []models.ProxyHost
	if err := paginate(q, f.Page, f.Limit).Order("domain, id").Find(&hosts).Error; err != nil {
		return nil, 0, err
	}
	return hosts, total, nil
}

// EnabledHosts returns every enabled host.
func (s *Store) EnabledHosts(ctx context.Context) ([]models.ProxyHost, error) {
	enabled := true
	hosts, _, err := s.ListHosts(ctx, HostFilter{Enabled: &enabled})
	return hosts, err
}

func normalizeHost(host *models.ProxyHost) error {
	domain, err := NormalizeDomain(host.Domain)
	if err != nil {
		return err
	}
	host.Domain = domain
	host.Target = strings.TrimSpace(host.Target)

	if host.IsStatic {
		if err := validateStaticRoot(host.Target); err != nil {
			return err
		}
	} else if err := validateUpstream(host.Target); err != nil {
		return err
	}

	allowed := make([]string, 0, len(host.AllowedIPs))
	for _, entry := range host.AllowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if err := ValidateAllowEntry(entry); err != nil {
			return err
		}
		allowed = append(allowed, entry)
	}
	host.AllowedIPs = allowed

	switch host.SSLChallengeType {
	case "":
		host.SSLChallengeType = models.ChallengeHTTP
	case models.ChallengeHTTP, models.ChallengeDNS:
	default:
		return apperr.Validation("", "invalid ssl challenge type %q", host.SSLChallengeType)
	}
	if host.SSLChallengeType == models.ChallengeDNS && host.DNSConfigID == nil {
		return apperr.Validation("", "dns challenge requires a dns config")
	}

	if err := validatePaths(host.Paths); err != nil {
		return err
	}
	return validateRateLimit(host.RateLimit)
}

func checkHostRefs(tx *gorm.DB, host *models.ProxyHost) error {
	if host.DNSConfigID != nil {
		var n int64
		if err := tx.Model(&models.DNSConfig{}).Where("id = ?", *host.DNSConfigID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return apperr.Validation("", "dns config %d does not exist", *host.DNSConfigID)
		}
	}
	if host.UnderConstructionPageID != nil {
		var n int64
		if err := tx.Model(&models.CustomPage{}).Where("id = ?", *host.UnderConstructionPageID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return apperr.Validation("", "custom page %d does not exist", *host.UnderConstructionPageID)
		}
	}
	return nil
}

func checkDomainFree(tx *gorm.DB, domain, selfUUID string) error {
	var clash models.ProxyHost
	err := tx.Where("domain = ? AND enabled = ? AND uuid <> ?", domain, true, selfUUID).First(&clash).Error
	if err == nil {
		return apperr.Conflict("put host", "domain %s is already used by host %s", domain, clash.UUID)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
