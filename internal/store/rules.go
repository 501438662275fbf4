package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
)

// RuleFilter narrows ListRules. Zero values match everything.
type RuleFilter struct {
	ActiveAt  *time.Time // expires_at IS NULL OR expires_at > ActiveAt
	ExpiredAt *time.Time // expires_at IS NOT NULL AND expires_at <= ExpiredAt
	IP        string
	Source    string
	Search    string
	Page      int
	Limit     int
}

// PutRule validates and stores a rule, creating it when UUID is empty. Returns the rule UUID.
func (s *Store) PutRule(ctx context.Context, rule *models.FirewallRule) (string, error) {
	const op = "put rule"

	ip, err := NormalizeIP(rule.IP)
	if err != nil {
		return "", apperr.Validation(op, "invalid IP address %q", rule.IP)
	}
	rule.IP = ip
	if err := validatePort(rule.Port); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if rule.Protocol, err = normalizeProtocol(rule.Protocol); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if rule.Source == "" {
		rule.Source = models.RuleSourceManual
	}
	now := s.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.CreatedAt = rule.CreatedAt.UTC()
	if rule.ExpiresAt != nil {
		exp := rule.ExpiresAt.UTC()
		rule.ExpiresAt = &exp
	}
	if rule.ExpiresAt != nil && !rule.ExpiresAt.After(rule.CreatedAt) {
		return "", apperr.Validation(op, "expiresAt must be after createdAt")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.FirewallRule
		if err := tx.Where("ip = ? AND (expires_at IS NULL OR expires_at > ?)", rule.IP, now).
			Find(&existing).Error; err != nil {
			return err
		}
		for _, r := range existing {
			if r.UUID != rule.UUID && r.SamePort(rule.Port) {
				return apperr.Conflict(op, "an active rule for %s already exists (%s)", rule.IP, r.UUID)
			}
		}

		if rule.UUID == "" {
			rule.UUID = uuid.New().String()
			if err := tx.Create(rule).Error; err != nil {
				return err
			}
			return tx.Create(newAudit(rule.Source, AuditRuleCreated, rule.IP, rule.Comment, now)).Error
		}

		var current models.FirewallRule
		if err := tx.Where("uuid = ?", rule.UUID).First(&current).Error; err != nil {
			return notFound(op, err, "rule %s not found", rule.UUID)
		}
		rule.ID = current.ID
		return tx.Save(rule).Error
	})
	if err != nil {
		return "", err
	}
	return rule.UUID, nil
}

// GetRule returns the rule with the given UUID.
func (s *Store) GetRule(ctx context.Context, id string) (*models.FirewallRule, error) {
	var rule models.FirewallRule
	if err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&rule).Error; err != nil {
		return nil, notFound("get rule", err, "rule %s not found", id)
	}
	return &rule, nil
}

// ActiveRuleForIP returns the active rule blocking ip on all ports, or a port-specific one when
// no all-ports rule exists. Returns NotFound when none is active.
func (s *Store) ActiveRuleForIP(ctx context.Context, ip string) (*models.FirewallRule, error) {
	var rules []models.FirewallRule
	if err := s.db.WithContext(ctx).
		Where("ip = ? AND (expires_at IS NULL OR expires_at > ?)", ip, s.now()).
		Order("port IS NOT NULL, id").
		Find(&rules).Error; err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, apperr.NotFound("active rule", "no active rule for %s", ip)
	}
	return &rules[0], nil
}

// ExtendRule moves a rule's expiry to until when that is later. A permanent rule stays permanent.
func (s *Store) ExtendRule(ctx context.Context, id string, until time.Time, reason string) (*models.FirewallRule, error) {
	const op = "extend rule"
	var rule models.FirewallRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("uuid = ?", id).First(&rule).Error; err != nil {
			return notFound(op, err, "rule %s not found", id)
		}
		if rule.ExpiresAt == nil || !until.After(*rule.ExpiresAt) {
			return nil
		}
		until = until.UTC()
		rule.ExpiresAt = &until
		if reason != "" {
			rule.Comment = reason
		}
		if err := tx.Save(&rule).Error; err != nil {
			return err
		}
		return tx.Create(newAudit(rule.Source, AuditRuleExtended, rule.IP,
			fmt.Sprintf("until %s: %s", until.UTC().Format(time.RFC3339), reason), s.now())).Error
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// DeleteRule removes a rule and writes an audit row with action. NotFound when the rule is already gone.
func (s *Store) DeleteRule(ctx context.Context, id, actor, action string) (*models.FirewallRule, error) {
	const op = "delete rule"
	var rule models.FirewallRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("uuid = ?", id).First(&rule).Error; err != nil {
			return notFound(op, err, "rule %s not found", id)
		}
		res := tx.Delete(&models.FirewallRule{}, rule.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound(op, "rule %s not found", id)
		}
		details := rule.Comment
		if rule.Port != nil {
			details = fmt.Sprintf("port %d: %s", *rule.Port, details)
		}
		return tx.Create(newAudit(actor, action, rule.IP, details, s.now())).Error
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns rules matching f, newest first, plus the unpaginated total.
func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]models.FirewallRule, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.FirewallRule{})
	if f.ActiveAt != nil {
		q = q.Where("(expires_at IS NULL OR expires_at > ?)", f.ActiveAt.UTC())
	}
	if f.ExpiredAt != nil {
		q = q.Where("expires_at IS NOT NULL AND expires_at <= ?", f.ExpiredAt.UTC())
	}
	if f.IP != "" {
		q = q.Where("ip = ?", f.IP)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.Search != "" {
		like := likePattern(f.Search)
		q = q.Where(`(lower(ip) LIKE ? ESCAPE '\' OR lower(comment) LIKE ? ESCAPE '\' OR lower(country) LIKE ? ESCAPE '\')`,
			like, like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rules []models.FirewallRule
	if err := paginate(q, f.Page, f.Limit).Order("created_at desc, id desc").Find(&rules).Error; err != nil {
		return nil, 0, err
	}
	return rules, total, nil
}

// ActiveRules returns every rule in force now.
func (s *Store) ActiveRules(ctx context.Context) ([]models.FirewallRule, error) {
	now := s.now()
	rules, _, err := s.ListRules(ctx, RuleFilter{ActiveAt: &now})
	return rules, err
}
