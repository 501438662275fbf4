// Package store is the durable table of firewall rules, proxy hosts, certificates,
// DNS provider configs and custom pages.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Audit actions written by the store.
const (
	AuditRuleCreated   = "rule_created"
	AuditRuleExtended  = "rule_extended"
	AuditRuleUnblocked = "rule_unblocked"
	AuditRuleExpired   = "rule_expired"
	AuditHostDeleted   = "host_deleted"
)

// Store wraps the database. All writes touching more than one row run in a transaction.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Store over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = func() time.Time { return now().UTC() }
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// RecordAudit appends a SecurityAudit row.
func (s *Store) RecordAudit(ctx context.Context, actor, action, subject, details string) error {
	return s.db.WithContext(ctx).Create(newAudit(actor, action, subject, details, s.now())).Error
}

// ListAudits returns the most recent audit rows, optionally filtered by action.
func (s *Store) ListAudits(ctx context.Context, action string, limit int) ([]models.SecurityAudit, error) {
	q := s.db.WithContext(ctx).Model(&models.SecurityAudit{})
	if action != "" {
		q = q.Where("action = ?", action)
	}
	var out []models.SecurityAudit
	if err := q.Order("created_at desc, id desc").Limit(clampLimit(limit)).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func newAudit(actor, action, subject, details string, at time.Time) *models.SecurityAudit {
	return &models.SecurityAudit{
		UUID:      uuid.New().String(),
		Actor:     actor,
		Action:    action,
		Subject:   subject,
		Details:   details,
		CreatedAt: at,
	}
}

func notFound(op string, err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(op, format, args...)
	}
	return err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// paginate applies page/limit; a zero limit means no limit.
func paginate(q *gorm.DB, page, limit int) *gorm.DB {
	if limit <= 0 {
		return q
	}
	if page < 1 {
		page = 1
	}
	limit = clampLimit(limit)
	return q.Offset((page - 1) * limit).Limit(limit)
}

func likePattern(s string) string {
	s = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(strings.ToLower(strings.TrimSpace(s)))
	return "%" + s + "%"
}
