// Package reputation tracks per-IP violation history and computes escalating jail durations.
package reputation

import (
	"context"
	"errors"
	"math/bits"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/store"
)

// Threat tiers, derived from BlockedTimes.
const (
	TierLow      = "low"
	TierMedium   = "medium"
	TierHigh     = "high"
	TierCritical = "critical"
)

const maxReasonLen = 256

// Config controls escalation.
type Config struct {
	BaseDuration time.Duration
	MaxDuration  time.Duration
	MaxReasons   int
}

// GeoInfo is the caller-supplied location of the offending address.
type GeoInfo struct {
	Country string
	ISP     string
	Range   string
}

// JailDecision is what the caller should enforce. The tracker never writes firewall rules.
type JailDecision struct {
	IP           string        `json:"ip"`
	Duration     time.Duration `json:"duration"`
	BlockedTimes int           `json:"blocked_times"`
	Escalation   int           `json:"escalation"` // exponent used for Duration
	Tier         string        `json:"tier"`
	Reason       string        `json:"reason"`
}

// Tracker owns IPReputation rows.
type Tracker struct {
	db  *gorm.DB
	cfg Config
	now func() time.Time
	mu  sync.Mutex
}

// NewTracker returns a Tracker; zero config values fall back to 15m base, 24h cap, 20 reasons.
func NewTracker(db *gorm.DB, cfg Config) *Tracker {
	if cfg.BaseDuration <= 0 {
		cfg.BaseDuration = 15 * time.Minute
	}
	if cfg.MaxDuration < cfg.BaseDuration {
		cfg.MaxDuration = 24 * time.Hour
	}
	if cfg.MaxReasons <= 0 {
		cfg.MaxReasons = 20
	}
	return &Tracker{db: db, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = func() time.Time { return now().UTC() }
	return t
}

// TierFor maps a block count to its threat tier.
func TierFor(blockedTimes int) string {
	switch {
	case blockedTimes >= 10:
		return TierCritical
	case blockedTimes >= 5:
		return TierHigh
	case blockedTimes >= 1:
		return TierMedium
	default:
		return TierLow
	}
}

// JailDuration returns min(base * 2^exp, max) without overflowing.
func JailDuration(base, max time.Duration, exp int) time.Duration {
	if exp < 0 {
		exp = 0
	}
	if base <= 0 {
		return 0
	}
	if exp >= 63 || bits.Len64(uint64(base))+exp > 63 {
		return max
	}
	d := base << uint(exp)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// RecordViolation appends reason to ip's history and returns the jail to enforce.
func (t *Tracker) RecordViolation(ctx context.Context, ip, reason string, geo GeoInfo) (JailDecision, error) {
	const op = "record violation"
	norm, err := store.NormalizeIP(ip)
	if err != nil {
		return JailDecision{}, apperr.Validation(op, "invalid IP address %q", ip)
	}
	ip = norm
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}
	reason = truncateReason(reason)

	t.mu.Lock()
	defer t.mu.Unlock()

	var decision JailDecision
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rep models.IPReputation
		err := tx.Where("ip = ?", ip).First(&rep).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rep = models.IPReputation{IP: ip}
		} else if err != nil {
			return err
		}

		rep.Reasons = append(rep.Reasons, reason)
		if over := len(rep.Reasons) - t.cfg.MaxReasons; over > 0 {
			rep.Reasons = append([]string(nil), rep.Reasons[over:]...)
		}
		rep.BlockedTimes++
		duration := JailDuration(t.cfg.BaseDuration, t.cfg.MaxDuration, rep.ExponentialBlockedTimes)
		decision = JailDecision{
			IP:           ip,
			Duration:     duration,
			BlockedTimes: rep.BlockedTimes,
			Escalation:   rep.ExponentialBlockedTimes,
			Tier:         TierFor(rep.BlockedTimes),
			Reason:       reason,
		}
		rep.ExponentialBlockedTimes++
		if geo.Country != "" {
			rep.Country = geo.Country
		}
		if geo.ISP != "" {
			rep.ISP = geo.ISP
		}
		if geo.Range != "" {
			rep.Range = geo.Range
		}
		rep.LastActivity = t.now()
		return tx.Save(&rep).Error
	})
	if err != nil {
		return JailDecision{}, err
	}
	return decision, nil
}

// Get returns the reputation of ip.
func (t *Tracker) Get(ctx context.Context, ip string) (*models.IPReputation, error) {
	norm, err := store.NormalizeIP(ip)
	if err != nil {
		return nil, apperr.Validation("get reputation", "invalid IP address %q", ip)
	}
	var rep models.IPReputation
	if err := t.db.WithContext(ctx).Where("ip = ?", norm).First(&rep).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("get reputation", "no reputation for %s", norm)
		}
		return nil, err
	}
	return &rep, nil
}

// Delete purges the reputation of ip. Active firewall rules are untouched.
func (t *Tracker) Delete(ctx context.Context, ip string) error {
	norm, err := store.NormalizeIP(ip)
	if err != nil {
		return apperr.Validation("delete reputation", "invalid IP address %q", ip)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	res := t.db.WithContext(ctx).Where("ip = ?", norm).Delete(&models.IPReputation{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("delete reputation", "no reputation for %s", norm)
	}
	return nil
}

// truncateReason cuts reason to maxReasonLen bytes without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonLen {
		return reason
	}
	n := maxReasonLen
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
