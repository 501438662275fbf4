// Package jail turns reputation decisions into firewall rules and expires them.
package jail

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/events"
	"github.com/edgeward/edgeward/internal/geo"
	"github.com/edgeward/edgeward/internal/logger"
	"github.com/edgeward/edgeward/internal/metrics"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/notify"
	"github.com/edgeward/edgeward/internal/reputation"
	"github.com/edgeward/edgeward/internal/store"
)

// Reconciler re-renders and applies the edge config when firewall state changed.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// GeoLookup resolves an address for rule annotations.
type GeoLookup interface {
	Lookup(ip string) geo.Info
}

// Outcome reports what a jail request did.
type Outcome struct {
	Decision reputation.JailDecision `json:"decision"`
	Rule     *models.FirewallRule    `json:"rule"`
	Extended bool                    `json:"extended"`
}

// BlockRequest is a manual block.
type BlockRequest struct {
	IP       string
	Port     *int
	Protocol string
	Comment  string
	TTL      time.Duration // zero for permanent
}

// Enforcer is the single path through which firewall rules change.
type Enforcer struct {
	store      *store.Store
	tracker    *reputation.Tracker
	publisher  events.Publisher
	notifier   *notify.Notifier
	reconciler Reconciler
	geo        GeoLookup
}

// NewEnforcer wires the enforcer. publisher, notifier, reconciler and geo may be nil.
func NewEnforcer(st *store.Store, tracker *reputation.Tracker, publisher events.Publisher, notifier *notify.Notifier, reconciler Reconciler, geoLookup GeoLookup) *Enforcer {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Enforcer{
		store:      st,
		tracker:    tracker,
		publisher:  publisher,
		notifier:   notifier,
		reconciler: reconciler,
		geo:        geoLookup,
	}
}

// SetReconciler attaches the config manager after construction.
func (e *Enforcer) SetReconciler(r Reconciler) {
	e.reconciler = r
}

// Jail records a violation for ip and blocks it for the escalated duration, extending an
// existing jail instead of stacking a second rule.
func (e *Enforcer) Jail(ctx context.Context, ip, reason string, info reputation.GeoInfo) (*Outcome, error) {
	if info.Country == "" && e.geo != nil {
		g := e.geo.Lookup(ip)
		info = reputation.GeoInfo{Country: g.CountryCode, ISP: g.Provider, Range: g.CIDR}
	}
	decision, err := e.tracker.RecordViolation(ctx, ip, reason, info)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Decision: decision}
	expires := e.store.Now().Add(decision.Duration)
	comment := "jail: " + decision.Reason

	rule, err := e.allPortsRule(ctx, decision.IP)
	switch {
	case err == nil:
		if rule.ExpiresAt != nil {
			if rule, err = e.store.ExtendRule(ctx, rule.UUID, expires, comment); err != nil {
				return nil, err
			}
		}
		out.Extended = true
	case apperr.IsNotFound(err):
		rule = &models.FirewallRule{
			IP:        decision.IP,
			Protocol:  "any",
			Comment:   comment,
			Country:   info.Country,
			Source:    models.RuleSourceJail,
			ExpiresAt: &expires,
		}
		if _, err := e.store.PutRule(ctx, rule); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	out.Rule = rule

	log := logger.WithFields(logrus.Fields{
		"ip":       decision.IP,
		"duration": decision.Duration.String(),
		"tier":     decision.Tier,
		"extended": out.Extended,
	})
	log.Info("ip jailed")
	metrics.IncJailIssued()
	e.publish(ctx, events.FirewallEvent{
		Type:      events.TypeJail,
		IP:        decision.IP,
		RuleUUID:  rule.UUID,
		Reason:    decision.Reason,
		ExpiresAt: rule.ExpiresAt,
		At:        e.store.Now(),
	})
	e.notifier.Send(notify.EventJail, "IP jailed",
		fmt.Sprintf("%s jailed for %s (blocked %d times, tier %s): %s",
			decision.IP, decision.Duration, decision.BlockedTimes, decision.Tier, decision.Reason))
	e.reconcile(ctx)
	return out, nil
}

// Block adds a manual rule.
func (e *Enforcer) Block(ctx context.Context, req BlockRequest) (*models.FirewallRule, error) {
	rule := &models.FirewallRule{
		IP:       req.IP,
		Port:     req.Port,
		Protocol: req.Protocol,
		Comment:  req.Comment,
		Source:   models.RuleSourceManual,
	}
	if req.TTL < 0 {
		return nil, apperr.Validation("block", "ttl must not be negative")
	}
	if req.TTL > 0 {
		exp := e.store.Now().Add(req.TTL)
		rule.ExpiresAt = &exp
	}
	if e.geo != nil {
		rule.Country = e.geo.Lookup(req.IP).CountryCode
	}
	if _, err := e.store.PutRule(ctx, rule); err != nil {
		return nil, err
	}
	e.publish(ctx, events.FirewallEvent{
		Type:      events.TypeBlock,
		IP:        rule.IP,
		Port:      rule.Port,
		RuleUUID:  rule.UUID,
		Reason:    rule.Comment,
		ExpiresAt: rule.ExpiresAt,
		At:        e.store.Now(),
	})
	e.reconcile(ctx)
	return rule, nil
}

// Unblock removes a rule. Returns false without error when it was already gone.
func (e *Enforcer) Unblock(ctx context.Context, id string) (bool, error) {
	rule, err := e.store.DeleteRule(ctx, id, "admin", store.AuditRuleUnblocked)
	if apperr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.released(ctx, rule)
	e.reconcile(ctx)
	return true, nil
}

func (e *Enforcer) allPortsRule(ctx context.Context, ip string) (*models.FirewallRule, error) {
	rule, err := e.store.ActiveRuleForIP(ctx, ip)
	if err != nil {
		return nil, err
	}
	if rule.Port != nil {
		return nil, apperr.NotFound("active rule", "no all-ports rule for %s", ip)
	}
	return rule, nil
}

func (e *Enforcer) released(ctx context.Context, rule *models.FirewallRule) {
	logger.WithFields(logrus.Fields{"ip": rule.IP, "rule": rule.UUID}).Info("firewall rule released")
	e.publish(ctx, events.FirewallEvent{
		Type:     events.TypeRelease,
		IP:       rule.IP,
		Port:     rule.Port,
		RuleUUID: rule.UUID,
		At:       e.store.Now(),
	})
}

func (e *Enforcer) publish(ctx context.Context, ev events.FirewallEvent) {
	if err := e.publisher.Publish(ctx, ev); err != nil {
		logger.Log().WithError(err).WithField("type", ev.Type).Warn("firewall event not published")
	}
}

// reconcile failures leave the rule stored; the next change or sweep retries the apply.
func (e *Enforcer) reconcile(ctx context.Context) {
	if e.reconciler == nil {
		return
	}
	if err := e.reconciler.Reconcile(ctx); err != nil {
		logger.Log().WithError(err).Error("reconcile after firewall change failed")
	}
}
