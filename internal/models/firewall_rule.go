package models

import (
	"time"
)

// Rule sources.
const (
	RuleSourceManual = "manual"
	RuleSourceJail   = "jail"
)

// FirewallRule blocks a single IP on one port or on all ports. A nil ExpiresAt is a permanent block.
type FirewallRule struct {
	ID        uint       `json:"id" gorm:"primaryKey"`
	UUID      string     `json:"uuid" gorm:"uniqueIndex"`
	IP        string     `json:"ip" gorm:"index"`
	Port      *int       `json:"port"`
	Protocol  string     `json:"protocol"`
	Comment   string     `json:"comment"`
	Country   string     `json:"country"`
	Source    string     `json:"source" gorm:"index"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at" gorm:"index"`
}

// ActiveAt reports whether the rule is in force at t.
func (r FirewallRule) ActiveAt(t time.Time) bool {
	return r.ExpiresAt == nil || r.ExpiresAt.After(t)
}

// SamePort reports whether both rules target the same port scope.
func (r FirewallRule) SamePort(port *int) bool {
	if r.Port == nil || port == nil {
		return r.Port == nil && port == nil
	}
	return *r.Port == *port
}
