package models

import (
	"time"
)

// SecurityAudit records firewall changes and other security-relevant actions.
type SecurityAudit struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UUID      string    `json:"uuid" gorm:"uniqueIndex"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action" gorm:"index"`
	Subject   string    `json:"subject" gorm:"index"`
	Details   string    `json:"details" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

// ConfigApplyRecord is the audit trail of edge proxy config loads.
type ConfigApplyRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	ConfigHash string    `json:"config_hash"`
	Stage      string    `json:"stage,omitempty"`
	Success    bool      `json:"success"`
	ErrorMsg   string    `json:"error_msg,omitempty"`
	AppliedAt  time.Time `json:"applied_at" gorm:"index"`
}

// All lists every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&DNSConfig{},
		&CustomPage{},
		&ProxyHost{},
		&Certificate{},
		&FirewallRule{},
		&IPReputation{},
		&GeoRange{},
		&DailyProxyStats{},
		&SecurityAudit{},
		&ConfigApplyRecord{},
	}
}
