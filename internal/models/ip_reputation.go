package models

import (
	"time"
)

// IPReputation is the violation history of one address. It outlives the jails it caused.
type IPReputation struct {
	IP                      string    `json:"ip" gorm:"primaryKey"`
	BlockedTimes            int       `json:"blocked_times" gorm:"index"`
	ExponentialBlockedTimes int       `json:"exponential_blocked_times"`
	Country                 string    `json:"country" gorm:"index"`
	ISP                     string    `json:"isp"`
	Range                   string    `json:"range" gorm:"column:ip_range"`
	Reasons                 []string  `json:"reasons" gorm:"serializer:json"`
	LastActivity            time.Time `json:"last_activity" gorm:"index"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}
