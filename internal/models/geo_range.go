package models

import (
	"time"
)

// GeoRange maps a CIDR block to a country and network operator.
type GeoRange struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	CIDR        string    `json:"cidr" gorm:"index"`
	PrefixLen   int       `json:"prefix_len"`
	CountryCode string    `json:"country_code"`
	CountryName string    `json:"country_name"`
	Provider    string    `json:"provider"`
	Type        string    `json:"type"`
	Source      string    `json:"source" gorm:"index"`
	CreatedAt   time.Time `json:"created_at"`
}
