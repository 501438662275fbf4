package models

import (
	"time"
)

// DailyProxyStats is the frozen analytics aggregate of one calendar day.
// Data holds the JSON-encoded snapshot; rows are replaced, never merged.
type DailyProxyStats struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Date      string    `json:"date" gorm:"uniqueIndex"` // YYYY-MM-DD
	TotalHits int64     `json:"total_hits"`
	Data      string    `json:"-" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
