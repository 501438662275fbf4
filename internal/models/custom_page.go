package models

import (
	"time"
)

// CustomPage is served in place of the upstream while a host is under construction.
type CustomPage struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	UUID        string    `json:"uuid" gorm:"uniqueIndex"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Content     string    `json:"content" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
