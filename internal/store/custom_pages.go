package store

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
)

const defaultPageContentType = "text/html; charset=utf-8"

// PutCustomPage validates and stores a page, creating it when UUID is empty.
func (s *Store) PutCustomPage(ctx context.Context, page *models.CustomPage) error {
	const op = "put custom page"
	if strings.TrimSpace(page.Name) == "" {
		return apperr.Validation(op, "name is required")
	}
	if page.ContentType == "" {
		page.ContentType = defaultPageContentType
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if page.UUID == "" {
			page.UUID = uuid.New().String()
			return tx.Create(page).Error
		}
		var current models.CustomPage
		if err := tx.Where("uuid = ?", page.UUID).First(&current).Error; err != nil {
			return notFound(op, err, "custom page %s not found", page.UUID)
		}
		page.ID = current.ID
		page.CreatedAt = current.CreatedAt
		return tx.Save(page).Error
	})
}

// GetCustomPage returns the page with the given UUID.
func (s *Store) GetCustomPage(ctx context.Context, id string) (*models.CustomPage, error) {
	var page models.CustomPage
	if err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&page).Error; err != nil {
		return nil, notFound("get custom page", err, "custom page %s not found", id)
	}
	return &page, nil
}

// ListCustomPages returns all pages ordered by name.
func (s *Store) ListCustomPages(ctx context.Context) ([]models.CustomPage, error) {
	var out []models.CustomPage
	if err := s.db.WithContext(ctx).Order("name, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteCustomPage removes a page. Conflict while a host references it.
func (s *Store) DeleteCustomPage(ctx context.Context, id string) error {
	const op = "delete custom page"
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var page models.CustomPage
		if err := tx.Where("uuid = ?", id).First(&page).Error; err != nil {
			return notFound(op, err, "custom page %s not found", id)
		}
		var refs int64
		if err := tx.Model(&models.ProxyHost{}).Where("under_construction_page_id = ?", page.ID).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			return apperr.Conflict(op, "custom page %q is used by %d host(s)", page.Name, refs)
		}
		return tx.Delete(&models.CustomPage{}, page.ID).Error
	})
}
