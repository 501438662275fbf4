package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
)

// PutCertificate upserts the certificate for cert.Domain, renewing an existing row in place.
func (s *Store) PutCertificate(ctx context.Context, cert *models.Certificate) error {
	const op = "put certificate"
	domain, err := NormalizeDomain(cert.Domain)
	if err != nil {
		return apperr.Validation(op, "invalid domain %q", cert.Domain)
	}
	cert.Domain = domain
	switch cert.Type {
	case models.CertLetsEncrypt, models.CertCustom:
	default:
		return apperr.Validation(op, "invalid certificate type %q", cert.Type)
	}
	if cert.ExpiresAt != nil {
		exp := cert.ExpiresAt.UTC()
		cert.ExpiresAt = &exp
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Certificate
		err := tx.Where("domain = ?", cert.Domain).First(&current).Error
		switch {
		case err == nil:
			cert.ID = current.ID
			cert.UUID = current.UUID
			cert.CreatedAt = current.CreatedAt
			return tx.Save(cert).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if cert.UUID == "" {
				cert.UUID = uuid.New().String()
			}
			return tx.Create(cert).Error
		default:
			return err
		}
	})
}

// GetCertificate returns the certificate with the given UUID.
func (s *Store) GetCertificate(ctx context.Context, id string) (*models.Certificate, error) {
	var cert models.Certificate
	if err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&cert).Error; err != nil {
		return nil, notFound("get certificate", err, "certificate %s not found", id)
	}
	return &cert, nil
}

// GetCertificateByDomain returns the certificate for domain.
func (s *Store) GetCertificateByDomain(ctx context.Context, domain string) (*models.Certificate, error) {
	var cert models.Certificate
	if err := s.db.WithContext(ctx).Where("domain = ?", strings.ToLower(domain)).First(&cert).Error; err != nil {
		return nil, notFound("get certificate", err, "no certificate for %s", domain)
	}
	return &cert, nil
}

// ListCertificates returns all certificates ordered by domain.
func (s *Store) ListCertificates(ctx context.Context) ([]models.Certificate, error) {
	var certs []models.Certificate
	if err := s.db.WithContext(ctx).Order("domain").Find(&certs).Error; err != nil {
		return nil, err
	}
	return certs, nil
}

// DeleteCertificate removes the certificate row. Files on disk are the caller's concern.
func (s *Store) DeleteCertificate(ctx context.Context, id string) (*models.Certificate, error) {
	cert, err := s.GetCertificate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Delete(&models.Certificate{}, cert.ID).Error; err != nil {
		return nil, err
	}
	return cert, nil
}
