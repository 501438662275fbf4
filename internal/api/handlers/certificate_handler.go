package handlers

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/api/middleware"
	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/certs"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/store"
)

const maxPEMBytes = 1 << 20

// CertificateService is the certificate lifecycle as seen by the API.
type CertificateService interface {
	List(ctx context.Context) ([]certs.CertificateInfo, error)
	Request(ctx context.Context, domain, challenge string, dnsCfg *models.DNSConfig) (*models.Certificate, error)
	Renew(ctx context.Context, domain string) (*models.Certificate, error)
	Upload(ctx context.Context, name, certPEM, keyPEM string) (*models.Certificate, error)
	Delete(ctx context.Context, id string) (*models.Certificate, error)
}

type CertificateHandler struct {
	store   *store.Store
	service CertificateService
}

func NewCertificateHandler(st *store.Store, service CertificateService) *CertificateHandler {
	return &CertificateHandler{store: st, service: service}
}

func (h *CertificateHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/certificates", h.List)
	router.POST("/certificates/request", h.Request)
	router.POST("/certificates/renew", h.Renew)
	router.POST("/certificates/upload", h.Upload)
	router.DELETE("/certificates/:uuid", h.Delete)
}

func (h *CertificateHandler) List(c *gin.Context) {
	list, err := h.service.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", list)
}

type certificateRequest struct {
	Domain    string `json:"domain" binding:"required"`
	Challenge string `json:"challenge"`
	// DNSConfigUUID overrides the DNS config attached to the domain's host.
	DNSConfigUUID string `json:"dns_config_uuid"`
}

// Request runs an ACME order. The challenge and DNS config default to the host's settings;
// wildcards always use dns.
func (h *CertificateHandler) Request(c *gin.Context) {
	var req certificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ctx := c.Request.Context()

	host, err := h.store.GetHostByDomain(ctx, req.Domain)
	if apperr.IsNotFound(err) {
		host, err = nil, nil
	}
	if err != nil {
		respondError(c, err)
		return
	}
	challenge := strings.ToLower(strings.TrimSpace(req.Challenge))
	if challenge == "" {
		switch {
		case strings.HasPrefix(strings.TrimSpace(req.Domain), "*."):
			challenge = models.ChallengeDNS
		case host != nil && host.SSLChallengeType != "":
			challenge = host.SSLChallengeType
		default:
			challenge = models.ChallengeHTTP
		}
	}

	var dnsCfg *models.DNSConfig
	if challenge == models.ChallengeDNS {
		switch {
		case req.DNSConfigUUID != "":
			dnsCfg, err = h.store.GetDNSConfig(ctx, req.DNSConfigUUID)
		case host != nil && host.DNSConfigID != nil:
			dnsCfg, err = h.store.GetDNSConfigByID(ctx, *host.DNSConfigID)
		}
		if err != nil {
			respondError(c, err)
			return
		}
	}

	cert, err := h.service.Request(ctx, req.Domain, challenge, dnsCfg)
	if err != nil {
		respondError(c, err)
		return
	}
	middleware.GetRequestLogger(c).WithField("domain", cert.Domain).Info("certificate issued")
	respondOK(c, http.StatusCreated, "certificate issued", cert)
}

type renewRequest struct {
	Domain string `json:"domain" binding:"required"`
}

func (h *CertificateHandler) Renew(c *gin.Context) {
	var req renewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	cert, err := h.service.Renew(c.Request.Context(), req.Domain)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "certificate renewed", cert)
}

// Upload accepts multipart certificate_file/key_file uploads or certificate/private_key PEM fields.
func (h *CertificateHandler) Upload(c *gin.Context) {
	certPEM, err := pemField(c, "certificate_file", "certificate")
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	keyPEM, err := pemField(c, "key_file", "private_key")
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	cert, err := h.service.Upload(c.Request.Context(), c.PostForm("name"), certPEM, keyPEM)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, "certificate uploaded", cert)
}

func (h *CertificateHandler) Delete(c *gin.Context) {
	cert, err := h.service.Delete(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "certificate deleted", cert)
}

func pemField(c *gin.Context, fileField, textField string) (string, error) {
	if fh, err := c.FormFile(fileField); err == nil {
		return readUpload(fh)
	}
	if v := c.PostForm(textField); strings.TrimSpace(v) != "" {
		if len(v) > maxPEMBytes {
			return "", fmt.Errorf("%s is too large", textField)
		}
		return v, nil
	}
	return "", fmt.Errorf("%s or %s is required", fileField, textField)
}

func readUpload(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxPEMBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	if len(data) > maxPEMBytes {
		return "", fmt.Errorf("%s is too large", fh.Filename)
	}
	return string(data), nil
}
