package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/store"
)

// DNSConfigHandler manages DNS-01 provider credentials. Secrets never leave the API.
type DNSConfigHandler struct {
	store *store.Store
}

func NewDNSConfigHandler(st *store.Store) *DNSConfigHandler {
	return &DNSConfigHandler{store: st}
}

func (h *DNSConfigHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/dns-configs", h.List)
	router.POST("/dns-configs", h.Create)
	router.PUT("/dns-configs/:uuid", h.Update)
	router.DELETE("/dns-configs/:uuid", h.Delete)
}

func (h *DNSConfigHandler) List(c *gin.Context) {
	cfgs, err := h.store.ListDNSConfigs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]models.DNSConfig, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, cfg.Redacted())
	}
	respondOK(c, http.StatusOK, "", out)
}

func (h *DNSConfigHandler) Create(c *gin.Context) {
	var cfg models.DNSConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, err.Error())
		return
	}
	cfg.ID, cfg.UUID = 0, ""
	if err := h.store.PutDNSConfig(c.Request.Context(), &cfg); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, "dns config created", cfg.Redacted())
}

// Update keeps stored secrets for credential values sent back redacted.
func (h *DNSConfigHandler) Update(c *gin.Context) {
	var cfg models.DNSConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, err.Error())
		return
	}
	cfg.ID, cfg.UUID = 0, c.Param("uuid")
	if err := h.store.PutDNSConfig(c.Request.Context(), &cfg); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "dns config updated", cfg.Redacted())
}

func (h *DNSConfigHandler) Delete(c *gin.Context) {
	if err := h.store.DeleteDNSConfig(c.Request.Context(), c.Param("uuid")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "dns config deleted", nil)
}
