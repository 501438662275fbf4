package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/api/middleware"
	"github.com/edgeward/edgeward/internal/caddy"
	"github.com/edgeward/edgeward/internal/models"
)

// ConfigManager renders and applies the edge proxy config.
type ConfigManager interface {
	Preview(ctx context.Context) (*caddy.RenderResult, error)
	Apply(ctx context.Context, res *caddy.RenderResult) error
	Status() caddy.Status
	History(ctx context.Context, limit int) ([]models.ConfigApplyRecord, error)
}

type ConfigHandler struct {
	manager ConfigManager
}

func NewConfigHandler(manager ConfigManager) *ConfigHandler {
	return &ConfigHandler{manager: manager}
}

func (h *ConfigHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/config/preview", h.Preview)
	router.POST("/config/apply", h.Apply)
	router.GET("/config/status", h.Status)
}

type previewResponse struct {
	Hash        string          `json:"hash"`
	Warnings    []string        `json:"warnings"`
	HTTPDomains []string        `json:"http_domains"`
	Config      json.RawMessage `json:"config"`
}

// Preview renders the current state without touching the proxy.
func (h *ConfigHandler) Preview(c *gin.Context) {
	res, err := h.manager.Preview(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", previewResponse{
		Hash:        res.Hash,
		Warnings:    res.Warnings,
		HTTPDomains: res.HTTPDomains,
		Config:      json.RawMessage(res.Document),
	})
}

// Apply renders and loads the config even when it matches the live hash.
func (h *ConfigHandler) Apply(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := h.manager.Preview(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.manager.Apply(ctx, res); err != nil {
		respondError(c, err)
		return
	}
	middleware.GetRequestLogger(c).WithField("hash", res.Hash).Info("edge config applied on request")
	respondOK(c, http.StatusOK, "config applied", h.manager.Status())
}

// Status reports the live config and the latest apply attempts (?limit=).
func (h *ConfigHandler) Status(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	history, err := h.manager.History(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", gin.H{"live": h.manager.Status(), "history": history})
}
