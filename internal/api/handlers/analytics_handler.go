package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/analytics"
	"github.com/edgeward/edgeward/internal/models"
)

// AnalyticsService reads and maintains traffic statistics.
type AnalyticsService interface {
	Today(ctx context.Context, topN int) (*analytics.Report, error)
	Host(ctx context.Context, host string, topN int) (*analytics.Report, error)
	Daily(ctx context.Context, date string, topN int) (*analytics.Report, error)
	ListDaily(ctx context.Context, limit int) ([]models.DailyProxyStats, error)
	Rebuild(ctx context.Context, date string, topN int) (*analytics.RebuildResult, error)
	RollToDaily(ctx context.Context, date string) (bool, error)
	RollStale(ctx context.Context) (bool, error)
}

type AnalyticsHandler struct {
	service AnalyticsService
	now     func() string
}

// NewAnalyticsHandler creates the handler. today returns the current day as YYYY-MM-DD.
func NewAnalyticsHandler(service AnalyticsService, today func() string) *AnalyticsHandler {
	return &AnalyticsHandler{service: service, now: today}
}

func (h *AnalyticsHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/analytics/today", h.Today)
	router.GET("/analytics/daily", h.ListDaily)
	router.GET("/analytics/daily/:date", h.Daily)
	router.POST("/analytics/recalculate", h.Recalculate)
	router.POST("/analytics/roll", h.Roll)
}

// Today returns the rolling snapshot, or one host's share of it with ?host=.
func (h *AnalyticsHandler) Today(c *gin.Context) {
	var (
		report *analytics.Report
		err    error
	)
	if host := c.Query("host"); host != "" {
		report, err = h.service.Host(c.Request.Context(), host, topN(c))
	} else {
		report, err = h.service.Today(c.Request.Context(), topN(c))
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", report)
}

func (h *AnalyticsHandler) ListDaily(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, err := h.service.ListDaily(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", rows)
}

func (h *AnalyticsHandler) Daily(c *gin.Context) {
	report, err := h.service.Daily(c.Request.Context(), c.Param("date"), topN(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", report)
}

type dateRequest struct {
	Date string `json:"date"`
}

// Recalculate rebuilds one day from the access logs. The date defaults to today.
func (h *AnalyticsHandler) Recalculate(c *gin.Context) {
	var req dateRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Date == "" {
		req.Date = h.now()
	}
	res, err := h.service.Rebuild(c.Request.Context(), req.Date, topN(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "analytics recalculated for "+res.Date, res)
}

// Roll freezes a finished day. Without a date any stale rolling day is frozen.
func (h *AnalyticsHandler) Roll(c *gin.Context) {
	var req dateRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err.Error())
		return
	}
	var (
		rolled bool
		err    error
	)
	if req.Date == "" {
		rolled, err = h.service.RollStale(c.Request.Context())
	} else {
		rolled, err = h.service.RollToDaily(c.Request.Context(), req.Date)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	msg := "nothing to roll"
	if rolled {
		msg = "analytics rolled to daily"
	}
	respondOK(c, http.StatusOK, msg, gin.H{"rolled": rolled})
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, v interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}
