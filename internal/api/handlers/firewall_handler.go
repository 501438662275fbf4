package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/api/middleware"
	"github.com/edgeward/edgeward/internal/jail"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/store"
)

// RuleEnforcer adds and removes firewall rules.
type RuleEnforcer interface {
	Block(ctx context.Context, req jail.BlockRequest) (*models.FirewallRule, error)
	Unblock(ctx context.Context, id string) (bool, error)
}

// FirewallHandler exposes the rule list and manual blocks.
type FirewallHandler struct {
	store    *store.Store
	enforcer RuleEnforcer
}

func NewFirewallHandler(st *store.Store, enforcer RuleEnforcer) *FirewallHandler {
	return &FirewallHandler{store: st, enforcer: enforcer}
}

func (h *FirewallHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/firewall/rules", h.List)
	router.POST("/firewall/rules", h.Block)
	router.DELETE("/firewall/rules/:uuid", h.Unblock)
}

// List accepts ?state=active|expired, ?ip=, ?source=, ?search=.
func (h *FirewallHandler) List(c *gin.Context) {
	page, limit := listParams(c)
	filter := store.RuleFilter{
		IP:     c.Query("ip"),
		Source: c.Query("source"),
		Search: c.Query("search"),
		Page:   page,
		Limit:  limit,
	}
	now := h.store.Now()
	switch c.DefaultQuery("state", "active") {
	case "active":
		filter.ActiveAt = &now
	case "expired":
		filter.ExpiredAt = &now
	case "all":
	default:
		badRequest(c, "state must be active, expired or all")
		return
	}

	rules, total, err := h.store.ListRules(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", paged(rules, total, page, limit))
}

type blockRequest struct {
	IP       string `json:"ip" binding:"required"`
	Port     *int   `json:"port"`
	Protocol string `json:"protocol"`
	Comment  string `json:"comment"`
	// TTL is a Go duration such as "30m"; empty means permanent.
	TTL string `json:"ttl"`
}

// Block adds a manual rule.
func (h *FirewallHandler) Block(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(req.TTL); err != nil || ttl <= 0 {
			badRequest(c, "ttl must be a positive duration such as 30m")
			return
		}
	}

	rule, err := h.enforcer.Block(c.Request.Context(), jail.BlockRequest{
		IP:       req.IP,
		Port:     req.Port,
		Protocol: req.Protocol,
		Comment:  req.Comment,
		TTL:      ttl,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	middleware.GetRequestLogger(c).WithField("ip", rule.IP).Info("manual block added")
	respondOK(c, http.StatusCreated, "rule added", rule)
}

// Unblock removes a rule. Removing a rule that is already gone succeeds.
func (h *FirewallHandler) Unblock(c *gin.Context) {
	removed, err := h.enforcer.Unblock(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	msg := "rule removed"
	if !removed {
		msg = "rule already removed"
	}
	respondOK(c, http.StatusOK, msg, gin.H{"removed": removed})
}
