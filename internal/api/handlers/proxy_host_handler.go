package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/api/middleware"
	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/store"
)

// Reconciler pushes store changes to the edge proxy.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// HostRefresher is told when the set of enabled hosts changed.
type HostRefresher interface {
	RefreshHosts(ctx context.Context) error
}

// OrderCanceller aborts a running certificate order.
type OrderCanceller interface {
	Cancel(domain string) bool
}

// ProxyHostHandler handles CRUD operations for proxy hosts.
type ProxyHostHandler struct {
	store      *store.Store
	reconciler Reconciler
	hosts      HostRefresher
	orders     OrderCanceller
}

// NewProxyHostHandler creates a new proxy host handler. hosts and orders may be nil.
func NewProxyHostHandler(st *store.Store, reconciler Reconciler, hosts HostRefresher, orders OrderCanceller) *ProxyHostHandler {
	return &ProxyHostHandler{store: st, reconciler: reconciler, hosts: hosts, orders: orders}
}

// RegisterRoutes registers proxy host routes.
func (h *ProxyHostHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/proxy-hosts", h.List)
	router.POST("/proxy-hosts", h.Create)
	router.GET("/proxy-hosts/:uuid", h.Get)
	router.PUT("/proxy-hosts/:uuid", h.Update)
	router.DELETE("/proxy-hosts/:uuid", h.Delete)
	router.POST("/proxy-hosts/:uuid/toggle", h.Toggle)
}

// List returns hosts filtered by ?search= and ?enabled=, paginated.
func (h *ProxyHostHandler) List(c *gin.Context) {
	page, limit := listParams(c)
	filter := store.HostFilter{Search: c.Query("search"), Page: page, Limit: limit}
	if raw := c.Query("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "enabled must be true or false")
			return
		}
		filter.Enabled = &enabled
	}

	hosts, total, err := h.store.ListHosts(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", paged(hosts, total, page, limit))
}

// Create stores a new host and applies the edge config.
func (h *ProxyHostHandler) Create(c *gin.Context) {
	var host models.ProxyHost
	if err := c.ShouldBindJSON(&host); err != nil {
		badRequest(c, err.Error())
		return
	}
	host.ID, host.UUID = 0, ""

	if err := h.store.PutHost(c.Request.Context(), &host); err != nil {
		respondError(c, err)
		return
	}
	middleware.GetRequestLogger(c).WithField("domain", host.Domain).Info("proxy host created")
	h.changed(c, http.StatusCreated, "proxy host created", &host)
}

// Get returns one host.
func (h *ProxyHostHandler) Get(c *gin.Context) {
	host, err := h.store.GetHost(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", host)
}

// Update replaces a host's settings.
func (h *ProxyHostHandler) Update(c *gin.Context) {
	ctx := c.Request.Context()
	host, err := h.store.GetHost(ctx, c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	id, uuid := host.ID, host.UUID
	if err := c.ShouldBindJSON(host); err != nil {
		badRequest(c, err.Error())
		return
	}
	host.ID, host.UUID = id, uuid

	if err := h.store.PutHost(ctx, host); err != nil {
		respondError(c, err)
		return
	}
	h.changed(c, http.StatusOK, "proxy host updated", host)
}

// Delete removes a host, cancelling a pending certificate order for a domain nobody serves anymore.
func (h *ProxyHostHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	host, err := h.store.DeleteHost(ctx, c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	if h.orders != nil {
		if _, err := h.store.GetHostByDomain(ctx, host.Domain); apperr.IsNotFound(err) {
			h.orders.Cancel(host.Domain)
		}
	}
	middleware.GetRequestLogger(c).WithField("domain", host.Domain).Info("proxy host deleted")
	h.changed(c, http.StatusOK, "proxy host deleted", host)
}

// Toggle flips a host between enabled and disabled.
func (h *ProxyHostHandler) Toggle(c *gin.Context) {
	host, err := h.store.ToggleHost(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	msg := "proxy host disabled"
	if host.Enabled {
		msg = "proxy host enabled"
	}
	h.changed(c, http.StatusOK, msg, host)
}

// changed applies the edge config after a committed host change. The change stays stored
// when the apply fails; the response reports the failure.
func (h *ProxyHostHandler) changed(c *gin.Context, status int, msg string, host *models.ProxyHost) {
	ctx := c.Request.Context()
	if h.hosts != nil {
		if err := h.hosts.RefreshHosts(ctx); err != nil {
			middleware.GetRequestLogger(c).WithError(err).Warn("failed to refresh analytics host scope")
		}
	}
	if h.reconciler != nil {
		if err := h.reconciler.Reconcile(ctx); err != nil {
			middleware.GetRequestLogger(c).WithError(err).Error("failed to apply edge config")
			c.JSON(statusFor(err), gin.H{
				"success": false,
				"message": msg + ", but applying the edge config failed: " + err.Error(),
				"data":    host,
			})
			return
		}
	}
	respondOK(c, status, msg, host)
}
