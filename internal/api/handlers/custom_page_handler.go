package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/api/middleware"
	"github.com/edgeward/edgeward/internal/models"
	"github.com/edgeward/edgeward/internal/store"
)

// CustomPageHandler manages pages served for hosts under construction.
type CustomPageHandler struct {
	store      *store.Store
	reconciler Reconciler
}

func NewCustomPageHandler(st *store.Store, reconciler Reconciler) *CustomPageHandler {
	return &CustomPageHandler{store: st, reconciler: reconciler}
}

func (h *CustomPageHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/custom-pages", h.List)
	router.POST("/custom-pages", h.Create)
	router.PUT("/custom-pages/:uuid", h.Update)
	router.DELETE("/custom-pages/:uuid", h.Delete)
}

func (h *CustomPageHandler) List(c *gin.Context) {
	pages, err := h.store.ListCustomPages(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", pages)
}

func (h *CustomPageHandler) Create(c *gin.Context) {
	var page models.CustomPage
	if err := c.ShouldBindJSON(&page); err != nil {
		badRequest(c, err.Error())
		return
	}
	page.ID, page.UUID = 0, ""
	if err := h.store.PutCustomPage(c.Request.Context(), &page); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, "custom page created", page)
}

// Update re-applies the edge config since hosts may be serving the page.
func (h *CustomPageHandler) Update(c *gin.Context) {
	var page models.CustomPage
	if err := c.ShouldBindJSON(&page); err != nil {
		badRequest(c, err.Error())
		return
	}
	page.ID, page.UUID = 0, c.Param("uuid")
	if err := h.store.PutCustomPage(c.Request.Context(), &page); err != nil {
		respondError(c, err)
		return
	}
	if h.reconciler != nil {
		if err := h.reconciler.Reconcile(c.Request.Context()); err != nil {
			middleware.GetRequestLogger(c).WithError(err).Warn("failed to apply edge config after page update")
		}
	}
	respondOK(c, http.StatusOK, "custom page updated", page)
}

func (h *CustomPageHandler) Delete(c *gin.Context) {
	if err := h.store.DeleteCustomPage(c.Request.Context(), c.Param("uuid")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "custom page deleted", nil)
}
