package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/api/middleware"
	"github.com/edgeward/edgeward/internal/geo"
	"github.com/edgeward/edgeward/internal/store"
)

const maxCSVUpload = 64 << 20

// GeoHandler imports range lists and answers lookups.
type GeoHandler struct {
	table *geo.Table
}

func NewGeoHandler(table *geo.Table) *GeoHandler {
	return &GeoHandler{table: table}
}

func (h *GeoHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/geo/import/csv", h.ImportCSV)
	router.POST("/geo/import/url", h.ImportURL)
	router.GET("/geo/lookup/:ip", h.Lookup)
}

// ImportCSV takes a multipart "file". The optional "source" field names the import;
// re-importing a source replaces its ranges.
func (h *GeoHandler) ImportCSV(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	if fh.Size > maxCSVUpload {
		badRequest(c, "file is too large")
		return
	}
	source := strings.TrimSpace(c.PostForm("source"))
	if source == "" {
		source = fh.Filename
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	res, err := h.table.ImportCSV(c.Request.Context(), f, source)
	if err != nil {
		respondError(c, err)
		return
	}
	middleware.GetRequestLogger(c).WithField("source", source).WithField("imported", res.Imported).Info("geo csv imported")
	respondOK(c, http.StatusOK, "geo ranges imported", res)
}

type feedRequest struct {
	URL      string `json:"url" binding:"required"`
	Provider string `json:"provider"`
	Type     string `json:"type"`
}

// ImportURL downloads a published range feed such as a cloud provider's IP list.
func (h *GeoHandler) ImportURL(c *gin.Context) {
	var req feedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.table.ImportFeed(c.Request.Context(), req.URL, req.Provider, req.Type)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "geo feed imported", res)
}

func (h *GeoHandler) Lookup(c *gin.Context) {
	ip, err := store.NormalizeIP(c.Param("ip"))
	if err != nil {
		badRequest(c, "invalid IP address")
		return
	}
	respondOK(c, http.StatusOK, "", h.table.Lookup(ip))
}
