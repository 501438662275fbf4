package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/api/middleware"
	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/caddy"
)

const defaultTopN = 10

// statusFor maps an error to the HTTP status the API answers with.
func statusFor(err error) int {
	var applyErr *caddy.ApplyError
	if errors.As(err, &applyErr) {
		if applyErr.Stage == caddy.StageRender {
			return http.StatusInternalServerError
		}
		return http.StatusBadGateway
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	entry := middleware.GetRequestLogger(c).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	c.JSON(status, gin.H{"success": false, "message": err.Error(), "data": nil})
}

func respondOK(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"success": true, "message": message, "data": data})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": message, "data": nil})
}

// listParams reads page and limit query parameters. Invalid values fall back to defaults.
func listParams(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	return page, limit
}

func topN(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("top"))
	if err != nil || n <= 0 {
		return defaultTopN
	}
	return n
}

func paged(items interface{}, total int64, page, limit int) gin.H {
	return gin.H{"items": items, "total": total, "page": page, "limit": limit}
}
