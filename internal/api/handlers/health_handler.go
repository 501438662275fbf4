package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/version"
)

// Pinger checks that the edge proxy admin API answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler responds with service metadata and edge proxy reachability. Status stays
// "ok" while the proxy is unreachable.
func HealthHandler(proxy Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		edge := "unknown"
		if proxy != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			if err := proxy.Ping(ctx); err != nil {
				edge = "unreachable"
			} else {
				edge = "ok"
			}
			cancel()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"service":    version.Name,
			"version":    version.Version,
			"git_commit": version.GitCommit,
			"build_time": version.BuildTime,
			"edge_proxy": edge,
		})
	}
}
