package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edgeward/edgeward/internal/reputation"
)

// ReputationHandler lists and purges IP reputation rows.
type ReputationHandler struct {
	tracker *reputation.Tracker
}

func NewReputationHandler(tracker *reputation.Tracker) *ReputationHandler {
	return &ReputationHandler{tracker: tracker}
}

func (h *ReputationHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/reputations", h.List)
	router.GET("/reputations/:ip", h.Get)
	router.DELETE("/reputations/:ip", h.Delete)
}

// List accepts ?search= (e.g. `country:DE blocked:>=5`) and ?sort=.
func (h *ReputationHandler) List(c *gin.Context) {
	page, limit := listParams(c)
	entries, total, err := h.tracker.List(c.Request.Context(), reputation.Query{
		Search: c.Query("search"),
		Sort:   c.DefaultQuery("sort", "-last_activity"),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", paged(entries, total, page, limit))
}

func (h *ReputationHandler) Get(c *gin.Context) {
	rep, err := h.tracker.Get(c.Request.Context(), c.Param("ip"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "", reputation.Entry{IPReputation: *rep, Tier: reputation.TierFor(rep.BlockedTimes)})
}

// Delete forgets an IP's history. Its active rules stay in force.
func (h *ReputationHandler) Delete(c *gin.Context) {
	if err := h.tracker.Delete(c.Request.Context(), c.Param("ip")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, "reputation deleted", nil)
}
