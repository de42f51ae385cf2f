package admin

import (
	"net/http"
	"strconv"
	"strings"

	"vigil/internal/circuit"
	"vigil/internal/journal"
	"vigil/internal/logger"
	"vigil/internal/market"
	"vigil/internal/session"

	"github.com/gin-gonic/gin"
)

// Router wires the API handlers to their collaborators.
type Router struct {
	Scheduler *session.Scheduler
	Breaker   *circuit.Breaker
	Journal   *journal.Journal
	TripLog   *journal.TripLog
	Feed      *market.ResilientFeed
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/session/status", r.handleStatus)
	group.GET("/feed/stats", r.handleFeedStats)
	if r.Journal != nil {
		group.GET("/journal/orders", r.handleOrders)
		group.GET("/journal/fills", r.handleFills)
		group.GET("/journal/exits", r.handleExits)
	}
	group.GET("/circuit", r.handleCircuit)
	group.POST("/circuit/reset", r.handleCircuitReset)
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.Scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session not running"})
		return
	}
	c.JSON(http.StatusOK, r.Scheduler.Status())
}

func (r *Router) handleFeedStats(c *gin.Context) {
	if r.Feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed not attached"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"last_message_at": r.Feed.LastMessageAt(),
		"overflows":       r.Feed.Overflows(),
		"reconnects":      r.Feed.Reconnects(),
	})
}

func (r *Router) handleOrders(c *gin.Context) {
	q := journal.OrderQuery{
		Symbol: strings.TrimSpace(c.Query("symbol")),
		Limit:  queryInt(c, "limit", 100),
		Offset: queryInt(c, "offset", 0),
	}
	rows, err := r.Journal.ListOrders(q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": rows})
}

func (r *Router) handleFills(c *gin.Context) {
	rows, err := r.Journal.ListFills(strings.TrimSpace(c.Query("order_id")), queryInt(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": rows})
}

func (r *Router) handleExits(c *gin.Context) {
	rows, err := r.Journal.ListExits(queryInt(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exits": rows})
}

func (r *Router) handleCircuit(c *gin.Context) {
	resp := gin.H{
		"state":  r.Breaker.State().String(),
		"reason": r.Breaker.Reason(),
	}
	if r.TripLog != nil {
		if history, err := r.TripLog.Recent(queryInt(c, "limit", 20)); err == nil {
			resp["history"] = history
		}
	}
	c.JSON(http.StatusOK, resp)
}

type resetRequest struct {
	Actor string `json:"actor"`
}

// handleCircuitReset is the only way a tripped breaker re-arms. The actor is
// recorded so every reset is attributable.
func (r *Router) handleCircuitReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Actor) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor is required"})
		return
	}
	prior, ok := r.Breaker.Reset(strings.TrimSpace(req.Actor))
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "breaker is not tripped"})
		return
	}
	if r.TripLog != nil {
		equity := 0.0
		if r.Scheduler != nil {
			equity = r.Scheduler.Status().Equity
		}
		if err := r.TripLog.RecordReset(req.Actor, prior, equity); err != nil {
			logger.Warnf("trip log reset record failed: %v", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"state": r.Breaker.State().String(), "was": prior})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
