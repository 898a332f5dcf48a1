package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peerwave/peerwave-node/pkg/relay"
)

var apiStartTime = time.Now()

// StatusResponse summarizes the relay server's counters
type StatusResponse struct {
	Success   bool                   `json:"success"`
	Stats     map[string]interface{} `json:"stats"`
	CheckedAt time.Time              `json:"checkedAt"`
}

// SessionsResponse lists the live sessions
type SessionsResponse struct {
	Success  bool                `json:"success"`
	Count    int                 `json:"count"`
	Sessions []relay.SessionInfo `json:"sessions"`
}

// QueueResponse reports store-and-forward queue depth
type QueueResponse struct {
	Success bool                   `json:"success"`
	Queue   map[string]interface{} `json:"queue"`
}

// HealthResponse contains system health information
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"` // "healthy" or "degraded"
	Uptime  string `json:"uptime"`
	Checks  struct {
		QueueReadable   bool `json:"queueReadable"`
		SessionsServing bool `json:"sessionsServing"`
	} `json:"checks"`
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Success:   true,
		Stats:     s.relay.Stats(),
		CheckedAt: time.Now(),
	})
}

// handleSessions handles GET /api/v1/sessions
func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.relay.SessionInfos()

	c.JSON(http.StatusOK, SessionsResponse{
		Success:  true,
		Count:    len(sessions),
		Sessions: sessions,
	})
}

// handleQueue handles GET /api/v1/queue
func (s *Server) handleQueue(c *gin.Context) {
	stats, err := s.relay.Queue().Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Queue unavailable",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, QueueResponse{
		Success: true,
		Queue:   stats,
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Success: true,
		Uptime:  time.Since(apiStartTime).Round(time.Second).String(),
	}

	_, queueErr := s.relay.Queue().TotalSize()
	response.Checks.QueueReadable = queueErr == nil
	response.Checks.SessionsServing = true

	response.Status = "healthy"
	if queueErr != nil {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}
