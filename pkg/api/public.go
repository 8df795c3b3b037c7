package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleHealth runs every registered check. 503 when anything fails,
// so load balancers and uptime probes agree on liveness.
func (s *Server) handleHealth(c *gin.Context) {
	report := s.health.Run(c.Request.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy": report.Healthy,
		"version": s.version,
		"checks":  report.Checks,
	})
}

// handleStats is the authenticated aggregate snapshot, including the
// engine's live queue depth.
func (s *Server) handleStats(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	stats, err := s.store.Statistics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	depth, err := s.engine.QueueDepth(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	stats.QueueDepth = depth
	c.JSON(http.StatusOK, stats)
}

// handlePublicStats is the unauthenticated dashboard snapshot: coarse
// counters only, nothing identifying builds or workers.
func (s *Server) handlePublicStats(c *gin.Context) {
	stats, err := s.store.Statistics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queue_depth":      stats.QueueDepth,
		"builds_total":     stats.Builds.Total,
		"builds_completed": stats.Builds.Completed,
		"builds_active":    stats.Builds.Assigned + stats.Builds.Building,
		"workers_online":   stats.Workers.Idle + stats.Workers.Building,
	})
}

// handleEvents streams controller events as server-sent events until
// the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	c.Stream(func(_ io.Writer) bool {
		select {
		case event, ok := <-sub:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case <-clientGone:
			return false
		}
	})
}
