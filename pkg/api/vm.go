package api

import (
	"encoding/base64"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hangarci/hangar/pkg/blob"
	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/types"
)

// handleAuthenticate exchanges a build's one-time password for a VM
// token. The OTP is consumed under the build row lock, so replaying
// the exchange loses.
func (s *Server) handleAuthenticate(c *gin.Context) {
	var body struct {
		OTP string `json:"otp"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "expected JSON body with otp")
		return
	}
	build, vmToken, err := s.auth.ExchangeOTP(c.Request.Context(), c.Param("id"), body.OTP)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      vmToken,
		"expires_at": build.VMTokenExpiresAt,
	})
}

// buildForWorker authenticates the worker token and checks it owns
// the build.
func (s *Server) buildForWorker(c *gin.Context, buildID string) (*types.Build, bool) {
	worker, ok := s.workerForRequest(c)
	if !ok {
		return nil, false
	}
	build, err := s.store.GetBuild(c.Request.Context(), buildID)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if err := s.auth.WorkerOwnsBuild(worker, build); err != nil {
		respondError(c, err)
		return nil, false
	}
	return build, true
}

// handleFetchSource streams the source archive to the assigned worker.
func (s *Server) handleFetchSource(c *gin.Context) {
	build, ok := s.buildForWorker(c, c.Param("id"))
	if !ok {
		return
	}
	s.streamArtifact(c, build.ID, blob.KindSource)
}

// handleFetchCerts streams the certs archive to the assigned worker.
func (s *Server) handleFetchCerts(c *gin.Context) {
	build, ok := s.buildForWorker(c, c.Param("id"))
	if !ok {
		return
	}
	if build.CertsPath == nil {
		respondError(c, types.ErrNotFound())
		return
	}
	s.streamArtifact(c, build.ID, blob.KindCerts)
}

// handleCertsSecure hands the signing bundle to the VM as base64 JSON.
// Only the VM token unlocks it; the worker host never needs the
// decoded bytes.
func (s *Server) handleCertsSecure(c *gin.Context) {
	build, err := s.auth.VM(c.Request.Context(), c.Param("id"), c.GetHeader(headerVMToken))
	if err != nil {
		respondError(c, err)
		return
	}
	if build.CertsPath == nil {
		respondError(c, types.ErrNotFound())
		return
	}
	rc, err := s.blobs.Open(blob.Key(build.ID, blob.KindCerts))
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"build_id": build.ID,
		"certs":    base64.StdEncoding.EncodeToString(data),
	})
}

// handleBuildHeartbeat records VM liveness. The first heartbeat moves
// an assigned build to building.
func (s *Server) handleBuildHeartbeat(c *gin.Context) {
	build, err := s.auth.VM(c.Request.Context(), c.Param("id"), c.GetHeader(headerVMToken))
	if err != nil {
		respondError(c, err)
		return
	}
	wasAssigned := build.Status == types.BuildStatusAssigned

	updated, err := s.store.HeartbeatBuild(c.Request.Context(), build.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if wasAssigned && updated.Status == types.BuildStatusBuilding {
		s.broker.Publish(events.BuildEvent(events.EventBuildBuilding, updated.ID, "build started"))
	}
	c.JSON(http.StatusOK, gin.H{"id": updated.ID, "status": updated.Status})
}

// handleTelemetry ingests one resource snapshot from the VM.
func (s *Server) handleTelemetry(c *gin.Context) {
	build, err := s.auth.VM(c.Request.Context(), c.Param("id"), c.GetHeader(headerVMToken))
	if err != nil {
		respondError(c, err)
		return
	}
	var body struct {
		Kind    string        `json:"kind"`
		Payload types.Payload `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Kind == "" {
		badRequest(c, "expected JSON body with kind and payload")
		return
	}
	sample := &types.TelemetrySample{
		BuildID:   build.ID,
		Timestamp: time.Now().UTC(),
		Kind:      body.Kind,
		Payload:   body.Payload,
	}
	if err := s.store.AddTelemetry(c.Request.Context(), sample); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

// handleAppendBuildLog appends a log line. Both the VM (via VM token)
// and the owning worker's host agent (via worker token) stream logs.
func (s *Server) handleAppendBuildLog(c *gin.Context) {
	buildID := c.Param("id")

	var build *types.Build
	if vmToken := c.GetHeader(headerVMToken); vmToken != "" {
		authed, err := s.auth.VM(c.Request.Context(), buildID, vmToken)
		if err != nil {
			respondError(c, err)
			return
		}
		build = authed
	} else {
		authed, ok := s.buildForWorker(c, buildID)
		if !ok {
			return
		}
		build = authed
	}

	var body struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
		badRequest(c, "expected JSON body with message")
		return
	}
	if body.Level == "" {
		body.Level = "info"
	}
	if err := s.store.AppendBuildLog(c.Request.Context(), build.ID, body.Level, body.Message); err != nil {
		respondError(c, err)
		return
	}

	// A log stream is proof of life: it counts as a heartbeat, and the
	// first one moves an assigned build to building.
	if build.Status.Active() {
		updated, err := s.store.HeartbeatBuild(c.Request.Context(), build.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		if build.Status == types.BuildStatusAssigned && updated.Status == types.BuildStatusBuilding {
			s.broker.Publish(events.BuildEvent(events.EventBuildBuilding, updated.ID, "build started"))
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}
