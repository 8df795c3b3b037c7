package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hangarci/hangar/pkg/blob"
	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/metrics"
	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/token"
	"github.com/hangarci/hangar/pkg/types"
)

// registerResponse carries the only copy of a worker token the server
// ever sends.
type registerResponse struct {
	ID                  string    `json:"id"`
	Token               string    `json:"token"`
	ExpiresAt           time.Time `json:"expires_at"`
	PollIntervalSeconds int       `json:"poll_interval_seconds"`
}

// handleRegisterWorker registers a worker or rotates the credentials
// of an existing one. Re-registration preserves status, counters and
// any assigned builds; it is a credential refresh, not a reset.
func (s *Server) handleRegisterWorker(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var body struct {
		ID           string             `json:"id"`
		Name         string             `json:"name"`
		Capabilities types.Capabilities `json:"capabilities"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		badRequest(c, "expected JSON body with name")
		return
	}

	newToken, err := token.NewWorkerToken()
	if err != nil {
		respondError(c, err)
		return
	}
	expiresAt := time.Now().Add(s.cfg.WorkerTokenTTL)
	ctx := c.Request.Context()

	if body.ID != "" {
		if err := types.ValidateID(body.ID); err != nil {
			respondError(c, err)
			return
		}
		worker, err := s.store.ReRegisterWorker(ctx, body.ID, body.Name, body.Capabilities, newToken, expiresAt)
		if err == nil {
			s.broker.Publish(events.WorkerEvent(events.EventWorkerRegistered, worker.ID, "worker re-registered"))
			c.JSON(http.StatusOK, registerResponse{
				ID:                  worker.ID,
				Token:               newToken,
				ExpiresAt:           expiresAt,
				PollIntervalSeconds: int(s.cfg.WorkerPollInterval.Seconds()),
			})
			return
		}
		if !types.IsKind(err, types.KindNotFound) {
			respondError(c, err)
			return
		}
	}

	id := body.ID
	if id == "" {
		id = token.NewID()
	}
	now := time.Now().UTC()
	worker := &types.Worker{
		ID:                   id,
		Name:                 body.Name,
		Capabilities:         body.Capabilities,
		Status:               types.WorkerStatusIdle,
		AccessToken:          newToken,
		AccessTokenExpiresAt: expiresAt,
		LastSeenAt:           now,
		RegisteredAt:         now,
	}
	if err := s.store.CreateWorker(ctx, worker); err != nil {
		respondError(c, err)
		return
	}
	s.broker.Publish(events.WorkerEvent(events.EventWorkerRegistered, worker.ID, "worker registered"))
	c.JSON(http.StatusCreated, registerResponse{
		ID:                  worker.ID,
		Token:               newToken,
		ExpiresAt:           expiresAt,
		PollIntervalSeconds: int(s.cfg.WorkerPollInterval.Seconds()),
	})
}

// handleUnregisterWorker takes the calling worker offline, returning
// every build it held to the queue.
func (s *Server) handleUnregisterWorker(c *gin.Context) {
	worker, ok := s.workerForRequest(c)
	if !ok {
		return
	}
	requeued, err := s.store.UnregisterWorker(c.Request.Context(), worker.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	s.broker.Publish(events.WorkerEvent(events.EventWorkerOffline, worker.ID, "worker unregistered"))
	c.JSON(http.StatusOK, gin.H{"status": "unregistered", "builds_reassigned": requeued})
}

// handleAbandonBuild lets a worker hand back a build it cannot finish.
// The build returns to pending without touching failure counters.
func (s *Server) handleAbandonBuild(c *gin.Context) {
	worker, ok := s.workerForRequest(c)
	if !ok {
		return
	}
	var body struct {
		BuildID string `json:"build_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.BuildID == "" {
		badRequest(c, "expected JSON body with build_id")
		return
	}
	ctx := c.Request.Context()
	build, err := s.store.GetBuild(ctx, body.BuildID)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.auth.WorkerOwnsBuild(worker, build); err != nil {
		respondError(c, err)
		return
	}
	requeued, err := s.store.RequeueBuild(ctx, build.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	s.broker.Publish(events.BuildEvent(events.EventBuildRequeued, requeued.ID, "build abandoned by worker "+worker.ID))
	c.JSON(http.StatusOK, gin.H{"id": requeued.ID, "status": requeued.Status})
}

// jobEnvelope is what a worker receives from a successful poll.
type jobEnvelope struct {
	ID        string         `json:"id"`
	Platform  types.Platform `json:"platform"`
	SourceURL string         `json:"source_url"`
	CertsURL  *string        `json:"certs_url,omitempty"`
	OTP       string         `json:"otp"`
}

type pollResponse struct {
	Job                 *jobEnvelope `json:"job"`
	Token               string       `json:"token,omitempty"`
	PollIntervalSeconds int          `json:"poll_interval_seconds"`
}

func jobFor(build *types.Build) *jobEnvelope {
	job := &jobEnvelope{
		ID:        build.ID,
		Platform:  build.Platform,
		SourceURL: "/api/builds/" + build.ID + "/source",
	}
	if build.CertsPath != nil {
		certs := "/api/builds/" + build.ID + "/certs"
		job.CertsURL = &certs
	}
	if build.OTP != nil {
		job.OTP = *build.OTP
	}
	return job
}

// handlePoll hands out the next pending build. The token path rotates
// the worker's credential on every call; the legacy admin path polls
// on a worker's behalf without rotation.
func (s *Server) handlePoll(c *gin.Context) {
	ctx := c.Request.Context()

	if workerToken := c.GetHeader(headerWorkerToken); workerToken != "" {
		worker, err := s.auth.WorkerByToken(ctx, workerToken)
		if err != nil {
			respondError(c, err)
			return
		}
		next, err := token.NewWorkerToken()
		if err != nil {
			respondError(c, err)
			return
		}
		worker, err = s.store.HeartbeatWorker(ctx, worker.ID, workerToken, next, time.Now().Add(s.cfg.WorkerTokenTTL))
		if err != nil {
			respondError(c, err)
			return
		}

		build, err := s.dispatchFor(c, worker.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		resp := pollResponse{
			Token:               next,
			PollIntervalSeconds: int(s.cfg.WorkerPollInterval.Seconds()),
		}
		if build != nil {
			resp.Job = jobFor(build)
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	// Legacy path: admin key plus explicit worker id, sent as the
	// X-Worker-Id header by older agents or as a query parameter.
	if !s.requireAdmin(c) {
		return
	}
	workerID := c.GetHeader(headerWorkerID)
	if workerID == "" {
		workerID = c.Query("worker_id")
	}
	if workerID == "" {
		badRequest(c, "worker_id is required")
		return
	}
	if _, err := s.store.GetWorker(ctx, workerID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.TouchWorker(ctx, workerID); err != nil {
		respondError(c, err)
		return
	}
	build, err := s.dispatchFor(c, workerID)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := pollResponse{PollIntervalSeconds: int(s.cfg.WorkerPollInterval.Seconds())}
	if build != nil {
		resp.Job = jobFor(build)
	}
	c.JSON(http.StatusOK, resp)
}

// dispatchFor asks the engine for work. A busy worker is not an error
// at the HTTP level: it polls, gets no job, and keeps its build.
func (s *Server) dispatchFor(c *gin.Context, workerID string) (*types.Build, error) {
	build, err := s.engine.NextForWorker(c.Request.Context(), workerID)
	if err != nil {
		if errors.Is(err, store.ErrWorkerBusy) {
			c.Error(err)
			return nil, nil
		}
		return nil, err
	}
	return build, nil
}

// handleUploadResult ingests a build outcome. Multipart: a build_id
// field, an optional success flag (default true), then either the
// artifact part or an error_message field. A failed outcome carries no
// file; it transitions the build and charges the worker's counter.
func (s *Server) handleUploadResult(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	release, ok := s.acquireUploadSlot(c)
	if !ok {
		return
	}
	defer release()

	reader, err := c.Request.MultipartReader()
	if err != nil {
		badRequest(c, "expected multipart form")
		return
	}

	var buildID string
	var resultKey string
	var resultBytes int64
	success := true
	errorMessage := "build failed"

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.UploadsTotal.WithLabelValues("failure").Inc()
			respondError(c, ingestError(err))
			return
		}

		switch part.FormName() {
		case "build_id":
			value, err := readSmallField(part)
			if err != nil {
				metrics.UploadsTotal.WithLabelValues("failure").Inc()
				respondError(c, ingestError(err))
				return
			}
			buildID = value
			if err := types.ValidateID(buildID); err != nil {
				respondError(c, err)
				return
			}
		case "success":
			value, err := readSmallField(part)
			if err != nil {
				respondError(c, ingestError(err))
				return
			}
			success = strings.TrimSpace(value) != "false"
		case "error_message":
			value, err := readSmallField(part)
			if err != nil {
				respondError(c, ingestError(err))
				return
			}
			if v := strings.TrimSpace(value); v != "" {
				errorMessage = v
			}
		case "result", "file":
			if buildID == "" {
				badRequest(c, "build_id must precede the artifact part")
				return
			}
			key, n, err := s.blobs.Save(buildID, blob.KindResult, part)
			if err != nil {
				metrics.UploadsTotal.WithLabelValues("failure").Inc()
				respondError(c, ingestError(err))
				return
			}
			resultKey, resultBytes = key, n
		default:
			if _, err := io.Copy(io.Discard, part); err != nil {
				metrics.UploadsTotal.WithLabelValues("failure").Inc()
				respondError(c, ingestError(err))
				return
			}
		}
		_ = part.Close()
	}

	if !success {
		if buildID == "" {
			badRequest(c, "build_id is required")
			return
		}
		if resultKey != "" {
			_ = s.blobs.Delete(resultKey)
		}
		build, err := s.store.FailBuild(c.Request.Context(), buildID, errorMessage, true)
		if err != nil {
			respondError(c, err)
			return
		}
		s.broker.Publish(events.BuildEvent(events.EventBuildFailed, build.ID, "build failed"))
		c.JSON(http.StatusOK, gin.H{"id": build.ID, "status": build.Status})
		return
	}

	if buildID == "" || resultKey == "" {
		badRequest(c, "build_id and result parts are required")
		return
	}

	build, err := s.store.CompleteBuild(c.Request.Context(), buildID, resultKey)
	if err != nil {
		// The artifact landed but the build cannot complete; remove it
		// so a cancelled build leaves no orphan result.
		_ = s.blobs.Delete(resultKey)
		metrics.UploadsTotal.WithLabelValues("failure").Inc()
		respondError(c, err)
		return
	}

	metrics.UploadsTotal.WithLabelValues("success").Inc()
	metrics.UploadBytes.Add(float64(resultBytes))
	s.broker.Publish(events.BuildEvent(events.EventBuildCompleted, build.ID, "build completed"))
	c.JSON(http.StatusOK, gin.H{"id": build.ID, "status": build.Status, "bytes": resultBytes})
}

// handleWorkerFail records a failure the worker itself observed. This
// is the one failure path that counts against the worker.
func (s *Server) handleWorkerFail(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var body struct {
		BuildID string `json:"build_id"`
		Error   string `json:"error"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.BuildID == "" {
		badRequest(c, "expected JSON body with build_id")
		return
	}
	if body.Error == "" {
		body.Error = "build failed"
	}
	build, err := s.store.FailBuild(c.Request.Context(), body.BuildID, body.Error, true)
	if err != nil {
		respondError(c, err)
		return
	}
	s.broker.Publish(events.BuildEvent(events.EventBuildFailed, build.ID, "build failed"))
	c.JSON(http.StatusOK, gin.H{"id": build.ID, "status": build.Status})
}

// handleWorkerHeartbeat refreshes liveness without rotating the token.
func (s *Server) handleWorkerHeartbeat(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.WorkerID == "" {
		badRequest(c, "expected JSON body with worker_id")
		return
	}
	if err := s.store.TouchWorker(c.Request.Context(), body.WorkerID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListWorkers(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	workers, err := s.store.ListWorkers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (s *Server) handleWorkerStats(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	worker, err := s.store.GetWorker(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":               worker.ID,
		"name":             worker.Name,
		"status":           worker.Status,
		"capabilities":     worker.Capabilities,
		"builds_completed": worker.BuildsCompleted,
		"builds_failed":    worker.BuildsFailed,
		"last_seen_at":     worker.LastSeenAt,
		"uptime_seconds":   int64(time.Since(worker.RegisteredAt).Seconds()),
	})
}
