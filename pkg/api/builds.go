package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hangarci/hangar/pkg/blob"
	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/token"
	"github.com/hangarci/hangar/pkg/types"
)

// submitResponse is the only place a build access token ever leaves
// the server.
type submitResponse struct {
	ID          string            `json:"id"`
	AccessToken string            `json:"access_token"`
	Status      types.BuildStatus `json:"status"`
	Platform    types.Platform    `json:"platform"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// handleSubmitBuild ingests a multipart submission: a platform field,
// a source archive and optionally a certs archive. Parts stream
// straight into the blob store; the build row is committed only after
// every part landed.
func (s *Server) handleSubmitBuild(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	if !s.engine.Accepting() {
		respondError(c, types.NewError(types.KindServiceUnavailable, "build queue is full"))
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

	buildID := token.NewID()
	var platform types.Platform
	var sourceKey, certsKey string

	cleanup := func() { _ = s.blobs.DeleteBuild(buildID) }

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			respondError(c, ingestError(err))
			return
		}

		switch part.FormName() {
		case "platform":
			value, err := readSmallField(part)
			if err != nil {
				cleanup()
				respondError(c, ingestError(err))
				return
			}
			platform = types.Platform(strings.TrimSpace(value))
		case "source":
			key, _, err := s.blobs.Save(buildID, blob.KindSource, part)
			if err != nil {
				cleanup()
				respondError(c, ingestError(err))
				return
			}
			sourceKey = key
		case "certs":
			key, _, err := s.blobs.Save(buildID, blob.KindCerts, part)
			if err != nil {
				cleanup()
				respondError(c, ingestError(err))
				return
			}
			certsKey = key
		default:
			// Unknown parts are drained and ignored.
			if _, err := io.Copy(io.Discard, part); err != nil {
				cleanup()
				respondError(c, ingestError(err))
				return
			}
		}
		_ = part.Close()
	}

	if !platform.Valid() {
		cleanup()
		badRequest(c, "platform must be one of: ios, android")
		return
	}
	if sourceKey == "" {
		cleanup()
		badRequest(c, "source archive is required")
		return
	}

	accessToken, err := token.NewBuildToken()
	if err != nil {
		cleanup()
		respondError(c, err)
		return
	}

	build := &types.Build{
		ID:          buildID,
		Platform:    platform,
		Status:      types.BuildStatusPending,
		SubmittedAt: time.Now().UTC(),
		SourcePath:  &sourceKey,
		AccessToken: accessToken,
	}
	if certsKey != "" {
		build.CertsPath = &certsKey
	}
	if err := s.store.CreateBuild(c.Request.Context(), build); err != nil {
		cleanup()
		respondError(c, err)
		return
	}
	if err := s.engine.Enqueue(build); err != nil {
		// A refused submission must leave no trace, or a restart would
		// revive a build the client was told did not land.
		if delErr := s.store.DeleteBuild(c.Request.Context(), build.ID); delErr != nil {
			c.Error(delErr)
		}
		cleanup()
		respondError(c, err)
		return
	}

	s.broker.Publish(events.BuildEvent(events.EventBuildSubmitted, build.ID, "build submitted"))
	c.JSON(http.StatusCreated, submitResponse{
		ID:          build.ID,
		AccessToken: accessToken,
		Status:      build.Status,
		Platform:    build.Platform,
		SubmittedAt: build.SubmittedAt,
	})
}

// ingestError classifies a failure while reading an upload. Crossing
// the body cap surfaces as MaxBytesError.
func ingestError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return types.NewError(types.KindPayloadTooLarge, "upload exceeds the size limit")
	}
	if types.KindOf(err) != types.KindInternal {
		return err
	}
	return types.WrapError(types.KindValidation, "malformed upload", err)
}

// readSmallField reads a text form field with a sanity cap.
func readSmallField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, 1024))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Server) handleListBuilds(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	filter := store.BuildFilter{
		Status:   types.BuildStatus(c.Query("status")),
		WorkerID: c.Query("worker_id"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	builds, err := s.store.ListBuilds(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"builds": builds, "count": len(builds)})
}

func (s *Server) handleActiveBuilds(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	builds, err := s.store.ListActiveBuilds(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"builds": builds, "count": len(builds)})
}

func (s *Server) handleStatistics(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	stats, err := s.store.Statistics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetBuild(c *gin.Context) {
	build, ok := s.buildForReader(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, build)
}

// statusResponse is the back-compat shape: timestamps are
// milliseconds since epoch, absent ones are null.
type statusResponse struct {
	ID          string            `json:"id"`
	Status      types.BuildStatus `json:"status"`
	Platform    types.Platform    `json:"platform"`
	SubmittedAt int64             `json:"submitted_at"`
	StartedAt   *int64            `json:"started_at"`
	CompletedAt *int64            `json:"completed_at"`
	Error       *string           `json:"error,omitempty"`
}

func epochMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func (s *Server) handleBuildStatus(c *gin.Context) {
	build, ok := s.buildForReader(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		ID:          build.ID,
		Status:      build.Status,
		Platform:    build.Platform,
		SubmittedAt: build.SubmittedAt.UnixMilli(),
		StartedAt:   epochMillis(build.StartedAt),
		CompletedAt: epochMillis(build.CompletedAt),
		Error:       build.ErrorMessage,
	})
}

func (s *Server) handleGetBuildLogs(c *gin.Context) {
	build, ok := s.buildForReader(c, c.Param("id"))
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	logs, err := s.store.ListBuildLogs(c.Request.Context(), build.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func (s *Server) handleGetTelemetry(c *gin.Context) {
	build, ok := s.buildForReader(c, c.Param("id"))
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	samples, err := s.store.ListTelemetry(c.Request.Context(), build.ID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"telemetry": samples, "count": len(samples)})
}

// handleDownloadArtifact streams a stored artifact back to the
// operator or submitter. The type comes from the path or the query
// string; result is the default.
func (s *Server) handleDownloadArtifact(c *gin.Context) {
	build, ok := s.buildForReader(c, c.Param("id"))
	if !ok {
		return
	}

	kind := c.Param("type")
	if kind == "" {
		kind = c.Query("type")
	}
	if kind == "" {
		kind = blob.KindResult
	}
	if kind != blob.KindResult && kind != blob.KindSource {
		badRequest(c, "type must be one of: result, source")
		return
	}
	if kind == blob.KindResult && build.Status != types.BuildStatusCompleted {
		respondError(c, types.NewError(types.KindConflict, "build has no result yet"))
		return
	}
	s.streamArtifact(c, build.ID, kind)
}

// streamArtifact writes one blob as an attachment download.
func (s *Server) streamArtifact(c *gin.Context, buildID, kind string) {
	key := blob.Key(buildID, kind)
	size, err := s.blobs.Size(key)
	if err != nil {
		respondError(c, err)
		return
	}
	rc, err := s.blobs.Open(key)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", `attachment; filename="`+buildID+"-"+kind+`"`)
	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(size, 10))
	c.Status(http.StatusOK)

	buf := make([]byte, blob.ChunkSize)
	if _, err := io.CopyBuffer(c.Writer, rc, buf); err != nil {
		// Mid-stream failure: the status line is gone, all we can do
		// is stop writing.
		c.Error(err)
	}
}

func (s *Server) handleCancelBuild(c *gin.Context) {
	if !s.requireAdmin(c) {
		return
	}
	id := c.Param("id")
	status, err := s.store.CancelBuild(c.Request.Context(), id, "cancelled by operator")
	if err != nil {
		respondError(c, err)
		return
	}
	eventType := events.EventBuildCancelled
	if status == types.BuildStatusFailed {
		eventType = events.EventBuildFailed
	}
	s.broker.Publish(events.BuildEvent(eventType, id, "cancelled by operator"))
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

// handleRetryBuild clones a build's source into a brand-new build with
// a fresh id and token. The original is never touched.
func (s *Server) handleRetryBuild(c *gin.Context) {
	original, ok := s.buildForReader(c, c.Param("id"))
	if !ok {
		return
	}
	release, ok := s.acquireUploadSlot(c)
	if !ok {
		return
	}
	defer release()

	sourceKey := blob.Key(original.ID, blob.KindSource)
	if !s.blobs.Exists(sourceKey) {
		badRequest(c, "source unavailable")
		return
	}

	newID := token.NewID()
	accessToken, err := token.NewBuildToken()
	if err != nil {
		respondError(c, err)
		return
	}

	newSourceKey := blob.Key(newID, blob.KindSource)
	if err := s.blobs.Copy(sourceKey, newSourceKey); err != nil {
		respondError(c, err)
		return
	}
	cleanup := func() { _ = s.blobs.DeleteBuild(newID) }

	build := &types.Build{
		ID:          newID,
		Platform:    original.Platform,
		Status:      types.BuildStatusPending,
		SubmittedAt: time.Now().UTC(),
		SourcePath:  &newSourceKey,
		AccessToken: accessToken,
	}
	certsKey := blob.Key(original.ID, blob.KindCerts)
	if s.blobs.Exists(certsKey) {
		newCertsKey := blob.Key(newID, blob.KindCerts)
		if err := s.blobs.Copy(certsKey, newCertsKey); err != nil {
			cleanup()
			respondError(c, err)
			return
		}
		build.CertsPath = &newCertsKey
	}

	if err := s.store.CreateBuild(c.Request.Context(), build); err != nil {
		cleanup()
		respondError(c, err)
		return
	}
	if err := s.engine.Enqueue(build); err != nil {
		if delErr := s.store.DeleteBuild(c.Request.Context(), build.ID); delErr != nil {
			c.Error(delErr)
		}
		cleanup()
		respondError(c, err)
		return
	}

	s.broker.Publish(events.BuildEvent(events.EventBuildSubmitted, build.ID, "build resubmitted from "+original.ID))
	c.JSON(http.StatusCreated, submitResponse{
		ID:          build.ID,
		AccessToken: accessToken,
		Status:      build.Status,
		Platform:    build.Platform,
		SubmittedAt: build.SubmittedAt,
	})
}
