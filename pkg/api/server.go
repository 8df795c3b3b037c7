package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hangarci/hangar/pkg/auth"
	"github.com/hangarci/hangar/pkg/blob"
	"github.com/hangarci/hangar/pkg/config"
	"github.com/hangarci/hangar/pkg/dispatch"
	"github.com/hangarci/hangar/pkg/events"
	"github.com/hangarci/hangar/pkg/health"
	"github.com/hangarci/hangar/pkg/log"
	"github.com/hangarci/hangar/pkg/metrics"
	"github.com/hangarci/hangar/pkg/store"
	"github.com/hangarci/hangar/pkg/types"
)

// Credential headers. The admin key may also arrive as a bearer token
// for CI convenience.
const (
	headerAPIKey      = "X-API-Key"
	headerWorkerToken = "X-Worker-Token"
	headerWorkerID    = "X-Worker-Id"
	headerBuildToken  = "X-Build-Token"
	headerVMToken     = "X-VM-Token"
)

// Server is the HTTP surface of the controller. It owns no domain
// state; everything flows through the store, the blob store and the
// dispatch engine.
type Server struct {
	cfg     *config.Config
	store   store.Store
	blobs   *blob.Store
	engine  dispatch.Engine
	broker  *events.Broker
	auth    *auth.Authenticator
	health  *health.Registry
	version string

	uploadSlots chan struct{}
	httpServer  *http.Server
}

// NewServer wires the HTTP layer over its collaborators.
func NewServer(cfg *config.Config, s store.Store, blobs *blob.Store, engine dispatch.Engine,
	broker *events.Broker, authn *auth.Authenticator, checks *health.Registry, version string) *Server {

	var slots chan struct{}
	if cfg.MaxConcurrentUploads > 0 {
		slots = make(chan struct{}, cfg.MaxConcurrentUploads)
	}
	return &Server{
		cfg:         cfg,
		store:       s,
		blobs:       blobs,
		engine:      engine,
		broker:      broker,
		auth:        authn,
		health:      checks,
		version:     version,
		uploadSlots: slots,
	}
}

// Router builds the gin engine with the full route table. Exposed so
// tests can drive it with httptest without binding a socket.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestIDMiddleware(), accessLogMiddleware(), recoveryMiddleware(), metricsMiddleware())

	// Public surface.
	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handlePublicStats)
	r.GET("/public/stats", s.handlePublicStats)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")

	builds := api.Group("/builds")
	{
		upload := maxBodyMiddleware(s.cfg.MaxUploadBytes)
		builds.POST("", upload, s.handleSubmitBuild)
		builds.POST("/submit", upload, s.handleSubmitBuild)
		builds.GET("", s.handleListBuilds)
		builds.GET("/active", s.handleActiveBuilds)
		builds.GET("/statistics", s.handleStatistics)
		builds.GET("/:id", s.handleGetBuild)
		builds.GET("/:id/status", s.handleBuildStatus)
		builds.GET("/:id/logs", s.handleGetBuildLogs)
		builds.GET("/:id/telemetry", s.handleGetTelemetry)
		builds.GET("/:id/download", s.handleDownloadArtifact)
		builds.GET("/:id/download/:type", s.handleDownloadArtifact)
		builds.POST("/:id/cancel", s.handleCancelBuild)
		builds.POST("/:id/retry", s.handleRetryBuild)

		// VM and worker-facing build endpoints.
		builds.POST("/:id/authenticate", s.handleAuthenticate)
		builds.GET("/:id/source", s.handleFetchSource)
		builds.GET("/:id/certs", s.handleFetchCerts)
		builds.GET("/:id/certs-secure", s.handleCertsSecure)
		builds.POST("/:id/heartbeat", s.handleBuildHeartbeat)
		builds.POST("/:id/telemetry", s.handleTelemetry)
		builds.POST("/:id/logs", s.handleAppendBuildLog)
	}

	workers := api.Group("/workers")
	{
		upload := maxBodyMiddleware(s.cfg.MaxUploadBytes)
		workers.GET("", s.handleListWorkers)
		workers.POST("/register", s.handleRegisterWorker)
		workers.POST("/unregister", s.handleUnregisterWorker)
		workers.POST("/abandon", s.handleAbandonBuild)
		workers.GET("/poll", s.handlePoll)
		workers.POST("/result", upload, s.handleUploadResult)
		workers.POST("/upload", upload, s.handleUploadResult)
		workers.POST("/fail", s.handleWorkerFail)
		workers.POST("/heartbeat", s.handleWorkerHeartbeat)
		workers.GET("/:id/stats", s.handleWorkerStats)
	}

	api.GET("/stats", s.handleStats)
	api.GET("/events", s.handleEvents)

	return r
}

// Start binds the configured address and serves until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.HTTPBind,
		Handler: s.Router(),
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.cfg.HTTPBind).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// adminKey pulls the admin credential from either accepted header.
func adminKey(c *gin.Context) string {
	if key := c.GetHeader(headerAPIKey); key != "" {
		return key
	}
	const bearer = "Bearer "
	if h := c.GetHeader("Authorization"); len(h) > len(bearer) && h[:len(bearer)] == bearer {
		return h[len(bearer):]
	}
	return ""
}

// requireAdmin aborts with 401 unless the request carries the admin
// key. Returns false when aborted.
func (s *Server) requireAdmin(c *gin.Context) bool {
	if err := s.auth.Admin(adminKey(c)); err != nil {
		respondError(c, err)
		return false
	}
	return true
}

// buildForReader resolves a build for the read endpoints shared by
// operators and submitters: the admin key sees any build (404 when
// unknown), a build token sees exactly its own.
func (s *Server) buildForReader(c *gin.Context, buildID string) (*types.Build, bool) {
	if key := adminKey(c); key != "" {
		if err := s.auth.Admin(key); err != nil {
			respondError(c, err)
			return nil, false
		}
		build, err := s.store.GetBuild(c.Request.Context(), buildID)
		if err != nil {
			respondError(c, err)
			return nil, false
		}
		return build, true
	}

	build, err := s.auth.Submitter(c.Request.Context(), buildID, c.GetHeader(headerBuildToken))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return build, true
}

// workerForRequest authenticates the worker token header.
func (s *Server) workerForRequest(c *gin.Context) (*types.Worker, bool) {
	worker, err := s.auth.WorkerByToken(c.Request.Context(), c.GetHeader(headerWorkerToken))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return worker, true
}

// acquireUploadSlot enforces the in-flight upload budget. The caller
// must invoke the release func when done.
func (s *Server) acquireUploadSlot(c *gin.Context) (func(), bool) {
	if s.uploadSlots == nil {
		return func() {}, true
	}
	select {
	case s.uploadSlots <- struct{}{}:
		return func() { <-s.uploadSlots }, true
	default:
		respondError(c, types.NewError(types.KindServiceUnavailable, "too many concurrent uploads"))
		return nil, false
	}
}
