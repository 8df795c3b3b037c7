package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hangarci/hangar/pkg/types"
)

// Mem is the in-memory Store used for development mode and tests. A
// single mutex serializes every mutation, which gives it the same
// atomicity the Postgres implementation gets from row locks. State
// does not survive a restart.
type Mem struct {
	mu        sync.RWMutex
	builds    map[string]*types.Build
	workers   map[string]*types.Worker
	logs      map[string][]*types.BuildLog
	telemetry map[string][]*types.TelemetrySample
	logSeq    int64
	sampleSeq int64
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		builds:    make(map[string]*types.Build),
		workers:   make(map[string]*types.Worker),
		logs:      make(map[string][]*types.BuildLog),
		telemetry: make(map[string][]*types.TelemetrySample),
	}
}

func copyBuild(b *types.Build) *types.Build {
	c := *b
	return &c
}

func copyWorker(w *types.Worker) *types.Worker {
	c := *w
	return &c
}

func (m *Mem) appendLog(buildID, level, message string) {
	m.logSeq++
	m.logs[buildID] = append(m.logs[buildID], &types.BuildLog{
		ID:        m.logSeq,
		BuildID:   buildID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	})
}

func (m *Mem) freeWorker(workerID string, completedDelta, failedDelta int) {
	if worker, ok := m.workers[workerID]; ok {
		worker.Status = types.WorkerStatusIdle
		worker.BuildsCompleted += completedDelta
		worker.BuildsFailed += failedDelta
	}
}

// CreateBuild inserts a new build.
func (m *Mem) CreateBuild(_ context.Context, build *types.Build) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.builds[build.ID]; exists {
		return types.NewError(types.KindConflict, "build already exists")
	}
	m.builds[build.ID] = copyBuild(build)
	return nil
}

// GetBuild fetches one build by id.
func (m *Mem) GetBuild(_ context.Context, id string) (*types.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	build, ok := m.builds[id]
	if !ok {
		return nil, types.ErrNotFound()
	}
	return copyBuild(build), nil
}

// DeleteBuild removes a pending build with its logs and telemetry.
func (m *Mem) DeleteBuild(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	build, ok := m.builds[id]
	if !ok {
		return types.ErrNotFound()
	}
	if build.Status != types.BuildStatusPending {
		return types.NewError(types.KindConflict, "only pending builds can be deleted")
	}
	delete(m.builds, id)
	delete(m.logs, id)
	delete(m.telemetry, id)
	return nil
}

// ListBuilds returns builds matching the filter, newest first.
func (m *Mem) ListBuilds(_ context.Context, filter BuildFilter) ([]*types.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	builds := []*types.Build{}
	for _, build := range m.builds {
		if filter.Status != "" && build.Status != filter.Status {
			continue
		}
		if filter.WorkerID != "" && (build.WorkerID == nil || *build.WorkerID != filter.WorkerID) {
			continue
		}
		builds = append(builds, copyBuild(build))
	}
	sort.Slice(builds, func(i, j int) bool {
		if !builds[i].SubmittedAt.Equal(builds[j].SubmittedAt) {
			return builds[i].SubmittedAt.After(builds[j].SubmittedAt)
		}
		return builds[i].ID > builds[j].ID
	})
	if filter.Limit > 0 && len(builds) > filter.Limit {
		builds = builds[:filter.Limit]
	}
	return builds, nil
}

// ListActiveBuilds returns builds currently held by a worker.
func (m *Mem) ListActiveBuilds(_ context.Context) ([]*types.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	builds := []*types.Build{}
	for _, build := range m.builds {
		if build.Status.Active() {
			builds = append(builds, copyBuild(build))
		}
	}
	sortFIFO(builds)
	return builds, nil
}

// sortFIFO orders builds by submission time, ties broken by id.
func sortFIFO(builds []*types.Build) {
	sort.Slice(builds, func(i, j int) bool {
		if !builds[i].SubmittedAt.Equal(builds[j].SubmittedAt) {
			return builds[i].SubmittedAt.Before(builds[j].SubmittedAt)
		}
		return builds[i].ID < builds[j].ID
	})
}

// CancelBuild cancels a pending build or fails an active one.
func (m *Mem) CancelBuild(_ context.Context, id, message string) (types.BuildStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	build, ok := m.builds[id]
	if !ok {
		return "", types.ErrNotFound()
	}
	now := time.Now().UTC()
	switch {
	case build.Status == types.BuildStatusPending:
		build.Status = types.BuildStatusCancelled
		build.CompletedAt = &now
	case build.Status.Active():
		m.failLocked(build, message, false)
	default:
		return "", types.ErrIllegalTransition(build.Status, types.BuildStatusCancelled)
	}
	m.appendLog(id, "info", message)
	return build.Status, nil
}

// HeartbeatBuild records liveness and moves assigned to building.
func (m *Mem) HeartbeatBuild(_ context.Context, id string) (*types.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	build, ok := m.builds[id]
	if !ok {
		return nil, types.ErrNotFound()
	}
	now := time.Now().UTC()
	switch build.Status {
	case types.BuildStatusAssigned:
		if err := types.ValidateTransition(build.Status, types.BuildStatusBuilding); err != nil {
			return nil, err
		}
		build.Status = types.BuildStatusBuilding
		build.StartedAt = &now
	case types.BuildStatusBuilding:
	default:
		return nil, types.ErrIllegalTransition(build.Status, types.BuildStatusBuilding)
	}
	build.LastHeartbeatAt = &now
	return copyBuild(build), nil
}

// CompleteBuild transitions a build to completed and frees its worker.
func (m *Mem) CompleteBuild(_ context.Context, id, resultPath string) (*types.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	build, ok := m.builds[id]
	if !ok {
		return nil, types.ErrNotFound()
	}
	if err := types.ValidateTransition(build.Status, types.BuildStatusCompleted); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	build.Status = types.BuildStatusCompleted
	build.ResultPath = &resultPath
	build.CompletedAt = &now
	build.ErrorMessage = nil
	if build.WorkerID != nil {
		m.freeWorker(*build.WorkerID, 1, 0)
	}
	m.appendLog(id, "info", "build completed")
	return copyBuild(build), nil
}

func (m *Mem) failLocked(build *types.Build, message string, fromWorker bool) {
	now := time.Now().UTC()
	build.Status = types.BuildStatusFailed
	build.ErrorMessage = &message
	build.CompletedAt = &now
	if build.WorkerID != nil {
		failedDelta := 0
		if fromWorker {
			failedDelta = 1
		}
		m.freeWorker(*build.WorkerID, 0, failedDelta)
	}
}

// FailBuild transitions a build to failed and frees its worker.
func (m *Mem) FailBuild(_ context.Context, id, message string, fromWorker bool) (*types.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	build, ok := m.builds[id]
	if !ok {
		return nil, types.ErrNotFound()
	}
	if err := types.ValidateTransition(build.Status, types.BuildStatusFailed); err != nil {
		return nil, err
	}
	m.failLocked(build, message, fromWorker)
	m.appendLog(id, "error", message)
	return copyBuild(build), nil
}

func requeueLocked(build *types.Build) {
	build.Status = types.BuildStatusPending
	build.WorkerID = nil
	build.AssignedAt = nil
	build.StartedAt = nil
	build.LastHeartbeatAt = nil
	build.OTP = nil
	build.OTPExpiresAt = nil
	build.VMToken = nil
	build.VMTokenExpiresAt = nil
}

// RequeueBuild returns an active build to pending.
func (m *Mem) RequeueBuild(_ context.Context, id string) (*types.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	build, ok := m.builds[id]
	if !ok {
		return nil, types.ErrNotFound()
	}
	if err := types.ValidateTransition(build.Status, types.BuildStatusPending); err != nil {
		return nil, err
	}
	workerID := build.WorkerID
	requeueLocked(build)
	if workerID != nil {
		m.freeWorker(*workerID, 0, 0)
	}
	m.appendLog(id, "warn", "build reassigned to queue")
	return copyBuild(build), nil
}

// ExchangeOTP consumes the build's one-time password.
func (m *Mem) ExchangeOTP(_ context.Context, id, otp, vmToken string, vmTokenExpiresAt time.Time) (*types.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	build, ok := m.builds[id]
	if !ok {
		return nil, types.ErrNotFound()
	}
	if build.OTP == nil || *build.OTP != otp {
		return nil, types.NewError(types.KindAuthInvalid, "invalid credentials")
	}
	if build.OTPExpiresAt == nil || time.Now().After(*build.OTPExpiresAt) {
		return nil, types.NewError(types.KindAuthInvalid, "invalid credentials")
	}
	build.OTP = nil
	build.OTPExpiresAt = nil
	build.VMToken = &vmToken
	build.VMTokenExpiresAt = &vmTokenExpiresAt
	return copyBuild(build), nil
}

// AppendBuildLog appends one structured log line.
func (m *Mem) AppendBuildLog(_ context.Context, buildID, level, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.builds[buildID]; !ok {
		return types.ErrNotFound()
	}
	m.appendLog(buildID, level, message)
	return nil
}

// ListBuildLogs returns a build's log lines in append order.
func (m *Mem) ListBuildLogs(_ context.Context, buildID string, limit int) ([]*types.BuildLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lines := m.logs[buildID]
	if limit > 0 && len(lines) > limit {
		lines = lines[:limit]
	}
	out := make([]*types.BuildLog, len(lines))
	for i, l := range lines {
		c := *l
		out[i] = &c
	}
	return out, nil
}

// AddTelemetry appends one telemetry sample.
func (m *Mem) AddTelemetry(_ context.Context, sample *types.TelemetrySample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.builds[sample.BuildID]; !ok {
		return types.ErrNotFound()
	}
	m.sampleSeq++
	c := *sample
	c.ID = m.sampleSeq
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	m.telemetry[sample.BuildID] = append(m.telemetry[sample.BuildID], &c)
	return nil
}

// ListTelemetry returns a build's telemetry samples in append order.
func (m *Mem) ListTelemetry(_ context.Context, buildID string, limit int) ([]*types.TelemetrySample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	samples := m.telemetry[buildID]
	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}
	out := make([]*types.TelemetrySample, len(samples))
	for i, s := range samples {
		c := *s
		out[i] = &c
	}
	return out, nil
}

// CreateWorker inserts a new worker.
func (m *Mem) CreateWorker(_ context.Context, worker *types.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workers[worker.ID]; exists {
		return types.NewError(types.KindConflict, "worker already exists")
	}
	m.workers[worker.ID] = copyWorker(worker)
	return nil
}

// GetWorker fetches one worker by id.
func (m *Mem) GetWorker(_ context.Context, id string) (*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	worker, ok := m.workers[id]
	if !ok {
		return nil, types.ErrNotFound()
	}
	return copyWorker(worker), nil
}

// GetWorkerByToken looks a worker up by current or previous token.
func (m *Mem) GetWorkerByToken(_ context.Context, token string) (*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, worker := range m.workers {
		if worker.AccessToken == token {
			return copyWorker(worker), nil
		}
		if worker.PrevToken != nil && *worker.PrevToken == token {
			return copyWorker(worker), nil
		}
	}
	return nil, types.ErrNotFound()
}

// ListWorkers returns all workers ordered by registration time.
func (m *Mem) ListWorkers(_ context.Context) ([]*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workers := []*types.Worker{}
	for _, worker := range m.workers {
		workers = append(workers, copyWorker(worker))
	}
	sort.Slice(workers, func(i, j int) bool {
		if !workers[i].RegisteredAt.Equal(workers[j].RegisteredAt) {
			return workers[i].RegisteredAt.Before(workers[j].RegisteredAt)
		}
		return workers[i].ID < workers[j].ID
	})
	return workers, nil
}

// ReRegisterWorker rotates an existing worker's token, preserving its
// status and any assigned builds.
func (m *Mem) ReRegisterWorker(_ context.Context, id, name string, caps types.Capabilities, newToken string, expiresAt time.Time) (*types.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	worker, ok := m.workers[id]
	if !ok {
		return nil, types.ErrNotFound()
	}
	worker.Name = name
	worker.Capabilities = caps
	worker.AccessToken = newToken
	worker.AccessTokenExpiresAt = expiresAt
	worker.PrevToken = nil
	worker.PrevTokenExpiresAt = nil
	worker.LastSeenAt = time.Now().UTC()
	return copyWorker(worker), nil
}

// HeartbeatWorker refreshes liveness and rotates the access token.
func (m *Mem) HeartbeatWorker(_ context.Context, id, presentedToken, newToken string, expiresAt time.Time) (*types.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	worker, ok := m.workers[id]
	if !ok {
		return nil, types.ErrNotFound()
	}
	if presentedToken == worker.AccessToken {
		grace := worker.AccessToken
		graceExpiry := worker.AccessTokenExpiresAt
		worker.PrevToken = &grace
		worker.PrevTokenExpiresAt = &graceExpiry
	} else {
		worker.PrevToken = nil
		worker.PrevTokenExpiresAt = nil
	}
	worker.AccessToken = newToken
	worker.AccessTokenExpiresAt = expiresAt
	worker.LastSeenAt = time.Now().UTC()
	if worker.Status == types.WorkerStatusOffline {
		worker.Status = types.WorkerStatusIdle
	}
	return copyWorker(worker), nil
}

// TouchWorker refreshes last_seen_at without rotating.
func (m *Mem) TouchWorker(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	worker, ok := m.workers[id]
	if !ok {
		return types.ErrNotFound()
	}
	worker.LastSeenAt = time.Now().UTC()
	return nil
}

// UnregisterWorker requeues the worker's active builds and marks it
// offline.
func (m *Mem) UnregisterWorker(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	worker, ok := m.workers[id]
	if !ok {
		return 0, types.ErrNotFound()
	}
	reassigned := 0
	for _, build := range m.builds {
		if build.Status.Active() && build.WorkerID != nil && *build.WorkerID == id {
			requeueLocked(build)
			m.appendLog(build.ID, "warn", "worker unregistered; build requeued")
			reassigned++
		}
	}
	worker.Status = types.WorkerStatusOffline
	return reassigned, nil
}

// AssignNextBuild atomically claims the oldest pending build for an
// idle worker.
func (m *Mem) AssignNextBuild(_ context.Context, workerID, otp string, otpExpiresAt time.Time) (*types.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	worker, ok := m.workers[workerID]
	if !ok {
		return nil, types.ErrNotFound()
	}
	if err := checkDispatchable(worker); err != nil {
		return nil, err
	}

	pending := []*types.Build{}
	for _, build := range m.builds {
		if build.Status == types.BuildStatusPending {
			pending = append(pending, build)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sortFIFO(pending)

	build := pending[0]
	m.assignLocked(build, worker, otp, otpExpiresAt)
	return copyBuild(build), nil
}

func (m *Mem) assignLocked(build *types.Build, worker *types.Worker, otp string, otpExpiresAt time.Time) {
	now := time.Now().UTC()
	build.Status = types.BuildStatusAssigned
	build.WorkerID = &worker.ID
	build.AssignedAt = &now
	build.OTP = &otp
	build.OTPExpiresAt = &otpExpiresAt
	worker.Status = types.WorkerStatusBuilding
	m.appendLog(build.ID, "info", "build assigned to worker "+worker.ID)
}

// AssignBuildToWorker assigns one specific pending build.
func (m *Mem) AssignBuildToWorker(_ context.Context, buildID, workerID, otp string, otpExpiresAt time.Time) (*types.Build, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	worker, ok := m.workers[workerID]
	if !ok {
		return nil, types.ErrNotFound()
	}
	if err := checkDispatchable(worker); err != nil {
		return nil, err
	}
	build, ok := m.builds[buildID]
	if !ok || build.Status != types.BuildStatusPending {
		return nil, types.NewError(types.KindConflict, "build is no longer pending")
	}
	m.assignLocked(build, worker, otp, otpExpiresAt)
	return copyBuild(build), nil
}

// ListStuckBuilds returns active builds with a stale (or absent)
// heartbeat older than the cutoff.
func (m *Mem) ListStuckBuilds(_ context.Context, cutoff time.Time) ([]*types.Build, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	builds := []*types.Build{}
	for _, build := range m.builds {
		if !build.Status.Active() {
			continue
		}
		stale := false
		if build.LastHeartbeatAt != nil {
			stale = build.LastHeartbeatAt.Before(cutoff)
		} else if build.AssignedAt != nil {
			stale = build.AssignedAt.Before(cutoff)
		}
		if stale {
			builds = append(builds, copyBuild(build))
		}
	}
	sortFIFO(builds)
	return builds, nil
}

// ListStaleWorkers returns workers not seen since the cutoff that are
// not already offline.
func (m *Mem) ListStaleWorkers(_ context.Context, cutoff time.Time) ([]*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workers := []*types.Worker{}
	for _, worker := range m.workers {
		if worker.Status != types.WorkerStatusOffline && worker.LastSeenAt.Before(cutoff) {
			workers = append(workers, copyWorker(worker))
		}
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

// Statistics returns the aggregate counters.
func (m *Mem) Statistics(_ context.Context) (*types.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &types.Stats{}
	for _, build := range m.builds {
		switch build.Status {
		case types.BuildStatusPending:
			stats.Builds.Pending++
		case types.BuildStatusAssigned:
			stats.Builds.Assigned++
		case types.BuildStatusBuilding:
			stats.Builds.Building++
		case types.BuildStatusCompleted:
			stats.Builds.Completed++
		case types.BuildStatusFailed:
			stats.Builds.Failed++
		case types.BuildStatusCancelled:
			stats.Builds.Cancelled++
		}
		stats.Builds.Total++
	}
	for _, worker := range m.workers {
		switch worker.Status {
		case types.WorkerStatusIdle:
			stats.Workers.Idle++
		case types.WorkerStatusBuilding:
			stats.Workers.Building++
		case types.WorkerStatusOffline:
			stats.Workers.Offline++
		}
		stats.Workers.Total++
	}
	stats.QueueDepth = stats.Builds.Pending
	return stats, nil
}

// Ping always succeeds for the in-memory store.
func (m *Mem) Ping(context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Mem) Close() error {
	return nil
}
