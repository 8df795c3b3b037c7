package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Platform identifies the build target.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// Valid reports whether p is a recognized platform.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// BuildStatus represents the lifecycle state of a build.
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusAssigned  BuildStatus = "assigned"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether s is a final state. Terminal builds are
// immutable; retry creates a new build instead of mutating them.
func (s BuildStatus) Terminal() bool {
	return s == BuildStatusCompleted || s == BuildStatusFailed || s == BuildStatusCancelled
}

// Active reports whether s means a worker currently holds the build.
func (s BuildStatus) Active() bool {
	return s == BuildStatusAssigned || s == BuildStatusBuilding
}

// WorkerStatus represents the current state of a worker node.
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBuilding WorkerStatus = "building"
	WorkerStatusOffline  WorkerStatus = "offline"
)

// Build represents one user-submitted request to compile a mobile-app
// bundle. Token fields carry json:"-" so they can never leak through an
// API response; handlers that must return a token do so through a
// dedicated response type.
type Build struct {
	ID              string      `db:"id" json:"id"`
	Platform        Platform    `db:"platform" json:"platform"`
	Status          BuildStatus `db:"status" json:"status"`
	WorkerID        *string     `db:"worker_id" json:"worker_id,omitempty"`
	SubmittedAt     time.Time   `db:"submitted_at" json:"submitted_at"`
	AssignedAt      *time.Time  `db:"assigned_at" json:"assigned_at,omitempty"`
	StartedAt       *time.Time  `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time  `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	SourcePath      *string     `db:"source_path" json:"source_path,omitempty"`
	CertsPath       *string     `db:"certs_path" json:"certs_path,omitempty"`
	ResultPath      *string     `db:"result_path" json:"result_path,omitempty"`
	ErrorMessage    *string     `db:"error_message" json:"error_message,omitempty"`

	AccessToken      string     `db:"access_token" json:"-"`
	OTP              *string    `db:"otp" json:"-"`
	OTPExpiresAt     *time.Time `db:"otp_expires_at" json:"-"`
	VMToken          *string    `db:"vm_token" json:"-"`
	VMTokenExpiresAt *time.Time `db:"vm_token_expires_at" json:"-"`
}

// Worker represents a remote node that executes builds in isolated VMs
// and polls the controller for work.
type Worker struct {
	ID              string       `db:"id" json:"id"`
	Name            string       `db:"name" json:"name"`
	Capabilities    Capabilities `db:"capabilities" json:"capabilities"`
	Status          WorkerStatus `db:"status" json:"status"`
	LastSeenAt      time.Time    `db:"last_seen_at" json:"last_seen_at"`
	BuildsCompleted int          `db:"builds_completed" json:"builds_completed"`
	BuildsFailed    int          `db:"builds_failed" json:"builds_failed"`
	RegisteredAt    time.Time    `db:"registered_at" json:"registered_at"`

	AccessToken          string     `db:"access_token" json:"-"`
	AccessTokenExpiresAt time.Time  `db:"access_token_expires_at" json:"-"`
	PrevToken            *string    `db:"prev_token" json:"-"`
	PrevTokenExpiresAt   *time.Time `db:"prev_token_expires_at" json:"-"`
}

// BuildLog is one append-only structured log line attached to a build.
type BuildLog struct {
	ID        int64     `db:"id" json:"id"`
	BuildID   string    `db:"build_id" json:"build_id"`
	Timestamp time.Time `db:"ts" json:"timestamp"`
	Level     string    `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
}

// TelemetrySample is one append-only resource snapshot reported from
// inside the build VM (CPU, memory, disk and similar).
type TelemetrySample struct {
	ID        int64     `db:"id" json:"id"`
	BuildID   string    `db:"build_id" json:"build_id"`
	Timestamp time.Time `db:"ts" json:"timestamp"`
	Kind      string    `db:"kind" json:"kind"`
	Payload   Payload   `db:"payload" json:"payload"`
}

// Capabilities is an opaque key/value bag describing what a worker can
// do (Xcode version, macOS version, chip). Stored as JSONB.
type Capabilities map[string]string

// Value implements driver.Valuer.
func (c Capabilities) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *Capabilities) Scan(src any) error {
	return scanJSON(c, src)
}

// Payload is an opaque JSON object carried by a telemetry sample.
type Payload map[string]any

// Value implements driver.Valuer.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	return scanJSON(p, src)
}

func scanJSON(dst any, src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON value", src)
	}
}

// BuildCounts holds per-status build totals for stats and metrics.
type BuildCounts struct {
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Building  int `json:"building"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// WorkerCounts holds per-status worker totals.
type WorkerCounts struct {
	Idle     int `json:"idle"`
	Building int `json:"building"`
	Offline  int `json:"offline"`
	Total    int `json:"total"`
}

// Stats is the aggregate snapshot served by the stats endpoints and
// scraped into gauges by the metrics collector.
type Stats struct {
	Builds     BuildCounts  `json:"builds"`
	Workers    WorkerCounts `json:"workers"`
	QueueDepth int          `json:"queue_depth"`
}

// idPattern is the allow-list for every identifier that may ever reach
// a filesystem path. Anything else is rejected before use.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID rejects identifiers that are empty or contain characters
// outside [A-Za-z0-9_-].
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return NewError(KindValidation, "invalid identifier")
	}
	return nil
}
