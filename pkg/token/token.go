package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Credential lengths in hex characters. Each hex character carries four
// bits, so 32 chars = 128 bits, 48 = 192 bits, 64 = 256 bits.
const (
	workerTokenLen = 32
	vmTokenLen     = 48
	buildTokenLen  = 64
	otpLen         = 16
)

// Default lifetimes for credentials minted here. The worker token TTL
// is configured per deployment and passed explicitly; these cover the
// per-build credentials.
const (
	OTPTTL     = 10 * time.Minute
	VMTokenTTL = 4 * time.Hour
)

// NewID returns a fresh opaque identifier for builds and workers.
// UUIDs satisfy the [A-Za-z0-9_-] path allow-list and carry 122 random
// bits.
func NewID() string {
	return uuid.NewString()
}

// NewWorkerToken mints a rotating worker access token (128-bit).
func NewWorkerToken() (string, error) {
	return randomHex(workerTokenLen)
}

// NewBuildToken mints a per-submitter build access token (256-bit).
// Build tokens are issued once at submission and never rotate.
func NewBuildToken() (string, error) {
	return randomHex(buildTokenLen)
}

// NewOTP mints the one-time password embedded in a dispatched job
// envelope. The VM exchanges it exactly once for a VM token.
func NewOTP() (string, error) {
	return randomHex(otpLen)
}

// NewVMToken mints the short-lived per-build token used by the VM for
// credential fetches, heartbeats, logs and telemetry.
func NewVMToken() (string, error) {
	return randomHex(vmTokenLen)
}

// Expired reports whether a nullable expiry has passed. A nil expiry
// never expires; callers that require an expiry check for nil first.
func Expired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return now.After(*expiresAt)
}

func randomHex(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
