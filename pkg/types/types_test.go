package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"uuid", "0e1d8a44-9a3e-4a6f-8c3a-2f1b6d9e0c11", true},
		{"alnum with underscore", "build_42", true},
		{"single char", "x", true},
		{"empty", "", false},
		{"dot dot", "..", false},
		{"path traversal", "../etc", false},
		{"embedded traversal", "x/../../y", false},
		{"slash", "a/b", false},
		{"url encoded traversal", "%2e%2e%2f", false},
		{"null byte", "abc\x00def", false},
		{"absolute path", "/etc/passwd", false},
		{"space", "a b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, KindValidation, KindOf(err))
			}
		})
	}
}

func TestBuildJSONNeverContainsTokens(t *testing.T) {
	otp := "0123456789abcdef"
	vm := strings.Repeat("b", 48)
	now := time.Now().UTC()
	b := &Build{
		ID:               "build-1",
		Platform:         PlatformIOS,
		Status:           BuildStatusPending,
		SubmittedAt:      now,
		AccessToken:      strings.Repeat("a", 64),
		OTP:              &otp,
		OTPExpiresAt:     &now,
		VMToken:          &vm,
		VMTokenExpiresAt: &now,
	}

	data, err := json.Marshal(b)
	require.NoError(t, err)

	s := string(data)
	assert.NotContains(t, s, b.AccessToken)
	assert.NotContains(t, s, otp)
	assert.NotContains(t, s, vm)
	assert.NotContains(t, s, "access_token")
	assert.NotContains(t, s, "otp")
	assert.NotContains(t, s, "vm_token")
}

func TestWorkerJSONNeverContainsTokens(t *testing.T) {
	prev := strings.Repeat("p", 32)
	w := &Worker{
		ID:                   "worker-1",
		Name:                 "mac-mini-1",
		Status:               WorkerStatusIdle,
		AccessToken:          strings.Repeat("t", 32),
		AccessTokenExpiresAt: time.Now().Add(90 * time.Second),
		PrevToken:            &prev,
	}

	data, err := json.Marshal(w)
	require.NoError(t, err)

	s := string(data)
	assert.NotContains(t, s, w.AccessToken)
	assert.NotContains(t, s, prev)
	assert.NotContains(t, s, "access_token")
}

func TestCapabilitiesRoundTrip(t *testing.T) {
	caps := Capabilities{"xcode": "16.2", "chip": "m2"}

	v, err := caps.Value()
	require.NoError(t, err)

	var out Capabilities
	require.NoError(t, out.Scan(v))
	assert.Equal(t, caps, out)
}

func TestCapabilitiesScanNil(t *testing.T) {
	var out Capabilities
	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)
}

func TestCapabilitiesValueNil(t *testing.T) {
	var caps Capabilities
	v, err := caps.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), v)
}

func TestPayloadScanString(t *testing.T) {
	var p Payload
	require.NoError(t, p.Scan(`{"cpu": 42.5}`))
	assert.Equal(t, 42.5, p["cpu"])
}

func TestPlatformValid(t *testing.T) {
	assert.True(t, PlatformIOS.Valid())
	assert.True(t, PlatformAndroid.Valid())
	assert.False(t, Platform("windows").Valid())
	assert.False(t, Platform("").Valid())
}
