/*
Package token mints every credential and identifier the controller hands
out.

All secrets come from crypto/rand and are hex-encoded; identifiers are
UUIDs. Nothing in this package stores, compares or validates credentials:
storage belongs to pkg/store and constant-time validation to pkg/auth.

# Credential Inventory

	┌────────────────┬────────┬──────────────┬───────────────────────────┐
	│ Credential     │ Chars  │ Lifetime     │ Holder                    │
	├────────────────┼────────┼──────────────┼───────────────────────────┤
	│ Worker token   │ 32 hex │ TTL, rotates │ Worker agent (every poll) │
	│ Build token    │ 64 hex │ build life   │ Submitter (never rotates) │
	│ OTP            │ 16 hex │ 10 minutes   │ Job envelope → VM, 1 use  │
	│ VM token       │ 48 hex │ 4 hours      │ VM build runner           │
	│ Build/worker id│ UUID   │ forever      │ Everyone (non-secret)     │
	└────────────────┴────────┴──────────────┴───────────────────────────┘

The worker token TTL is a deployment knob (default 90s, at least three
poll intervals) and is applied by the store when it persists a rotation;
this package only mints values.

# Usage

	tok, err := token.NewWorkerToken()
	if err != nil {
		return err
	}
	expires := time.Now().UTC().Add(cfg.WorkerTokenTTL)

	otp, _ := token.NewOTP()
	otpExpiry := time.Now().UTC().Add(token.OTPTTL)

Expiry checks share one helper so nil handling is uniform:

	if token.Expired(worker.PrevTokenExpiresAt, now) {
		// grace window closed
	}

# Integration Points

  - pkg/store: persists minted tokens during registration/rotation
  - pkg/dispatch: mints the OTP placed in the job envelope
  - pkg/auth: exchanges OTPs for VM tokens
  - pkg/api: returns minted tokens to their owning principals

# See Also

  - pkg/auth for constant-time validation
*/
package token
