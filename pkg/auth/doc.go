/*
Package auth validates every credential the controller accepts.

One method per credential kind, each returning the authenticated
principal or a domain error. Handlers never compare secrets
themselves; they call into this package and act on the result.

# Credential Matrix

	┌────────────────┬──────────────────────┬──────────────────────────┐
	│ credential     │ presented by         │ grants                   │
	├────────────────┼──────────────────────┼──────────────────────────┤
	│ admin key      │ operators, CI        │ everything               │
	│ worker token   │ worker host agent    │ own registration, polls, │
	│                │                      │ own builds' artifacts    │
	│ build token    │ submitting client    │ one build's lifecycle    │
	│ OTP            │ VM, exactly once     │ a VM token               │
	│ VM token       │ VM                   │ one build's credentials, │
	│                │                      │ heartbeats, logs         │
	└────────────────┴──────────────────────┴──────────────────────────┘

# Design Decisions

Every secret comparison goes through subtle.ConstantTimeCompare. The
database lookup for worker tokens uses the indexed column for the
fetch, then the fetched values are re-compared constant-time before
the worker is accepted.

Failures are uniform: missing, unknown and expired credentials all
produce the same 401 body, so a caller cannot distinguish "no such
worker" from "token expired". The only non-401 outcome is Forbidden,
returned when an authenticated principal asks for a resource it does
not own.

Worker tokens rotate on every poll. The previously valid token stays
usable for one grace window so a worker that missed the rotation
response can recover; the rotation itself lives in the store, this
package only honours both slots.

# See Also

  - pkg/token for credential minting and lifetimes
  - pkg/store for token rotation and OTP consumption
*/
package auth
