/*
Package api is the HTTP surface of the build controller.

Built on gin with a custom middleware chain; handlers are thin: they
authenticate, validate, call one store or engine operation and shape
the response. Domain errors carry their own kind, and respondError is
the single place a kind becomes a status code and envelope.

# Request Flow

	request
	   │
	   ▼
	request id ──► access log ──► recovery ──► metrics ──► body cap
	   │                                                  (uploads)
	   ▼
	handler ──► auth plug ──► store / engine / blobs
	   │
	   ▼
	JSON envelope, or streamed artifact bytes

# Surfaces

Three audiences share the route table, separated by credential:

  - operators and CI hold the admin key (submit, list, cancel, retry,
    worker administration, the event stream)
  - worker host agents hold a rotating worker token (poll, artifact
    fetch for their own builds, unregister, abandon)
  - build VMs hold a per-build VM token obtained by exchanging a
    one-time password (heartbeat, telemetry, logs, signing bundle)

Submitters keep the build access token returned at submission and can
read exactly that build.

# Streaming

Artifacts never pass through memory whole. Multipart uploads stream
part-wise into the blob store under the configured byte cap, and
downloads stream back in fixed-size chunks with Content-Disposition
set. An in-flight upload budget sheds excess load with 503.

# Error Envelope

	{"error": {"code": "NotFound", "message": "not found"}}

401 bodies are identical for missing, unknown and expired credentials.
500 bodies carry the request id so operators can find the logged
cause; the message field never does.
*/
package api
