/*
Package dispatch hands pending builds to polling workers.

Two engines implement the same Engine interface and the poll handler
does not know which one is wired:

	┌──────────── LockingEngine (default) ────────────┐
	│                                                  │
	│  poll ──► store.AssignNextBuild                  │
	│           one transaction: lock worker row,      │
	│           claim oldest pending (SKIP LOCKED),    │
	│           persist OTP                            │
	│                                                  │
	└──────────────────────────────────────────────────┘

	┌──────────── SerialEngine (fallback) ────────────┐
	│                                                  │
	│  poll ──► request channel ──► actor goroutine    │
	│                               owns in-memory     │
	│                               FIFO, one assign   │
	│                               at a time          │
	│                                                  │
	└──────────────────────────────────────────────────┘

The locking engine treats the database as the queue, so Enqueue is a
no-op and nothing is lost on restart. The serial engine rebuilds its
FIFO from pending rows at Start and sheds load above a configurable
high-water mark; it serializes every assignment through one goroutine
instead of relying on row locks.

Both engines mint the build's one-time password at assignment and
publish build.assigned; neither ever hands the same build to two
workers.
*/
package dispatch
