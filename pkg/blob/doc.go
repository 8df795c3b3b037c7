/*
Package blob is the path-safe filesystem store for build artifacts.

Every build owns one directory under the storage root holding up to three
server-named files. Client-supplied filenames are discarded at the door;
only the three fixed kinds exist.

# Layout

	<root>/builds/<build_id>/source   uploaded archive (create-exclusive)
	<root>/builds/<build_id>/certs    signing material (create-exclusive, optional)
	<root>/builds/<build_id>/result   build output (overwritable, atomic replace)

The relative key builds/<build_id>/<kind> is what the repository persists;
it stays valid across process restarts and root relocations.

# Path Safety

Two independent guards run on every operation:

	┌───────────────────────────────────────────────────────────┐
	│ 1. Allow-list                                              │
	│    every component must match ^[A-Za-z0-9_-]+$            │
	│    kinds must be source|certs|result                      │
	│                                                            │
	│ 2. Containment                                             │
	│    join(root, parts...) → absolute path                   │
	│    must be a strict child of the canonical root           │
	│                                                            │
	│ plus, for writes:                                          │
	│    the build directory is re-resolved through              │
	│    EvalSymlinks and must still be inside the root,        │
	│    so a symlinked build directory cannot redirect a       │
	│    write out of the store                                 │
	└───────────────────────────────────────────────────────────┘

Violations return ErrInvalidPath (a ValidationError) and touch nothing.
Traversal sequences, URL-encoded traversal, null bytes and absolute paths
all fail the allow-list before any filesystem call happens.

# Streaming

Reads and writes move through 64 KiB buffers (ChunkSize). The process
never holds a whole artifact in memory; a 1 GB result flows through the
same fixed buffer as a 1 KB one. Open returns a plain ReadCloser and the
stream is restartable by re-opening the key.

Failed writes are rolled back: a source/certs upload that dies mid-stream
removes its partial file and frees the create-exclusive slot; a result is
written to a temp name and renamed, so a half-written result is never
visible.

# Usage

	store, err := blob.New(cfg.StorageRoot)
	if err != nil {
		return err
	}

	key, size, err := store.Save(build.ID, blob.KindSource, part)
	// key == "builds/<id>/source"

	n, err := store.Stream(w, key)      // download
	err = store.Copy(srcKey, dstKey)    // retry inherits blobs
	err = store.DeleteBuild(build.ID)   // retention action

# Integration Points

  - pkg/api: multipart ingress saves parts; download handlers stream out
  - pkg/store: persists the relative keys returned by Save
  - retry endpoint: Copy duplicates source/certs into the new build

# See Also

  - pkg/types for ValidateID, the shared component allow-list
*/
package blob
