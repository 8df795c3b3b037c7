package blob

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hangarci/hangar/pkg/types"
)

// Artifact kinds. These are the only names ever used inside a build
// directory; client-supplied filenames are discarded.
const (
	KindSource = "source"
	KindCerts  = "certs"
	KindResult = "result"
)

// ChunkSize bounds every buffer used for streaming reads and writes.
// Uploads and downloads never hold more than this much artifact data in
// memory per request.
const ChunkSize = 64 * 1024

const buildsDir = "builds"

// ErrInvalidPath is returned whenever a key or path component fails the
// allow-list or escapes the storage root. No file is touched in that
// case.
var ErrInvalidPath = types.NewError(types.KindValidation, "invalid path")

// Store is a filesystem blob store rooted at a single directory. Every
// operation resolves its target to a canonical absolute path and
// refuses anything that is not strictly inside the root.
type Store struct {
	root string
}

// New creates (if needed) and opens a blob store rooted at root. The
// root must be absolute; it is canonicalized so later containment
// checks compare like with like.
func New(root string) (*Store, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("storage root must be absolute: %q", root)
	}
	if err := os.MkdirAll(filepath.Join(root, buildsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize storage root: %w", err)
	}
	return &Store{root: canonical}, nil
}

// Root returns the canonical storage root.
func (s *Store) Root() string {
	return s.root
}

// Key builds the relative blob key persisted in the database.
func Key(buildID, kind string) string {
	return path.Join(buildsDir, buildID, kind)
}

// validKind is the allow-list for artifact kinds.
func validKind(kind string) bool {
	return kind == KindSource || kind == KindCerts || kind == KindResult
}

// resolve joins validated components under the root and verifies the
// result is strictly inside it.
func (s *Store) resolve(parts ...string) (string, error) {
	for _, p := range parts {
		if types.ValidateID(p) != nil {
			return "", ErrInvalidPath
		}
	}
	joined := filepath.Join(append([]string{s.root}, parts...)...)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", ErrInvalidPath
	}
	if !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) {
		return "", ErrInvalidPath
	}
	return abs, nil
}

// resolveKey parses a persisted relative key (builds/<id>/<kind>) and
// resolves it. Keys of any other shape are rejected.
func (s *Store) resolveKey(key string) (string, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != buildsDir || !validKind(parts[2]) {
		return "", ErrInvalidPath
	}
	return s.resolve(parts...)
}

// ensureDir creates the build directory and verifies that, after
// resolving any symlinks, it still lives under the root. Writes never
// follow a symlinked build directory out of the store.
func (s *Store) ensureDir(dest string) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve build directory: %w", err)
	}
	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(os.PathSeparator)) {
		return ErrInvalidPath
	}
	return nil
}

// Save streams r into <root>/builds/<buildID>/<kind> and returns the
// relative key and byte count. Destinations are create-exclusive:
// saving over an existing source or certs blob returns Conflict. A
// result may be overwritten (a retried upload replaces it atomically).
// A write that fails mid-stream removes the partial file before
// returning.
func (s *Store) Save(buildID, kind string, r io.Reader) (string, int64, error) {
	if !validKind(kind) {
		return "", 0, ErrInvalidPath
	}
	dest, err := s.resolve(buildsDir, buildID, kind)
	if err != nil {
		return "", 0, err
	}
	if err := s.ensureDir(dest); err != nil {
		return "", 0, err
	}

	var n int64
	if kind == KindResult {
		n, err = writeReplace(dest, r)
	} else {
		n, err = writeExclusive(dest, r)
	}
	if err != nil {
		return "", 0, err
	}
	return Key(buildID, kind), n, nil
}

// writeExclusive creates dest with O_EXCL and streams into it, deleting
// the partial file on any error.
func writeExclusive(dest string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return 0, types.NewError(types.KindConflict, "artifact already exists")
		}
		return 0, fmt.Errorf("failed to create artifact: %w", err)
	}
	n, err := copyChunked(f, r)
	if err != nil {
		f.Close()
		os.Remove(dest)
		return 0, fmt.Errorf("failed to stream artifact: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(dest)
		return 0, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("failed to close artifact: %w", err)
	}
	return n, nil
}

// writeReplace streams into a temp name next to dest and renames it
// into place, so readers only ever see a complete file.
func writeReplace(dest string, r io.Reader) (int64, error) {
	tmp := dest + ".partial"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact: %w", err)
	}
	n, err := copyChunked(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to stream artifact: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return n, nil
}

func copyChunked(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	return io.CopyBuffer(dst, src, buf)
}

// Open returns a reader over a stored blob. Callers close it; the read
// is restartable by calling Open again.
func (s *Store) Open(key string) (io.ReadCloser, error) {
	dest, err := s.resolveKey(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound()
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}

// Stream copies a stored blob into w using a bounded buffer.
func (s *Store) Stream(w io.Writer, key string) (int64, error) {
	r, err := s.Open(key)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return copyChunked(w, r)
}

// Exists reports whether a blob is present.
func (s *Store) Exists(key string) bool {
	dest, err := s.resolveKey(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(dest)
	return err == nil && info.Mode().IsRegular()
}

// Size returns the byte count of a stored blob.
func (s *Store) Size(key string) (int64, error) {
	dest, err := s.resolveKey(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, types.ErrNotFound()
		}
		return 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return info.Size(), nil
}

// Delete removes a single blob. Deleting a missing blob is not an
// error.
func (s *Store) Delete(key string) error {
	dest, err := s.resolveKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// DeleteBuild removes a build's directory and everything in it.
func (s *Store) DeleteBuild(buildID string) error {
	dest, err := s.resolve(buildsDir, buildID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to delete build directory: %w", err)
	}
	return nil
}

// Copy duplicates a stored blob under a new key, streaming with the
// same bounded buffer and the same exclusive-create semantics as Save.
// Retry uses it to inherit source and certs into a new build.
func (s *Store) Copy(srcKey, dstKey string) error {
	src, err := s.Open(srcKey)
	if err != nil {
		return err
	}
	defer src.Close()

	parts := strings.Split(dstKey, "/")
	if len(parts) != 3 || parts[0] != buildsDir || !validKind(parts[2]) {
		return ErrInvalidPath
	}
	dest, err := s.resolve(parts...)
	if err != nil {
		return err
	}
	if err := s.ensureDir(dest); err != nil {
		return err
	}
	if parts[2] == KindResult {
		_, err = writeReplace(dest, src)
	} else {
		_, err = writeExclusive(dest, src)
	}
	return err
}
