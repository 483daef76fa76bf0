package stream

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockDirName = ".locks"

// Gate admits at most one creation per stream name. The stream directory is
// created with an exclusive mkdir, so an existing directory always means
// Conflict; a per-name lock file is held for the whole creation so that other
// processes sharing the output root, and the cleanup of a cancelled creation,
// cannot interleave with it.
type Gate struct {
	resolver *Resolver
	lockDir  string
}

// NewGate prepares the lock directory under the resolver's root.
func NewGate(r *Resolver) (*Gate, error) {
	lockDir := filepath.Join(r.Root(), lockDirName)
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Gate{resolver: r, lockDir: lockDir}, nil
}

// Claim is an admitted creation. Exactly one of Release or Discard must be called.
type Claim struct {
	Name Name
	Dir  string
	lock *flock.Flock
}

// Claim locks name and creates its directory. It fails with ErrConflict if
// another creation holds the lock or the directory already exists; in that
// case the existing directory is not touched.
func (g *Gate) Claim(name Name) (*Claim, error) {
	dir, err := g.resolver.StreamDir(name)
	if err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(g.lockDir, string(name)+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, ioFailure("acquire stream lock", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q is being created", ErrConflict, name)
	}

	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			_ = lock.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrConflict, name)
		}
		_ = removeLockFile(lock)
		_ = lock.Unlock()
		return nil, ioFailure("create stream dir", err)
	}
	return &Claim{Name: name, Dir: dir, lock: lock}, nil
}

// Release keeps the directory and drops the lock. The lock file stays next to
// the directory it guards, so there is at most one per existing stream.
func (c *Claim) Release() error {
	if err := c.lock.Unlock(); err != nil {
		return fmt.Errorf("release stream lock: %w", err)
	}
	return nil
}

// Discard removes the directory and everything in it, then drops the lock.
// The lock file is unlinked while still held; admission is decided by the
// exclusive mkdir either way.
func (c *Claim) Discard() error {
	rmErr := os.RemoveAll(c.Dir)
	lockErr := removeLockFile(c.lock)
	if err := c.Release(); err != nil {
		return err
	}
	if rmErr != nil {
		return ioFailure("remove stream dir", rmErr)
	}
	if lockErr != nil {
		return ioFailure("remove lock file", lockErr)
	}
	return nil
}

func removeLockFile(lock *flock.Flock) error {
	if err := os.Remove(lock.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
