package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockFileName = ".manifest.lock"

// Lock takes the per-video lock guarding the master playlist and the muxer
// byproducts in dir. It blocks until the lock is held or ctx ends.
func Lock(ctx context.Context, dir string) (unlock func() error, err error) {
	fl := flock.New(filepath.Join(dir, lockFileName))
	ok, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: not acquired", dir)
	}
	return fl.Unlock, nil
}
