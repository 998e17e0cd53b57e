//go:build !unix

package lockfile

import (
	"errors"
	"fmt"
	"os"
)

// tryAcquire falls back to exclusive creation of the marker. A marker left
// by a crashed holder must be removed by hand on these platforms.
func tryAcquire(path, ownerID string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lockfile: create marker: %w", err)
	}
	owner, err := writeOwner(f, ownerID)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return &Lock{path: path, file: f, owner: owner}, nil
}

func unlockFile(*os.File) error { return nil }

// probe has only the marker to go by on these platforms.
func probe(path string) (bool, error) {
	return Held(path), nil
}
