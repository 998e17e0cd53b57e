//go:build unix

package lockfile

import (
	"context"
	"os"
	"testing"
)

func TestLocked_LiveHolderVersusStaleMarker(t *testing.T) {
	// WHAT: Locked follows the OS lock, not the marker file.
	// WHY: A marker left by a crashed holder must not be reported as held.
	path := lockPath(t)
	if locked, err := Locked(path); err != nil || locked {
		t.Fatalf("no marker: got %v, %v", locked, err)
	}

	l, err := Acquire(context.Background(), path, Options{Mode: NonBlocking})
	if err != nil {
		t.Fatal(err)
	}
	if locked, err := Locked(path); err != nil || !locked {
		t.Fatalf("live holder: got %v, %v", locked, err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`{"id":"lck_dead","pid":999999}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if !Held(path) {
		t.Fatal("stale marker should still be present")
	}
	if locked, err := Locked(path); err != nil || locked {
		t.Fatalf("stale marker: got %v, %v", locked, err)
	}
}
