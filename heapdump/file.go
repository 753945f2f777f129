package heapdump

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process is writing the same dump file.
var ErrLocked = errors.New("heapdump: dump file is locked")

// lockFile takes the advisory lock guarding path. Concurrent dumps to the
// same file would interleave their records.
func lockFile(path string) (*flock.Flock, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("heapdump: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return fl, nil
}

// WriteFile writes d to the file at path, replacing it. The file is written
// under an advisory lock.
func WriteFile(path string, d *Dump) (err error) {
	fl, err := lockFile(path)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = d.WriteTo(f)
	return err
}

// ReadFile reads a dump written by WriteFile.
func ReadFile(path string) (*Dump, error) {
	fl := flock.New(path + ".lock")
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("heapdump: lock %s: %w", path, err)
	}
	defer fl.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
