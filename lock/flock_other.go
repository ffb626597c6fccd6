//go:build !unix

package lock

import "os"

// Without flock the dotlock is the only lock.
func lockFile(f *os.File, mode Mode) (bool, error) {
	return true, nil
}

func unlockFile(f *os.File) error {
	return nil
}
