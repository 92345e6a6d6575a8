//go:build !unix

// Shared memory segments are only published by producers on unix systems.
// This stub keeps the module building elsewhere for development.

package vsm

import "fmt"

func mapFile(path string) (*mapping, error) {
	return nil, fmt.Errorf("shared memory segments are not supported on this platform")
}

func processAlive(pid int) bool {
	return false
}
