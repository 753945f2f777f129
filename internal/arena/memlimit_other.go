//go:build !linux && !darwin

package arena

import "errors"

func physicalMemory() (uint64, error) {
	return 0, errors.New("arena: physical memory size not available")
}
