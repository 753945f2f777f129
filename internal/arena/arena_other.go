//go:build !linux && !darwin

package arena

func pageSize() int {
	return 4096
}

// Without mmap the reservation is an ordinary Go allocation, which the Go
// runtime zeroes lazily.
func reserve(size uintptr) ([]byte, error) {
	return make([]byte, size), nil
}

func commit(mem []byte) error {
	return nil
}

func release(mem []byte) error {
	return nil
}
