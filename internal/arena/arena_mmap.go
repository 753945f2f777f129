//go:build linux || darwin

package arena

import "golang.org/x/sys/unix"

func pageSize() int {
	return unix.Getpagesize()
}

// reserve maps an inaccessible range. Pages only cost memory once they are
// committed and touched.
func reserve(size uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
}

func commit(mem []byte) error {
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE)
}

func release(mem []byte) error {
	return unix.Munmap(mem)
}
