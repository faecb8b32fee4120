//go:build linux

package region

import "golang.org/x/sys/unix"

// reserveMemory reserves size bytes of address space for the whole heap in
// a single anonymous mapping, initially inaccessible (PROT_NONE). Per-region
// commit/uncommit below then toggles protection on sub-ranges of this one
// mapping via mprotect, exactly mirroring a real collector committing and
// uncommitting individual regions out of one reserved address range.
func reserveMemory(size uintptr) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

func commitRange(mem []byte, bottom, size uintptr) error {
	return unix.Mprotect(mem[bottom:bottom+size], unix.PROT_READ|unix.PROT_WRITE)
}

func uncommitRange(mem []byte, bottom, size uintptr) error {
	return unix.Mprotect(mem[bottom:bottom+size], unix.PROT_NONE)
}

func releaseMemory(mem []byte) error {
	return unix.Munmap(mem)
}
