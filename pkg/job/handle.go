package job

import "fmt"

// Handle refers to a job in the pool. It packs the slot index with the
// slot generation, so a handle to a job that has been returned to the pool
// (and possibly reused) is detected as stale instead of aliasing the new
// occupant. The zero Handle is never valid.
type Handle uint64

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

// Valid reports whether h could refer to a job. It does not check that the
// job is still alive.
func (h Handle) Valid() bool { return h.generation() != 0 }

func (h Handle) index() uint32      { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

// String formats the handle as index:generation.
func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.index(), h.generation())
}
