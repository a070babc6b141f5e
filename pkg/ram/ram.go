// Package ram provides the guest data memory that translated loads and
// stores access directly.
package ram

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Constants for RAM memory layout
const (
	PageSize = (1 << 12)
	// DefaultBase is where the image's first byte lives in guest address space.
	DefaultBase = 0x10000
)

// Access permission types for guest memory
type RamAccess int

const (
	Inaccessible RamAccess = iota
	Immutable
	Mutable
)

func (a RamAccess) String() string {
	switch a {
	case Immutable:
		return "immutable"
	case Mutable:
		return "mutable"
	}
	return "inaccessible"
}

// TotalSizeNeededPages rounds size up to a whole number of pages
func TotalSizeNeededPages(size int) int {
	return PageSize * ((PageSize + size - 1) / PageSize)
}

// RAM is one contiguous guest region [Base, Base+Size) backed by an anonymous
// mapping. The mapping never moves, so translated code can embed its host
// address. Guest stores are only allowed from WritableStart upward; everything
// below it (text and read-only data) is immutable to the guest.
type RAM struct {
	mem           []byte
	base          uint64
	writableStart uint64
}

// New maps size bytes (rounded up to pages) of zeroed guest memory at base.
// All of it starts out mutable.
func New(base uint64, size int) (*RAM, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid guest memory size %d", size)
	}
	mem, err := mapAnonymous(TotalSizeNeededPages(size))
	if err != nil {
		return nil, fmt.Errorf("failed to mmap guest memory: %w", err)
	}
	return &RAM{mem: mem, base: base, writableStart: base}, nil
}

// Base returns the first guest address of the region
func (r *RAM) Base() uint64 { return r.base }

// Size returns the mapped size in bytes
func (r *RAM) Size() uint64 { return uint64(len(r.mem)) }

// End returns the first guest address past the region
func (r *RAM) End() uint64 { return r.base + uint64(len(r.mem)) }

// WritableStart returns the lowest guest address a guest store may touch
func (r *RAM) WritableStart() uint64 { return r.writableStart }

// HostAddr returns the host address backing the region's first byte
func (r *RAM) HostAddr() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// SetImmutableBelow marks [Base, addr) read-only for guest stores
func (r *RAM) SetImmutableBelow(addr uint64) error {
	if addr < r.base || addr > r.End() {
		return fmt.Errorf("immutable limit %#x outside guest memory [%#x, %#x)", addr, r.base, r.End())
	}
	r.writableStart = addr
	return nil
}

// InspectAccess returns the guest's access rights at addr
func (r *RAM) InspectAccess(addr uint64) RamAccess {
	switch {
	case !r.Contains(addr, 1):
		return Inaccessible
	case addr < r.writableStart:
		return Immutable
	}
	return Mutable
}

// Contains reports whether [addr, addr+n) lies inside the region
func (r *RAM) Contains(addr, n uint64) bool {
	return addr >= r.base && n <= r.Size() && addr-r.base <= r.Size()-n
}

// Write copies data into guest memory at addr. It ignores guest access
// rights; the loader uses it to place immutable segments.
func (r *RAM) Write(addr uint64, data []byte) error {
	if !r.Contains(addr, uint64(len(data))) {
		return fmt.Errorf("write of %d bytes at %#x outside guest memory", len(data), addr)
	}
	copy(r.mem[addr-r.base:], data)
	return nil
}

// Read returns a copy of n bytes at addr
func (r *RAM) Read(addr, n uint64) ([]byte, error) {
	if !r.Contains(addr, n) {
		return nil, fmt.Errorf("read of %d bytes at %#x outside guest memory", n, addr)
	}
	out := make([]byte, n)
	copy(out, r.mem[addr-r.base:])
	return out, nil
}

// ReadUint64 reads a little-endian doubleword at addr
func (r *RAM) ReadUint64(addr uint64) (uint64, error) {
	if !r.Contains(addr, 8) {
		return 0, fmt.Errorf("read of 8 bytes at %#x outside guest memory", addr)
	}
	return binary.LittleEndian.Uint64(r.mem[addr-r.base:]), nil
}

// Close unmaps the region. Code that embeds its address must not run afterwards.
func (r *RAM) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unmap(r.mem)
	r.mem = nil
	return err
}
