package jit

import (
	"fmt"
	"unsafe"
)

// CodeRegion is one finalized block: read+execute, never writable again.
type CodeRegion struct {
	mem   []byte
	Entry uintptr
	Size  int
}

// Bytes returns the region's machine code (the mapping may be larger)
func (c *CodeRegion) Bytes() []byte {
	return c.mem[:c.Size]
}

// ExecutableMemory hands out page-granular executable regions. Each region
// is mapped writable, filled, then flipped to read+execute before use.
type ExecutableMemory struct {
	regions []*CodeRegion
	used    int
	mapped  int
}

// NewExecutableMemory creates an empty code allocator
func NewExecutableMemory() *ExecutableMemory {
	return &ExecutableMemory{}
}

// Allocate copies code into a new region and makes it executable
func (em *ExecutableMemory) Allocate(code []byte) (*CodeRegion, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("refusing to map an empty code region")
	}
	size := (len(code) + pageSize() - 1) &^ (pageSize() - 1)
	mem, err := mapPages(size)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap code region: %w", err)
	}
	copy(mem, code)
	if err := protectExec(mem); err != nil {
		unmapPages(mem)
		return nil, fmt.Errorf("failed to mprotect code region: %w", err)
	}

	region := &CodeRegion{
		mem:   mem,
		Entry: uintptr(unsafe.Pointer(&mem[0])),
		Size:  len(code),
	}
	em.regions = append(em.regions, region)
	em.used += len(code)
	em.mapped += size
	return region, nil
}

// Used returns the number of code bytes handed out
func (em *ExecutableMemory) Used() int {
	return em.used
}

// Mapped returns the number of bytes mapped, including page padding
func (em *ExecutableMemory) Mapped() int {
	return em.mapped
}

// Free unmaps every region. Entry points become invalid.
func (em *ExecutableMemory) Free() error {
	var firstErr error
	for _, r := range em.regions {
		if err := unmapPages(r.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		r.mem = nil
	}
	em.regions = nil
	em.used = 0
	em.mapped = 0
	return firstErr
}
