package jit

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/ascrivener/a64jit/pkg/decoder"
	"github.com/ascrivener/a64jit/pkg/errors"
)

// Cell names one 64-bit slot of the register file.
type Cell int

const (
	CellX0 Cell = iota
	CellX1
	CellPC
	CellNZCV
	numCells
)

func (c Cell) String() string {
	switch c {
	case CellX0:
		return "x0"
	case CellX1:
		return "x1"
	case CellPC:
		return "pc"
	case CellNZCV:
		return "nzcv"
	}
	return fmt.Sprintf("cell(%d)", int(c))
}

// NZCVReset is the architectural reset value of the flags: Z set.
const NZCVReset = 0x4 << 28

// Registers is a copy of the guest architectural state
type Registers struct {
	X0   uint64 `json:"x0"`
	X1   uint64 `json:"x1"`
	PC   uint64 `json:"pc"`
	NZCV uint64 `json:"nzcv"`
}

// RegisterFile is the guest register storage that compiled blocks address
// directly. It lives in its own mapping, outside the Go heap, so the garbage
// collector can never move it under code that embeds its address.
type RegisterFile struct {
	mem []byte
}

// NewRegisterFile maps a register file and resets it
func NewRegisterFile() (*RegisterFile, error) {
	mem, err := mapPages(pageSize())
	if err != nil {
		return nil, fmt.Errorf("failed to mmap register file: %w", err)
	}
	rf := &RegisterFile{mem: mem}
	rf.Reset()
	return rf, nil
}

// Base returns the host address of the first cell
func (rf *RegisterFile) Base() uintptr {
	return uintptr(unsafe.Pointer(&rf.mem[0]))
}

// Addr returns the host address of cell c
func (rf *RegisterFile) Addr(c Cell) uintptr {
	return rf.Base() + uintptr(c)*8
}

// Get reads cell c
func (rf *RegisterFile) Get(c Cell) uint64 {
	return binary.LittleEndian.Uint64(rf.mem[int(c)*8:])
}

// Set writes cell c
func (rf *RegisterFile) Set(c Cell, v uint64) {
	binary.LittleEndian.PutUint64(rf.mem[int(c)*8:], v)
}

// Reset zeroes every register and sets the flags to their reset value
func (rf *RegisterFile) Reset() {
	for c := Cell(0); c < numCells; c++ {
		rf.Set(c, 0)
	}
	rf.Set(CellNZCV, NZCVReset)
}

// Snapshot copies the current guest state
func (rf *RegisterFile) Snapshot() Registers {
	return Registers{
		X0:   rf.Get(CellX0),
		X1:   rf.Get(CellX1),
		PC:   rf.Get(CellPC),
		NZCV: rf.Get(CellNZCV),
	}
}

// Cell maps a guest general-purpose register to its cell. The zero
// register and SP have no cell; callers handle the zero register themselves.
func (rf *RegisterFile) Cell(r decoder.Register) (Cell, error) {
	switch r.N {
	case 0:
		return CellX0, nil
	case 1:
		return CellX1, nil
	}
	return 0, errors.Errorf(errors.KindUnmapped, 0, "unmapped register %s", r)
}

// Close unmaps the register file. Blocks compiled against it must not run afterwards.
func (rf *RegisterFile) Close() error {
	if rf.mem == nil {
		return nil
	}
	err := unmapPages(rf.mem)
	rf.mem = nil
	return err
}
