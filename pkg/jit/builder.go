package jit

import (
	"github.com/ascrivener/a64jit/pkg/errors"
)

// Label is a block-scoped symbolic branch target.
type Label uint64

type item struct {
	inst   Instruction
	branch bool
	cond   HostCond
	target Label
}

// Builder accumulates one block's host instructions with symbolic branch
// targets and lays them out once all offsets are known.
type Builder struct {
	items     []item
	nextLabel Label
	bindings  map[Label]int
	pending   []Label
	err       error
	done      bool
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{bindings: make(map[Label]int)}
}

// CreateLabel mints a fresh label. It may be branched to before it is bound.
func (b *Builder) CreateLabel() Label {
	l := b.nextLabel
	b.nextLabel++
	return l
}

// Bind resolves l to the next instruction added (or to the end of the
// block if none follows).
func (b *Builder) Bind(l Label) {
	if _, ok := b.bindings[l]; ok || b.isPending(l) {
		b.setErr(errors.Errorf(errors.KindEncoding, 0, "label %d bound twice", l))
		return
	}
	if l >= b.nextLabel {
		b.setErr(errors.Errorf(errors.KindEncoding, 0, "label %d was never created", l))
		return
	}
	b.pending = append(b.pending, l)
}

// Add appends a fully resolved instruction
func (b *Builder) Add(inst Instruction) {
	b.push(item{inst: inst})
}

// AddWithLabel appends inst and makes it the target of l
func (b *Builder) AddWithLabel(inst Instruction, l Label) {
	b.Bind(l)
	b.Add(inst)
}

// AddBranch appends a jump to l, taken when cond holds. Always jumps
// unconditionally.
func (b *Builder) AddBranch(cond HostCond, l Label) {
	if cond > Always {
		b.setErr(errors.Errorf(errors.KindEncoding, 0, "invalid branch condition %#x", cond))
		return
	}
	b.push(item{branch: true, cond: cond, target: l})
}

// Len returns the number of instructions added so far
func (b *Builder) Len() int {
	return len(b.items)
}

func (b *Builder) push(it item) {
	for _, l := range b.pending {
		b.bindings[l] = len(b.items)
	}
	b.pending = b.pending[:0]
	b.items = append(b.items, it)
}

func (b *Builder) isPending(l Label) bool {
	for _, p := range b.pending {
		if p == l {
			return true
		}
	}
	return false
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Assemble lays the block out and returns its machine code. Every branch
// starts in its short form; branches whose displacement does not fit are
// widened and the layout repeated until nothing changes. Widening only ever
// grows the code, so the loop terminates.
func (b *Builder) Assemble() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, l := range b.pending {
		b.bindings[l] = len(b.items)
	}
	b.pending = b.pending[:0]

	for i, it := range b.items {
		if it.branch {
			if _, ok := b.bindings[it.target]; !ok {
				return nil, errors.Errorf(errors.KindEncoding, 0, "branch %d targets unbound label %d", i, it.target)
			}
			continue
		}
		if err := it.inst.Err(); err != nil {
			return nil, errors.Wrap(errors.KindEncoding, 0, err, "cannot encode host instruction")
		}
	}

	n := len(b.items)
	wide := make([]bool, n)
	offsets := make([]int, n+1)
	for {
		off := 0
		for i, it := range b.items {
			offsets[i] = off
			if it.branch {
				off += jumpLen(it.cond, wide[i])
			} else {
				off += it.inst.Len()
			}
		}
		offsets[n] = off

		changed := false
		for i, it := range b.items {
			if !it.branch || wide[i] {
				continue
			}
			rel := offsets[b.bindings[it.target]] - offsets[i+1]
			if !fitsInt8(int64(rel)) {
				wide[i] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	a := Assembler{buf: make([]byte, 0, offsets[n])}
	for i, it := range b.items {
		if !it.branch {
			a.emit(it.inst.Bytes()...)
			continue
		}
		rel := offsets[b.bindings[it.target]] - offsets[i+1]
		if !fitsInt32(int64(rel)) {
			return nil, errors.Errorf(errors.KindEncoding, 0, "branch displacement %d out of range", rel)
		}
		a.Jump(it.cond, int32(rel), wide[i])
	}
	if err := a.Err(); err != nil {
		return nil, errors.Wrap(errors.KindEncoding, 0, err, "cannot encode branch")
	}
	return a.Bytes(), nil
}

// Finalize assembles the block into a fresh executable region. The builder
// cannot be used afterwards. On error nothing is allocated.
func (b *Builder) Finalize(mem *ExecutableMemory) (*CodeRegion, error) {
	if b.done {
		return nil, errors.Errorf(errors.KindEncoding, 0, "builder already finalized")
	}
	b.done = true

	code, err := b.Assemble()
	if err != nil {
		return nil, err
	}
	return mem.Allocate(code)
}
