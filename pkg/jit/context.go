package jit

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/ascrivener/a64jit/pkg/decoder"
	"github.com/ascrivener/a64jit/pkg/errors"
	"github.com/ascrivener/a64jit/pkg/ram"

	units "github.com/docker/go-units"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// DefaultLoadBias is the guest address of the first instruction when no
// memory is supplied.
const DefaultLoadBias = ram.DefaultBase

// Block is one translated run of guest instructions. Entry and End are
// byte offsets into the instruction stream; End is exclusive.
type Block struct {
	Entry uint64
	End   uint64
	Insts int
	Code  *CodeRegion
	Hits  uint64

	// host addresses baked into Code
	regsBase uintptr
	memBase  uintptr
}

// Contains reports whether the guest offset pc was translated into b
func (blk *Block) Contains(pc uint64) bool {
	return pc >= blk.Entry && pc < blk.End
}

// Stats counts the work a Context has done
type Stats struct {
	Blocks       int    `json:"blocks"`
	Translations uint64 `json:"translations"`
	Executions   uint64 `json:"executions"`
	Hits         uint64 `json:"hits"`
	CodeBytes    int    `json:"code_bytes"`
	CodeMapped   int    `json:"code_mapped"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%d blocks, %d translations, %d executions (%d cache hits), %s code in %s mapped",
		s.Blocks, s.Translations, s.Executions, s.Hits,
		units.HumanSize(float64(s.CodeBytes)), units.HumanSize(float64(s.CodeMapped)))
}

// Context owns everything a translated program touches: the guest
// instruction stream, the register file, guest memory, executable code and
// the block cache. Cached blocks embed the addresses of the register file
// and guest memory, so both stay mapped at fixed addresses until Close.
// A Context is not safe for concurrent use.
type Context struct {
	text     []uint32
	loadBias uint64
	biasSet  bool

	regs    *RegisterFile
	flags   *FlagUnit
	mem     *ram.RAM
	ownsMem bool
	code    *ExecutableMemory

	cache map[uint64]*Block
	index *btree.BTreeG[*Block]

	maxBlocks int
	stats     Stats
	log       *logrus.Entry
}

// Option configures a Context
type Option func(*Context)

// WithLogger routes translation and dispatch logging to log
func WithLogger(log *logrus.Entry) Option {
	return func(c *Context) {
		c.log = log
	}
}

// WithMemory makes translated loads and stores use mem. The caller keeps
// ownership. Unless WithLoadBias says otherwise, the stream is assumed to
// start at mem.Base().
func WithMemory(mem *ram.RAM) Option {
	return func(c *Context) {
		c.mem = mem
	}
}

// WithMaxBlocks limits a Run to n block executions; 0 means no limit
func WithMaxBlocks(n int) Option {
	return func(c *Context) {
		c.maxBlocks = n
	}
}

// WithLoadBias sets the guest address of the first instruction
func WithLoadBias(addr uint64) Option {
	return func(c *Context) {
		c.loadBias = addr
		c.biasSet = true
	}
}

func blockLess(a, b *Block) bool {
	return a.Entry < b.Entry
}

// NewContext creates an execution context for text. Without WithMemory the
// context maps its own guest memory holding the stream plus one writable page.
func NewContext(text []uint32, opts ...Option) (*Context, error) {
	if !hostSupported {
		return nil, fmt.Errorf("translated code cannot run on %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	c := &Context{
		text:     text,
		loadBias: DefaultLoadBias,
		code:     NewExecutableMemory(),
		cache:    make(map[uint64]*Block),
		index:    btree.NewG(8, blockLess),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.mem != nil && !c.biasSet {
		c.loadBias = c.mem.Base()
	}

	if c.mem == nil {
		mem, err := newStreamMemory(c.loadBias, text)
		if err != nil {
			return nil, err
		}
		c.mem = mem
		c.ownsMem = true
	}

	regs, err := NewRegisterFile()
	if err != nil {
		c.closeMem()
		return nil, err
	}
	c.regs = regs
	c.flags = NewFlagUnit(regs)
	return c, nil
}

func newStreamMemory(base uint64, text []uint32) (*ram.RAM, error) {
	textSize := ram.TotalSizeNeededPages(len(text) * decoder.InstructionSize)
	mem, err := ram.New(base, textSize+ram.PageSize)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(text)*decoder.InstructionSize)
	for i, w := range text {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	if err := mem.Write(base, buf); err != nil {
		mem.Close()
		return nil, err
	}
	if err := mem.SetImmutableBelow(base + uint64(textSize)); err != nil {
		mem.Close()
		return nil, err
	}
	return mem, nil
}

// LoadBias returns the guest address of the first instruction
func (c *Context) LoadBias() uint64 {
	return c.loadBias
}

// Memory returns the guest memory translated code accesses
func (c *Context) Memory() *ram.RAM {
	return c.mem
}

// Registers returns a copy of the guest registers
func (c *Context) Registers() Registers {
	return c.regs.Snapshot()
}

// SetRegisters overwrites the guest registers
func (c *Context) SetRegisters(r Registers) {
	c.regs.Set(CellX0, r.X0)
	c.regs.Set(CellX1, r.X1)
	c.regs.Set(CellPC, r.PC)
	c.regs.Set(CellNZCV, r.NZCV)
}

// Stats returns the translation and execution counters
func (c *Context) Stats() Stats {
	s := c.stats
	s.Blocks = len(c.cache)
	s.CodeBytes = c.code.Used()
	s.CodeMapped = c.code.Mapped()
	return s
}

// Blocks returns the cached blocks ordered by entry offset
func (c *Context) Blocks() []*Block {
	blocks := make([]*Block, 0, c.index.Len())
	c.index.Ascend(func(blk *Block) bool {
		blocks = append(blocks, blk)
		return true
	})
	return blocks
}

// BlockContaining returns the cached block with the highest entry at or
// below pc whose translation covers pc
func (c *Context) BlockContaining(pc uint64) (*Block, bool) {
	var found *Block
	c.index.DescendLessOrEqual(&Block{Entry: pc}, func(blk *Block) bool {
		if blk.Contains(pc) {
			found = blk
			return false
		}
		return true
	})
	return found, found != nil
}

func (c *Context) streamSize() uint64 {
	return uint64(len(c.text)) * decoder.InstructionSize
}

func (c *Context) checkEntry(entry uint64) error {
	if entry%decoder.InstructionSize != 0 || entry >= c.streamSize() {
		return errors.Errorf(errors.KindFault, c.loadBias+entry,
			"entry %#x outside the %d-instruction stream", entry, len(c.text))
	}
	return nil
}

// Translate compiles the block starting at the stream offset entry and
// caches it. An entry that is already cached is returned as is. Nothing is
// cached when any instruction fails to translate or the block fails to
// assemble.
func (c *Context) Translate(entry uint64) (*Block, error) {
	if blk, ok := c.cache[entry]; ok {
		return blk, nil
	}
	if err := c.checkEntry(entry); err != nil {
		return nil, err
	}

	b := NewBuilder()
	off := entry
	stopped := false
	for off < c.streamSize() && !stopped {
		pc := c.loadBias + off
		word := c.text[off/decoder.InstructionSize]
		inst, err := decoder.Decode(word)
		if err != nil {
			return nil, errors.AtPC(err, pc, errors.KindDecode)
		}
		c.log.WithFields(logrus.Fields{
			"pc":   fmt.Sprintf("%#x", pc),
			"word": fmt.Sprintf("%#08x", word),
			"inst": inst.Text,
		}).Debug("decoded instruction")

		em, err := lookupEmitter(inst.Op)
		if err != nil {
			return nil, errors.AtPC(err, pc, errors.KindDecode)
		}
		e := newEmission(b, c.regs, c.flags, c.mem, pc)
		if err := e.storeCellImm(CellPC, pc); err != nil {
			return nil, errors.AtPC(err, pc, errors.KindEncoding)
		}
		cont, err := em.Emit(e, inst)
		if err != nil {
			return nil, errors.AtPC(err, pc, errors.KindEncoding)
		}
		stopped = !cont
		off += decoder.InstructionSize
	}

	// The PC cell still holds the last translated instruction.
	tail := newEmission(b, c.regs, c.flags, c.mem, c.loadBias+off-decoder.InstructionSize)
	if stopped {
		tail.exit(ExitBranch, decoder.InstructionSize)
	} else {
		tail.exit(ExitHalt, 0)
	}

	region, err := b.Finalize(c.code)
	if err != nil {
		return nil, errors.AtPC(err, c.loadBias+entry, errors.KindEncoding)
	}
	blk := &Block{
		Entry:    entry,
		End:      off,
		Insts:    int((off - entry) / decoder.InstructionSize),
		Code:     region,
		regsBase: c.regs.Base(),
		memBase:  c.mem.HostAddr(),
	}
	c.cache[entry] = blk
	c.index.ReplaceOrInsert(blk)
	c.stats.Translations++

	c.log.WithFields(logrus.Fields{
		"entry": fmt.Sprintf("%#x", c.loadBias+entry),
		"insts": blk.Insts,
		"size":  units.HumanSize(float64(region.Size)),
	}).Debug("translated block")
	if c.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		for _, line := range Disassemble(region.Bytes(), uint64(region.Entry)) {
			c.log.Trace(line)
		}
	}
	return blk, nil
}

// Execute runs the block at the stream offset entry, translating it first
// on a cache miss, and returns how the block exited.
func (c *Context) Execute(entry uint64) (ExitKind, uint64, error) {
	blk, ok := c.cache[entry]
	if ok {
		blk.Hits++
		c.stats.Hits++
		c.log.WithField("entry", fmt.Sprintf("%#x", c.loadBias+entry)).Debug("block cache hit")
	} else {
		var err error
		if blk, err = c.Translate(entry); err != nil {
			return ExitHalt, 0, err
		}
	}
	return c.invoke(blk)
}

func (c *Context) invoke(blk *Block) (ExitKind, uint64, error) {
	if blk.regsBase != c.regs.Base() || blk.memBase != c.mem.HostAddr() {
		return ExitHalt, 0, errors.Errorf(errors.KindFault, c.loadBias+blk.Entry,
			"block compiled against register file %#x and memory %#x, context has %#x and %#x",
			blk.regsBase, blk.memBase, c.regs.Base(), c.mem.HostAddr())
	}
	c.stats.Executions++
	exit, param := callBlock(blk.Code.Entry)
	return ExitKind(exit), param, nil
}

// Run executes blocks starting at the stream offset entry, following
// branch exits from block to block, until the program halts or falls off
// the end of the stream. It stops early with an error on a fault, an
// exhausted block budget or cancellation of ctx.
func (c *Context) Run(ctx context.Context, entry uint64) error {
	off := entry
	for executed := 0; ; executed++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if off == c.streamSize() {
			return nil
		}
		if c.maxBlocks > 0 && executed >= c.maxBlocks {
			return errors.Errorf(errors.KindBudget, c.loadBias+off, "block budget of %d exhausted", c.maxBlocks)
		}

		exit, param, err := c.Execute(off)
		if err != nil {
			return err
		}
		switch exit {
		case ExitHalt:
			return nil
		case ExitBranch:
			off = c.regs.Get(CellPC) - c.loadBias + param
		case ExitFault:
			return c.fault(param)
		default:
			return errors.Errorf(errors.KindFault, c.regs.Get(CellPC), "block returned unknown exit %v", exit)
		}
	}
}

// fault reports a guest access to addr that left guest memory, naming the
// block that made it
func (c *Context) fault(addr uint64) error {
	pc := c.regs.Get(CellPC)
	blk, ok := c.BlockContaining(pc - c.loadBias)
	if !ok {
		return errors.Errorf(errors.KindFault, pc, "access to %#x outside guest memory", addr)
	}
	return errors.Errorf(errors.KindFault, pc, "access to %#x outside guest memory in block %#x-%#x",
		addr, c.loadBias+blk.Entry, c.loadBias+blk.End)
}

func (c *Context) closeMem() error {
	if c.ownsMem && c.mem != nil {
		return c.mem.Close()
	}
	return nil
}

// Close releases the executable code, the register file and any guest
// memory the context mapped itself. The context cannot be used afterwards.
func (c *Context) Close() error {
	c.cache = make(map[uint64]*Block)
	c.index.Clear(false)

	var firstErr error
	for _, err := range []error{c.code.Free(), c.regs.Close(), c.closeMem()} {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.mem = nil
	return firstErr
}
