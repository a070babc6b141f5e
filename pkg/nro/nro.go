// Package nro loads guest executables: NRO0 homebrew images and raw streams
// of little-endian A64 instruction words, optionally xz-compressed.
package nro

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ascrivener/a64jit/pkg/ram"

	"github.com/ulikunitz/xz"
)

var (
	nroMagic = [4]byte{'N', 'R', 'O', '0'}
	modMagic = [4]byte{'M', 'O', 'D', '0'}
)

// HeaderSize is the size of the NRO start block plus header
const HeaderSize = 0x80

// SegmentHeader locates one segment in the file and in guest memory
type SegmentHeader struct {
	MemoryOffset uint32
	Size         uint32
}

// Header is the on-disk NRO0 header, including the leading start block
type Header struct {
	Unused          uint32
	Mod0Offset      uint32
	Padding         uint64
	Magic           [4]byte
	Version         uint32
	Size            uint32
	Flags           uint32
	Text            SegmentHeader
	RO              SegmentHeader
	Data            SegmentHeader
	BssSize         uint32
	Reserved        uint32
	ModuleID        [0x20]byte
	DsoHandleOffset uint32
	Reserved2       uint32
	APIInfo         SegmentHeader
	DynStr          SegmentHeader
	DynSym          SegmentHeader
}

// ModHeader is the MOD0 header. Offsets are relative to the header itself.
type ModHeader struct {
	Magic              [4]byte
	DynamicOffset      int32
	BssStartOffset     int32
	BssEndOffset       int32
	EhFrameHdrStart    int32
	EhFrameHdrEnd      int32
	ModuleObjectOffset int32
}

// Image is a validated guest executable
type Image struct {
	Header Header
	Mod    *ModHeader
	file   []byte
	raw    bool
}

// Parse validates an NRO0 image
func Parse(data []byte) (*Image, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("invalid nro file: %d bytes is shorter than the header", len(data))
	}
	var h Header
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("failed to read nro header: %w", err)
	}
	if h.Magic != nroMagic {
		return nil, fmt.Errorf("invalid nro file: bad magic %q", h.Magic[:])
	}

	img := &Image{Header: h, file: data}
	for _, seg := range []struct {
		name string
		hdr  SegmentHeader
	}{{"text", h.Text}, {"ro", h.RO}, {"data", h.Data}} {
		if _, err := img.segment(seg.hdr); err != nil {
			return nil, fmt.Errorf("invalid %s segment: %w", seg.name, err)
		}
	}
	if h.Text.Size == 0 || h.Text.Size%4 != 0 {
		return nil, fmt.Errorf("invalid text segment size %#x", h.Text.Size)
	}

	if off := uint64(h.Mod0Offset); off != 0 && off+28 <= uint64(len(data)) {
		var mod ModHeader
		if err := binary.Read(bytes.NewReader(data[off:off+28]), binary.LittleEndian, &mod); err != nil {
			return nil, fmt.Errorf("failed to read mod0 header: %w", err)
		}
		if mod.Magic == modMagic {
			img.Mod = &mod
		}
	}
	return img, nil
}

// Raw wraps a flat stream of little-endian instruction words
func Raw(data []byte) (*Image, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid raw image: size %d is not a positive multiple of 4", len(data))
	}
	return &Image{file: data, raw: true}, nil
}

// ReadFile reads path, transparently decompressing xz streams
func ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) < xz.HeaderLen || !xz.ValidHeader(data[:xz.HeaderLen]) {
		return data, nil
	}
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open xz stream %s: %w", path, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	return out, nil
}

// Open loads an image from disk. raw selects the flat word format.
func Open(path string, raw bool) (*Image, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if raw {
		return Raw(data)
	}
	return Parse(data)
}

// Bytes returns the image file contents
func (img *Image) Bytes() []byte {
	return img.file
}

// IsRaw reports whether the image is a flat word stream
func (img *Image) IsRaw() bool {
	return img.raw
}

func (img *Image) segment(s SegmentHeader) ([]byte, error) {
	end := uint64(s.MemoryOffset) + uint64(s.Size)
	if end > uint64(len(img.file)) {
		return nil, fmt.Errorf("segment [%#x, %#x) past end of file (%#x)", s.MemoryOffset, end, len(img.file))
	}
	return img.file[s.MemoryOffset:end], nil
}

// Text returns the code segment as instruction words
func (img *Image) Text() []uint32 {
	text := img.file
	if !img.raw {
		text, _ = img.segment(img.Header.Text)
	}
	words := make([]uint32, len(text)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(text[i*4:])
	}
	return words
}

// TextOffset returns where the first instruction lies relative to the
// start of guest memory
func (img *Image) TextOffset() uint64 {
	if img.raw {
		return 0
	}
	return uint64(img.Header.Text.MemoryOffset)
}

// BssSize returns the bss size, preferring the MOD0 range when present
func (img *Image) BssSize() int {
	if img.raw {
		return ram.PageSize
	}
	if img.Mod != nil && img.Mod.BssEndOffset > img.Mod.BssStartOffset {
		return int(img.Mod.BssEndOffset - img.Mod.BssStartOffset)
	}
	return int(img.Header.BssSize)
}

// MemorySize returns the guest memory the image needs: its page-aligned
// size plus page-aligned bss
func (img *Image) MemorySize() int {
	size := len(img.file)
	if !img.raw {
		size = int(img.Header.Size)
	}
	return ram.TotalSizeNeededPages(size) + ram.TotalSizeNeededPages(img.BssSize())
}

// Build copies the segments into r and marks text and read-only data immutable
func (img *Image) Build(r *ram.RAM) error {
	if uint64(img.MemorySize()) > r.Size() {
		return fmt.Errorf("guest memory of %d bytes cannot hold image of %d bytes", r.Size(), img.MemorySize())
	}
	if img.raw {
		if err := r.Write(r.Base(), img.file); err != nil {
			return err
		}
		return r.SetImmutableBelow(r.Base() + uint64(ram.TotalSizeNeededPages(len(img.file))))
	}

	for _, s := range []SegmentHeader{img.Header.Text, img.Header.RO, img.Header.Data} {
		data, err := img.segment(s)
		if err != nil {
			return err
		}
		if err := r.Write(r.Base()+uint64(s.MemoryOffset), data); err != nil {
			return err
		}
	}
	return r.SetImmutableBelow(r.Base() + uint64(img.Header.Data.MemoryOffset))
}
