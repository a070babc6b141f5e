//go:build linux

package nro

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/ascrivener/a64jit/pkg/ram"

	"github.com/google/go-cmp/cmp"
	"github.com/ulikunitz/xz"
)

// buildImage lays out header, text, ro and data back to back, as the
// homebrew toolchain does.
func buildImage(t *testing.T, text []uint32, ro, data []byte, bss uint32) []byte {
	t.Helper()

	var body bytes.Buffer
	for _, w := range text {
		binary.Write(&body, binary.LittleEndian, w)
	}
	textEnd := HeaderSize + uint32(body.Len())
	body.Write(ro)
	roEnd := textEnd + uint32(len(ro))
	body.Write(data)

	h := Header{
		Magic:   nroMagic,
		Size:    HeaderSize + uint32(body.Len()),
		Text:    SegmentHeader{MemoryOffset: 0, Size: textEnd},
		RO:      SegmentHeader{MemoryOffset: textEnd, Size: uint32(len(ro))},
		Data:    SegmentHeader{MemoryOffset: roEnd, Size: uint32(len(data))},
		BssSize: bss,
	}
	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, &h); err != nil {
		t.Fatalf("Failed to write header: %v", err)
	}
	if out.Len() != HeaderSize {
		t.Fatalf("header is %d bytes, want %d", out.Len(), HeaderSize)
	}
	out.Write(body.Bytes())
	return out.Bytes()
}

func TestParse(t *testing.T) {
	file := buildImage(t, []uint32{0xD503201F, 0xD65F03C0}, []byte("ro!!"), []byte{1, 2, 3, 4}, 0x20)

	img, err := Parse(file)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	text := img.Text()
	// The header sits inside the text segment.
	if len(text) != HeaderSize/4+2 {
		t.Fatalf("text has %d words, want %d", len(text), HeaderSize/4+2)
	}
	if diff := cmp.Diff([]uint32{0xD503201F, 0xD65F03C0}, text[HeaderSize/4:]); diff != "" {
		t.Errorf("text mismatch (-want +got):\n%s", diff)
	}
	if img.BssSize() != 0x20 {
		t.Errorf("BssSize() = %#x, want 0x20", img.BssSize())
	}
	if img.MemorySize() != 2*ram.PageSize {
		t.Errorf("MemorySize() = %#x, want %#x", img.MemorySize(), 2*ram.PageSize)
	}

	r, err := ram.New(ram.DefaultBase, img.MemorySize())
	if err != nil {
		t.Fatalf("Failed to map guest memory: %v", err)
	}
	defer r.Close()
	if err := img.Build(r); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	dataAddr := r.Base() + uint64(img.Header.Data.MemoryOffset)
	got, err := r.Read(dataAddr, 4)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4}, got); diff != "" {
		t.Errorf("data segment mismatch (-want +got):\n%s", diff)
	}
	if r.InspectAccess(dataAddr-1) != ram.Immutable || r.InspectAccess(dataAddr) != ram.Mutable {
		t.Errorf("access split wrong around %#x: %v / %v", dataAddr, r.InspectAccess(dataAddr-1), r.InspectAccess(dataAddr))
	}
}

func TestTextOffset(t *testing.T) {
	file := buildImage(t, []uint32{0xD503201F, 0xD65F03C0}, nil, nil, 0)
	img, err := Parse(file)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := img.TextOffset(); got != 0 {
		t.Errorf("TextOffset() = %#x, want 0", got)
	}

	// Text that starts after the header is placed, and runs, at its offset.
	binary.LittleEndian.PutUint32(file[0x20:], HeaderSize)
	binary.LittleEndian.PutUint32(file[0x24:], 8)
	if img, err = Parse(file); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := img.TextOffset(); got != HeaderSize {
		t.Errorf("TextOffset() = %#x, want %#x", got, HeaderSize)
	}
	if diff := cmp.Diff([]uint32{0xD503201F, 0xD65F03C0}, img.Text()); diff != "" {
		t.Errorf("text mismatch (-want +got):\n%s", diff)
	}

	raw, err := Raw(file[HeaderSize:])
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if got := raw.TextOffset(); got != 0 {
		t.Errorf("raw TextOffset() = %#x, want 0", got)
	}
}

func TestParseModHeaderBss(t *testing.T) {
	file := buildImage(t, []uint32{0xD503201F}, nil, make([]byte, 28), 0x10)
	modOff := len(file) - 28
	binary.LittleEndian.PutUint32(file[4:], uint32(modOff))
	copy(file[modOff:], modMagic[:])
	binary.LittleEndian.PutUint32(file[modOff+8:], 0x100)
	binary.LittleEndian.PutUint32(file[modOff+12:], 0x2100)

	img, err := Parse(file)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if img.Mod == nil {
		t.Fatal("MOD0 header not found")
	}
	if img.BssSize() != 0x2000 {
		t.Errorf("BssSize() = %#x, want 0x2000", img.BssSize())
	}
}

func TestParseRejects(t *testing.T) {
	good := buildImage(t, []uint32{0xD503201F}, nil, nil, 0)

	badMagic := append([]byte(nil), good...)
	copy(badMagic[0x10:], "NRO1")

	truncated := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(truncated[0x24:], uint32(len(good)+4))

	tests := map[string][]byte{
		"short":                 good[:HeaderSize-1],
		"bad magic":             badMagic,
		"text past end of file": truncated,
	}
	for name, data := range tests {
		if _, err := Parse(data); err == nil {
			t.Errorf("%s: Parse succeeded, want error", name)
		}
	}
}

func TestOpenRawXZ(t *testing.T) {
	words := []uint32{0xF100141F, 0x54000040}
	var plain bytes.Buffer
	for _, w := range words {
		binary.Write(&plain, binary.LittleEndian, w)
	}

	var compressed bytes.Buffer
	w, err := xz.NewWriter(&compressed)
	if err != nil {
		t.Fatalf("Failed to create xz writer: %v", err)
	}
	w.Write(plain.Bytes())
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close xz writer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "prog.bin.xz")
	if err := os.WriteFile(path, compressed.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}

	img, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !img.IsRaw() {
		t.Error("IsRaw() = false")
	}
	if diff := cmp.Diff(words, img.Text()); diff != "" {
		t.Errorf("text mismatch (-want +got):\n%s", diff)
	}
	if img.MemorySize() != 2*ram.PageSize {
		t.Errorf("MemorySize() = %#x, want %#x", img.MemorySize(), 2*ram.PageSize)
	}
}

func TestReadFilePlain(t *testing.T) {
	// Shorter than an xz header and not compressed: returned as is.
	path := filepath.Join(t.TempDir(), "prog.bin")
	if err := os.WriteFile(path, []byte{0xC0, 0x03, 0x5F, 0xD6}, 0o644); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}
	data, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0xC0, 0x03, 0x5F, 0xD6}, data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestRawRejectsPartialWord(t *testing.T) {
	if _, err := Raw([]byte{1, 2, 3}); err == nil {
		t.Error("Raw accepted a partial word")
	}
}
