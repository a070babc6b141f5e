//go:build linux && amd64

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ascrivener/a64jit/pkg/errors"
	"github.com/ascrivener/a64jit/pkg/nro"
	"github.com/ascrivener/a64jit/pkg/ram"
	"github.com/ascrivener/a64jit/pkg/snapshot"

	"github.com/sirupsen/logrus"
)

func writeRawImage(t *testing.T, words ...uint32) string {
	t.Helper()
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	path := filepath.Join(t.TempDir(), "prog.bin")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestRunImage(t *testing.T) {
	// movz x0, #42; ret
	path := writeRawImage(t, 0xD2800540, 0xD65F03C0)
	cfg := Config{Raw: true, DumpCode: true, SnapshotDir: filepath.Join(t.TempDir(), "snapshots")}

	var out bytes.Buffer
	if err := runImage(context.Background(), testLog(), cfg, path, &out); err != nil {
		t.Fatalf("runImage failed: %v", err)
	}
	if !strings.Contains(out.String(), "block 0x10000-0x10008") {
		t.Errorf("block dump is missing the entry block:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "ret") {
		t.Errorf("block dump has no host disassembly:\n%s", out.String())
	}

	image, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	store, err := snapshot.Open(cfg.SnapshotDir)
	if err != nil {
		t.Fatalf("snapshot.Open failed: %v", err)
	}
	defer store.Close()
	r, ok, err := store.Latest(snapshot.Digest(image))
	if err != nil || !ok {
		t.Fatalf("Latest = %v, %v; want the saved run", ok, err)
	}
	if r.Registers.X0 != 42 || r.Exit != "halt" || r.Image != "prog.bin" {
		t.Errorf("record = %+v, want x0 = 42, exit halt, image prog.bin", r)
	}
}

// writeNRO writes an NRO0 image whose text follows the header
func writeNRO(t *testing.T, words ...uint32) string {
	t.Helper()
	end := uint32(nro.HeaderSize + 4*len(words))
	h := nro.Header{
		Magic: [4]byte{'N', 'R', 'O', '0'},
		Size:  end,
		Text:  nro.SegmentHeader{MemoryOffset: nro.HeaderSize, Size: 4 * uint32(len(words))},
		RO:    nro.SegmentHeader{MemoryOffset: end},
		Data:  nro.SegmentHeader{MemoryOffset: end},
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatalf("Failed to write header: %v", err)
	}
	for _, w := range words {
		binary.Write(&buf, binary.LittleEndian, w)
	}
	path := filepath.Join(t.TempDir(), "prog.nro")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestRunImageTextOffset(t *testing.T) {
	// adr x0, .; ret
	path := writeNRO(t, 0x10000000, 0xD65F03C0)
	cfg := Config{SnapshotDir: filepath.Join(t.TempDir(), "snapshots")}
	if err := runImage(context.Background(), testLog(), cfg, path, io.Discard); err != nil {
		t.Fatalf("runImage failed: %v", err)
	}

	image, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	store, err := snapshot.Open(cfg.SnapshotDir)
	if err != nil {
		t.Fatalf("snapshot.Open failed: %v", err)
	}
	defer store.Close()
	r, ok, err := store.Latest(snapshot.Digest(image))
	if err != nil || !ok {
		t.Fatalf("Latest = %v, %v; want the saved run", ok, err)
	}
	if want := uint64(ram.DefaultBase + nro.HeaderSize); r.Registers.X0 != want {
		t.Errorf("x0 = %#x, want %#x (the guest address of the first instruction)", r.Registers.X0, want)
	}
}

func TestRunImageReportsErrors(t *testing.T) {
	// b .
	path := writeRawImage(t, 0x14000000)
	err := runImage(context.Background(), testLog(), Config{Raw: true, MaxBlocks: 3}, path, io.Discard)
	if !errors.IsKind(err, errors.KindBudget) {
		t.Fatalf("got %v, want a budget error", err)
	}
	if got := exitName(err); got != "budget" {
		t.Errorf("exitName = %q, want budget", got)
	}
}
