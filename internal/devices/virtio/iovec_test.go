package virtio

import (
	"io"
	"testing"

	"github.com/coreboxvmm/vmm/internal/guestmem"
)

func newIovecTestMemory(size int) *guestmem.Memory {
	return guestmem.New([]guestmem.Region{{GuestBase: 0, HostBase: make([]byte, size)}})
}

// chainFromSizes lays out descriptors back to back (plus an optional gap
// between each, to exercise chains whose buffers are not contiguous in
// guest memory) and returns the flattened payload list NewReader/NewWriter
// expect, mirroring create_descriptor_chain's role in the reference tests.
func chainFromSizes(mem *guestmem.Memory, start uint64, gap uint64, specs []struct {
	size  uint32
	write bool
}) []VirtQueuePayload {
	addr := start
	payloads := make([]VirtQueuePayload, 0, len(specs))
	for _, s := range specs {
		payloads = append(payloads, VirtQueuePayload{Addr: addr, Length: s.size, IsWrite: s.write})
		addr += uint64(s.size) + gap
	}
	return payloads
}

func rw(size uint32) struct {
	size  uint32
	write bool
} {
	return struct {
		size  uint32
		write bool
	}{size, false}
}

func ww(size uint32) struct {
	size  uint32
	write bool
} {
	return struct {
		size  uint32
		write bool
	}{size, true}
}

func TestReaderSimpleChain(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	chain := chainFromSizes(mem, 0x100, 0, []struct {
		size  uint32
		write bool
	}{rw(8), rw(16), rw(18), rw(64)})

	reader, err := NewReader(mem, chain)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if got := reader.AvailableBytes(); got != 106 {
		t.Fatalf("AvailableBytes = %d, want 106", got)
	}

	buf := make([]byte, 64)
	if _, err := io.ReadFull(reader, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if got := reader.AvailableBytes(); got != 42 {
		t.Fatalf("AvailableBytes after 64 = %d, want 42", got)
	}

	n, err := reader.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 42 {
		t.Fatalf("Read returned %d, want 42", n)
	}
	if got := reader.AvailableBytes(); got != 0 {
		t.Fatalf("AvailableBytes after drain = %d, want 0", got)
	}
	if got := reader.BytesRead(); got != 106 {
		t.Fatalf("BytesRead = %d, want 106", got)
	}
}

func TestWriterSimpleChain(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	chain := chainFromSizes(mem, 0x100, 0, []struct {
		size  uint32
		write bool
	}{ww(8), ww(16), ww(18), ww(64)})

	writer, err := NewWriter(mem, chain)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if got := writer.AvailableBytes(); got != 106 {
		t.Fatalf("AvailableBytes = %d, want 106", got)
	}

	buf := make([]byte, 64)
	if _, err := writer.Write(buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := writer.AvailableBytes(); got != 42 {
		t.Fatalf("AvailableBytes after 64 = %d, want 42", got)
	}

	n, err := writer.Write(buf)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 42 {
		t.Fatalf("Write returned %d, want 42", n)
	}
	if got := writer.BytesWritten(); got != 106 {
		t.Fatalf("BytesWritten = %d, want 106", got)
	}
}

func TestReaderIncompatibleChain(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	chain := chainFromSizes(mem, 0x100, 0, []struct {
		size  uint32
		write bool
	}{ww(8)})

	reader, err := NewReader(mem, chain)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if got := reader.AvailableBytes(); got != 0 {
		t.Fatalf("AvailableBytes = %d, want 0", got)
	}
	if _, err := ReadObjFromReader[uint8](reader); err == nil {
		t.Fatalf("expected error reading from an all-writable chain")
	}
}

func TestWriterIncompatibleChain(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	chain := chainFromSizes(mem, 0x100, 0, []struct {
		size  uint32
		write bool
	}{rw(8)})

	writer, err := NewWriter(mem, chain)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if got := writer.AvailableBytes(); got != 0 {
		t.Fatalf("AvailableBytes = %d, want 0", got)
	}
	if err := WriteObjToWriter[uint8](writer, 0); err == nil {
		t.Fatalf("expected error writing to an all-readable chain")
	}
}

func TestReaderWriterSharedChain(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	chain := chainFromSizes(mem, 0x100, 0, []struct {
		size  uint32
		write bool
	}{rw(16), rw(16), rw(96), ww(64), ww(1), ww(3)})

	reader, err := NewReader(mem, chain)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	writer, err := NewWriter(mem, chain)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	buf, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(buf) != 128 {
		t.Fatalf("ReadAll got %d bytes, want 128", len(buf))
	}

	if _, err := writer.Write(buf[:68]); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := reader.AvailableBytes(); got != 0 {
		t.Fatalf("reader.AvailableBytes = %d, want 0", got)
	}
	if got := reader.BytesRead(); got != 128 {
		t.Fatalf("reader.BytesRead = %d, want 128", got)
	}
	if got := writer.AvailableBytes(); got != 0 {
		t.Fatalf("writer.AvailableBytes = %d, want 0", got)
	}
	if got := writer.BytesWritten(); got != 68 {
		t.Fatalf("writer.BytesWritten = %d, want 68", got)
	}
}

// TestReaderWriterShatteredObject writes a uint32 through four
// single-byte descriptors separated in guest memory, then reads it back
// through a second chain addressing the same bytes, checking that a value
// split across non-adjacent descriptors round-trips correctly.
func TestReaderWriterShatteredObject(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	const secret uint32 = 0x12345678

	writerChain := chainFromSizes(mem, 0x100, 123, []struct {
		size  uint32
		write bool
	}{ww(1), ww(1), ww(1), ww(1)})
	writer, err := NewWriter(mem, writerChain)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := WriteObjToWriter(writer, secret); err != nil {
		t.Fatalf("WriteObjToWriter: %v", err)
	}

	readerChain := chainFromSizes(mem, 0x100, 123, []struct {
		size  uint32
		write bool
	}{rw(1), rw(1), rw(1), rw(1)})
	reader, err := NewReader(mem, readerChain)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got, err := ReadObjFromReader[uint32](reader)
	if err != nil {
		t.Fatalf("ReadObjFromReader: %v", err)
	}
	if got != secret {
		t.Fatalf("got 0x%x, want 0x%x", got, secret)
	}
}

func TestReaderUnexpectedEOF(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	chain := chainFromSizes(mem, 0x100, 0, []struct {
		size  uint32
		write bool
	}{rw(256), rw(256)})
	reader, err := NewReader(mem, chain)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	buf := make([]byte, 1024)
	_, err = io.ReadFull(reader, buf)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("got err=%v, want io.ErrUnexpectedEOF", err)
	}
}

func splitTestChain(mem *guestmem.Memory) []VirtQueuePayload {
	return chainFromSizes(mem, 0x100, 0, []struct {
		size  uint32
		write bool
	}{rw(16), rw(16), rw(96), ww(64), ww(1), ww(3)})
}

func TestSplitAtFirstBufferBoundary(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	reader, err := NewReader(mem, splitTestChain(mem))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	other, err := reader.SplitAt(16)
	if err != nil {
		t.Fatalf("SplitAt(16): %v", err)
	}
	if got := reader.AvailableBytes(); got != 16 {
		t.Fatalf("reader.AvailableBytes = %d, want 16", got)
	}
	if got := other.AvailableBytes(); got != 112 {
		t.Fatalf("other.AvailableBytes = %d, want 112", got)
	}
}

func TestSplitAtMiddleOfBuffer(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	reader, err := NewReader(mem, splitTestChain(mem))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := reader.SplitAt(24); err == nil {
		t.Fatalf("expected SplitAt(24) to fail: 24 is not the first buffer's length (16,16,96,...)")
	}
}

// TestSplitAtBorder covers the second-buffer boundary (32), which lands
// exactly between descriptors but is still rejected: split_at only accepts
// an offset equal to the length of the *first* buffer, not any boundary.
func TestSplitAtBorder(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	reader, err := NewReader(mem, splitTestChain(mem))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := reader.SplitAt(32); err == nil {
		t.Fatalf("expected SplitAt(32) to fail: only the first buffer's length (16) is a valid split offset")
	}
}

func TestSplitAtEnd(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	reader, err := NewReader(mem, splitTestChain(mem))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := reader.SplitAt(128); err == nil {
		t.Fatalf("expected SplitAt(128) to fail: 128 is not the first buffer's length (16)")
	}
}

func TestSplitAtBeginning(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	reader, err := NewReader(mem, splitTestChain(mem))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := reader.SplitAt(0); err == nil {
		t.Fatalf("expected SplitAt(0) to fail: 0 is not the first buffer's length (16)")
	}
}

func TestSplitOutOfBounds(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	reader, err := NewReader(mem, splitTestChain(mem))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if _, err := reader.SplitAt(256); err == nil {
		t.Fatalf("expected SplitAt(256) to fail")
	}
}

func TestReadFull(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	chain := chainFromSizes(mem, 0x100, 0, []struct {
		size  uint32
		write bool
	}{rw(16), rw(16), rw(16)})
	reader, err := NewReader(mem, chain)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	buf := make([]byte, 64)
	n, err := reader.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 48 {
		t.Fatalf("Read returned %d, want 48", n)
	}
}

func TestWriteFull(t *testing.T) {
	mem := newIovecTestMemory(0x10000)
	chain := chainFromSizes(mem, 0x100, 0, []struct {
		size  uint32
		write bool
	}{ww(16), ww(16), ww(16)})
	writer, err := NewWriter(mem, chain)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xde
	}
	n, err := writer.Write(buf)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 48 {
		t.Fatalf("Write returned %d, want 48", n)
	}
}
