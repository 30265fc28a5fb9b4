package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/coreboxvmm/vmm/internal/guestmem"
)

// inlineIovecs mirrors the SmallVec inline capacity of the reference
// descriptor-chain walker: most FUSE and virtqueue chains fit in a handful
// of segments, so this is sized to avoid a heap allocation for the common
// case while still accepting longer chains.
const inlineIovecs = 16

var (
	ErrDescriptorChainOverflow = errors.New("virtio: descriptor chain length overflows")
	ErrSplitOutOfBounds        = errors.New("virtio: reader/writer split offset out of bounds")
	ErrShortChain              = errors.New("virtio: not enough buffers in descriptor chain")
)

// chainConsumer holds the flattened, host-addressable buffers backing a
// descriptor chain and tracks how much of it has been consumed. Reader and
// Writer are thin, direction-specific wrappers around one of these.
type chainConsumer struct {
	buffers  [][]byte
	consumed int
}

func newChainConsumer(buffers [][]byte) *chainConsumer {
	return &chainConsumer{buffers: buffers}
}

func (c *chainConsumer) availableBytes() int {
	n := 0
	for _, b := range c.buffers {
		n += len(b)
	}
	return n
}

func (c *chainConsumer) bytesConsumed() int { return c.consumed }

// advance drops n bytes from the front of the buffer list, splitting the
// first remaining buffer if n lands in its interior.
func (c *chainConsumer) advance(n int) {
	remove := 0
	left := n
	for _, b := range c.buffers {
		if left < len(b) {
			break
		}
		left -= len(b)
		remove++
	}
	c.buffers = c.buffers[remove:]
	if len(c.buffers) == 0 {
		if left != 0 {
			panic("virtio: advancing iovecs beyond their length")
		}
		return
	}
	c.buffers[0] = c.buffers[0][left:]
}

// consume hands f at most count bytes' worth of buffers, truncating the
// last one so the total handed to f never exceeds count. If the chain has
// fewer than count bytes left, f sees everything that remains (a short
// read/write, per the usual io.Reader/io.Writer contract) rather than an
// error; consume only fails outright once the chain is fully drained. Only
// the prefix f actually reports consuming is advanced past; the truncated
// buffer is restored to its original length before returning, since it may
// still hold data belonging to a later consume call.
func (c *chainConsumer) consume(count int, f func([][]byte) (int, error)) (int, error) {
	if len(c.buffers) == 0 {
		if count == 0 {
			return 0, nil
		}
		return 0, ErrShortChain
	}

	bufsLen := 0
	lastIdx := len(c.buffers) - 1
	savedLast := c.buffers[lastIdx]
	for i, b := range c.buffers {
		if bufsLen+len(b) >= count {
			lastIdx = i
			savedLast = b
			c.buffers[i] = b[:count-bufsLen]
			break
		}
		bufsLen += len(b)
	}

	n, err := f(c.buffers[:lastIdx+1])

	c.buffers[lastIdx] = savedLast

	if err != nil {
		return 0, err
	}

	c.advance(n)
	c.consumed += n
	return n, nil
}

// splitAt detaches every buffer after the first into a new consumer, leaving
// the first buffer behind. It is only supported when offset equals the
// length of the first buffer (the virtio convention of a header split from
// payload); any other offset, including one that lands on a later buffer
// boundary, is rejected.
func (c *chainConsumer) splitAt(offset int) (*chainConsumer, error) {
	if c.consumed != 0 || len(c.buffers) == 0 || len(c.buffers[0]) != offset {
		return nil, fmt.Errorf("%w: %d", ErrSplitOutOfBounds, offset)
	}
	other := &chainConsumer{buffers: append([][]byte(nil), c.buffers[1:]...)}
	c.buffers = c.buffers[:1]
	return other, nil
}

func chainBuffers(mem *guestmem.Memory, payloads []VirtQueuePayload, write bool) ([][]byte, error) {
	buffers := make([][]byte, 0, min(len(payloads), inlineIovecs))
	total := uint64(0)
	for _, p := range payloads {
		if p.IsWrite != write {
			if write {
				// Readable descriptors must precede writable ones; once we
				// are collecting for a Writer a readable descriptor never
				// appears, since ReadDescriptorChain already ordered them.
				continue
			}
			break
		}
		next := total + uint64(p.Length)
		if next < total {
			return nil, ErrDescriptorChainOverflow
		}
		total = next
		if p.Length == 0 {
			continue
		}
		b, err := guestmem.Slice(mem, p.Addr, uint64(p.Length))
		if err != nil {
			return nil, err
		}
		buffers = append(buffers, b)
	}
	return buffers, nil
}

// Reader provides a high-level, io.Reader-compatible view over the
// device-readable descriptors of a chain. The virtio spec requires readable
// descriptors to precede writable ones (2.6.4.2); Reader stops at the first
// writable descriptor it encounters.
type Reader struct {
	buffer *chainConsumer
}

// NewReader builds a Reader over the readable prefix of a descriptor chain
// already flattened into VirtQueuePayloads (see VirtQueue.ReadDescriptorChain).
func NewReader(mem *guestmem.Memory, chain []VirtQueuePayload) (*Reader, error) {
	buffers, err := chainBuffers(mem, chain, false)
	if err != nil {
		return nil, err
	}
	return &Reader{buffer: newChainConsumer(buffers)}, nil
}

// AvailableBytes returns how many bytes remain to be read.
func (r *Reader) AvailableBytes() int { return r.buffer.availableBytes() }

// BytesRead returns how many bytes have been read from the chain so far.
func (r *Reader) BytesRead() int { return r.buffer.bytesConsumed() }

// Read implements io.Reader, copying directly out of guest memory.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.buffer.consume(len(p), func(bufs [][]byte) (int, error) {
		total := 0
		for _, b := range bufs {
			total += copy(p[total:], b)
		}
		return total, nil
	})
	if err != nil {
		if errors.Is(err, ErrShortChain) {
			return n, io.EOF
		}
		return n, err
	}
	return n, nil
}

// ReadObjFromReader reads a single little-endian POD value out of the chain,
// gathering it across buffer boundaries when it does not fit in one.
func ReadObjFromReader[T ~uint8 | ~uint16 | ~uint32 | ~uint64](r *Reader) (T, error) {
	var zero T
	size := objSize(zero)
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return zero, err
	}
	return decodeLE[T](buf), nil
}

// ReadTo transfers up to count bytes from the chain directly into dst via
// writev, without an intermediate host-side copy. It may transfer fewer
// than count bytes if the chain doesn't have that much left.
func (r *Reader) ReadTo(dst *os.File, count int) (int, error) {
	return r.buffer.consume(count, func(bufs [][]byte) (int, error) {
		return unix.Writev(int(dst.Fd()), bufs)
	})
}

// ReadToAt is ReadTo but targeting a file offset via pwritev, leaving the
// file's own cursor untouched.
func (r *Reader) ReadToAt(dst *os.File, count int, off int64) (int, error) {
	return r.buffer.consume(count, func(bufs [][]byte) (int, error) {
		return unix.Pwritev(int(dst.Fd()), bufs, off)
	})
}

// ReadExactTo behaves like ReadTo but loops until count bytes have been
// transferred or an error (other than EINTR) occurs.
func (r *Reader) ReadExactTo(dst *os.File, count int) error {
	for count > 0 {
		n, err := r.ReadTo(dst, count)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return err
		case n == 0:
			return io.ErrUnexpectedEOF
		}
		count -= n
	}
	return nil
}

// SplitAt splits the reader into two at offset bytes into the chain: the
// receiver keeps the first offset bytes and the returned Reader gets the
// rest. offset must equal the length of the chain's first descriptor
// exactly; any other offset, including a later descriptor boundary, fails.
func (r *Reader) SplitAt(offset int) (*Reader, error) {
	other, err := r.buffer.splitAt(offset)
	if err != nil {
		return nil, err
	}
	return &Reader{buffer: other}, nil
}

// Writer is the write-side counterpart of Reader, covering the
// device-writable tail of a descriptor chain.
type Writer struct {
	buffer *chainConsumer
}

// NewWriter builds a Writer over the writable suffix of a descriptor chain.
func NewWriter(mem *guestmem.Memory, chain []VirtQueuePayload) (*Writer, error) {
	buffers, err := chainBuffers(mem, chain, true)
	if err != nil {
		return nil, err
	}
	return &Writer{buffer: newChainConsumer(buffers)}, nil
}

// AvailableBytes returns how much writable space remains in the chain.
func (w *Writer) AvailableBytes() int { return w.buffer.availableBytes() }

// BytesWritten returns how many bytes have been written so far.
func (w *Writer) BytesWritten() int { return w.buffer.bytesConsumed() }

// Write implements io.Writer, copying directly into guest memory.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.buffer.consume(len(p), func(bufs [][]byte) (int, error) {
		total := 0
		for _, b := range bufs {
			total += copy(b, p[total:])
		}
		return total, nil
	})
	if err != nil {
		if errors.Is(err, ErrShortChain) {
			return n, io.ErrShortWrite
		}
		return n, err
	}
	return n, nil
}

// WriteObjToWriter writes a single little-endian POD value into the chain.
func WriteObjToWriter[T ~uint8 | ~uint16 | ~uint32 | ~uint64](w *Writer, v T) error {
	buf := make([]byte, objSize(v))
	encodeLE(buf, v)
	_, err := w.Write(buf)
	return err
}

// WriteFrom transfers up to count bytes from src directly into the chain
// via readv, without an intermediate host-side copy.
func (w *Writer) WriteFrom(src *os.File, count int) (int, error) {
	return w.buffer.consume(count, func(bufs [][]byte) (int, error) {
		return unix.Readv(int(src.Fd()), bufs)
	})
}

// WriteFromAt is WriteFrom but reading from a file offset via preadv.
func (w *Writer) WriteFromAt(src *os.File, count int, off int64) (int, error) {
	return w.buffer.consume(count, func(bufs [][]byte) (int, error) {
		return unix.Preadv(int(src.Fd()), bufs, off)
	})
}

// WriteAllFrom loops WriteFrom until count bytes have been transferred.
func (w *Writer) WriteAllFrom(src *os.File, count int) error {
	for count > 0 {
		n, err := w.WriteFrom(src, count)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return err
		case n == 0:
			return io.ErrShortWrite
		}
		count -= n
	}
	return nil
}

// SplitAt splits the writer the same way Reader.SplitAt does.
func (w *Writer) SplitAt(offset int) (*Writer, error) {
	other, err := w.buffer.splitAt(offset)
	if err != nil {
		return nil, err
	}
	return &Writer{buffer: other}, nil
}

func objSize[T ~uint8 | ~uint16 | ~uint32 | ~uint64](v T) int {
	switch any(v).(type) {
	case uint8:
		return 1
	case uint16:
		return 2
	case uint32:
		return 4
	default:
		return 8
	}
}

func decodeLE[T ~uint8 | ~uint16 | ~uint32 | ~uint64](b []byte) T {
	switch len(b) {
	case 1:
		return T(b[0])
	case 2:
		return T(binary.LittleEndian.Uint16(b))
	case 4:
		return T(binary.LittleEndian.Uint32(b))
	default:
		return T(binary.LittleEndian.Uint64(b))
	}
}

func encodeLE[T ~uint8 | ~uint16 | ~uint32 | ~uint64](b []byte, v T) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}
