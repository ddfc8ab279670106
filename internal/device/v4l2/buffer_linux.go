package v4l2

import (
	"fmt"
	"sync"

	"github.com/smazurov/encnode/internal/device"
)

// stream satisfies the ordering contract trivially. Staging copies are host
// memcpys that complete before the call returns, so by the time Synchronize
// can be called there is nothing left in flight.
type stream struct{}

func (s *stream) Synchronize() error { return nil }

// checkStream rejects work queues that belong to another backend. A nil
// stream is the synchronous path and always fine.
func checkStream(s device.Stream) error {
	if s == nil {
		return nil
	}
	if _, ok := s.(*stream); !ok {
		return fmt.Errorf("%w: stream belongs to another backend", device.ErrTransfer)
	}
	return nil
}

// stagingBuffer is page-cache memory standing in for device memory. Frames
// are assembled here and copied into the encoder's mmap window on Submit.
// The mutex covers teardown racing an in-flight copy; the copies themselves
// are serialized by the caller.
type stagingBuffer struct {
	ctx  *context
	mu   sync.Mutex
	data []byte
}

func (b *stagingBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *stagingBuffer) Upload(src []byte, c device.Copy2D, s device.Stream) error {
	if err := checkStream(s); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyRows(b.data, src, c)
}

func (b *stagingBuffer) Download(dst []byte, c device.Copy2D, s device.Stream) error {
	if err := checkStream(s); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyRows(dst, b.data, c)
}

func (b *stagingBuffer) CopyTo(dst device.Buffer, c device.Copy2D, s device.Stream) error {
	target, ok := dst.(*stagingBuffer)
	if !ok {
		return fmt.Errorf("%w: destination buffer belongs to another backend", device.ErrTransfer)
	}
	if err := checkStream(s); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if target != b {
		target.mu.Lock()
		defer target.mu.Unlock()
	}
	return copyRows(target.data, b.data, c)
}

func (b *stagingBuffer) Free() error {
	b.ctx.forget(b)
	b.release()
	return nil
}

func (b *stagingBuffer) release() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}

// bytes returns the backing storage for same-backend readers.
func (b *stagingBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// copyRows moves c.Rows strided rows from src into dst after checking both
// ranges. A freed buffer has zero length and fails the range check, so use
// after Free surfaces as ErrTransfer rather than a panic.
func copyRows(dst, src []byte, c device.Copy2D) error {
	if c.Rows < 0 || c.RowBytes <= 0 {
		return fmt.Errorf("%w: copy of %d rows x %d bytes", device.ErrTransfer, c.Rows, c.RowBytes)
	}
	if c.Rows == 0 {
		return nil
	}
	if c.DstOffset < 0 || (c.Rows > 1 && c.DstPitch < c.RowBytes) ||
		c.DstOffset+(c.Rows-1)*c.DstPitch+c.RowBytes > len(dst) {
		return fmt.Errorf("%w: destination range exceeds %d bytes", device.ErrTransfer, len(dst))
	}
	if c.SrcOffset < 0 || (c.Rows > 1 && c.SrcPitch < c.RowBytes) ||
		c.SrcOffset+(c.Rows-1)*c.SrcPitch+c.RowBytes > len(src) {
		return fmt.Errorf("%w: source range exceeds %d bytes", device.ErrTransfer, len(src))
	}
	for r := 0; r < c.Rows; r++ {
		d := c.DstOffset + r*c.DstPitch
		s := c.SrcOffset + r*c.SrcPitch
		copy(dst[d:d+c.RowBytes], src[s:s+c.RowBytes])
	}
	return nil
}
