package soft

import (
	"fmt"
	"sync"

	"github.com/smazurov/encnode/internal/device"
)

// buffer is a block of simulated device memory. Strided copies run inline
// when no stream is given, otherwise on the stream's goroutine.
type buffer struct {
	ctx  *context
	mu   sync.Mutex
	data []byte
}

func (b *buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *buffer) Upload(src []byte, c device.Copy2D, s device.Stream) error {
	if err := checkCopy(c, len(b.data), c.DstOffset, c.DstPitch, len(src), c.SrcOffset, c.SrcPitch); err != nil {
		return err
	}
	op := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for r := 0; r < c.Rows; r++ {
			dst := c.DstOffset + r*c.DstPitch
			off := c.SrcOffset + r*c.SrcPitch
			copy(b.data[dst:dst+c.RowBytes], src[off:off+c.RowBytes])
		}
	}
	return b.dispatch(op, s)
}

func (b *buffer) Download(dst []byte, c device.Copy2D, s device.Stream) error {
	if err := checkCopy(c, len(dst), c.DstOffset, c.DstPitch, len(b.data), c.SrcOffset, c.SrcPitch); err != nil {
		return err
	}
	op := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for r := 0; r < c.Rows; r++ {
			off := c.DstOffset + r*c.DstPitch
			src := c.SrcOffset + r*c.SrcPitch
			copy(dst[off:off+c.RowBytes], b.data[src:src+c.RowBytes])
		}
	}
	return b.dispatch(op, s)
}

func (b *buffer) CopyTo(dst device.Buffer, c device.Copy2D, s device.Stream) error {
	target, ok := dst.(*buffer)
	if !ok {
		return fmt.Errorf("%w: destination buffer belongs to another backend", device.ErrTransfer)
	}
	if err := checkCopy(c, len(target.data), c.DstOffset, c.DstPitch, len(b.data), c.SrcOffset, c.SrcPitch); err != nil {
		return err
	}
	op := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if target != b {
			target.mu.Lock()
			defer target.mu.Unlock()
		}
		for r := 0; r < c.Rows; r++ {
			off := c.DstOffset + r*c.DstPitch
			src := c.SrcOffset + r*c.SrcPitch
			copy(target.data[off:off+c.RowBytes], b.data[src:src+c.RowBytes])
		}
	}
	return b.dispatch(op, s)
}

func (b *buffer) Free() error {
	b.ctx.forget(b)
	b.release()
	return nil
}

func (b *buffer) release() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}

func (b *buffer) dispatch(op func(), s device.Stream) error {
	if s == nil {
		op()
		return nil
	}
	queue, ok := s.(*stream)
	if !ok {
		return fmt.Errorf("%w: stream belongs to another backend", device.ErrTransfer)
	}
	queue.enqueue(op)
	return nil
}

// bytes returns the backing storage for same-backend readers.
func (b *buffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

func checkCopy(c device.Copy2D, dstLen, dstOff, dstPitch, srcLen, srcOff, srcPitch int) error {
	if c.Rows < 0 || c.RowBytes <= 0 {
		return fmt.Errorf("%w: copy of %d rows x %d bytes", device.ErrTransfer, c.Rows, c.RowBytes)
	}
	if c.Rows == 0 {
		return nil
	}
	if dstOff < 0 || (c.Rows > 1 && dstPitch < c.RowBytes) || dstOff+(c.Rows-1)*dstPitch+c.RowBytes > dstLen {
		return fmt.Errorf("%w: destination range exceeds %d bytes", device.ErrTransfer, dstLen)
	}
	if srcOff < 0 || (c.Rows > 1 && srcPitch < c.RowBytes) || srcOff+(c.Rows-1)*srcPitch+c.RowBytes > srcLen {
		return fmt.Errorf("%w: source range exceeds %d bytes", device.ErrTransfer, srcLen)
	}
	return nil
}
