package encode

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/smazurov/encnode/internal/device"
)

// Pool is a fixed set of equally sized device frame buffers. Acquire hands
// out free buffers and blocks while all of them are in flight; buffers come
// back only through release, which the session calls as encoded packets
// complete. The pool never grows.
type Pool struct {
	all      []device.Buffer
	free     chan device.Buffer
	inflight atomic.Int32
}

// NewPool allocates count buffers of size bytes on the device context.
func NewPool(ctx device.Context, count, size int) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: pool size %d", device.ErrInit, count)
	}
	p := &Pool{free: make(chan device.Buffer, count)}
	for i := 0; i < count; i++ {
		b, err := ctx.AllocBuffer(size)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("allocate frame buffer %d of %d: %w", i+1, count, err)
		}
		p.all = append(p.all, b)
		p.free <- b
	}
	return p, nil
}

// Cap returns the total number of buffers in the pool.
func (p *Pool) Cap() int { return len(p.all) }

// InFlight returns how many buffers are currently acquired.
func (p *Pool) InFlight() int { return int(p.inflight.Load()) }

// Acquire returns a free buffer, blocking until one is released. An acquire
// with the free list empty and nothing in flight can never be satisfied;
// that is a caller bug and panics rather than deadlocking.
func (p *Pool) Acquire(ctx context.Context) (device.Buffer, error) {
	select {
	case b := <-p.free:
		p.inflight.Add(1)
		return b, nil
	default:
	}
	if p.inflight.Load() == 0 {
		// A concurrent release pushes to free before dropping the
		// in-flight count, so a zero count with a buffer already on the
		// channel is valid accounting. Recheck before deciding this
		// acquire can never complete.
		select {
		case b := <-p.free:
			p.inflight.Add(1)
			return b, nil
		default:
			panic("encode: buffer pool acquire would block forever: no buffers in flight")
		}
	}
	select {
	case b := <-p.free:
		p.inflight.Add(1)
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a buffer to the free list. Only the session's packet
// collector calls this, once the encoder is done with the frame.
func (p *Pool) release(b device.Buffer) {
	p.free <- b
	p.inflight.Add(-1)
}

// Close frees every buffer, in flight or not. The caller must have waited
// for outstanding device work first.
func (p *Pool) Close() {
	for _, b := range p.all {
		b.Free()
	}
	p.all = nil
}
