// Package soft implements the device interfaces in software. Frames are
// held in process memory, streams are goroutine-backed FIFO queues, and the
// encoder produces zstd-compressed packets. It exists so the full pipeline
// runs on machines without encode hardware and so tests can drive real
// device semantics deterministically.
package soft

import (
	"fmt"
	"sync"

	"github.com/smazurov/encnode/internal/device"
)

// DriverName is the name the backend registers under.
const DriverName = "soft"

func init() {
	device.Register(&driver{})
}

type driver struct{}

func (d *driver) Name() string { return DriverName }

func (d *driver) Devices() ([]device.Info, error) {
	return []device.Info{{
		Ordinal: 0,
		Name:    "zstd software encoder",
		Caps:    softCaps(),
	}}, nil
}

func (d *driver) Open(ordinal int) (device.Context, error) {
	devices, err := d.Devices()
	if err != nil {
		return nil, err
	}
	if ordinal < 0 || ordinal >= len(devices) {
		return nil, device.OrdinalError(ordinal, len(devices))
	}
	return &context{
		info:    devices[ordinal],
		buffers: make(map[*buffer]struct{}),
	}, nil
}

func softCaps() device.Caps {
	return device.Caps{
		Codecs: map[device.Codec]device.CodecCaps{
			device.CodecH264: {
				Supported:        true,
				MaxWidth:         4096,
				MaxHeight:        4096,
				MinWidth:         33,
				MinHeight:        17,
				YUV444:           true,
				MotionEstimation: true,
			},
			device.CodecHEVC: {
				Supported:        true,
				MaxWidth:         8192,
				MaxHeight:        8192,
				MinWidth:         65,
				MinHeight:        33,
				YUV444:           true,
				TenBit:           true,
				Lossless:         true,
				SampleAdaptive:   true,
				MotionEstimation: true,
			},
		},
	}
}

// context owns the buffers, streams and encoders created through it.
type context struct {
	info device.Info

	mu       sync.Mutex
	buffers  map[*buffer]struct{}
	streams  []*stream
	encoders []*encoder
	closed   bool
}

func (c *context) Device() device.Info { return c.info }

func (c *context) AllocBuffer(size int) (device.Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", device.ErrInit, size)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: context closed", device.ErrInit)
	}
	b := &buffer{ctx: c, data: make([]byte, size)}
	c.buffers[b] = struct{}{}
	return b, nil
}

func (c *context) NewStream() (device.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: context closed", device.ErrInit)
	}
	s := newStream()
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *context) NewEncoder(cfg device.EncoderConfig) (device.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: context closed", device.ErrInit)
	}
	e, err := newEncoder(c, cfg)
	if err != nil {
		return nil, err
	}
	c.encoders = append(c.encoders, e)
	return e, nil
}

// Close shuts down every encoder and stream created on the context and
// releases all buffers still allocated. Safe to call more than once.
func (c *context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	encoders := c.encoders
	streams := c.streams
	buffers := c.buffers
	c.encoders = nil
	c.streams = nil
	c.buffers = make(map[*buffer]struct{})
	c.mu.Unlock()

	for _, e := range encoders {
		e.Close()
	}
	for _, s := range streams {
		s.stop()
	}
	for b := range buffers {
		b.release()
	}
	return nil
}

func (c *context) forget(b *buffer) {
	c.mu.Lock()
	delete(c.buffers, b)
	c.mu.Unlock()
}
