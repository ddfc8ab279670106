package v4l2

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/smazurov/encnode/internal/device"
	"github.com/smazurov/encnode/internal/pixel"
	"github.com/smazurov/encnode/pkg/v4l2m2m"
)

// pollMs is the collector's wait slice. Shutdown latency on an idle device
// is bounded by one slice.
const pollMs = 200

// formatFourCC maps the pixel formats the hardware path can feed to their
// V4L2 codes. Packed RGB and 4:4:4 layouts have no stateful M2M input
// equivalents.
var formatFourCC = map[pixel.Format]uint32{
	pixel.FormatNV12: v4l2m2m.PixFmtNV12,
	pixel.FormatIYUV: v4l2m2m.PixFmtYUV420,
	pixel.FormatYV12: v4l2m2m.PixFmtYVU420,
	pixel.FormatP010: v4l2m2m.PixFmtP010,
}

// encoder adapts one v4l2m2m session to the device.Encoder interface.
// Submit copies staged frames into the driver's coded geometry and a
// collector goroutine turns dequeued bitstream into Packets. The preset and
// lookahead knobs have no V4L2 counterparts and are ignored.
type encoder struct {
	ctx     *context
	cfg     device.EncoderConfig
	log     *slog.Logger
	raw     *v4l2m2m.Encoder
	geo     pixel.Geometry // configured frame at the driver's pitch
	drv     pixel.Geometry // driver frame with the padded coded height
	scratch []byte         // repack target, nil when the layouts match

	packets chan device.Packet
	wg      sync.WaitGroup

	mu      sync.Mutex
	drained bool
	closed  bool
	err     error
}

func newEncoder(c *context, cfg device.EncoderConfig) (*encoder, error) {
	caps, ok := c.info.Caps.Codecs[cfg.Codec]
	if !ok || !caps.Supported {
		return nil, fmt.Errorf("%w: codec %q not supported", device.ErrInit, cfg.Codec)
	}
	fourcc, ok := formatFourCC[cfg.Format]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no V4L2 pixel format", pixel.ErrUnsupportedFormat, cfg.Format)
	}
	if !v4l2m2m.Offers(c.dev.RawFormats, fourcc) {
		return nil, fmt.Errorf("%w: %s does not take %s input", pixel.ErrUnsupportedFormat, c.dev.Card, cfg.Format)
	}

	raw, err := v4l2m2m.OpenEncoder(c.dev.Path, v4l2m2m.Config{
		Width:           cfg.Width,
		Height:          cfg.Height,
		PixelFormat:     fourcc,
		CodedFormat:     codecFourCC[cfg.Codec],
		Bitrate:         cfg.Bitrate,
		ConstantBitrate: cfg.RateControl == "cbr",
		GOPSize:         cfg.GOPLength,
		BFrames:         cfg.BFrames,
		OutputBuffers:   cfg.BFrames + 4,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrInit, err)
	}

	geo, err := pixel.Layout(cfg.Format, cfg.Width, cfg.Height, raw.InputPitch())
	if err != nil {
		raw.Close()
		return nil, err
	}
	codedW, codedH := raw.CodedSize()
	drv, err := pixel.Layout(cfg.Format, codedW, codedH, raw.InputPitch())
	if err != nil {
		raw.Close()
		return nil, err
	}

	e := &encoder{
		ctx:     c,
		cfg:     cfg,
		log:     c.log,
		raw:     raw,
		geo:     geo,
		drv:     drv,
		packets: make(chan device.Packet, 8),
	}
	// Width padding is absorbed by the pitch; only a padded coded height
	// moves the chroma planes and forces a repack.
	if codedH != cfg.Height {
		e.scratch = make([]byte, raw.InputSize())
	}

	if err := raw.Start(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", device.ErrInit, err)
	}
	e.wg.Add(1)
	go e.collect()
	return e, nil
}

func (e *encoder) InputPitch() int { return e.geo.Pitch }

// InputSize reports the driver's image size, which may exceed the packed
// frame when the coded height is padded.
func (e *encoder) InputSize() int { return e.raw.InputSize() }

func (e *encoder) Packets() <-chan device.Packet { return e.packets }

func (e *encoder) Submit(buf device.Buffer, frameIndex int, s device.Stream) error {
	b, ok := buf.(*stagingBuffer)
	if !ok {
		return fmt.Errorf("%w: buffer belongs to another backend", device.ErrSubmit)
	}
	// Pending stream work may still be filling the buffer.
	if s != nil {
		if err := s.Synchronize(); err != nil {
			return fmt.Errorf("%w: %v", device.ErrSubmit, err)
		}
	}

	e.mu.Lock()
	if e.closed || e.drained {
		e.mu.Unlock()
		return fmt.Errorf("%w: encoder is shut down", device.ErrSubmit)
	}
	e.mu.Unlock()

	data := b.bytes()
	if len(data) < e.raw.InputSize() {
		return fmt.Errorf("%w: buffer holds %d bytes, frame needs %d", device.ErrSubmit, len(data), e.raw.InputSize())
	}
	frame := data[:e.raw.InputSize()]
	if e.scratch != nil {
		e.repack(frame)
		frame = e.scratch
	}
	// Encode blocks until the driver returns an input slot; the collector
	// keeps the capture queue moving so this cannot deadlock.
	if err := e.raw.Encode(frame, int64(frameIndex)); err != nil {
		return fmt.Errorf("%w: %v", device.ErrSubmit, err)
	}
	return nil
}

// repack shifts the chroma planes down to the driver's padded coded height.
// The luma plane needs no move and the pad rows between the planes stay
// zero, which encodes as flat black in the cropped region.
func (e *encoder) repack(frame []byte) {
	copy(e.scratch[:e.geo.Pitch*e.geo.Height], frame)
	planeSize := e.geo.ChromaPitch() * e.geo.ChromaRows()
	for i, src := range e.geo.ChromaOffsets {
		dst := e.drv.ChromaOffsets[i]
		copy(e.scratch[dst:dst+planeSize], frame[src:src+planeSize])
	}
}

func (e *encoder) Drain() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: encoder is shut down", device.ErrSubmit)
	}
	if e.drained {
		return nil
	}
	e.drained = true
	if err := e.raw.Stop(); err != nil {
		return fmt.Errorf("%w: %v", device.ErrSubmit, err)
	}
	return nil
}

// Close tears the session down and discards any packets nobody collected.
// Safe to call more than once.
func (e *encoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	// Drain the channel so the collector is never stuck sending, then wait
	// for it to exit before unmapping the device buffers under it.
	go func() {
		for range e.packets {
		}
	}()
	e.wg.Wait()
	return e.raw.Close()
}

// collect moves bitstream from the device to the packet channel until the
// drain completes or the session is closed.
func (e *encoder) collect() {
	defer e.wg.Done()
	defer close(e.packets)
	for {
		pkt, err := e.raw.ReadPacket(pollMs)
		switch {
		case err == nil:
			e.packets <- e.devicePacket(pkt)
			if e.isClosed() {
				return
			}
		case errors.Is(err, v4l2m2m.ErrTimeout):
			// Waiting out a drain is fine; only Close stops the poll.
			if e.isClosed() {
				return
			}
		case errors.Is(err, io.EOF):
			return
		default:
			e.log.Error("Encode session failed while collecting packets",
				"device", e.ctx.dev.Path, "error", err)
			e.mu.Lock()
			e.err = fmt.Errorf("%w: %v", device.ErrSubmit, err)
			e.mu.Unlock()
			return
		}
	}
}

// Err reports the device failure that stopped the collector, if any.
func (e *encoder) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *encoder) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *encoder) devicePacket(p v4l2m2m.Packet) device.Packet {
	pkt := device.Packet{FrameIndex: int(p.Index), Keyframe: p.Keyframe}
	if !e.cfg.OutputInVideoMemory {
		pkt.Data = p.Data
		return pkt
	}
	out, err := e.ctx.AllocBuffer(len(p.Data))
	if err == nil {
		copy2d := device.Copy2D{DstPitch: len(p.Data), SrcPitch: len(p.Data), RowBytes: len(p.Data), Rows: 1}
		if err = out.Upload(p.Data, copy2d, nil); err != nil {
			out.Free()
		}
	}
	if err != nil {
		// Context is closing; deliver on the host so the packet survives.
		e.log.Debug("Falling back to host packet delivery", "error", err)
		pkt.Data = p.Data
		return pkt
	}
	pkt.Output = out
	pkt.Size = len(p.Data)
	return pkt
}
