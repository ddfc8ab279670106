package soft

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/smazurov/encnode/internal/device"
	"github.com/smazurov/encnode/internal/pixel"
)

// Rows in device memory start on 256-byte boundaries.
const bufferAlign = 256

const (
	packetMagic      = 0x31434e45 // "ENC1"
	packetHeaderSize = 16
	flagKeyframe     = 1 << 0
)

const defaultGOPLength = 250

// frame is one submitted input held in the lookahead window.
type frame struct {
	index int
	data  []byte
}

// encoder compresses submitted frames with zstd. Keyframes carry the whole
// frame; frames in between carry the difference against the previous one.
// Packets leave on a channel in submission order after the lookahead window
// has filled.
type encoder struct {
	ctx       *context
	cfg       device.EncoderConfig
	geo       pixel.Geometry
	z         *zstd.Encoder
	gop       int
	lookahead int

	in      chan frame
	packets chan device.Packet

	mu      sync.Mutex
	drained bool
	closed  bool
}

func newEncoder(c *context, cfg device.EncoderConfig) (*encoder, error) {
	caps, ok := c.info.Caps.Codecs[cfg.Codec]
	if !ok || !caps.Supported {
		return nil, fmt.Errorf("%w: codec %q not supported", device.ErrInit, cfg.Codec)
	}
	if cfg.Format.BitDepth() > 8 && !caps.TenBit {
		return nil, fmt.Errorf("%w: %s needs 10-bit encode support", pixel.ErrUnsupportedFormat, cfg.Format)
	}
	if needsFullChroma(cfg.Format) && !caps.YUV444 {
		return nil, fmt.Errorf("%w: %s needs 4:4:4 encode support", pixel.ErrUnsupportedFormat, cfg.Format)
	}

	pitch := alignUp(cfg.Format.RowBytes(cfg.Width), bufferAlign)
	geo, err := pixel.Layout(cfg.Format, cfg.Width, cfg.Height, pitch)
	if err != nil {
		return nil, err
	}

	z, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(presetLevel(cfg.Preset)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrInit, err)
	}

	gop := cfg.GOPLength
	if gop <= 0 {
		gop = defaultGOPLength
	}
	lookahead := cfg.Lookahead
	if lookahead < 0 {
		lookahead = 0
	}

	e := &encoder{
		ctx:       c,
		cfg:       cfg,
		geo:       geo,
		z:         z,
		gop:       gop,
		lookahead: lookahead,
		in:        make(chan frame, lookahead+cfg.BFrames+4),
		packets:   make(chan device.Packet, 8),
	}
	go e.run()
	return e, nil
}

func (e *encoder) InputPitch() int { return e.geo.Pitch }

func (e *encoder) InputSize() int { return e.geo.Size() }

func (e *encoder) Packets() <-chan device.Packet { return e.packets }

// Err implements device.Encoder. The software path has no asynchronous
// failure mode; a frame either encodes or its Submit fails up front.
func (e *encoder) Err() error { return nil }

func (e *encoder) Submit(buf device.Buffer, frameIndex int, s device.Stream) error {
	b, ok := buf.(*buffer)
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
	defer e.mu.Unlock()
	if e.closed || e.drained {
		return fmt.Errorf("%w: encoder is shut down", device.ErrSubmit)
	}
	data := b.bytes()
	if len(data) < e.geo.Size() {
		return fmt.Errorf("%w: buffer holds %d bytes, frame needs %d", device.ErrSubmit, len(data), e.geo.Size())
	}
	snap := make([]byte, e.geo.Size())
	copy(snap, data)
	e.in <- frame{index: frameIndex, data: snap}
	return nil
}

func (e *encoder) Drain() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: encoder is shut down", device.ErrSubmit)
	}
	if !e.drained {
		e.drained = true
		close(e.in)
	}
	return nil
}

// Close drains the encoder and discards any packets nobody collected.
// Safe to call more than once.
func (e *encoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if !e.drained {
		e.drained = true
		close(e.in)
	}
	e.mu.Unlock()

	for range e.packets {
	}
	return e.z.Close()
}

func (e *encoder) run() {
	defer close(e.packets)
	var window []frame
	var prev []byte
	emit := func(f frame) {
		e.packets <- e.encodePacket(f, prev)
		prev = f.data
	}
	for f := range e.in {
		window = append(window, f)
		if len(window) > e.lookahead {
			emit(window[0])
			window = window[1:]
		}
	}
	for _, f := range window {
		emit(f)
	}
}

func (e *encoder) encodePacket(f frame, prev []byte) device.Packet {
	keyframe := prev == nil || f.index%e.gop == 0
	src := f.data
	if !keyframe {
		diff := make([]byte, len(src))
		for i := range src {
			diff[i] = src[i] ^ prev[i]
		}
		src = diff
	}
	comp := e.z.EncodeAll(src, make([]byte, 0, packetHeaderSize+len(src)/2))

	data := make([]byte, packetHeaderSize+len(comp))
	binary.LittleEndian.PutUint32(data[0:], packetMagic)
	binary.LittleEndian.PutUint32(data[4:], uint32(f.index))
	flags := uint32(0)
	if keyframe {
		flags |= flagKeyframe
	}
	binary.LittleEndian.PutUint32(data[8:], flags)
	binary.LittleEndian.PutUint32(data[12:], uint32(len(comp)))
	copy(data[packetHeaderSize:], comp)

	pkt := device.Packet{FrameIndex: f.index, Keyframe: keyframe}
	if !e.cfg.OutputInVideoMemory {
		pkt.Data = data
		return pkt
	}
	out, err := e.ctx.AllocBuffer(len(data))
	if err != nil {
		// Context is closing; deliver on the host so the packet survives.
		pkt.Data = data
		return pkt
	}
	copy2d := device.Copy2D{DstPitch: len(data), SrcPitch: len(data), RowBytes: len(data), Rows: 1}
	if err := out.Upload(data, copy2d, nil); err != nil {
		out.Free()
		pkt.Data = data
		return pkt
	}
	pkt.Output = out
	pkt.Size = len(data)
	return pkt
}

func needsFullChroma(f pixel.Format) bool {
	switch f {
	case pixel.FormatYUV444, pixel.FormatYUV444P16, pixel.FormatAYUV:
		return true
	}
	return false
}

func presetLevel(preset string) zstd.EncoderLevel {
	switch preset {
	case "p1", "p2":
		return zstd.SpeedFastest
	case "p5", "p6":
		return zstd.SpeedBetterCompression
	case "p7":
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}
