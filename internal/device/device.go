// Package device abstracts the encode hardware behind driver, context,
// stream, buffer and encoder interfaces. Concrete backends register a Driver
// at init time; the rest of the pipeline only sees these interfaces.
package device

import (
	"github.com/smazurov/encnode/internal/pixel"
)

// Codec identifies a compressed bitstream format.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecHEVC Codec = "hevc"
)

// Info describes one encode device enumerated by a driver.
type Info struct {
	Ordinal int
	Name    string
	Caps    Caps
}

// Caps holds the encode capabilities of a device, per codec.
type Caps struct {
	Codecs map[Codec]CodecCaps
}

// CodecCaps holds the capability set of one codec on one device.
type CodecCaps struct {
	Supported        bool
	MaxWidth         int
	MaxHeight        int
	MinWidth         int
	MinHeight        int
	YUV444           bool
	TenBit           bool
	Lossless         bool
	SampleAdaptive   bool
	MotionEstimation bool
}

// Supports reports whether the device can encode codec c at all.
func (c Caps) Supports(codec Codec) bool {
	return c.Codecs[codec].Supported
}

// Driver creates device contexts for one hardware backend.
type Driver interface {
	// Name returns the backend name used on the command line.
	Name() string
	// Devices enumerates the encode devices the backend can open.
	Devices() ([]Info, error)
	// Open creates a context on the device with the given ordinal.
	Open(ordinal int) (Context, error)
}

// Context is an open handle on one device. It owns the device memory and
// encoders created through it; Close releases everything still allocated.
type Context interface {
	Device() Info
	// AllocBuffer allocates size bytes of device memory.
	AllocBuffer(size int) (Buffer, error)
	// NewStream creates an ordered asynchronous work queue. Operations
	// issued on the same stream execute in issue order; a nil Stream means
	// the operation completes before the call returns.
	NewStream() (Stream, error)
	// NewEncoder opens a hardware encode session on this context.
	NewEncoder(cfg EncoderConfig) (Encoder, error)
	Close() error
}

// Stream orders asynchronous device work.
type Stream interface {
	// Synchronize blocks until all work issued on the stream has completed.
	Synchronize() error
}

// Copy2D describes one strided plane copy. Dst fields always describe the
// destination and Src fields the source, whichever side is host memory.
type Copy2D struct {
	DstOffset int
	DstPitch  int
	SrcOffset int
	SrcPitch  int
	RowBytes  int
	Rows      int
}

// Buffer is a block of device memory.
type Buffer interface {
	Size() int
	// Upload copies rows from host memory into the buffer. A non-nil
	// stream makes the copy asynchronous.
	Upload(src []byte, c Copy2D, s Stream) error
	// Download copies rows from the buffer into host memory.
	Download(dst []byte, c Copy2D, s Stream) error
	// CopyTo copies rows into another buffer on the same context.
	CopyTo(dst Buffer, c Copy2D, s Stream) error
	Free() error
}

// EncoderConfig selects the codec and tuning of a hardware encode session.
type EncoderConfig struct {
	Codec       Codec
	Format      pixel.Format
	Width       int
	Height      int
	Preset      string
	RateControl string
	Bitrate     int
	GOPLength   int
	BFrames     int
	Lookahead   int
	// OutputInVideoMemory leaves encoded packets in device memory instead
	// of copying them back to the host.
	OutputInVideoMemory bool
}

// Packet is one encoded frame produced by an Encoder. FrameIndex matches the
// index passed to Submit; packets arrive in submission order.
type Packet struct {
	FrameIndex int
	Keyframe   bool
	// Data holds the encoded payload for host output.
	Data []byte
	// Output holds the payload in device memory when the session was
	// configured with OutputInVideoMemory; Size is the payload length.
	// The receiver owns the buffer and must Free it.
	Output Buffer
	Size   int
}

// Encoder is an open hardware encode session. Submitted frames surface on
// Packets in submission order; the encoder may hold frames back while its
// lookahead and reordering queues fill.
type Encoder interface {
	// InputPitch returns the luma pitch the device requires for input
	// buffers of the configured format.
	InputPitch() int
	// InputSize returns the byte size of one input buffer at that pitch.
	InputSize() int
	// Submit queues the frame in buf for encoding. The buffer must stay
	// untouched until its packet arrives on Packets.
	Submit(buf Buffer, frameIndex int, s Stream) error
	// Drain flushes the internal queues. Every submitted frame surfaces
	// on Packets, then the channel is closed. No Submit may follow.
	Drain() error
	Packets() <-chan Packet
	// Err reports the failure that cut packet delivery short, if any.
	// Meaningful once Packets has closed; a clean drain returns nil.
	Err() error
	Close() error
}
