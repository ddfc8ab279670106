//go:build linux

package v4l2m2m

// EncoderInfo describes one V4L2 M2M device that can encode video.
type EncoderInfo struct {
	Path   string
	Card   string
	Driver string
	// CodedFormats lists the compressed formats the CAPTURE queue produces.
	CodedFormats []uint32
	// RawFormats lists the raw formats the OUTPUT queue accepts.
	RawFormats []uint32
}

// Offers reports whether format appears in the given format list.
func Offers(formats []uint32, format uint32) bool {
	for _, f := range formats {
		if f == format {
			return true
		}
	}
	return false
}

// Config selects the geometry, formats and tuning of an encode session.
type Config struct {
	Width  int
	Height int
	// PixelFormat is the raw format queued on the OUTPUT side.
	// Defaults to PixFmtNV12.
	PixelFormat uint32
	// CodedFormat is the compressed format dequeued on the CAPTURE side.
	CodedFormat uint32
	// Bitrate in bits per second. Zero keeps the driver default.
	Bitrate int
	// ConstantBitrate selects CBR rate control instead of VBR.
	ConstantBitrate bool
	// GOPSize is the keyframe interval. Zero keeps the driver default.
	GOPSize int
	// BFrames is the number of B frames between references. Zero keeps
	// the driver default.
	BFrames int
	// OutputBuffers and CaptureBuffers request queue depths; the driver
	// may adjust them. Both default to 4.
	OutputBuffers  int
	CaptureBuffers int
}

func (c Config) withDefaults() Config {
	if c.PixelFormat == 0 {
		c.PixelFormat = PixFmtNV12
	}
	if c.OutputBuffers <= 0 {
		c.OutputBuffers = 4
	}
	if c.CaptureBuffers <= 0 {
		c.CaptureBuffers = 4
	}
	return c
}

// Packet is one chunk of encoded bitstream dequeued from the CAPTURE queue.
type Packet struct {
	// Index is the frame index the caller passed to Encode, carried
	// through the device in the buffer timestamp.
	Index    int64
	Keyframe bool
	// Data is copied out of the mmap window and owned by the caller.
	Data []byte
}

// Pixel formats.
const (
	PixFmtNV12   = 0x3231564E // 'NV12' - Y plane, interleaved CbCr plane
	PixFmtYUV420 = 0x32315559 // 'YU12' - planar Y, Cb, Cr
	PixFmtYVU420 = 0x32315659 // 'YV12' - planar Y, Cr, Cb
	PixFmtP010   = 0x30313050 // 'P010' - 10-bit NV12
	PixFmtH264   = 0x34363248 // 'H264' - H.264 byte stream
	PixFmtHEVC   = 0x43564548 // 'HEVC' - HEVC byte stream
	PixFmtVP8    = 0x30385056 // 'VP80'
	PixFmtVP9    = 0x30395056 // 'VP90'
)

// FourCCString converts a 4-byte pixel format code to a human-readable string.
func FourCCString(format uint32) string {
	b := make([]byte, 4)
	b[0] = byte(format & 0xFF)
	b[1] = byte((format >> 8) & 0xFF)
	b[2] = byte((format >> 16) & 0xFF)
	b[3] = byte((format >> 24) & 0xFF)
	return string(b)
}

// Capability flags.
const (
	v4l2CapVideoM2M       = 0x00008000
	v4l2CapVideoM2MMplane = 0x00004000
	v4l2CapStreaming      = 0x04000000
	v4l2CapDeviceCaps     = 0x80000000
)

// Buffer types.
const (
	v4l2BufTypeVideoCaptureMplane = 9
	v4l2BufTypeVideoOutputMplane  = 10
)

// Memory models.
const (
	v4l2MemoryMmap = 1
)

// Field order. Encoders take progressive frames.
const (
	v4l2FieldNone = 1
)

// Buffer flags.
const (
	v4l2BufFlagKeyframe = 0x00000008
	v4l2BufFlagLast     = 0x00100000
)

// Encoder commands.
const (
	v4l2EncCmdStart = 0
	v4l2EncCmdStop  = 1
)

// Frame size types.
const (
	v4l2FrmsizeTypeDiscrete   = 1
	v4l2FrmsizeTypeContinuous = 2
	v4l2FrmsizeTypeStepwise   = 3
)

// Codec control IDs from the V4L2 control framework.
const (
	v4l2CidMpegVideoBFrames     = 0x009909ca
	v4l2CidMpegVideoGopSize     = 0x009909cb
	v4l2CidMpegVideoBitrateMode = 0x009909ce
	v4l2CidMpegVideoBitrate     = 0x009909cf
)

// Bitrate modes.
const (
	v4l2BitrateModeVBR = 0
	v4l2BitrateModeCBR = 1
)
