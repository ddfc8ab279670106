//go:build linux && (amd64 || arm64)

package v4l2m2m

import (
	"syscall"
	"unsafe"
)

// Compile-time struct size assertions.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [104]byte = [unsafe.Sizeof(v4l2Capability{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Fmtdesc{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(v4l2FrmsizeDiscrete{})]byte{}
	_ [24]byte  = [unsafe.Sizeof(v4l2FrmsizeStepwise{})]byte{}
	_ [44]byte  = [unsafe.Sizeof(v4l2Frmsizeenum{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(v4l2PlanePixFormat{})]byte{}
	_ [192]byte = [unsafe.Sizeof(v4l2PixFormatMplane{})]byte{}
	_ [208]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(v4l2RequestBuffers{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Plane{})]byte{}
	_ [16]byte  = [unsafe.Sizeof(v4l2Timecode{})]byte{}
	_ [88]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{}
	_ [40]byte  = [unsafe.Sizeof(v4l2EncoderCmd{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(v4l2Control{})]byte{}
)

// IOCTL constants for 64-bit architectures.
const (
	vidiocQuerycap       = 0x80685600
	vidiocEnumFmt        = 0xc0405602
	vidiocGFmt           = 0xc0d05604
	vidiocSFmt           = 0xc0d05605
	vidiocReqbufs        = 0xc0145608
	vidiocQuerybuf       = 0xc0585609
	vidiocQbuf           = 0xc058560f
	vidiocDqbuf          = 0xc0585611
	vidiocStreamon       = 0x40045612
	vidiocStreamoff      = 0x40045613
	vidiocGCtrl          = 0xc008561b
	vidiocSCtrl          = 0xc008561c
	vidiocEnumFramesizes = 0xc02c564a
	vidiocEncoderCmd     = 0xc028564d
)

// v4l2Capability has size 104 bytes.
type v4l2Capability struct {
	driver       [16]byte  // offset 0
	card         [32]byte  // offset 16
	busInfo      [32]byte  // offset 48
	version      uint32    // offset 80
	capabilities uint32    // offset 84
	deviceCaps   uint32    // offset 88
	reserved     [3]uint32 // offset 92
}

// v4l2Fmtdesc has size 64 bytes.
type v4l2Fmtdesc struct {
	index       uint32    // offset 0
	typ         uint32    // offset 4
	flags       uint32    // offset 8
	description [32]byte  // offset 12
	pixelformat uint32    // offset 44
	mbusCode    uint32    // offset 48
	reserved    [3]uint32 // offset 52
}

// v4l2FrmsizeDiscrete has size 8 bytes.
type v4l2FrmsizeDiscrete struct {
	width  uint32
	height uint32
}

// v4l2FrmsizeStepwise has size 24 bytes.
type v4l2FrmsizeStepwise struct {
	minWidth   uint32
	maxWidth   uint32
	stepWidth  uint32
	minHeight  uint32
	maxHeight  uint32
	stepHeight uint32
}

// v4l2Frmsizeenum has size 44 bytes.
type v4l2Frmsizeenum struct {
	index       uint32              // offset 0
	pixelFormat uint32              // offset 4
	typ         uint32              // offset 8
	discrete    v4l2FrmsizeDiscrete // offset 12 (union with stepwise)
	_           [16]byte            // padding for stepwise
	reserved    [2]uint32           // offset 36
}

// stepwise overlays discrete in the union.
func (f *v4l2Frmsizeenum) stepwise() *v4l2FrmsizeStepwise {
	return (*v4l2FrmsizeStepwise)(unsafe.Pointer(&f.discrete))
}

// v4l2PlanePixFormat has size 20 bytes.
type v4l2PlanePixFormat struct {
	sizeimage    uint32
	bytesperline uint32
	reserved     [6]uint16
}

// v4l2PixFormatMplane has size 192 bytes. The kernel declares it packed;
// every field happens to be naturally aligned, so the Go layout matches.
type v4l2PixFormatMplane struct {
	width        uint32                 // offset 0
	height       uint32                 // offset 4
	pixelformat  uint32                 // offset 8
	field        uint32                 // offset 12
	colorspace   uint32                 // offset 16
	planeFmt     [8]v4l2PlanePixFormat  // offset 20
	numPlanes    uint8                  // offset 180
	flags        uint8                  // offset 181
	ycbcrEnc     uint8                  // offset 182
	quantization uint8                  // offset 183
	xferFunc     uint8                  // offset 184
	reserved     [7]uint8               // offset 185
}

// v4l2Format has size 208 bytes. Only the pix_mp union member is declared;
// the raw_data member pads the union to 200 bytes.
type v4l2Format struct {
	typ   uint32              // offset 0
	_     [4]byte             // union aligned to 8 on 64-bit
	pixMP v4l2PixFormatMplane // offset 8
	_     [8]byte             // padding to raw_data[200]
}

// v4l2RequestBuffers has size 20 bytes.
type v4l2RequestBuffers struct {
	count        uint32   // offset 0
	typ          uint32   // offset 4
	memory       uint32   // offset 8
	capabilities uint32   // offset 12
	flags        uint8    // offset 16
	reserved     [3]uint8 // offset 17
}

// v4l2Plane has size 64 bytes. The m union holds an unsigned long, so the
// mem_offset member is followed by 4 bytes of padding.
type v4l2Plane struct {
	bytesused  uint32     // offset 0
	length     uint32     // offset 4
	memOffset  uint32     // offset 8 (union m)
	_          [4]byte    // padding to union size 8
	dataOffset uint32     // offset 16
	reserved   [11]uint32 // offset 20
}

// v4l2Timecode has size 16 bytes.
type v4l2Timecode struct {
	typ      uint32
	flags    uint32
	frames   uint8
	seconds  uint8
	minutes  uint8
	hours    uint8
	userbits [4]uint8
}

// v4l2Buffer has size 88 bytes. For multi-planar buffers the m union holds
// a pointer to a v4l2Plane array and length holds the plane count.
type v4l2Buffer struct {
	index     uint32          // offset 0
	typ       uint32          // offset 4
	bytesused uint32          // offset 8
	flags     uint32          // offset 12
	field     uint32          // offset 16
	_         [4]byte         // timeval aligned to 8
	timestamp syscall.Timeval // offset 24
	timecode  v4l2Timecode    // offset 40
	sequence  uint32          // offset 56
	memory    uint32          // offset 60
	m         uintptr         // offset 64 (union)
	length    uint32          // offset 72
	reserved2 uint32          // offset 76
	requestFD int32           // offset 80
}

// v4l2EncoderCmd has size 40 bytes.
type v4l2EncoderCmd struct {
	cmd   uint32    // offset 0
	flags uint32    // offset 4
	raw   [8]uint32 // offset 8 (union)
}

// v4l2Control has size 8 bytes.
type v4l2Control struct {
	id    uint32
	value int32
}
