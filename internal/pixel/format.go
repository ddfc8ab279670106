// Package pixel defines the pixel formats accepted by the encode pipeline and
// the plane geometry of device frame buffers holding them.
//
// Planar formats store the luma plane first, followed by one or two chroma
// planes at the format's subsampling ratio. Packed formats store one 32-bit
// sample per pixel. Plane placement inside a device buffer is pitch-based:
// rows are separated by a pitch chosen by the device, which may exceed the
// row's payload bytes.
package pixel

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFormat indicates a pixel format, or a source/destination
// format combination, that the pipeline cannot handle.
var ErrUnsupportedFormat = errors.New("unsupported pixel format")

// Format identifies a frame buffer pixel format.
type Format string

// Supported formats. Packed byte orders are given as they appear in memory.
const (
	// FormatIYUV is planar 4:2:0 8-bit, planes Y, U, V.
	FormatIYUV Format = "iyuv"
	// FormatYV12 is planar 4:2:0 8-bit, planes Y, V, U.
	FormatYV12 Format = "yv12"
	// FormatNV12 is semi-planar 4:2:0 8-bit, planes Y, interleaved UV.
	FormatNV12 Format = "nv12"
	// FormatP010 is semi-planar 4:2:0 10-bit in 16-bit containers,
	// samples MSB-aligned, planes Y, interleaved UV.
	FormatP010 Format = "p010"
	// FormatYUV444 is planar 4:4:4 8-bit, planes Y, U, V.
	FormatYUV444 Format = "yuv444"
	// FormatYUV444P16 is planar 4:4:4 10-bit in 16-bit containers,
	// samples MSB-aligned, planes Y, U, V.
	FormatYUV444P16 Format = "yuv444p16"
	// FormatBGRA is packed 8-bit, bytes B, G, R, A.
	FormatBGRA Format = "bgra"
	// FormatABGR is packed 8-bit, bytes R, G, B, A. This is the byte
	// layout of image.RGBA, so decoded images carry this format.
	FormatABGR Format = "abgr"
	// FormatAYUV is packed 4:4:4 8-bit, bytes V, U, Y, A.
	FormatAYUV Format = "ayuv"
	// FormatBGRA10 is packed 10-bit, little-endian A2R10G10B10 words.
	FormatBGRA10 Format = "bgra10"
	// FormatABGR10 is packed 10-bit, little-endian A2B10G10R10 words.
	FormatABGR10 Format = "abgr10"
)

// Names lists all format names accepted on the command line, in help order.
var Names = []string{
	"iyuv", "nv12", "yv12", "yuv444", "p010", "yuv444p16",
	"bgra", "bgra10", "ayuv", "abgr", "abgr10",
}

// Parse converts a format name to a Format. "rgba" is accepted as an alias
// for abgr, which is the byte order decoded images arrive in.
func Parse(name string) (Format, error) {
	if name == "rgba" {
		return FormatABGR, nil
	}
	for _, n := range Names {
		if n == name {
			return Format(n), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// Valid reports whether f is one of the supported formats.
func (f Format) Valid() bool {
	_, err := Parse(string(f))
	return err == nil
}

// Packed reports whether f stores one interleaved sample per pixel.
func (f Format) Packed() bool {
	switch f {
	case FormatBGRA, FormatABGR, FormatAYUV, FormatBGRA10, FormatABGR10:
		return true
	}
	return false
}

// Planar reports whether f stores separate planes.
func (f Format) Planar() bool {
	return f.Valid() && !f.Packed()
}

// Subsampled420 reports whether f subsamples chroma 2x in both dimensions.
func (f Format) Subsampled420() bool {
	switch f {
	case FormatIYUV, FormatYV12, FormatNV12, FormatP010:
		return true
	}
	return false
}

// BitDepth returns the significant bits per component: 8 or 10.
func (f Format) BitDepth() int {
	switch f {
	case FormatP010, FormatYUV444P16, FormatBGRA10, FormatABGR10:
		return 10
	}
	return 8
}

// BytesPerSample returns the storage bytes of one plane sample: 1 for 8-bit
// planar formats, 2 for 16-bit-container planar formats, 4 for packed.
func (f Format) BytesPerSample() int {
	switch {
	case f.Packed():
		return 4
	case f.BitDepth() > 8:
		return 2
	default:
		return 1
	}
}

// ChromaPlanes returns the number of chroma planes: 0 for packed formats,
// 1 for semi-planar, 2 for fully planar.
func (f Format) ChromaPlanes() int {
	switch f {
	case FormatNV12, FormatP010:
		return 1
	case FormatIYUV, FormatYV12, FormatYUV444, FormatYUV444P16:
		return 2
	}
	return 0
}

// ChromaSwapped reports whether the format stores the Cr plane before Cb.
func (f Format) ChromaSwapped() bool {
	return f == FormatYV12
}

// RowBytes returns the payload bytes of one luma (or packed) row at width w.
func (f Format) RowBytes(w int) int {
	return w * f.BytesPerSample()
}

func (f Format) String() string {
	return string(f)
}
