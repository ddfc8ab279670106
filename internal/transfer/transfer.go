// Package transfer moves source frames into device frame buffers, handling
// the layout differences between tightly packed host frames and pitched
// device memory. Besides straight copies it converts between a small set of
// byte-compatible formats: packed channel reordering, 8-bit to 10-bit
// widening, and chroma plane order swaps. It never converts color spaces;
// combinations that would need one are rejected.
package transfer

import (
	"encoding/binary"
	"fmt"

	"github.com/smazurov/encnode/internal/device"
	"github.com/smazurov/encnode/internal/pixel"
)

// Frame is one source frame in host memory, planes tightly packed.
type Frame struct {
	Format pixel.Format
	Width  int
	Height int
	Data   []byte
}

// Transfer uploads frames into device buffers. It reuses an internal
// conversion scratch buffer, so a single Transfer must not be shared
// between goroutines, and with an async stream the caller must synchronize
// before the next Upload.
type Transfer struct {
	scratch []byte
}

func New() *Transfer {
	return &Transfer{}
}

// Upload copies src into dst laid out as geo. A non-nil stream makes the
// device-side copies asynchronous.
func (t *Transfer) Upload(dst device.Buffer, geo pixel.Geometry, src Frame, s device.Stream) error {
	if src.Width != geo.Width || src.Height != geo.Height {
		return fmt.Errorf("%w: source %dx%d does not match target %dx%d",
			device.ErrTransfer, src.Width, src.Height, geo.Width, geo.Height)
	}
	srcGeo, err := pixel.Layout(src.Format, src.Width, src.Height, src.Format.RowBytes(src.Width))
	if err != nil {
		return err
	}
	if len(src.Data) < srcGeo.Size() {
		return fmt.Errorf("%w: source frame holds %d bytes, %s %dx%d needs %d",
			device.ErrTransfer, len(src.Data), src.Format, src.Width, src.Height, srcGeo.Size())
	}

	switch {
	case src.Format == geo.Format:
		return uploadPlanes(dst, geo, srcGeo, src.Data, false, s)

	case chromaSwapPair(src.Format, geo.Format):
		return uploadPlanes(dst, geo, srcGeo, src.Data, true, s)

	case packedPair(src.Format, geo.Format):
		data := t.convertPacked(src.Format, geo.Format, src.Data[:srcGeo.Size()])
		conv, err := pixel.Layout(geo.Format, src.Width, src.Height, geo.Format.RowBytes(src.Width))
		if err != nil {
			return err
		}
		return uploadPlanes(dst, geo, conv, data, false, s)

	case widenPair(src.Format, geo.Format):
		data := t.widenSamples(src.Data[:srcGeo.Size()])
		conv, err := pixel.Layout(geo.Format, src.Width, src.Height, geo.Format.RowBytes(src.Width))
		if err != nil {
			return err
		}
		return uploadPlanes(dst, geo, conv, data, false, s)

	default:
		return fmt.Errorf("%w: cannot transfer %s into %s", pixel.ErrUnsupportedFormat, src.Format, geo.Format)
	}
}

// Copy moves a device-resident frame into another device buffer. Only
// same-format copies are possible on the device side.
func (t *Transfer) Copy(dst device.Buffer, dstGeo pixel.Geometry, src device.Buffer, srcGeo pixel.Geometry, s device.Stream) error {
	if srcGeo.Format != dstGeo.Format {
		return fmt.Errorf("%w: device copy %s into %s", pixel.ErrUnsupportedFormat, srcGeo.Format, dstGeo.Format)
	}
	if srcGeo.Width != dstGeo.Width || srcGeo.Height != dstGeo.Height {
		return fmt.Errorf("%w: source %dx%d does not match target %dx%d",
			device.ErrTransfer, srcGeo.Width, srcGeo.Height, dstGeo.Width, dstGeo.Height)
	}
	c := device.Copy2D{
		DstPitch: dstGeo.Pitch,
		SrcPitch: srcGeo.Pitch,
		RowBytes: srcGeo.Format.RowBytes(srcGeo.Width),
		Rows:     srcGeo.Height,
	}
	if err := src.CopyTo(dst, c, s); err != nil {
		return err
	}
	for i := range dstGeo.ChromaOffsets {
		c := device.Copy2D{
			DstOffset: dstGeo.ChromaOffsets[i],
			DstPitch:  dstGeo.ChromaPitch(),
			SrcOffset: srcGeo.ChromaOffsets[i],
			SrcPitch:  srcGeo.ChromaPitch(),
			RowBytes:  srcGeo.ChromaRowBytes(),
			Rows:      srcGeo.ChromaRows(),
		}
		if err := src.CopyTo(dst, c, s); err != nil {
			return err
		}
	}
	return nil
}

// uploadPlanes runs the per-plane strided copies. With swap set the two
// chroma planes trade places, which turns iyuv into yv12 and back.
func uploadPlanes(dst device.Buffer, geo, srcGeo pixel.Geometry, data []byte, swap bool, s device.Stream) error {
	c := device.Copy2D{
		DstPitch: geo.Pitch,
		SrcPitch: srcGeo.Pitch,
		RowBytes: srcGeo.Format.RowBytes(geo.Width),
		Rows:     geo.Height,
	}
	if err := dst.Upload(data, c, s); err != nil {
		return err
	}
	for i := range geo.ChromaOffsets {
		j := i
		if swap {
			j = 1 - i
		}
		c := device.Copy2D{
			DstOffset: geo.ChromaOffsets[i],
			DstPitch:  geo.ChromaPitch(),
			SrcOffset: srcGeo.ChromaOffsets[j],
			SrcPitch:  srcGeo.ChromaPitch(),
			RowBytes:  srcGeo.ChromaRowBytes(),
			Rows:      srcGeo.ChromaRows(),
		}
		if err := dst.Upload(data, c, s); err != nil {
			return err
		}
	}
	return nil
}

func chromaSwapPair(a, b pixel.Format) bool {
	return (a == pixel.FormatIYUV && b == pixel.FormatYV12) ||
		(a == pixel.FormatYV12 && b == pixel.FormatIYUV)
}

func packedPair(src, dst pixel.Format) bool {
	if src != pixel.FormatABGR && src != pixel.FormatBGRA {
		return false
	}
	switch dst {
	case pixel.FormatABGR, pixel.FormatBGRA, pixel.FormatABGR10, pixel.FormatBGRA10:
		return true
	}
	return false
}

func widenPair(src, dst pixel.Format) bool {
	return (src == pixel.FormatNV12 && dst == pixel.FormatP010) ||
		(src == pixel.FormatYUV444 && dst == pixel.FormatYUV444P16)
}

// convertPacked reorders 8-bit packed pixels and, for 10-bit targets, packs
// the widened channels into little-endian 32-bit words.
func (t *Transfer) convertPacked(src, dst pixel.Format, data []byte) []byte {
	out := t.buf(len(data))
	for i := 0; i+4 <= len(data); i += 4 {
		var r, g, b, a byte
		switch src {
		case pixel.FormatABGR:
			r, g, b, a = data[i], data[i+1], data[i+2], data[i+3]
		case pixel.FormatBGRA:
			b, g, r, a = data[i], data[i+1], data[i+2], data[i+3]
		}
		switch dst {
		case pixel.FormatABGR:
			out[i], out[i+1], out[i+2], out[i+3] = r, g, b, a
		case pixel.FormatBGRA:
			out[i], out[i+1], out[i+2], out[i+3] = b, g, r, a
		case pixel.FormatBGRA10:
			word := uint32(a>>6)<<30 | widen10(r)<<20 | widen10(g)<<10 | widen10(b)
			binary.LittleEndian.PutUint32(out[i:], word)
		case pixel.FormatABGR10:
			word := uint32(a>>6)<<30 | widen10(b)<<20 | widen10(g)<<10 | widen10(r)
			binary.LittleEndian.PutUint32(out[i:], word)
		}
	}
	return out
}

// widenSamples expands every 8-bit sample to a 10-bit value MSB-aligned in
// a little-endian 16-bit container. Tightly packed planes stay contiguous,
// so one pass covers luma and chroma alike.
func (t *Transfer) widenSamples(data []byte) []byte {
	out := t.buf(len(data) * 2)
	for i, v := range data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(widen10(v))<<6)
	}
	return out
}

// widen10 expands an 8-bit sample to 10 bits, replicating the top bits.
func widen10(v byte) uint32 {
	return uint32(v)<<2 | uint32(v)>>6
}

func (t *Transfer) buf(n int) []byte {
	if cap(t.scratch) < n {
		t.scratch = make([]byte, n)
	}
	return t.scratch[:n]
}
