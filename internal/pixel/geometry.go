package pixel

import "fmt"

// Geometry describes the plane layout of one frame inside a device buffer.
// All offsets are relative to the start of the buffer.
type Geometry struct {
	Format Format
	Width  int
	Height int
	// Pitch is the byte distance between consecutive luma (or packed) rows.
	Pitch int
	// ChromaOffsets holds the byte offset of each chroma plane, in the
	// format's plane order. Empty for packed formats.
	ChromaOffsets []int
}

// Layout computes the plane geometry of format f at w x h with the given
// luma pitch. The pitch must cover a full row; subsampled formats require
// even dimensions so the chroma planes divide cleanly.
func Layout(f Format, w, h, pitch int) (Geometry, error) {
	if !f.Valid() {
		return Geometry{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
	if w <= 0 || h <= 0 {
		return Geometry{}, fmt.Errorf("layout %s: dimensions %dx%d out of range", f, w, h)
	}
	if f.Subsampled420() && (w%2 != 0 || h%2 != 0) {
		return Geometry{}, fmt.Errorf("layout %s: dimensions %dx%d must be even", f, w, h)
	}
	if pitch < f.RowBytes(w) {
		return Geometry{}, fmt.Errorf("layout %s: pitch %d below row size %d", f, pitch, f.RowBytes(w))
	}

	g := Geometry{Format: f, Width: w, Height: h, Pitch: pitch}
	lumaSize := pitch * h
	switch f.ChromaPlanes() {
	case 1:
		g.ChromaOffsets = []int{lumaSize}
	case 2:
		g.ChromaOffsets = []int{lumaSize, lumaSize + g.ChromaPitch()*g.ChromaRows()}
	}
	return g, nil
}

// ChromaPitch returns the byte distance between consecutive chroma rows.
// Semi-planar formats interleave both components at full pitch; fully planar
// 4:2:0 formats halve it.
func (g Geometry) ChromaPitch() int {
	switch g.Format {
	case FormatIYUV, FormatYV12:
		return g.Pitch / 2
	case FormatNV12, FormatP010, FormatYUV444, FormatYUV444P16:
		return g.Pitch
	}
	return 0
}

// ChromaRows returns the number of rows in each chroma plane.
func (g Geometry) ChromaRows() int {
	if g.Format.ChromaPlanes() == 0 {
		return 0
	}
	if g.Format.Subsampled420() {
		return g.Height / 2
	}
	return g.Height
}

// ChromaRowBytes returns the payload bytes of one chroma row, excluding
// pitch padding.
func (g Geometry) ChromaRowBytes() int {
	bps := g.Format.BytesPerSample()
	switch g.Format {
	case FormatIYUV, FormatYV12:
		return g.Width / 2 * bps
	case FormatNV12, FormatP010:
		return g.Width * bps
	case FormatYUV444, FormatYUV444P16:
		return g.Width * bps
	}
	return 0
}

// Size returns the total byte size of the frame at this geometry, including
// pitch padding.
func (g Geometry) Size() int {
	size := g.Pitch * g.Height
	size += g.Format.ChromaPlanes() * g.ChromaPitch() * g.ChromaRows()
	return size
}

// FrameSize returns the tightly packed byte size of one frame of format f at
// w x h, the size a raw frame occupies in a file.
func FrameSize(f Format, w, h int) (int, error) {
	g, err := Layout(f, w, h, f.RowBytes(w))
	if err != nil {
		return 0, err
	}
	return g.Size(), nil
}
