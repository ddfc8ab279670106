// Package source opens input files and yields host frames for upload.
// Still images (png, jpeg) decode once and repeat forever; raw files are
// read frame by frame in the configured format until they run out.
package source

import (
	"fmt"
	"image"
	"image/draw"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/smazurov/encnode/internal/encode"
	"github.com/smazurov/encnode/internal/pixel"
	"github.com/smazurov/encnode/internal/transfer"
)

// Source yields input frames. Next returns io.EOF when the input is
// exhausted; image sources never are.
type Source interface {
	Next() (transfer.Frame, error)
	// Repeats reports whether the source replays one frame endlessly.
	Repeats() bool
	Close() error
}

// Open picks a loader from the file extension. Raw files need the frame
// format and dimensions; images carry their own dimensions and decode to
// packed abgr.
func Open(path string, f pixel.Format, w, h int) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg":
		return openImage(path)
	default:
		return openRaw(path, f, w, h)
	}
}

type imageSource struct {
	frame transfer.Frame
}

func openImage(path string) (Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encode.ErrIO, err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", encode.ErrIO, path, err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != w*4 || bounds.Min != (image.Point{}) {
		tight := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.Draw(tight, tight.Bounds(), img, bounds.Min, draw.Src)
		rgba = tight
	}

	return &imageSource{frame: transfer.Frame{
		Format: pixel.FormatABGR,
		Width:  w,
		Height: h,
		Data:   rgba.Pix,
	}}, nil
}

func (s *imageSource) Next() (transfer.Frame, error) { return s.frame, nil }
func (s *imageSource) Repeats() bool                 { return true }
func (s *imageSource) Close() error                  { return nil }

type rawSource struct {
	file      *os.File
	format    pixel.Format
	width     int
	height    int
	frameSize int
}

func openRaw(path string, f pixel.Format, w, h int) (Source, error) {
	size, err := pixel.FrameSize(f, w, h)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encode.ErrIO, err)
	}
	return &rawSource{file: file, format: f, width: w, height: h, frameSize: size}, nil
}

func (s *rawSource) Next() (transfer.Frame, error) {
	data := make([]byte, s.frameSize)
	_, err := io.ReadFull(s.file, data)
	switch {
	case err == io.EOF:
		return transfer.Frame{}, io.EOF
	case err == io.ErrUnexpectedEOF:
		return transfer.Frame{}, fmt.Errorf("%w: trailing partial frame in %s", encode.ErrIO, s.file.Name())
	case err != nil:
		return transfer.Frame{}, fmt.Errorf("%w: %v", encode.ErrIO, err)
	}
	return transfer.Frame{Format: s.format, Width: s.width, Height: s.height, Data: data}, nil
}

func (s *rawSource) Repeats() bool { return false }

func (s *rawSource) Close() error { return s.file.Close() }
