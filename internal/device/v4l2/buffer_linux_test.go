package v4l2

import (
	"bytes"
	"errors"
	"testing"

	"github.com/smazurov/encnode/internal/device"
)

func TestStagingStridedCopy(t *testing.T) {
	ctx := testContext()
	defer ctx.Close()

	buf, err := ctx.AllocBuffer(64)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	// Two 4-byte rows at host pitch 8 land at staging pitch 16.
	src := []byte{
		1, 2, 3, 4, 0, 0, 0, 0,
		5, 6, 7, 8, 0, 0, 0, 0,
	}
	c := device.Copy2D{DstPitch: 16, SrcPitch: 8, RowBytes: 4, Rows: 2}
	if err := buf.Upload(src, c, nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	dst := make([]byte, 8)
	back := device.Copy2D{DstPitch: 4, SrcPitch: 16, RowBytes: 4, Rows: 2}
	if err := buf.Download(dst, back, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if want := []byte{1, 2, 3, 4, 5, 6, 7, 8}; !bytes.Equal(dst, want) {
		t.Errorf("Download = %v, want %v", dst, want)
	}
}

func TestStagingCopyTo(t *testing.T) {
	ctx := testContext()
	defer ctx.Close()

	src, err := ctx.AllocBuffer(16)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	dst, err := ctx.AllocBuffer(16)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	payload := bytes.Repeat([]byte{0x5A}, 16)
	full := device.Copy2D{DstPitch: 16, SrcPitch: 16, RowBytes: 16, Rows: 1}
	if err := src.Upload(payload, full, nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := src.CopyTo(dst, full, nil); err != nil {
		t.Fatalf("CopyTo: %v", err)
	}

	out := make([]byte, 16)
	if err := dst.Download(out, full, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("CopyTo round trip = %v, want %v", out, payload)
	}

	if err := src.CopyTo(fakeBuffer{}, full, nil); !errors.Is(err, device.ErrTransfer) {
		t.Errorf("CopyTo(foreign) error = %v, want ErrTransfer", err)
	}
}

func TestStagingBounds(t *testing.T) {
	ctx := testContext()
	defer ctx.Close()

	buf, err := ctx.AllocBuffer(16)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	tests := []struct {
		name string
		c    device.Copy2D
	}{
		{"destination overflow", device.Copy2D{DstPitch: 16, SrcPitch: 16, RowBytes: 16, Rows: 2}},
		{"source overflow", device.Copy2D{DstPitch: 4, SrcPitch: 32, RowBytes: 4, Rows: 2}},
		{"negative offset", device.Copy2D{SrcOffset: -1, DstPitch: 4, SrcPitch: 4, RowBytes: 4, Rows: 1}},
		{"negative rows", device.Copy2D{RowBytes: 4, Rows: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := buf.Upload(make([]byte, 32), tt.c, nil)
			if !errors.Is(err, device.ErrTransfer) {
				t.Errorf("Upload error = %v, want ErrTransfer", err)
			}
		})
	}
}

func TestStagingUseAfterFree(t *testing.T) {
	ctx := testContext()
	defer ctx.Close()

	buf, err := ctx.AllocBuffer(16)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	if err := buf.Free(); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if buf.Size() != 0 {
		t.Errorf("Size after Free = %d, want 0", buf.Size())
	}
	c := device.Copy2D{DstPitch: 4, SrcPitch: 4, RowBytes: 4, Rows: 1}
	if err := buf.Upload(make([]byte, 4), c, nil); !errors.Is(err, device.ErrTransfer) {
		t.Errorf("Upload after Free error = %v, want ErrTransfer", err)
	}
}

func TestStagingForeignStream(t *testing.T) {
	ctx := testContext()
	defer ctx.Close()

	buf, err := ctx.AllocBuffer(16)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	c := device.Copy2D{DstPitch: 16, SrcPitch: 16, RowBytes: 16, Rows: 1}
	err = buf.Upload(make([]byte, 16), c, fakeStream{})
	if !errors.Is(err, device.ErrTransfer) {
		t.Errorf("Upload with foreign stream error = %v, want ErrTransfer", err)
	}

	s, err := ctx.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := buf.Upload(make([]byte, 16), c, s); err != nil {
		t.Errorf("Upload with own stream: %v", err)
	}
	if err := s.Synchronize(); err != nil {
		t.Errorf("Synchronize: %v", err)
	}
}

type fakeStream struct{}

func (fakeStream) Synchronize() error { return nil }

type fakeBuffer struct{}

func (fakeBuffer) Size() int { return 0 }

func (fakeBuffer) Upload([]byte, device.Copy2D, device.Stream) error { return nil }

func (fakeBuffer) Download([]byte, device.Copy2D, device.Stream) error { return nil }

func (fakeBuffer) CopyTo(device.Buffer, device.Copy2D, device.Stream) error { return nil }

func (fakeBuffer) Free() error { return nil }
