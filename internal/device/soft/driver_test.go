package soft

import (
	"errors"
	"strings"
	"testing"

	"github.com/smazurov/encnode/internal/device"
)

func TestDriverRegistered(t *testing.T) {
	d, err := device.Lookup(DriverName)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	devices, err := d.Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Devices returned %d entries, want 1", len(devices))
	}

	caps := devices[0].Caps
	if !caps.Supports(device.CodecH264) || !caps.Supports(device.CodecHEVC) {
		t.Errorf("caps missing codecs: %+v", caps)
	}
	if caps.Codecs[device.CodecH264].TenBit {
		t.Error("h264 should not advertise 10-bit support")
	}
	if !caps.Codecs[device.CodecHEVC].TenBit {
		t.Error("hevc should advertise 10-bit support")
	}
}

func TestOpenBadOrdinal(t *testing.T) {
	d, err := device.Lookup(DriverName)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	_, err = d.Open(3)
	if !errors.Is(err, device.ErrInit) {
		t.Fatalf("Open(3) error = %v, want ErrInit", err)
	}
	if !strings.Contains(err.Error(), "within [0, 0]") {
		t.Errorf("Open(3) error = %q, want ordinal range message", err)
	}
}

func TestContextClose(t *testing.T) {
	ctx := openContext(t)
	buf, err := ctx.AllocBuffer(64)
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if buf.Size() != 0 {
		t.Error("buffer should be released after context close")
	}
	if _, err := ctx.AllocBuffer(64); err == nil {
		t.Error("AllocBuffer on closed context should fail")
	}
}

func openContext(t *testing.T) device.Context {
	t.Helper()
	d, err := device.Lookup(DriverName)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	ctx, err := d.Open(0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ctx
}
