package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/encnode/internal/device"
	_ "github.com/smazurov/encnode/internal/device/soft"
	"github.com/smazurov/encnode/internal/events"
	"github.com/smazurov/encnode/internal/pixel"
)

// writeRawFrames writes count NV12 frames of w by h with distinct bytes.
func writeRawFrames(t *testing.T, dir string, count, w, h int) string {
	t.Helper()
	size, err := pixel.FrameSize(pixel.FormatNV12, w, h)
	if err != nil {
		t.Fatalf("FrameSize: %v", err)
	}
	data := make([]byte, size*count)
	for i := range data {
		data[i] = byte(i * 31)
	}
	path := filepath.Join(dir, "input.yuv")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// writePNG writes a w by h test image.
func writePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 7)
	}
	path := filepath.Join(dir, "input.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return path
}

func testConfig(input, output string) Config {
	return Config{
		Input:  input,
		Output: output,
		Driver: "soft",
		Format: pixel.FormatNV12,
		Width:  64,
		Height: 48,
	}
}

func TestRunRawFile(t *testing.T) {
	dir := t.TempDir()
	input := writeRawFrames(t, dir, 6, 64, 48)
	output := filepath.Join(dir, "out.h264")

	res, err := Run(context.Background(), testConfig(input, output))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Frames != 6 {
		t.Errorf("Frames = %d, want 6", res.Frames)
	}
	if res.Packets != 6 {
		t.Errorf("Packets = %d, want 6", res.Packets)
	}
	if res.Driver != "soft" {
		t.Errorf("Driver = %q, want soft", res.Driver)
	}
	if res.Device == "" {
		t.Error("Device name is empty")
	}

	st, err := os.Stat(output)
	if err != nil {
		t.Fatalf("Stat output: %v", err)
	}
	if st.Size() == 0 {
		t.Error("output file is empty")
	}
	if res.Bytes != st.Size() {
		t.Errorf("Bytes = %d, file holds %d", res.Bytes, st.Size())
	}
}

func TestRunFrameLimit(t *testing.T) {
	dir := t.TempDir()
	input := writeRawFrames(t, dir, 10, 64, 48)
	output := filepath.Join(dir, "out.h264")

	cfg := testConfig(input, output)
	cfg.Frames = 4
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 4 {
		t.Errorf("Frames = %d, want 4", res.Frames)
	}
}

func TestRunImageInput(t *testing.T) {
	dir := t.TempDir()
	input := writePNG(t, dir, 64, 48)
	output := filepath.Join(dir, "out.h264")

	// A planar format is not reachable from a decoded image; the
	// pipeline falls back to packed abgr instead of failing.
	cfg := testConfig(input, output)
	cfg.Frames = 8
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 8 {
		t.Errorf("Frames = %d, want 8", res.Frames)
	}
	if res.Packets != 8 {
		t.Errorf("Packets = %d, want 8", res.Packets)
	}
}

func TestRunImageDefaultFrames(t *testing.T) {
	dir := t.TempDir()
	input := writePNG(t, dir, 64, 48)
	output := filepath.Join(dir, "out.h264")

	cfg := testConfig(input, output)
	cfg.Format = ""
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != DefaultFrames {
		t.Errorf("Frames = %d, want %d", res.Frames, DefaultFrames)
	}
}

func TestRunCRCSidecar(t *testing.T) {
	dir := t.TempDir()
	input := writeRawFrames(t, dir, 5, 64, 48)
	output := filepath.Join(dir, "out.h264")

	cfg := testConfig(input, output)
	cfg.WriteCRC = true
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantPath := output + "_crc.txt"
	if res.CRCPath != wantPath {
		t.Errorf("CRCPath = %q, want %q", res.CRCPath, wantPath)
	}

	f, err := os.Open(wantPath)
	if err != nil {
		t.Fatalf("Open sidecar: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) != 8 {
			t.Errorf("crc line %d = %q, want 8 hex chars", len(lines), line)
		}
		lines = append(lines, line)
	}
	if len(lines) != 5 {
		t.Fatalf("crc lines = %d, want 5", len(lines))
	}

	// Each line must be the IEEE CRC32 of its packet in the bitstream.
	// Soft packets open with an ENC1 header whose last field is the
	// payload length, so the file splits back into packets.
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("ReadFile bitstream: %v", err)
	}
	var want []string
	for off := 0; off < len(data); {
		if len(data) < off+16 || binary.LittleEndian.Uint32(data[off:]) != 0x31434e45 {
			t.Fatalf("bad packet header at offset %d", off)
		}
		end := off + 16 + int(binary.LittleEndian.Uint32(data[off+12:]))
		if end > len(data) {
			t.Fatalf("packet at offset %d runs past the file", off)
		}
		want = append(want, fmt.Sprintf("%08x", crc32.ChecksumIEEE(data[off:end])))
		off = end
	}
	if len(want) != len(lines) {
		t.Fatalf("bitstream holds %d packets, sidecar %d lines", len(want), len(lines))
	}
	for i, line := range lines {
		if line != want[i] {
			t.Errorf("crc line %d = %s, want %s", i, line, want[i])
		}
	}
}

func TestRunStreamModes(t *testing.T) {
	modes := []struct {
		name string
		mode int
	}{
		{"sync", StreamModeSync},
		{"shared", StreamModeShared},
		{"split", StreamModeSplit},
	}
	srcDir := t.TempDir()
	input := writeRawFrames(t, srcDir, 6, 64, 48)
	outputs := make(map[int][]byte)
	for _, tt := range modes {
		t.Run(tt.name, func(t *testing.T) {
			output := filepath.Join(srcDir, fmt.Sprintf("out-%s.h264", tt.name))

			cfg := testConfig(input, output)
			cfg.StreamMode = tt.mode
			res, err := Run(context.Background(), cfg)
			if err != nil {
				t.Fatalf("Run mode %d: %v", tt.mode, err)
			}
			if res.Frames != 6 || res.Packets != 6 {
				t.Errorf("mode %d: frames %d packets %d, want 6 and 6", tt.mode, res.Frames, res.Packets)
			}
			data, err := os.ReadFile(output)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			outputs[tt.mode] = data
		})
	}

	// Overlapping the upload of frame k+1 with the encode of frame k must
	// not change a single output byte.
	for _, mode := range []int{StreamModeShared, StreamModeSplit} {
		if !bytes.Equal(outputs[StreamModeSync], outputs[mode]) {
			t.Errorf("mode %d output differs from synchronous output", mode)
		}
	}

	dir := t.TempDir()
	input = writeRawFrames(t, dir, 2, 64, 48)
	cfg := testConfig(input, filepath.Join(dir, "out.h264"))
	cfg.StreamMode = 3
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Error("invalid stream mode should fail")
	}
}

func TestRunVideoMemoryOutput(t *testing.T) {
	dir := t.TempDir()
	input := writeRawFrames(t, dir, 6, 64, 48)
	output := filepath.Join(dir, "out.h264")

	cfg := testConfig(input, output)
	cfg.OutputInVideoMemory = true
	cfg.StreamMode = StreamModeSplit
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Packets != 6 {
		t.Errorf("Packets = %d, want 6", res.Packets)
	}
	if res.Bytes == 0 {
		t.Error("no bytes written")
	}
}

func TestRunBadOrdinal(t *testing.T) {
	dir := t.TempDir()
	input := writeRawFrames(t, dir, 2, 64, 48)

	cfg := testConfig(input, filepath.Join(dir, "out.h264"))
	cfg.Device = 9
	_, err := Run(context.Background(), cfg)
	if !errors.Is(err, device.ErrInit) {
		t.Fatalf("error = %v, want ErrInit", err)
	}
	if !strings.Contains(err.Error(), "out of range") {
		t.Errorf("error %q should name the ordinal range", err)
	}
}

func TestRunMissingInput(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(filepath.Join(dir, "nope.yuv"), filepath.Join(dir, "out.h264"))
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Error("missing input should fail")
	}

	if _, err := Run(context.Background(), Config{Output: "x"}); err == nil {
		t.Error("empty input path should fail")
	}
	if _, err := Run(context.Background(), Config{Input: "x"}); err == nil {
		t.Error("empty output path should fail")
	}
}

func TestRunCancelledContext(t *testing.T) {
	dir := t.TempDir()
	input := writeRawFrames(t, dir, 10, 64, 48)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig(input, filepath.Join(dir, "out.h264"))
	_, err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	dir := t.TempDir()
	input := writeRawFrames(t, dir, 30, 64, 48)
	output := filepath.Join(dir, "out.h264")

	bus := events.New()
	var mu sync.Mutex
	var states []events.SessionStateEvent
	var progress []events.EncodeProgressEvent
	bus.Subscribe(func(e events.SessionStateEvent) {
		mu.Lock()
		states = append(states, e)
		mu.Unlock()
	})
	bus.Subscribe(func(e events.EncodeProgressEvent) {
		mu.Lock()
		progress = append(progress, e)
		mu.Unlock()
	})

	cfg := testConfig(input, output)
	cfg.Bus = bus
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 30 {
		t.Fatalf("Frames = %d, want 30", res.Frames)
	}

	// Delivery is asynchronous, wait for the closed transition
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		var sawClosed bool
		for _, e := range states {
			if e.To == "closed" {
				sawClosed = true
			}
		}
		nProgress := len(progress)
		mu.Unlock()
		if sawClosed && nProgress >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: states %d, progress %d", len(states), nProgress)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()

	wantOrder := []string{"configured", "running", "flushing", "closed"}
	if len(states) != len(wantOrder) {
		t.Fatalf("state events = %d, want %d: %+v", len(states), len(wantOrder), states)
	}
	for i, e := range states {
		if e.To != wantOrder[i] {
			t.Errorf("transition %d = %s, want %s", i, e.To, wantOrder[i])
		}
		if e.JobID != "input" {
			t.Errorf("transition %d job id = %q, want input", i, e.JobID)
		}
	}

	last := progress[len(progress)-1]
	if last.FramesSubmitted != 30 {
		t.Errorf("final progress frames = %d, want 30", last.FramesSubmitted)
	}
	if last.BytesWritten == 0 {
		t.Error("final progress bytes = 0")
	}
}
