package soft

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/smazurov/encnode/internal/device"
	"github.com/smazurov/encnode/internal/pixel"
)

func testConfig() device.EncoderConfig {
	return device.EncoderConfig{
		Codec:  device.CodecH264,
		Format: pixel.FormatNV12,
		Width:  64,
		Height: 48,
	}
}

func newTestEncoder(t *testing.T, ctx device.Context, cfg device.EncoderConfig) device.Encoder {
	t.Helper()
	enc, err := ctx.NewEncoder(cfg)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	return enc
}

func makeFrame(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i)
	}
	return data
}

func submitFrame(t *testing.T, enc device.Encoder, buf device.Buffer, index int, data []byte) {
	t.Helper()
	c := device.Copy2D{DstPitch: len(data), SrcPitch: len(data), RowBytes: len(data), Rows: 1}
	if err := buf.Upload(data, c, nil); err != nil {
		t.Fatalf("Upload frame %d: %v", index, err)
	}
	if err := enc.Submit(buf, index, nil); err != nil {
		t.Fatalf("Submit frame %d: %v", index, err)
	}
}

// decodeFrames reverses the packet format: decompress each payload and undo
// the difference coding against the previous frame.
func decodeFrames(t *testing.T, packets []device.Packet) [][]byte {
	t.Helper()
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()

	var frames [][]byte
	var prev []byte
	for i, pkt := range packets {
		data := pkt.Data
		if len(data) < packetHeaderSize {
			t.Fatalf("packet %d truncated: %d bytes", i, len(data))
		}
		if magic := binary.LittleEndian.Uint32(data[0:]); magic != packetMagic {
			t.Fatalf("packet %d magic = %#x", i, magic)
		}
		keyframe := binary.LittleEndian.Uint32(data[8:])&flagKeyframe != 0
		if keyframe != pkt.Keyframe {
			t.Errorf("packet %d header keyframe = %v, field = %v", i, keyframe, pkt.Keyframe)
		}
		payload, err := dec.DecodeAll(data[packetHeaderSize:], nil)
		if err != nil {
			t.Fatalf("packet %d decompress: %v", i, err)
		}
		if !keyframe {
			if prev == nil {
				t.Fatalf("packet %d is a delta with no reference", i)
			}
			for j := range payload {
				payload[j] ^= prev[j]
			}
		}
		frames = append(frames, payload)
		prev = payload
	}
	return frames
}

func TestEncodeSubmissionOrder(t *testing.T) {
	ctx := openContext(t)
	defer ctx.Close()

	enc := newTestEncoder(t, ctx, testConfig())
	buf, err := ctx.AllocBuffer(enc.InputSize())
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	const frames = 10
	submitted := make([][]byte, frames)
	for i := 0; i < frames; i++ {
		submitted[i] = makeFrame(enc.InputSize(), byte(i*7+1))
		submitFrame(t, enc, buf, i, submitted[i])
	}
	if err := enc.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	var packets []device.Packet
	for pkt := range enc.Packets() {
		packets = append(packets, pkt)
	}
	if len(packets) != frames {
		t.Fatalf("got %d packets, want %d", len(packets), frames)
	}
	for i, pkt := range packets {
		if pkt.FrameIndex != i {
			t.Errorf("packet %d has frame index %d", i, pkt.FrameIndex)
		}
	}
	if !packets[0].Keyframe {
		t.Error("first packet should be a keyframe")
	}

	decoded := decodeFrames(t, packets)
	for i := range decoded {
		if string(decoded[i]) != string(submitted[i]) {
			t.Errorf("frame %d does not round trip", i)
		}
	}
}

func TestLookaheadHoldsPackets(t *testing.T) {
	ctx := openContext(t)
	defer ctx.Close()

	cfg := testConfig()
	cfg.Lookahead = 3
	enc := newTestEncoder(t, ctx, cfg)
	buf, err := ctx.AllocBuffer(enc.InputSize())
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	for i := 0; i < 3; i++ {
		submitFrame(t, enc, buf, i, makeFrame(enc.InputSize(), byte(i)))
	}
	select {
	case pkt := <-enc.Packets():
		t.Fatalf("packet %d arrived before lookahead filled", pkt.FrameIndex)
	case <-time.After(50 * time.Millisecond):
	}

	submitFrame(t, enc, buf, 3, makeFrame(enc.InputSize(), 3))
	select {
	case pkt := <-enc.Packets():
		if pkt.FrameIndex != 0 {
			t.Errorf("first packet has frame index %d", pkt.FrameIndex)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no packet after lookahead filled")
	}

	if err := enc.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	var rest []device.Packet
	for pkt := range enc.Packets() {
		rest = append(rest, pkt)
	}
	if len(rest) != 3 {
		t.Errorf("drain flushed %d packets, want 3", len(rest))
	}
}

func TestDrainWithoutSubmissions(t *testing.T) {
	ctx := openContext(t)
	defer ctx.Close()

	enc := newTestEncoder(t, ctx, testConfig())
	if err := enc.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if _, ok := <-enc.Packets(); ok {
		t.Error("empty encoder produced a packet")
	}
}

func TestKeyframeCadence(t *testing.T) {
	ctx := openContext(t)
	defer ctx.Close()

	cfg := testConfig()
	cfg.GOPLength = 4
	enc := newTestEncoder(t, ctx, cfg)
	buf, err := ctx.AllocBuffer(enc.InputSize())
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	for i := 0; i < 10; i++ {
		submitFrame(t, enc, buf, i, makeFrame(enc.InputSize(), byte(i)))
	}
	if err := enc.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	i := 0
	for pkt := range enc.Packets() {
		want := i%4 == 0
		if pkt.Keyframe != want {
			t.Errorf("frame %d keyframe = %v, want %v", i, pkt.Keyframe, want)
		}
		i++
	}
}

func TestSubmitAfterDrain(t *testing.T) {
	ctx := openContext(t)
	defer ctx.Close()

	enc := newTestEncoder(t, ctx, testConfig())
	buf, err := ctx.AllocBuffer(enc.InputSize())
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	if err := enc.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	err = enc.Submit(buf, 0, nil)
	if !errors.Is(err, device.ErrSubmit) {
		t.Errorf("Submit after Drain = %v, want ErrSubmit", err)
	}
}

func TestVideoMemoryOutput(t *testing.T) {
	ctx := openContext(t)
	defer ctx.Close()

	cfg := testConfig()
	cfg.OutputInVideoMemory = true
	enc := newTestEncoder(t, ctx, cfg)
	buf, err := ctx.AllocBuffer(enc.InputSize())
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	submitFrame(t, enc, buf, 0, makeFrame(enc.InputSize(), 42))
	if err := enc.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	pkt, ok := <-enc.Packets()
	if !ok {
		t.Fatal("no packet")
	}
	if pkt.Output == nil || pkt.Data != nil {
		t.Fatalf("packet should live in device memory: %+v", pkt)
	}
	if pkt.Size != pkt.Output.Size() {
		t.Errorf("packet size %d, buffer size %d", pkt.Size, pkt.Output.Size())
	}

	host := make([]byte, pkt.Size)
	c := device.Copy2D{DstPitch: pkt.Size, SrcPitch: pkt.Size, RowBytes: pkt.Size, Rows: 1}
	if err := pkt.Output.Download(host, c, nil); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if magic := binary.LittleEndian.Uint32(host[0:]); magic != packetMagic {
		t.Errorf("device packet magic = %#x", magic)
	}
	if err := pkt.Output.Free(); err != nil {
		t.Errorf("Free: %v", err)
	}
}

func TestEncoderRejectsUnsupported(t *testing.T) {
	ctx := openContext(t)
	defer ctx.Close()

	tests := []struct {
		name string
		cfg  device.EncoderConfig
		want error
	}{
		{"h264 p010", device.EncoderConfig{Codec: device.CodecH264, Format: pixel.FormatP010, Width: 64, Height: 48}, pixel.ErrUnsupportedFormat},
		{"h264 yuv444p16", device.EncoderConfig{Codec: device.CodecH264, Format: pixel.FormatYUV444P16, Width: 64, Height: 48}, pixel.ErrUnsupportedFormat},
		{"unknown codec", device.EncoderConfig{Codec: "av1", Format: pixel.FormatNV12, Width: 64, Height: 48}, device.ErrInit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ctx.NewEncoder(tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("NewEncoder error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInputPitchAligned(t *testing.T) {
	ctx := openContext(t)
	defer ctx.Close()

	cfg := testConfig()
	cfg.Width = 100
	cfg.Height = 50
	enc := newTestEncoder(t, ctx, cfg)
	if enc.InputPitch() != 256 {
		t.Errorf("InputPitch = %d, want 256", enc.InputPitch())
	}
	if enc.InputSize() != 256*50*3/2 {
		t.Errorf("InputSize = %d, want %d", enc.InputSize(), 256*50*3/2)
	}
}
