//go:build linux

// Package v4l2m2m provides pure Go bindings to the V4L2 memory-to-memory
// stateful encoder API for hardware video encoding.
//
// This package does not use cgo, enabling simple cross-compilation for
// different Linux architectures (amd64, arm64, arm).
//
// # Device Discovery
//
// Use FindEncoders to discover M2M devices that can produce compressed
// bitstreams:
//
//	devices, err := v4l2m2m.FindEncoders()
//	for _, dev := range devices {
//	    fmt.Printf("%s: %s\n", dev.Path, dev.Card)
//	}
//
// # Encode Sessions
//
// An Encoder wraps one open M2M device. Raw frames enter on the OUTPUT
// queue and compressed packets leave on the CAPTURE queue; both sides use
// mmapped kernel buffers:
//
//	enc, err := v4l2m2m.OpenEncoder("/dev/video11", v4l2m2m.Config{
//	    Width:       1920,
//	    Height:      1080,
//	    PixelFormat: v4l2m2m.PixFmtNV12,
//	    CodedFormat: v4l2m2m.PixFmtH264,
//	    Bitrate:     5_000_000,
//	})
//	enc.Start()
//	enc.Encode(frame, 0)
//	pkt, err := enc.ReadPacket(2000)
//
// # Draining
//
// Stop issues V4L2_ENC_CMD_STOP. The driver then finishes the frames still
// queued and marks the final CAPTURE buffer with V4L2_BUF_FLAG_LAST;
// ReadPacket returns io.EOF once that buffer has been consumed.
package v4l2m2m
