package encode

import (
	"fmt"

	"github.com/smazurov/encnode/internal/device"
	"github.com/smazurov/encnode/internal/pixel"
)

// Params configures an encode session.
type Params struct {
	Codec       device.Codec
	Format      pixel.Format
	Width       int
	Height      int
	Preset      string
	RateControl string
	Bitrate     int
	GOPLength   int
	BFrames     int
	Lookahead   int
	// OutputInVideoMemory keeps encoded packets in device memory; the
	// drain reads them back when writing the bitstream.
	OutputInVideoMemory bool
	// ExtraBuffers is pool headroom beyond what the encoder queues hold.
	ExtraBuffers int
}

const (
	defaultPreset       = "p4"
	defaultRateControl  = "vbr"
	defaultBitrate      = 5_000_000
	defaultGOPLength    = 250
	defaultExtraBuffers = 3
)

// withDefaults fills unset tuning fields.
func (p Params) withDefaults() Params {
	if p.Codec == "" {
		p.Codec = device.CodecH264
	}
	if p.Format == "" {
		p.Format = pixel.FormatNV12
	}
	if p.Preset == "" {
		p.Preset = defaultPreset
	}
	if p.RateControl == "" {
		p.RateControl = defaultRateControl
	}
	if p.Bitrate <= 0 {
		p.Bitrate = defaultBitrate
	}
	if p.GOPLength <= 0 {
		p.GOPLength = defaultGOPLength
	}
	if p.BFrames < 0 {
		p.BFrames = 0
	}
	if p.Lookahead < 0 {
		p.Lookahead = 0
	}
	if p.ExtraBuffers <= 0 {
		p.ExtraBuffers = defaultExtraBuffers
	}
	return p
}

// poolSize returns the number of frame buffers the session allocates: one
// for every frame the encoder can hold back, plus headroom so submission
// never starves.
func (p Params) poolSize() int {
	return p.BFrames + p.Lookahead + p.ExtraBuffers
}

// validate checks the parameters against the capabilities of the opened
// device without touching any device state.
func (p Params) validate(caps device.Caps) error {
	if !p.Format.Valid() {
		return fmt.Errorf("%w: %q", pixel.ErrUnsupportedFormat, p.Format)
	}
	cc, ok := caps.Codecs[p.Codec]
	if !ok || !cc.Supported {
		return fmt.Errorf("%w: codec %q not supported by device", pixel.ErrUnsupportedFormat, p.Codec)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidResolution, p.Width, p.Height)
	}
	if p.Width < cc.MinWidth || p.Height < cc.MinHeight {
		return fmt.Errorf("%w: %dx%d below %s minimum %dx%d",
			ErrInvalidResolution, p.Width, p.Height, p.Codec, cc.MinWidth, cc.MinHeight)
	}
	if p.Width > cc.MaxWidth || p.Height > cc.MaxHeight {
		return fmt.Errorf("%w: %dx%d exceeds %s maximum %dx%d",
			ErrInvalidResolution, p.Width, p.Height, p.Codec, cc.MaxWidth, cc.MaxHeight)
	}
	if p.Format.Subsampled420() && (p.Width%2 != 0 || p.Height%2 != 0) {
		return fmt.Errorf("%w: %dx%d must be even for 4:2:0 formats",
			ErrInvalidResolution, p.Width, p.Height)
	}
	if p.Format.BitDepth() > 8 && !cc.TenBit {
		return fmt.Errorf("%w: %s not supported by %s on this device",
			pixel.ErrUnsupportedFormat, p.Format, p.Codec)
	}
	if fullChroma(p.Format) && !cc.YUV444 {
		return fmt.Errorf("%w: %s not supported by %s on this device",
			pixel.ErrUnsupportedFormat, p.Format, p.Codec)
	}
	return nil
}

func fullChroma(f pixel.Format) bool {
	switch f {
	case pixel.FormatYUV444, pixel.FormatYUV444P16, pixel.FormatAYUV:
		return true
	}
	return false
}
