package v4l2

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/smazurov/encnode/internal/device"
	"github.com/smazurov/encnode/internal/logging"
	"github.com/smazurov/encnode/pkg/v4l2m2m"
)

// DriverName is the name the backend registers under.
const DriverName = "v4l2m2m"

// Frame size bounds used when the driver does not answer ENUM_FRAMESIZES.
const (
	fallbackMinDim = 32
	fallbackMaxDim = 4096
)

func init() {
	device.Register(&driver{})
}

type driver struct{}

func (d *driver) Name() string { return DriverName }

func (d *driver) Devices() ([]device.Info, error) {
	encoders, err := v4l2m2m.FindEncoders()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrInit, err)
	}
	infos := make([]device.Info, 0, len(encoders))
	for i, enc := range encoders {
		infos = append(infos, deviceInfo(i, enc))
	}
	return infos, nil
}

func (d *driver) Open(ordinal int) (device.Context, error) {
	// The sysfs scan is repeated here so the ordinal always refers to the
	// current device set, not a stale enumeration.
	encoders, err := v4l2m2m.FindEncoders()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrInit, err)
	}
	if ordinal < 0 || ordinal >= len(encoders) {
		return nil, device.OrdinalError(ordinal, len(encoders))
	}
	return &context{
		log:     logging.GetLogger("device"),
		dev:     encoders[ordinal],
		info:    deviceInfo(ordinal, encoders[ordinal]),
		buffers: make(map[*stagingBuffer]struct{}),
	}, nil
}

func deviceInfo(ordinal int, enc v4l2m2m.EncoderInfo) device.Info {
	return device.Info{
		Ordinal: ordinal,
		Name:    fmt.Sprintf("%s (%s)", enc.Card, enc.Path),
		Caps:    probeCaps(enc),
	}
}

// codecFourCC maps the codecs the pipeline knows to their V4L2 coded
// formats. VP8 and VP9 encoders exist in the wild but nothing upstream
// requests them.
var codecFourCC = map[device.Codec]uint32{
	device.CodecH264: v4l2m2m.PixFmtH264,
	device.CodecHEVC: v4l2m2m.PixFmtHEVC,
}

// probeCaps builds the capability report for one encoder. V4L2 has no
// query for lossless or 4:4:4 encoding and M2M hardware offers neither, so
// those stay false. 10-bit support shows up as a P010 raw format.
func probeCaps(enc v4l2m2m.EncoderInfo) device.Caps {
	tenBit := v4l2m2m.Offers(enc.RawFormats, v4l2m2m.PixFmtP010)
	codecs := make(map[device.Codec]device.CodecCaps)
	for codec, fourcc := range codecFourCC {
		if !v4l2m2m.Offers(enc.CodedFormats, fourcc) {
			continue
		}
		cc := device.CodecCaps{
			Supported:        true,
			MinWidth:         fallbackMinDim,
			MinHeight:        fallbackMinDim,
			MaxWidth:         fallbackMaxDim,
			MaxHeight:        fallbackMaxDim,
			TenBit:           tenBit,
			MotionEstimation: true,
		}
		if minW, minH, maxW, maxH, err := v4l2m2m.FrameSizeRange(enc.Path, fourcc); err == nil {
			cc.MinWidth, cc.MinHeight = minW, minH
			cc.MaxWidth, cc.MaxHeight = maxW, maxH
		}
		codecs[codec] = cc
	}
	return device.Caps{Codecs: codecs}
}

// context owns the staging buffers and encode sessions created through it.
type context struct {
	log  *slog.Logger
	dev  v4l2m2m.EncoderInfo
	info device.Info

	mu       sync.Mutex
	buffers  map[*stagingBuffer]struct{}
	encoders []*encoder
	closed   bool
}

func (c *context) Device() device.Info { return c.info }

func (c *context) AllocBuffer(size int) (device.Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", device.ErrInit, size)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: context closed", device.ErrInit)
	}
	b := &stagingBuffer{ctx: c, data: make([]byte, size)}
	c.buffers[b] = struct{}{}
	return b, nil
}

func (c *context) NewStream() (device.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: context closed", device.ErrInit)
	}
	return &stream{}, nil
}

func (c *context) NewEncoder(cfg device.EncoderConfig) (device.Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: context closed", device.ErrInit)
	}
	e, err := newEncoder(c, cfg)
	if err != nil {
		return nil, err
	}
	c.encoders = append(c.encoders, e)
	return e, nil
}

// Close shuts down every encode session opened on the context and releases
// all staging buffers still allocated. Safe to call more than once.
func (c *context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	encoders := c.encoders
	buffers := c.buffers
	c.encoders = nil
	c.buffers = make(map[*stagingBuffer]struct{})
	c.mu.Unlock()

	for _, e := range encoders {
		e.Close()
	}
	for b := range buffers {
		b.release()
	}
	return nil
}

func (c *context) forget(b *stagingBuffer) {
	c.mu.Lock()
	delete(c.buffers, b)
	c.mu.Unlock()
}
