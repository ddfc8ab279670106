// Package pipeline runs encode jobs end to end: pick a device, read
// source frames, upload them into pooled device buffers, and drain the
// encoded bitstream to disk. A Manager on top serializes jobs onto the
// one device encoder a node has.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smazurov/encnode/internal/device"
	"github.com/smazurov/encnode/internal/encode"
	"github.com/smazurov/encnode/internal/events"
	"github.com/smazurov/encnode/internal/logging"
	"github.com/smazurov/encnode/internal/pixel"
	"github.com/smazurov/encnode/internal/source"
	"github.com/smazurov/encnode/internal/transfer"
)

// Stream modes select how device copies overlap with encoding.
const (
	// StreamModeSync runs every device copy synchronously.
	StreamModeSync = 0
	// StreamModeShared puts uploads and readbacks on one device stream.
	StreamModeShared = 1
	// StreamModeSplit gives uploads and readbacks separate streams.
	StreamModeSplit = 2
)

// DefaultFrames caps repeating sources, fifteen seconds at 25 fps.
const DefaultFrames = 375

// progressInterval is how many frames pass between progress events.
const progressInterval = 25

// Config describes one encode job.
type Config struct {
	Input  string
	Output string

	// Driver selects the backend; empty prefers hardware with a
	// software fallback.
	Driver string
	// Device is the ordinal of the device to open on the driver.
	Device int

	Codec  device.Codec
	Format pixel.Format
	Width  int
	Height int
	// Frames caps how many frames are encoded. Zero means the whole
	// source, or DefaultFrames when the source repeats forever.
	Frames int

	Preset      string
	RateControl string
	Bitrate     int
	GOPLength   int
	BFrames     int
	Lookahead   int

	// OutputInVideoMemory keeps encoded packets in device memory until
	// the drain reads them back.
	OutputInVideoMemory bool
	// StreamMode is one of the StreamMode constants.
	StreamMode int
	// WriteCRC appends a checksum sidecar next to the output.
	WriteCRC bool

	// JobID tags events; empty derives it from the input filename.
	JobID string
	// Bus receives session state and progress events when set.
	Bus *events.Bus
}

// Result sums up a finished job.
type Result struct {
	Frames  int
	Packets int
	Bytes   int64
	Seconds float64
	Output  string
	CRCPath string
	Driver  string
	Device  string
}

// Run executes one encode job and blocks until the bitstream is on
// disk or ctx is cancelled.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	log := logging.GetLogger("pipeline")
	start := time.Now()

	if cfg.Input == "" {
		return nil, fmt.Errorf("input file is required")
	}
	if cfg.Output == "" {
		return nil, fmt.Errorf("output file is required")
	}
	format := cfg.Format
	if format == "" {
		format = pixel.FormatNV12
	}
	jobID := cfg.JobID
	if jobID == "" {
		jobID = strings.TrimSuffix(filepath.Base(cfg.Input), filepath.Ext(cfg.Input))
	}

	src, err := source.Open(cfg.Input, format, cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	// Probe the first frame; images carry their own dimensions.
	first, err := src.Next()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s holds no frames", encode.ErrIO, cfg.Input)
	}
	if err != nil {
		return nil, err
	}
	if first.Width <= 0 || first.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", encode.ErrInvalidResolution, first.Width, first.Height)
	}
	width, height := first.Width, first.Height

	encFormat := format
	if src.Repeats() {
		// Still images decode to packed abgr; only packed targets are
		// reachable from there.
		switch format {
		case pixel.FormatABGR, pixel.FormatBGRA, pixel.FormatABGR10, pixel.FormatBGRA10:
		default:
			if cfg.Format != "" {
				log.Warn("image input needs a packed format",
					"requested", string(cfg.Format), "using", string(pixel.FormatABGR))
			}
			encFormat = pixel.FormatABGR
		}
	}

	limit := cfg.Frames
	if limit <= 0 && src.Repeats() {
		limit = DefaultFrames
	}

	drv, err := device.Select(cfg.Driver)
	if err != nil {
		return nil, err
	}
	devctx, err := drv.Open(cfg.Device)
	if err != nil {
		return nil, err
	}
	defer devctx.Close()
	info := devctx.Device()
	log.Info("Device in use", "driver", drv.Name(), "device", info.Name, "ordinal", info.Ordinal)

	publishState := func(from, to encode.State) {
		if cfg.Bus != nil {
			cfg.Bus.Publish(events.SessionStateEvent{
				JobID:     jobID,
				From:      string(from),
				To:        string(to),
				Timestamp: timestamp(),
			})
		}
	}

	sess := encode.NewSession(devctx)
	defer func() {
		prev := sess.State()
		sess.Close()
		if prev != encode.StateClosed {
			publishState(prev, encode.StateClosed)
		}
	}()

	err = sess.Configure(encode.Params{
		Codec:               cfg.Codec,
		Format:              encFormat,
		Width:               width,
		Height:              height,
		Preset:              cfg.Preset,
		RateControl:         cfg.RateControl,
		Bitrate:             cfg.Bitrate,
		GOPLength:           cfg.GOPLength,
		BFrames:             cfg.BFrames,
		Lookahead:           cfg.Lookahead,
		OutputInVideoMemory: cfg.OutputInVideoMemory,
	})
	if err != nil {
		return nil, err
	}
	publishState(encode.StateUnconfigured, encode.StateConfigured)

	if err := sess.Start(); err != nil {
		return nil, err
	}
	publishState(encode.StateConfigured, encode.StateRunning)

	var upStream, downStream device.Stream
	switch cfg.StreamMode {
	case StreamModeSync:
	case StreamModeShared:
		s, err := devctx.NewStream()
		if err != nil {
			return nil, err
		}
		upStream, downStream = s, s
	case StreamModeSplit:
		us, err := devctx.NewStream()
		if err != nil {
			return nil, err
		}
		ds, err := devctx.NewStream()
		if err != nil {
			return nil, err
		}
		upStream, downStream = us, ds
	default:
		return nil, fmt.Errorf("invalid stream mode %d", cfg.StreamMode)
	}

	out, err := os.Create(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", encode.ErrIO, err)
	}
	defer out.Close()
	outw := bufio.NewWriter(out)

	var crcPath string
	var crcWriter io.Writer
	var crcw *bufio.Writer
	if cfg.WriteCRC {
		crcPath = cfg.Output + "_crc.txt"
		crcFile, err := os.Create(crcPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", encode.ErrIO, err)
		}
		defer crcFile.Close()
		crcw = bufio.NewWriter(crcFile)
		crcWriter = crcw
	}

	drain := encode.NewDrain(outw, crcWriter, downStream)
	xfer := transfer.New()
	geo := sess.Geometry()

	publishProgress := func(submitted int) {
		if cfg.Bus != nil {
			cfg.Bus.Publish(events.EncodeProgressEvent{
				JobID:           jobID,
				FramesSubmitted: submitted,
				PacketsDrained:  drain.Packets(),
				BytesWritten:    drain.Bytes(),
				BuffersInFlight: sess.InFlight(),
			})
		}
	}

	frame := first
	submitted := 0
	lastProgress := 0
	for limit == 0 || submitted < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if submitted > 0 {
			next, err := src.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			frame = next
		}

		buf, err := sess.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if err := xfer.Upload(buf, geo, frame, upStream); err != nil {
			return nil, err
		}
		pkts, err := sess.Submit(buf, upStream)
		if err != nil {
			return nil, err
		}
		// The transfer reuses its conversion scratch, so the upload must
		// land before the next frame is converted.
		if upStream != nil {
			if err := upStream.Synchronize(); err != nil {
				return nil, err
			}
		}
		if err := drain.Write(pkts); err != nil {
			return nil, err
		}
		submitted++

		if submitted-lastProgress >= progressInterval {
			publishProgress(submitted)
			lastProgress = submitted
		}
	}

	publishState(encode.StateRunning, encode.StateFlushing)
	flushed, err := sess.Flush(ctx)
	if err != nil {
		return nil, err
	}
	if err := drain.Write(flushed); err != nil {
		return nil, err
	}

	if err := outw.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", encode.ErrIO, err)
	}
	if crcw != nil {
		if err := crcw.Flush(); err != nil {
			return nil, fmt.Errorf("%w: %v", encode.ErrIO, err)
		}
	}

	publishProgress(submitted)

	res := &Result{
		Frames:  submitted,
		Packets: drain.Packets(),
		Bytes:   drain.Bytes(),
		Seconds: time.Since(start).Seconds(),
		Output:  cfg.Output,
		CRCPath: crcPath,
		Driver:  drv.Name(),
		Device:  info.Name,
	}
	log.Info("Total frames encoded",
		"frames", res.Frames, "packets", res.Packets, "bytes", res.Bytes,
		"seconds", fmt.Sprintf("%.2f", res.Seconds))
	log.Info("Bitstream saved", "path", cfg.Output)
	return res, nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
