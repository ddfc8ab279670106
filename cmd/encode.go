package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/smazurov/encnode/internal/device"
	"github.com/smazurov/encnode/internal/logging"
	"github.com/smazurov/encnode/internal/pipeline"
	"github.com/smazurov/encnode/internal/pixel"
	"github.com/spf13/cobra"
)

// JobParams collects the flag values describing one encode job before they
// are validated into a pipeline config.
type JobParams struct {
	Input       string
	Output      string
	Size        string
	Format      string
	Codec       string
	Driver      string
	Device      int
	Frames      int
	Preset      string
	RateControl string
	Bitrate     int
	GOPLength   int
	BFrames     int
	Lookahead   int
	VidmemOut   bool
	StreamMode  int
}

// CreateEncodeCmd creates the encode command.
func CreateEncodeCmd() *cobra.Command {
	var p JobParams
	var logLevel string
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode one input file to a bitstream",
		Long: `Loads a still image or raw frame file, runs it through the device encode ` +
			`pipeline and writes the resulting bitstream. Raw inputs need --size and ` +
			`--format; images carry their own dimensions. With --vidmem-output the ` +
			`CRC of encoded frames is computed and dumped to a file with suffix ` +
			`'_crc.txt' added to the output path.`,
		Run: func(_ *cobra.Command, _ []string) {
			loggingConfig := logging.Config{Level: logLevel, Format: "text"}
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)

			cfg, err := BuildJobConfig(p)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := pipeline.Run(ctx, cfg)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}

			fmt.Printf("Total frames encoded: %d\n", res.Frames)
			fmt.Printf("Bitstream saved in file %s\n", res.Output)
			if res.CRCPath != "" {
				fmt.Printf("CRC saved in file %s\n", res.CRCPath)
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&p.Input, "input", "i", "", "Input file path (png, jpg or raw frames)")
	flags.StringVarP(&p.Output, "output", "o", "out.h264", "Output file path")
	flags.StringVarP(&p.Size, "size", "s", "", "Input resolution in this form: WxH (required for raw inputs)")
	flags.StringVarP(&p.Format, "format", "f", "nv12",
		"Input format: iyuv nv12 yv12 yuv444 p010 yuv444p16 bgra bgra10 ayuv abgr abgr10 rgba")
	flags.StringVar(&p.Codec, "codec", "h264", "Codec: h264 or hevc")
	flags.StringVar(&p.Driver, "driver", "", "Device backend; default prefers hardware")
	flags.IntVarP(&p.Device, "gpu", "g", 0, "Ordinal of device to use")
	flags.IntVarP(&p.Frames, "frames", "n", 0,
		"Number of frames to encode; 0 means the whole source (still images repeat for 15 s)")
	flags.StringVar(&p.Preset, "preset", "", "Encoder preset (p1..p7)")
	flags.StringVar(&p.RateControl, "rc", "", "Rate control mode (cbr, vbr)")
	flags.IntVar(&p.Bitrate, "bitrate", 0, "Target bitrate in bits per second")
	flags.IntVar(&p.GOPLength, "gop", 0, "GOP length in frames")
	flags.IntVar(&p.BFrames, "bframes", 0, "Number of consecutive B frames")
	flags.IntVar(&p.Lookahead, "lookahead", 0, "Lookahead depth in frames")
	flags.BoolVar(&p.VidmemOut, "vidmem-output", false,
		"Keep encoded packets in device memory until the drain reads them back")
	flags.IntVar(&p.StreamMode, "stream-mode", 0,
		"Device stream use: 0 sync, 1 shared upload/readback stream, 2 separate streams")
	flags.StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	flags.BoolVar(&logJSON, "log-json", false, "Use JSON log format")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

// BuildJobConfig validates flag values into a pipeline config. Input and
// output presence is left to the pipeline, which reports them uniformly for
// the CLI and the watch folder.
func BuildJobConfig(p JobParams) (pipeline.Config, error) {
	cfg := pipeline.Config{
		Input:               p.Input,
		Output:              p.Output,
		Driver:              p.Driver,
		Device:              p.Device,
		Frames:              p.Frames,
		Preset:              p.Preset,
		RateControl:         p.RateControl,
		Bitrate:             p.Bitrate,
		GOPLength:           p.GOPLength,
		BFrames:             p.BFrames,
		Lookahead:           p.Lookahead,
		OutputInVideoMemory: p.VidmemOut,
		StreamMode:          p.StreamMode,
		WriteCRC:            p.VidmemOut,
	}

	codec, err := parseCodec(p.Codec)
	if err != nil {
		return cfg, err
	}
	cfg.Codec = codec

	if p.Format != "" {
		format, err := pixel.Parse(p.Format)
		if err != nil {
			return cfg, err
		}
		cfg.Format = format
	}

	if p.Size != "" {
		w, h, err := parseSize(p.Size)
		if err != nil {
			return cfg, err
		}
		cfg.Width, cfg.Height = w, h
	}

	return cfg, nil
}

func parseCodec(name string) (device.Codec, error) {
	switch strings.ToLower(name) {
	case "", "h264", "avc":
		return device.CodecH264, nil
	case "hevc", "h265":
		return device.CodecHEVC, nil
	}
	return "", fmt.Errorf("unknown codec %q, expected h264 or hevc", name)
}

func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q, expected WxH", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid width in %q", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid height in %q", s)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("size %q must be positive", s)
	}
	return w, h, nil
}
