package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/encnode/cmd"
	"github.com/smazurov/encnode/internal/config"
	"github.com/smazurov/encnode/internal/device"
	_ "github.com/smazurov/encnode/internal/device/soft"
	_ "github.com/smazurov/encnode/internal/device/v4l2"
	"github.com/smazurov/encnode/internal/events"
	"github.com/smazurov/encnode/internal/logging"
	"github.com/smazurov/encnode/internal/metrics"
	"github.com/smazurov/encnode/internal/metrics/exporters"
	"github.com/smazurov/encnode/internal/pipeline"
	"github.com/smazurov/encnode/internal/watch"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Watch folder settings
	WatchDir      string `help:"Directory watched for source files" default:"intake" toml:"watch.dir" env:"WATCH_DIR"`
	OutputDir     string `help:"Directory encoded bitstreams are written to" default:"encoded" toml:"watch.output_dir" env:"WATCH_OUTPUT_DIR"`
	WatchSettleMs int    `help:"Quiet time before a new file is picked up, in milliseconds" default:"500" toml:"watch.settle_ms" env:"WATCH_SETTLE_MS"`

	// Encode defaults applied to watched files
	Driver       string `help:"Encode driver (empty selects automatically)" toml:"encode.driver" env:"ENCODE_DRIVER"`
	Device       int    `help:"Device ordinal" default:"0" toml:"encode.device" env:"ENCODE_DEVICE"`
	Codec        string `help:"Codec to encode (h264, hevc)" default:"h264" toml:"encode.codec" env:"ENCODE_CODEC"`
	Format       string `help:"Frame format for raw input files" default:"nv12" toml:"encode.format" env:"ENCODE_FORMAT"`
	Size         string `help:"Frame size WxH for raw input files" toml:"encode.size" env:"ENCODE_SIZE"`
	Frames       int    `help:"Frame count for repeating sources (0 uses the default)" default:"0" toml:"encode.frames" env:"ENCODE_FRAMES"`
	Preset       string `help:"Encoder preset" toml:"encode.preset" env:"ENCODE_PRESET"`
	RateControl  string `help:"Rate control mode (cbr, vbr)" toml:"encode.rc" env:"ENCODE_RC"`
	Bitrate      int    `help:"Target bitrate in bits per second (0 uses the encoder default)" default:"0" toml:"encode.bitrate" env:"ENCODE_BITRATE"`
	Gop          int    `help:"GOP length in frames (0 uses the encoder default)" default:"0" toml:"encode.gop" env:"ENCODE_GOP"`
	Bframes      int    `help:"Consecutive B frames" default:"0" toml:"encode.bframes" env:"ENCODE_BFRAMES"`
	Lookahead    int    `help:"Lookahead depth in frames" default:"0" toml:"encode.lookahead" env:"ENCODE_LOOKAHEAD"`
	StreamMode   int    `help:"Device stream mode: 0 sync, 1 shared, 2 split" default:"0" toml:"encode.stream_mode" env:"ENCODE_STREAM_MODE"`
	VidmemOutput bool   `help:"Keep encoded packets in device memory and write a CRC sidecar" default:"false" toml:"encode.vidmem_output" env:"ENCODE_VIDMEM_OUTPUT"`

	// Metrics settings
	MetricsPort string `help:"Prometheus listen address (empty disables the listener)" default:":9100" toml:"metrics.port" env:"METRICS_PORT"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingDevice   string `help:"Device logging level" default:"info" toml:"logging.device" env:"LOGGING_DEVICE"`
	LoggingEncode   string `help:"Encode session logging level" default:"info" toml:"logging.encode" env:"LOGGING_ENCODE"`
	LoggingPipeline string `help:"Pipeline logging level" default:"info" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
	LoggingTransfer string `help:"Frame transfer logging level" default:"info" toml:"logging.transfer" env:"LOGGING_TRANSFER"`
	LoggingWatch    string `help:"Watch folder logging level" default:"info" toml:"logging.watch" env:"LOGGING_WATCH"`
}

func main() {
	// Create Huma CLI. The default command runs the watch-folder node;
	// one-shot work goes through the subcommands added below.
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system. The [logging] table seeds module
		// levels first so modules without a dedicated flag (main,
		// updater) can still be tuned from the file.
		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		loggingConfig.Modules["device"] = opts.LoggingDevice
		loggingConfig.Modules["encode"] = opts.LoggingEncode
		loggingConfig.Modules["pipeline"] = opts.LoggingPipeline
		loggingConfig.Modules["transfer"] = opts.LoggingTransfer
		loggingConfig.Modules["watch"] = opts.LoggingWatch
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")

		// Validate the encode defaults once up front so a bad codec or
		// size name fails at startup instead of on the first file.
		defaults, err := cmd.BuildJobConfig(cmd.JobParams{
			Size:        opts.Size,
			Format:      opts.Format,
			Codec:       opts.Codec,
			Driver:      opts.Driver,
			Device:      opts.Device,
			Frames:      opts.Frames,
			Preset:      opts.Preset,
			RateControl: opts.RateControl,
			Bitrate:     opts.Bitrate,
			GOPLength:   opts.Gop,
			BFrames:     opts.Bframes,
			Lookahead:   opts.Lookahead,
			VidmemOut:   opts.VidmemOutput,
			StreamMode:  opts.StreamMode,
		})
		if err != nil {
			logger.Error("Invalid encode defaults", "error", err)
			os.Exit(1)
		}

		// Create event bus for in-process event handling
		bus := events.New()
		unbind := metrics.Bind(bus)

		// One device, one job at a time; the manager serializes them.
		mgr := pipeline.NewManager(&pipeline.ManagerOptions{Bus: bus})

		watcher := watch.New(opts.WatchDir, logging.GetLogger("watch"),
			watch.WithSettle(time.Duration(opts.WatchSettleMs)*time.Millisecond))
		watcher.OnFile(func(path string) {
			cfg := defaults
			cfg.Input = path
			stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			cfg.Output = filepath.Join(opts.OutputDir, stem+outputExt(cfg.Codec))
			// Re-dropping a file with the same name is a new job, so the
			// ID carries a timestamp.
			cfg.JobID = fmt.Sprintf("%s-%d", stem, time.Now().UnixMilli())
			cfg.Bus = bus
			if submitErr := mgr.Submit(cfg.JobID, cfg); submitErr != nil {
				logger.Warn("Failed to queue encode job", "input", path, "error", submitErr)
				return
			}
			logger.Info("Queued encode job", "job", cfg.JobID, "output", cfg.Output)
		})

		var metricsServer *http.Server
		if opts.MetricsPort != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", exporters.HTTPHandler())
			metricsServer = &http.Server{Addr: opts.MetricsPort, Handler: mux}
		}

		hooks.OnStart(func() {
			for _, dir := range []string{opts.WatchDir, opts.OutputDir} {
				if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
					logger.Error("Failed to create directory", "dir", dir, "error", mkErr)
					os.Exit(1)
				}
			}

			if startErr := watcher.Start(); startErr != nil {
				logger.Error("Failed to start watch folder", "error", startErr)
				os.Exit(1)
			}
			logger.Info("Watching for source files", "dir", opts.WatchDir, "output", opts.OutputDir)

			if metricsServer != nil {
				go func() {
					logger.Info("Serving metrics", "addr", metricsServer.Addr)
					if serveErr := metricsServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
						logger.Error("Metrics listener failed", "error", serveErr)
					}
				}()
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			if stopErr := watcher.Stop(); stopErr != nil {
				logger.Error("Error stopping watch folder", "error", stopErr)
			}
			mgr.Close()
			if metricsServer != nil {
				if closeErr := metricsServer.Close(); closeErr != nil {
					logger.Error("Error closing metrics listener", "error", closeErr)
				}
			}
			unbind()
		})
	})

	root := cli.Root()
	root.AddCommand(cmd.CreateEncodeCmd())
	root.AddCommand(cmd.CreateCapsCmd())
	root.AddCommand(cmd.CreateUpdateCmd())
	root.AddCommand(cmd.CreateVersionCmd())

	// Run the CLI
	cli.Run()
}

// outputExt picks the bitstream file extension for a codec.
func outputExt(codec device.Codec) string {
	if codec == device.CodecHEVC {
		return ".h265"
	}
	return ".h264"
}
