package cmd

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/encnode/internal/device"
	"github.com/smazurov/encnode/internal/logging"
	"github.com/spf13/cobra"
)

// CreateCapsCmd creates the caps command.
func CreateCapsCmd() *cobra.Command {
	var driverName string
	var asTOML bool

	cmd := &cobra.Command{
		Use:   "caps",
		Short: "Show encoder capabilities of the selected device backend",
		Run: func(_ *cobra.Command, _ []string) {
			// Keep slog quiet; the report goes to stdout.
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			d, err := device.Select(driverName)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			devices, err := d.Devices()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			report := device.BuildReport(d.Name(), devices)

			if asTOML {
				data, err := toml.Marshal(report)
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				os.Stdout.Write(data)
				return
			}
			printReport(report)
		},
	}

	cmd.Flags().StringVar(&driverName, "driver", "", "Device backend; default prefers hardware")
	cmd.Flags().BoolVar(&asTOML, "toml", false, "Dump the report as TOML")

	return cmd
}

func printReport(r device.Report) {
	fmt.Println("Encoder Capability")
	fmt.Println()
	fmt.Printf("Driver: %s\n\n", r.Driver)
	for _, dev := range r.Devices {
		fmt.Printf("Device %d - %s\n\n", dev.Ordinal, dev.Name)
		printCodec(dev, "h264", "H264")
		printCodec(dev, "hevc", "HEVC")
		fmt.Println()
	}
	if len(r.Devices) == 0 {
		fmt.Println("No encode devices found")
	}
}

func printCodec(dev device.InfoReport, key, label string) {
	cr, ok := dev.Codecs[key]
	fmt.Printf("\t%s:\t\t  %s\n", label, yesNo(ok))
	if !ok {
		return
	}
	fmt.Printf("\t%s_444:\t  %s\n", label, yesNo(cr.YUV444))
	fmt.Printf("\t%s_10bit:\t  %s\n", label, yesNo(cr.TenBit))
	fmt.Printf("\t%s_Lossless:\t  %s\n", label, yesNo(cr.Lossless))
	fmt.Printf("\t%s_SAO:\t  %s\n", label, yesNo(cr.SampleAdaptive))
	fmt.Printf("\t%s_ME:\t\t  %s\n", label, yesNo(cr.MotionEstimation))
	fmt.Printf("\t%s_WxH:\t  %s\n", label, cr.MaxResolution)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
