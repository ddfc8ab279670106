package device

import "fmt"

// Report lists every device a driver can open, shaped for a TOML dump.
type Report struct {
	Driver  string       `toml:"driver"`
	Devices []InfoReport `toml:"devices"`
}

// InfoReport describes one device in a Report.
type InfoReport struct {
	Ordinal int                    `toml:"ordinal"`
	Name    string                 `toml:"name"`
	Codecs  map[string]CodecReport `toml:"codecs"`
}

// CodecReport flattens CodecCaps for output. Only supported codecs get
// an entry.
type CodecReport struct {
	MaxResolution    string `toml:"max_resolution"`
	MinResolution    string `toml:"min_resolution"`
	YUV444           bool   `toml:"yuv444"`
	TenBit           bool   `toml:"ten_bit"`
	Lossless         bool   `toml:"lossless"`
	SampleAdaptive   bool   `toml:"sample_adaptive_offset"`
	MotionEstimation bool   `toml:"motion_estimation"`
}

// BuildReport shapes a driver's device list into a Report.
func BuildReport(driver string, devices []Info) Report {
	r := Report{Driver: driver, Devices: make([]InfoReport, 0, len(devices))}
	for _, info := range devices {
		ir := InfoReport{
			Ordinal: info.Ordinal,
			Name:    info.Name,
			Codecs:  make(map[string]CodecReport),
		}
		for codec, cc := range info.Caps.Codecs {
			if !cc.Supported {
				continue
			}
			ir.Codecs[string(codec)] = CodecReport{
				MaxResolution:    fmt.Sprintf("%dx%d", cc.MaxWidth, cc.MaxHeight),
				MinResolution:    fmt.Sprintf("%dx%d", cc.MinWidth, cc.MinHeight),
				YUV444:           cc.YUV444,
				TenBit:           cc.TenBit,
				Lossless:         cc.Lossless,
				SampleAdaptive:   cc.SampleAdaptive,
				MotionEstimation: cc.MotionEstimation,
			}
		}
		r.Devices = append(r.Devices, ir)
	}
	return r
}
