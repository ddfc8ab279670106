//go:build linux

package v4l2m2m

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"unsafe"
)

// codedFormats are the compressed formats an encoder CAPTURE queue can
// produce.
var codedFormats = []uint32{PixFmtH264, PixFmtHEVC, PixFmtVP8, PixFmtVP9}

// FindEncoders finds all V4L2 memory-to-memory encode devices on the
// system. A device qualifies when it advertises multi-planar M2M support,
// produces at least one compressed format on its CAPTURE queue and accepts
// at least one raw format on its OUTPUT queue.
func FindEncoders() ([]EncoderInfo, error) {
	entries, err := os.ReadDir("/sys/class/video4linux")
	if err != nil {
		if os.IsNotExist(err) {
			return []EncoderInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read video4linux directory: %w", err)
	}

	var encoders []EncoderInfo

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "video") {
			continue
		}

		devicePath := "/dev/" + entry.Name()

		info, err := probeEncoder(devicePath)
		if err != nil {
			slog.With("component", "v4l2m2m").Debug("skipping video device", "path", devicePath, "error", err)
			continue
		}
		if info == nil {
			continue
		}
		encoders = append(encoders, *info)
	}

	// ReadDir sorts lexically, which puts video10 before video2. Order by
	// node number so ordinals are stable.
	sort.Slice(encoders, func(i, j int) bool {
		return videoNumber(encoders[i].Path) < videoNumber(encoders[j].Path)
	})
	return encoders, nil
}

// probeEncoder returns the device description when path is an M2M encoder
// and nil when it is some other kind of video device.
func probeEncoder(path string) (*EncoderInfo, error) {
	fd, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	defer close(fd)

	cap := v4l2Capability{}
	if err := ioctl(fd, vidiocQuerycap, unsafe.Pointer(&cap)); err != nil {
		return nil, fmt.Errorf("failed to query device capabilities: %w", err)
	}

	caps := cap.capabilities
	if caps&v4l2CapDeviceCaps != 0 {
		caps = cap.deviceCaps
	}
	if caps&v4l2CapVideoM2MMplane == 0 {
		return nil, nil
	}

	coded, err := enumFormats(fd, v4l2BufTypeVideoCaptureMplane)
	if err != nil {
		return nil, err
	}
	coded = intersect(coded, codedFormats)
	if len(coded) == 0 {
		// M2M device without compressed capture formats, e.g. a decoder
		// or a scaler.
		return nil, nil
	}

	raw, err := enumFormats(fd, v4l2BufTypeVideoOutputMplane)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	return &EncoderInfo{
		Path:         path,
		Card:         cstr(cap.card[:]),
		Driver:       cstr(cap.driver[:]),
		CodedFormats: coded,
		RawFormats:   raw,
	}, nil
}

// enumFormats returns the pixel formats a queue supports.
func enumFormats(fd int, bufType uint32) ([]uint32, error) {
	var formats []uint32

	for i := uint32(0); ; i++ {
		fmtdesc := v4l2Fmtdesc{
			index: i,
			typ:   bufType,
		}

		if ioctlErr := ioctl(fd, vidiocEnumFmt, unsafe.Pointer(&fmtdesc)); ioctlErr != nil {
			if errors.Is(ioctlErr, syscall.EINVAL) {
				break // End of enumeration
			}
			return nil, fmt.Errorf("failed to enumerate format %d: %w", i, ioctlErr)
		}

		formats = append(formats, fmtdesc.pixelformat)
	}

	return formats, nil
}

// FrameSizeRange returns the smallest and largest coded resolution the
// device supports for a compressed format.
func FrameSizeRange(path string, codedFormat uint32) (minW, minH, maxW, maxH int, err error) {
	fd, err := open(path)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("failed to open device: %w", err)
	}
	defer close(fd)

	for i := uint32(0); ; i++ {
		frmsize := v4l2Frmsizeenum{
			index:       i,
			pixelFormat: codedFormat,
		}

		if ioctlErr := ioctl(fd, vidiocEnumFramesizes, unsafe.Pointer(&frmsize)); ioctlErr != nil {
			if errors.Is(ioctlErr, syscall.EINVAL) {
				break // End of enumeration
			}
			return 0, 0, 0, 0, fmt.Errorf("failed to enumerate frame size %d: %w", i, ioctlErr)
		}

		switch frmsize.typ {
		case v4l2FrmsizeTypeDiscrete:
			w, h := int(frmsize.discrete.width), int(frmsize.discrete.height)
			if minW == 0 || w < minW {
				minW, minH = w, h
			}
			if w > maxW {
				maxW, maxH = w, h
			}
		case v4l2FrmsizeTypeContinuous, v4l2FrmsizeTypeStepwise:
			// Encoders report a single stepwise range.
			sw := frmsize.stepwise()
			return int(sw.minWidth), int(sw.minHeight), int(sw.maxWidth), int(sw.maxHeight), nil
		}
	}

	if maxW == 0 {
		return 0, 0, 0, 0, fmt.Errorf("device reports no frame sizes for %s", FourCCString(codedFormat))
	}
	return minW, minH, maxW, maxH, nil
}

// intersect keeps the formats in have that also appear in want, in the
// order of want.
func intersect(have, want []uint32) []uint32 {
	var out []uint32
	for _, w := range want {
		if Offers(have, w) {
			out = append(out, w)
		}
	}
	return out
}

// videoNumber extracts the node number from a /dev/videoN path.
func videoNumber(path string) int {
	i := strings.LastIndex(path, "video")
	if i < 0 {
		return 0
	}
	n, _ := strconv.Atoi(path[i+len("video"):])
	return n
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
