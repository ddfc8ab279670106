//go:build linux && (amd64 || arm64)

package v4l2m2m

import "syscall"

func makeTimeval(timeoutMs int) *syscall.Timeval {
	return &syscall.Timeval{
		Sec:  int64(timeoutMs / 1000),
		Usec: int64((timeoutMs % 1000) * 1000),
	}
}

// timevalFromIndex encodes a frame index as a microsecond timestamp. The
// driver copies OUTPUT buffer timestamps to the CAPTURE buffers they
// produce, which lets packets be matched back to submitted frames.
func timevalFromIndex(index int64) syscall.Timeval {
	return syscall.Timeval{
		Sec:  index / 1000000,
		Usec: index % 1000000,
	}
}

func indexFromTimeval(tv syscall.Timeval) int64 {
	return tv.Sec*1000000 + tv.Usec
}
