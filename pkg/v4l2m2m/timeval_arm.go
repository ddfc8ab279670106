//go:build linux && arm && !arm64

package v4l2m2m

import "syscall"

func makeTimeval(timeoutMs int) *syscall.Timeval {
	return &syscall.Timeval{
		Sec:  int32(timeoutMs / 1000),
		Usec: int32((timeoutMs % 1000) * 1000),
	}
}

// timevalFromIndex encodes a frame index as a microsecond timestamp. The
// driver copies OUTPUT buffer timestamps to the CAPTURE buffers they
// produce, which lets packets be matched back to submitted frames.
func timevalFromIndex(index int64) syscall.Timeval {
	return syscall.Timeval{
		Sec:  int32(index / 1000000),
		Usec: int32(index % 1000000),
	}
}

func indexFromTimeval(tv syscall.Timeval) int64 {
	return int64(tv.Sec)*1000000 + int64(tv.Usec)
}
