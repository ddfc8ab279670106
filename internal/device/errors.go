package device

import (
	"errors"
	"fmt"
)

var (
	// ErrInit indicates the device or driver could not be initialized.
	ErrInit = errors.New("device initialization failed")
	// ErrTransfer indicates a host/device or device/device copy failed.
	ErrTransfer = errors.New("transfer failed")
	// ErrSubmit indicates the encoder rejected a frame submission.
	ErrSubmit = errors.New("encode submission failed")
)

// OrdinalError reports a device ordinal outside the enumerated range.
// It matches ErrInit under errors.Is.
func OrdinalError(ordinal, count int) error {
	return fmt.Errorf("%w: device ordinal %d out of range, should be within [0, %d]", ErrInit, ordinal, count-1)
}
