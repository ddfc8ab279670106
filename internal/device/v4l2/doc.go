// Package v4l2 backs the device interfaces with V4L2 memory-to-memory
// encode hardware driven through pkg/v4l2m2m. The backend registers as
// "v4l2m2m". It only exists on Linux; elsewhere the package is empty, the
// driver never appears in the registry and selection falls through to the
// software backend.
package v4l2
