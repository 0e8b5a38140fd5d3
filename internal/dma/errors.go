package dma

import "errors"

// Protocol-level DMA errors, recovered by the caller, which composes an
// NVMe completion with the appropriate status rather than panicking.
var (
	errUnsupportedSGL   = errors.New("dma: unsupported SGL descriptor subtype")
	errCoverageMismatch = errors.New("dma: region coverage does not sum to requested size")
)

// IsUnsupportedSGL reports whether err is the unsupported-descriptor
// protocol error InitSGL returns.
func IsUnsupportedSGL(err error) bool { return errors.Is(err, errUnsupportedSGL) }
