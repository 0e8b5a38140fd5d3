package arbiter

import "errors"

// Protocol-level arbiter errors, recovered by composing an NVMe
// completion with the matching status, never a panic.
var (
	errQueueIDCollision = errors.New("arbiter: queue id already in use")
	errQueueNotFound    = errors.New("arbiter: queue id not found")
)

// IsQueueIDCollision reports whether err is the queue-creation collision
// error.
func IsQueueIDCollision(err error) bool { return errors.Is(err, errQueueIDCollision) }

// IsQueueNotFound reports whether err is the unknown-queue-id error
// returned by DeleteSQ/DeleteCQ.
func IsQueueNotFound(err error) bool { return errors.Is(err, errQueueNotFound) }
