package canvas

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrAuthRejected is returned by a paint authority when it refuses the
	// credential attached to a write.
	ErrAuthRejected = errors.New("credential rejected by paint authority")

	// ErrNotFound is returned by Store lookups for keys that do not exist.
	ErrNotFound = errors.New("not found")
)

// IsNotFound returns true if err means the requested key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}
