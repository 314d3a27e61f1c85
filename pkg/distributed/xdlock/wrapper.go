package xdlock

import (
	"github.com/go-redsync/redsync/v4"
)

// Redsync is a type alias for redsync.Redsync, returned by
// RedisFactory.Redsync() for callers that need the underlying instance
// (e.g. to build a custom Mutex directly).
type Redsync = *redsync.Redsync
