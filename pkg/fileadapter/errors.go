package fileadapter

import "errors"

// errPoolClosed is returned by Pool.Run once the pool has begun
// shutting down.
var errPoolClosed = errors.New("fileadapter: pool closed")
