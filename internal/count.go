package internal

import (
	"sync/atomic"
)

// Counter is a byte counter safe for concurrent use.
type Counter int64

func (r *Counter) Increment(n int64) int64 {
	return atomic.AddInt64((*int64)(r), n)
}

func (r *Counter) Get() int64 {
	return atomic.LoadInt64((*int64)(r))
}
