package timesupplier

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/meidoworks/nekodispatch/shared/workgroup"
)

var (
	cachedTime atomic.Pointer[time.Time]
	startOnce  sync.Once
)

const (
	ResolutionInMillis = 30
)

func start() {
	now := time.Now()
	// initial value avoids the go sched delay of the timer task
	cachedTime.Store(&now)
	workgroup.Named("timesupplier").Run(func() bool {
		ticker := time.NewTicker(ResolutionInMillis * time.Millisecond)
		defer ticker.Stop()
		for t := range ticker.C {
			tick := t
			cachedTime.Store(&tick)
		}
		return true
	})
}

// CachedTime is a coarse clock refreshed every ResolutionInMillis.
// The refresher starts on first use.
func CachedTime() time.Time {
	startOnce.Do(start)
	return *cachedTime.Load()
}

// CachedUnixMilli is CachedTime in epoch milliseconds.
func CachedUnixMilli() int64 {
	return CachedTime().UnixMilli()
}
