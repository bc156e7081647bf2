package workgroup

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRestartAfterPanic(t *testing.T) {
	var runs int32
	done := make(chan struct{})
	Named("test").Run(func() bool {
		n := atomic.AddInt32(&runs, 1)
		if n < 3 {
			panic("boom")
		}
		close(done)
		return true
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task not restarted")
	}
	if atomic.LoadInt32(&runs) != 3 {
		t.Fatal("unexpected run count:", runs)
	}
}
