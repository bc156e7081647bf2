package testlib

import (
	"testing"
	"time"
)

func AssertError(t testing.TB, e error) {
	t.Helper()
	if e != nil {
		t.Fatal("assertError:", e)
	}
}

// WaitUntil polls cond until it holds or the timeout elapses.
func WaitUntil(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
