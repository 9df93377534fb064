package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafeGoRuns(t *testing.T) {
	done := make(chan struct{})
	SafeGo(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo never ran the function")
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	// panic 值不论类型都不得扩散到进程
	payloads := []any{"boom", 42, struct{ reason string }{"typed"}}
	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		p := p
		SafeGo(func() {
			defer wg.Done()
			panic(p)
		})
	}
	wg.Wait()
	// 走到这里即说明 panic 被捕获
}

func TestSafeGoConcurrent(t *testing.T) {
	const n = 64
	var ran atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		SafeGo(func() {
			defer wg.Done()
			ran.Add(1)
		})
	}
	wg.Wait()
	if got := ran.Load(); got != int32(n) {
		t.Fatalf("ran %d of %d goroutines", got, n)
	}
}
