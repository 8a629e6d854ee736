// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMutex(t *testing.T) {
	var (
		mu          Mutex
		start, done sync.WaitGroup
		inside      int
		max         int
		countMu     sync.Mutex
	)
	const N = 100
	start.Add(N)
	done.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer done.Done()
			start.Done()
			start.Wait()
			if err := mu.Lock(context.Background()); err != nil {
				t.Error(err)
				return
			}
			countMu.Lock()
			inside++
			if inside > max {
				max = inside
			}
			countMu.Unlock()
			time.Sleep(time.Microsecond)
			countMu.Lock()
			inside--
			countMu.Unlock()
			mu.Unlock()
		}()
	}
	done.Wait()
	if got, want := max, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMutexContext(t *testing.T) {
	var mu Mutex
	if err := mu.Lock(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if got, want := mu.Lock(ctx), context.DeadlineExceeded; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if mu.TryLock() {
		t.Error("acquired a held mutex")
	}
	mu.Unlock()
	if !mu.TryLock() {
		t.Error("failed to acquire a free mutex")
	}
	mu.Unlock()

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if got, want := mu.Lock(ctx), context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMutexUnlockUnlocked(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	var mu Mutex
	mu.Unlock()
}
