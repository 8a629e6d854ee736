// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides context-aware synchronization primitives.
package ctxsync

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// A Mutex is a mutual exclusion lock whose Lock may be abandoned
// when a context completes. It is a weighted semaphore of capacity
// one. The zero Mutex is unlocked and ready for use. Waiters are not
// served in any particular order.
type Mutex struct {
	once sync.Once
	sem  *semaphore.Weighted
}

func (m *Mutex) init() {
	m.sem = semaphore.NewWeighted(1)
}

// Lock acquires the mutex, blocking until it is available or until
// the context completes. Lock returns the context's error if the
// context completes first, in which case the mutex is not held.
func (m *Mutex) Lock(ctx context.Context) error {
	m.once.Do(m.init)
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.sem.Acquire(ctx, 1)
}

// TryLock acquires the mutex if it is free and reports whether it
// did.
func (m *Mutex) TryLock() bool {
	m.once.Do(m.init)
	return m.sem.TryAcquire(1)
}

// Unlock releases the mutex. Unlock panics if the mutex is not
// held.
func (m *Mutex) Unlock() {
	m.once.Do(m.init)
	m.sem.Release(1)
}
