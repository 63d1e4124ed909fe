// Copyright (C) The Panprof Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package panprof

import (
	"sync"
)

// A throttle runs queued funcs in goroutines, at most Max at a time,
// and keeps the first error any of them returns.
type throttle struct {
	Max int

	wg        sync.WaitGroup
	setupOnce sync.Once
	slots     chan bool

	mtx sync.Mutex
	err error
}

// Go waits for a slot, then calls f in a new goroutine.
func (t *throttle) Go(f func() error) {
	t.setupOnce.Do(func() { t.slots = make(chan bool, t.Max) })
	t.wg.Add(1)
	t.slots <- true
	go func() {
		defer t.wg.Done()
		defer func() { <-t.slots }()
		if err := f(); err != nil {
			t.mtx.Lock()
			if t.err == nil {
				t.err = err
			}
			t.mtx.Unlock()
		}
	}()
}

func (t *throttle) Err() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.err
}

// Wait blocks until all funcs passed to Go have returned.
func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
