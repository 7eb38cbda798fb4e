/***************************************************************
 *
 * Copyright (C) 2026, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package account keeps the space counters of a pool.
//
// All space handed out to write handles goes through Allocate and comes
// back through Free.  Precious and removable bytes are subsets of the used
// space, so at any time
//
//	free + precious + removable + inUse == total
//
// where inUse is allocated space that is neither precious nor removable.
package account

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

type Account struct {
	mu        sync.Mutex
	total     int64
	used      int64
	precious  int64
	removable int64
	requested int64
	lru       time.Time

	// changed is closed and replaced whenever a counter moves; waiters
	// select on it alongside their context.
	changed chan struct{}
}

func New(total int64) *Account {
	return &Account{
		total:   total,
		changed: make(chan struct{}),
	}
}

func (a *Account) signalLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// waitLocked releases the lock until the next change or until ctx is done.
// The lock is held again on return.
func (a *Account) waitLocked(ctx context.Context) error {
	ch := a.changed
	a.mu.Unlock()
	defer a.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Account) freeLocked() int64 {
	return a.total - a.used
}

// Allocate reserves n bytes, blocking until enough space is free.  While
// blocked, the request is visible to the sweeper through the requested
// counter.
func (a *Account) Allocate(ctx context.Context, n int64) error {
	if n < 0 {
		return pool_errors.IllegalArgument("cannot allocate negative space: %d", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if n <= a.freeLocked() {
		a.used += n
		a.signalLocked()
		return nil
	}

	a.requested += n
	a.signalLocked()
	for n > a.freeLocked() {
		if err := a.waitLocked(ctx); err != nil {
			a.requested -= n
			a.signalLocked()
			return pool_errors.Interrupted(err, "space allocation interrupted")
		}
	}
	a.requested -= n
	a.used += n
	a.signalLocked()
	return nil
}

// TryAllocate reserves n bytes if they are free right now.
func (a *Account) TryAllocate(n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n < 0 || n > a.freeLocked() {
		return false
	}
	a.used += n
	a.signalLocked()
	return true
}

// Reserve accounts for n bytes already on disk, such as replicas found at
// start-up.  Unlike Allocate it never blocks and may overcommit the pool.
func (a *Account) Reserve(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used += n
	a.signalLocked()
}

// Free returns n previously allocated bytes.
func (a *Account) Free(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used -= n
	if a.used < 0 {
		a.used = 0
	}
	a.signalLocked()
}

// AdjustClasses moves the precious and removable counters together, so a
// replica changing class is never counted twice.
func (a *Account) AdjustClasses(precious, removable int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.precious = max(a.precious+precious, 0)
	a.removable = max(a.removable+removable, 0)
	a.signalLocked()
}

// SetLRU records the last access time of the oldest removable replica;
// the zero time means there is none.
func (a *Account) SetLRU(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lru = t
}

// SetTotal changes the pool size.  It cannot shrink below the space in use.
func (a *Account) SetTotal(total int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if total < a.used {
		return errors.Errorf("cannot set total space to %d bytes; %d bytes are in use", total, a.used)
	}
	a.total = total
	a.signalLocked()
	return nil
}

func (a *Account) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

func (a *Account) FreeSpace() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked()
}

func (a *Account) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

func (a *Account) Precious() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.precious
}

func (a *Account) Removable() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removable
}

func (a *Account) Requested() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requested
}

func (a *Account) Snapshot() pool_structs.SpaceRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	record := pool_structs.SpaceRecord{
		Total:     a.total,
		Free:      a.freeLocked(),
		Precious:  a.precious,
		Removable: a.removable,
		Requested: a.requested,
	}
	if !a.lru.IsZero() {
		record.LRUSeconds = int64(time.Since(a.lru).Seconds())
	}
	return record
}

// Check verifies the counters are consistent; a violation indicates a
// bookkeeping bug or disk trouble and disables writes on the pool.
func (a *Account) Check() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.used > a.total:
		return errors.Errorf("used space %d exceeds total %d", a.used, a.total)
	case a.precious+a.removable > a.used:
		return errors.Errorf("precious (%d) plus removable (%d) exceeds used space %d", a.precious, a.removable, a.used)
	}
	return nil
}

// AwaitReclaimDemand blocks until some allocation is waiting for more space
// than is free and there is removable space to reclaim.  It returns the
// number of bytes to reclaim.
func (a *Account) AwaitReclaimDemand(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for !(a.requested > a.freeLocked() && a.removable > 0) {
		if err := a.waitLocked(ctx); err != nil {
			return 0, err
		}
	}
	return a.requested - a.freeLocked(), nil
}
