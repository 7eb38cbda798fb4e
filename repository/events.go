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

package repository

import (
	"sync"
	"time"

	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	// CacheEntry is an immutable snapshot of a replica.
	CacheEntry struct {
		PnfsId     pool_structs.PnfsId         `json:"pnfsid"`
		State      pool_structs.EntryState     `json:"state"`
		Size       int64                       `json:"size"`
		Created    time.Time                   `json:"created"`
		LastAccess time.Time                   `json:"lastAccess"`
		Attributes pool_structs.FileAttributes `json:"attributes"`
		Stickies   []pool_structs.StickyRecord `json:"stickies,omitempty"`
		LinkCount  int                         `json:"linkCount"`
	}

	StateChangeEvent struct {
		PnfsId   pool_structs.PnfsId
		OldState pool_structs.EntryState
		NewState pool_structs.EntryState
		Entry    CacheEntry
		// Scanned is set for events emitted while loading the repository.
		Scanned bool
	}

	StickyChangeEvent struct {
		PnfsId pool_structs.PnfsId
		Entry  CacheEntry
	}

	EntryChangeEvent struct {
		PnfsId pool_structs.PnfsId
		Entry  CacheEntry
	}

	StateChangeListener interface {
		StateChanged(event StateChangeEvent)
	}

	StickyChangeListener interface {
		StickyChanged(event StickyChangeEvent)
	}

	AccessTimeListener interface {
		AccessTimeChanged(event EntryChangeEvent)
	}

	// dispatcher delivers events on a single goroutine in submission order.
	dispatcher struct {
		mu      sync.Mutex
		cond    *sync.Cond
		queue   []func()
		closed  bool
		done    chan struct{}
		running bool
	}
)

// IsSticky reports whether any sticky record is still valid at now.
func (e CacheEntry) IsSticky(now time.Time) bool {
	for _, record := range e.Stickies {
		if record.IsValid(now) {
			return true
		}
	}
	return false
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, fn)
	d.cond.Broadcast()
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.running = false
			d.cond.Broadcast()
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.running = false
			d.cond.Broadcast()
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.running = true
		d.mu.Unlock()

		fn()
	}
}

// drain blocks until every event posted so far has been delivered.
func (d *dispatcher) drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for (len(d.queue) > 0 || d.running) && !d.closed {
		d.cond.Wait()
	}
}

// close delivers what is queued and stops the dispatcher.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}
