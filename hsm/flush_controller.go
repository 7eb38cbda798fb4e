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

package hsm

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	// FlushController periodically submits triggered storage classes to
	// the storage handler.
	FlushController struct {
		container *StorageClassContainer
		storer    Storer
		trigger   chan struct{}
		flushIds  atomic.Int64

		mu         sync.Mutex
		interval   time.Duration
		maxActive  int
		retryDelay time.Duration
		holdUntil  time.Time
		now        func() time.Time
	}

	FlushControllerInfo struct {
		Interval      time.Duration `json:"interval" yaml:"interval"`
		MaxActive     int           `json:"maxActive" yaml:"maxActive"`
		RetryDelay    time.Duration `json:"retryDelay" yaml:"retryDelay"`
		HoldUntil     time.Time     `json:"holdUntil,omitempty" yaml:"-"`
		ActiveClasses int           `json:"activeClasses" yaml:"-"`
	}
)

const defaultFlushInterval = time.Minute

func NewFlushController(container *StorageClassContainer, storer Storer) *FlushController {
	return &FlushController{
		container:  container,
		storer:     storer,
		trigger:    make(chan struct{}, 1),
		interval:   defaultFlushInterval,
		maxActive:  1000,
		retryDelay: time.Minute,
		now:        time.Now,
	}
}

// SetClock overrides the time source; used by tests.
func (fc *FlushController) SetClock(now func() time.Time) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = now
}

func (fc *FlushController) Container() *StorageClassContainer {
	return fc.container
}

// Trigger wakes the scanner for an immediate pass.
func (fc *FlushController) Trigger() {
	select {
	case fc.trigger <- struct{}{}:
	default:
	}
}

func (fc *FlushController) SetInterval(d time.Duration) {
	if d <= 0 {
		d = defaultFlushInterval
	}
	fc.mu.Lock()
	fc.interval = d
	fc.mu.Unlock()
	fc.Trigger()
}

// SetMaxActive bounds the number of storage classes flushing at once.
func (fc *FlushController) SetMaxActive(n int) {
	fc.mu.Lock()
	fc.maxActive = n
	fc.mu.Unlock()
	fc.Trigger()
}

func (fc *FlushController) SetRetryDelay(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.retryDelay = d
}

// SetHoldUntil suspends automatic flushing until t.  The scanner wakes up
// exactly at t.
func (fc *FlushController) SetHoldUntil(t time.Time) {
	fc.mu.Lock()
	fc.holdUntil = t
	fc.mu.Unlock()
	fc.Trigger()
}

func (fc *FlushController) Info() FlushControllerInfo {
	active := 0
	for _, info := range fc.container.Classes() {
		if info.ActiveCount() > 0 {
			active++
		}
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return FlushControllerInfo{
		Interval:      fc.interval,
		MaxActive:     fc.maxActive,
		RetryDelay:    fc.retryDelay,
		HoldUntil:     fc.holdUntil,
		ActiveClasses: active,
	}
}

// Run scans the storage classes until ctx is done.
func (fc *FlushController) Run(ctx context.Context) error {
	log.Info("Starting flush controller")
	for {
		next := fc.Scan()
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-fc.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Scan submits every triggered storage class that may be flushed now and
// returns the time until the next scan is due.
func (fc *FlushController) Scan() time.Duration {
	fc.mu.Lock()
	now := fc.now()
	holdUntil, interval, maxActive, retryDelay := fc.holdUntil, fc.interval, fc.maxActive, fc.retryDelay
	fc.mu.Unlock()

	if now.Before(holdUntil) {
		log.Debugf("Flushing is on hold until %s", holdUntil.Format(time.RFC3339))
		return holdUntil.Sub(now)
	}

	classes := fc.container.Classes()
	active := 0
	for _, info := range classes {
		if info.ActiveCount() > 0 {
			active++
		}
	}
	for _, info := range classes {
		if active >= maxActive {
			break
		}
		if info.ActiveCount() > 0 || !info.IsTriggered() {
			continue
		}
		if last := info.LastSubmitted(); !last.IsZero() && now.Sub(last) < retryDelay {
			continue
		}
		flushId := fc.flushIds.Inc()
		if n := info.Submit(fc.storer, 0, flushId, fc.flushFinished); n > 0 {
			log.Infof("Flushing %d files of %s (flush %d)", n, info.Key(), flushId)
			active++
		}
	}
	fc.container.UpdateMetrics()
	return interval
}

func (fc *FlushController) flushFinished(info *StorageClassInfo, flushId int64, requests, failed int) {
	if failed > 0 {
		log.Warnf("Flush %d of %s finished: %d of %d files failed", flushId, info.Key(), failed, requests)
	} else {
		log.Infof("Flush %d of %s finished: %d files stored", flushId, info.Key(), requests)
	}
	fc.container.UpdateMetrics()
}

// FlushStorageClass submits up to maxCount files of a class regardless of
// its trigger state; 0 means all of them.  cb may be nil.
func (fc *FlushController) FlushStorageClass(hsm, class string, maxCount int, cb FlushCallback) (int64, error) {
	info := fc.container.Get(hsm, class)
	if info == nil {
		return 0, pool_errors.NotFound("storage class %s@%s is not known", class, hsm)
	}
	flushId := fc.flushIds.Inc()
	done := func(i *StorageClassInfo, id int64, requests, failed int) {
		fc.flushFinished(i, id, requests, failed)
		if cb != nil {
			cb(i, id, requests, failed)
		}
	}
	n := info.Submit(fc.storer, maxCount, flushId, done)
	log.Infof("Flushing %d files of %s on request (flush %d)", n, info.Key(), flushId)
	return flushId, nil
}

// FlushPnfsId stores a single queued file.
func (fc *FlushController) FlushPnfsId(id pool_structs.PnfsId) (int64, error) {
	info := fc.container.Lookup(id)
	if info == nil {
		return 0, pool_errors.NotFound("%s is not queued for flushing", id)
	}
	flushId := fc.flushIds.Inc()
	info.SubmitIds(fc.storer, []pool_structs.PnfsId{id}, flushId, fc.flushFinished)
	return flushId, nil
}
