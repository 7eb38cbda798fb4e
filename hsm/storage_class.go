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
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

type (
	// FlushCallback is called once all files of a submission finished.
	FlushCallback func(info *StorageClassInfo, flushId int64, requests, failed int)

	pendingFile struct {
		id      pool_structs.PnfsId
		created time.Time
		size    int64
	}

	// StorageClassInfo collects the precious files of one storage class
	// waiting to be flushed.  A class is triggered once its oldest file is
	// older than the expiration or its pending count or size reaches the
	// limit, unless it is suspended.
	StorageClassInfo struct {
		mu           sync.Mutex
		hsm          string
		class        string
		defined      bool
		expiration   time.Duration
		maxPending   int
		maxTotalSize int64
		suspended    bool
		requests     map[pool_structs.PnfsId]pendingFile
		failed       map[pool_structs.PnfsId]pendingFile
		totalSize    int64

		activeCount   int
		errorCounter  int
		lastSubmitted time.Time
		flushId       int64
		// Results of the current submission.
		submitted int
		failures  int
		callback  FlushCallback

		now func() time.Time
	}

	// StorageClassSettings are the tunables of a storage class.
	StorageClassSettings struct {
		Expiration   time.Duration `json:"expiration" yaml:"expiration"`
		MaxPending   int           `json:"maxPending" yaml:"maxPending"`
		MaxTotalSize int64         `json:"maxTotalSize" yaml:"maxTotalSize"`
	}

	StorageClassStatus struct {
		Hsm           string    `json:"hsm" yaml:"hsm"`
		StorageClass  string    `json:"storageClass" yaml:"storageClass"`
		Defined       bool      `json:"defined" yaml:"defined"`
		Suspended     bool      `json:"suspended" yaml:"suspended"`
		Triggered     bool      `json:"triggered" yaml:"-"`
		Pending       int       `json:"pending" yaml:"-"`
		PendingBytes  int64     `json:"pendingBytes" yaml:"-"`
		Failed        int       `json:"failed" yaml:"-"`
		Active        int       `json:"active" yaml:"-"`
		Errors        int       `json:"errors" yaml:"-"`
		LastSubmitted time.Time `json:"lastSubmitted,omitempty" yaml:"-"`
		FlushId       int64     `json:"flushId" yaml:"-"`

		StorageClassSettings `yaml:",inline"`
	}

	// StorageClassContainer owns the storage classes of a pool and keeps
	// them in sync with the precious replicas of the repository.
	StorageClassContainer struct {
		mu       sync.Mutex
		classes  map[string]*StorageClassInfo
		index    map[pool_structs.PnfsId]*StorageClassInfo
		defaults StorageClassSettings
		filter   func(repository.CacheEntry) bool
		now      func() time.Time
	}
)

func newStorageClassInfo(hsm, class string, settings StorageClassSettings, now func() time.Time) *StorageClassInfo {
	return &StorageClassInfo{
		hsm:          hsm,
		class:        class,
		expiration:   settings.Expiration,
		maxPending:   settings.MaxPending,
		maxTotalSize: settings.MaxTotalSize,
		requests:     make(map[pool_structs.PnfsId]pendingFile),
		failed:       make(map[pool_structs.PnfsId]pendingFile),
		now:          now,
	}
}

func (info *StorageClassInfo) Hsm() string {
	return info.hsm
}

func (info *StorageClassInfo) StorageClass() string {
	return info.class
}

// Key is "<class>@<hsm>", the same key StorageInfo.StorageClassKey yields.
func (info *StorageClassInfo) Key() string {
	return info.class + "@" + info.hsm
}

// Add queues a file; a file in the failed set moves back to pending.
func (info *StorageClassInfo) Add(entry repository.CacheEntry) {
	info.mu.Lock()
	defer info.mu.Unlock()
	if _, ok := info.requests[entry.PnfsId]; ok {
		return
	}
	delete(info.failed, entry.PnfsId)
	created := entry.Created
	if created.IsZero() {
		created = info.now()
	}
	info.requests[entry.PnfsId] = pendingFile{id: entry.PnfsId, created: created, size: entry.Size}
	info.totalSize += entry.Size
}

// Remove drops a file from the pending and failed sets.
func (info *StorageClassInfo) Remove(id pool_structs.PnfsId) bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.removeLocked(id)
}

func (info *StorageClassInfo) removeLocked(id pool_structs.PnfsId) bool {
	if f, ok := info.requests[id]; ok {
		delete(info.requests, id)
		info.totalSize -= f.size
		return true
	}
	if _, ok := info.failed[id]; ok {
		delete(info.failed, id)
		return true
	}
	return false
}

func (info *StorageClassInfo) HasExpired() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.hasExpiredLocked()
}

func (info *StorageClassInfo) hasExpiredLocked() bool {
	if len(info.requests) == 0 {
		return false
	}
	oldest := info.now()
	for _, f := range info.requests {
		if f.created.Before(oldest) {
			oldest = f.created
		}
	}
	return !info.now().Before(oldest.Add(info.expiration))
}

func (info *StorageClassInfo) IsFull() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.isFullLocked()
}

func (info *StorageClassInfo) isFullLocked() bool {
	if len(info.requests) == 0 {
		return false
	}
	return (info.maxPending > 0 && len(info.requests) >= info.maxPending) ||
		(info.maxTotalSize > 0 && info.totalSize >= info.maxTotalSize)
}

func (info *StorageClassInfo) IsTriggered() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return (info.hasExpiredLocked() || info.isFullLocked()) && !info.suspended
}

// Suspend stops the flush controller from submitting the class; explicit
// flushes are still possible.
func (info *StorageClassInfo) Suspend(suspended bool) {
	info.mu.Lock()
	defer info.mu.Unlock()
	info.suspended = suspended
}

func (info *StorageClassInfo) IsSuspended() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.suspended
}

func (info *StorageClassInfo) IsDefined() bool {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.defined
}

// Activate moves a failed file back to the pending set.
func (info *StorageClassInfo) Activate(id pool_structs.PnfsId) error {
	info.mu.Lock()
	defer info.mu.Unlock()
	f, ok := info.failed[id]
	if !ok {
		return pool_errors.NotFound("%s is not in the failed set of %s", id, info.Key())
	}
	delete(info.failed, id)
	info.requests[id] = f
	info.totalSize += f.size
	return nil
}

// ActivateAll moves every failed file back to pending and clears the
// error counter.
func (info *StorageClassInfo) ActivateAll() int {
	info.mu.Lock()
	defer info.mu.Unlock()
	n := len(info.failed)
	for id, f := range info.failed {
		info.requests[id] = f
		info.totalSize += f.size
	}
	info.failed = make(map[pool_structs.PnfsId]pendingFile)
	info.errorCounter = 0
	return n
}

func (info *StorageClassInfo) ActiveCount() int {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.activeCount
}

func (info *StorageClassInfo) ErrorCount() int {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.errorCounter
}

func (info *StorageClassInfo) LastSubmitted() time.Time {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.lastSubmitted
}

// Requests returns the pending files, oldest first.
func (info *StorageClassInfo) Requests() []pool_structs.PnfsId {
	info.mu.Lock()
	defer info.mu.Unlock()
	return sortedIds(info.requests)
}

func (info *StorageClassInfo) Failed() []pool_structs.PnfsId {
	info.mu.Lock()
	defer info.mu.Unlock()
	return sortedIds(info.failed)
}

func sortedFiles(files map[pool_structs.PnfsId]pendingFile) []pendingFile {
	sorted := make([]pendingFile, 0, len(files))
	for _, f := range files {
		sorted = append(sorted, f)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].created.Equal(sorted[j].created) {
			return sorted[i].created.Before(sorted[j].created)
		}
		return sorted[i].id < sorted[j].id
	})
	return sorted
}

func sortedIds(files map[pool_structs.PnfsId]pendingFile) []pool_structs.PnfsId {
	sorted := sortedFiles(files)
	ids := make([]pool_structs.PnfsId, len(sorted))
	for i, f := range sorted {
		ids[i] = f.id
	}
	return ids
}

func (info *StorageClassInfo) Settings() StorageClassSettings {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.settingsLocked()
}

func (info *StorageClassInfo) settingsLocked() StorageClassSettings {
	return StorageClassSettings{
		Expiration:   info.expiration,
		MaxPending:   info.maxPending,
		MaxTotalSize: info.maxTotalSize,
	}
}

func (info *StorageClassInfo) Status() StorageClassStatus {
	info.mu.Lock()
	defer info.mu.Unlock()
	return StorageClassStatus{
		Hsm:                  info.hsm,
		StorageClass:         info.class,
		Defined:              info.defined,
		Suspended:            info.suspended,
		Triggered:            (info.hasExpiredLocked() || info.isFullLocked()) && !info.suspended,
		Pending:              len(info.requests),
		PendingBytes:         info.totalSize,
		Failed:               len(info.failed),
		Active:               info.activeCount,
		Errors:               info.errorCounter,
		LastSubmitted:        info.lastSubmitted,
		FlushId:              info.flushId,
		StorageClassSettings: info.settingsLocked(),
	}
}

// Submit stores up to maxCount pending files, oldest first; 0 means all
// of them.  cb, if set, is called from a separate goroutine once every
// submitted file finished.  It returns the flush id of the submission.
func (info *StorageClassInfo) Submit(storer Storer, maxCount int, flushId int64, cb FlushCallback) int {
	info.mu.Lock()
	files := sortedFiles(info.requests)
	if maxCount > 0 && len(files) > maxCount {
		files = files[:maxCount]
	}
	ids := make([]pool_structs.PnfsId, len(files))
	for i, f := range files {
		ids[i] = f.id
	}
	info.mu.Unlock()
	return info.SubmitIds(storer, ids, flushId, cb)
}

// SubmitIds stores the given files of the class and returns the number of
// files submitted.
func (info *StorageClassInfo) SubmitIds(storer Storer, ids []pool_structs.PnfsId, flushId int64, cb FlushCallback) int {
	info.mu.Lock()
	if info.activeCount == 0 {
		info.submitted = 0
		info.failures = 0
	}
	info.flushId = flushId
	if prev := info.callback; prev != nil && cb != nil {
		info.callback = func(i *StorageClassInfo, id int64, requests, failed int) {
			prev(i, id, requests, failed)
			cb(i, id, requests, failed)
		}
	} else if cb != nil {
		info.callback = cb
	}
	info.lastSubmitted = info.now()
	info.activeCount += len(ids)
	info.submitted += len(ids)
	info.mu.Unlock()

	if len(ids) == 0 {
		info.mu.Lock()
		info.fireIfIdleLocked()
		info.mu.Unlock()
		return 0
	}

	for _, id := range ids {
		id := id
		outcome, err := storer.Store(id, func(_ pool_structs.PnfsId, err error) {
			info.storeFinished(id, err)
		})
		switch {
		case err != nil:
			info.storeFinished(id, err)
		case outcome == AlreadyDone:
			info.storeFinished(id, nil)
		}
	}
	return len(ids)
}

func (info *StorageClassInfo) storeFinished(id pool_structs.PnfsId, err error) {
	info.mu.Lock()
	defer info.mu.Unlock()
	info.activeCount--

	rc := pool_errors.CodeOf(err)
	switch pool_errors.FlushPolicy(rc) {
	case pool_errors.FlushDone:
		info.removeLocked(id)
	case pool_errors.FlushMarkFailed:
		if f, ok := info.requests[id]; ok {
			delete(info.requests, id)
			info.totalSize -= f.size
			info.failed[id] = f
		}
		info.failures++
		log.Warnf("Flush of %s in %s failed permanently (rc=%d): %v", id, info.Key(), rc, err)
	default:
		if pool_errors.IsKind(err, pool_errors.KindNotFound) {
			// Deleted while queued; nothing left to flush.
			info.removeLocked(id)
		} else {
			info.errorCounter++
		}
		info.failures++
		log.Warnf("Flush of %s in %s failed (rc=%d): %v", id, info.Key(), rc, err)
	}
	info.fireIfIdleLocked()
}

func (info *StorageClassInfo) fireIfIdleLocked() {
	if info.activeCount > 0 || info.callback == nil {
		return
	}
	cb, flushId, requests, failed := info.callback, info.flushId, info.submitted, info.failures
	info.callback = nil
	go cb(info, flushId, requests, failed)
}

func NewStorageClassContainer(defaults StorageClassSettings) *StorageClassContainer {
	return &StorageClassContainer{
		classes:  make(map[string]*StorageClassInfo),
		index:    make(map[pool_structs.PnfsId]*StorageClassInfo),
		defaults: defaults,
		now:      time.Now,
	}
}

// SetClock overrides the time source; used by tests.
func (c *StorageClassContainer) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	for _, info := range c.classes {
		info.mu.Lock()
		info.now = now
		info.mu.Unlock()
	}
}

// SetFilter installs a predicate deciding which precious replicas are
// queued for flushing.
func (c *StorageClassContainer) SetFilter(filter func(repository.CacheEntry) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = filter
}

func (c *StorageClassContainer) Defaults() StorageClassSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaults
}

// Define creates or updates an administratively defined class.  Defined
// classes survive becoming empty.
func (c *StorageClassContainer) Define(hsm, class string, settings StorageClassSettings) *StorageClassInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := class + "@" + hsm
	info, ok := c.classes[key]
	if !ok {
		info = newStorageClassInfo(hsm, class, settings, c.now)
		c.classes[key] = info
	}
	info.mu.Lock()
	info.defined = true
	info.expiration = settings.Expiration
	info.maxPending = settings.MaxPending
	info.maxTotalSize = settings.MaxTotalSize
	info.mu.Unlock()
	return info
}

// Undefine turns a defined class back into an implicit one, dropping it
// if it holds no files.
func (c *StorageClassContainer) Undefine(hsm, class string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := class + "@" + hsm
	info, ok := c.classes[key]
	if !ok {
		return pool_errors.NotFound("storage class %s is not known", key)
	}
	info.mu.Lock()
	info.defined = false
	info.mu.Unlock()
	c.dropIfUnusedLocked(info)
	return nil
}

func (c *StorageClassContainer) Get(hsm, class string) *StorageClassInfo {
	return c.GetByKey(class + "@" + hsm)
}

func (c *StorageClassContainer) GetByKey(key string) *StorageClassInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classes[key]
}

// Lookup returns the class a file is queued in.
func (c *StorageClassContainer) Lookup(id pool_structs.PnfsId) *StorageClassInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index[id]
}

// Classes returns every class sorted by key.
func (c *StorageClassContainer) Classes() []*StorageClassInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	classes := make([]*StorageClassInfo, 0, len(c.classes))
	for _, info := range c.classes {
		classes = append(classes, info)
	}
	sort.Slice(classes, func(i, j int) bool {
		return classes[i].Key() < classes[j].Key()
	})
	return classes
}

// AddCacheEntry queues a precious replica in the class of its storage
// info, creating the class with the default settings if needed.
func (c *StorageClassContainer) AddCacheEntry(entry repository.CacheEntry) error {
	si := entry.Attributes.StorageInfo
	if si.HsmName == "" || si.StorageClass == "" {
		return pool_errors.IllegalArgument("replica %s has no storage class", entry.PnfsId)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filter != nil && !c.filter(entry) {
		return nil
	}
	key := si.StorageClassKey()
	info, ok := c.classes[key]
	if !ok {
		info = newStorageClassInfo(si.HsmName, si.StorageClass, c.defaults, c.now)
		c.classes[key] = info
	}
	if previous, ok := c.index[entry.PnfsId]; ok && previous != info {
		previous.Remove(entry.PnfsId)
		c.dropIfUnusedLocked(previous)
	}
	info.Add(entry)
	c.index[entry.PnfsId] = info
	return nil
}

func (c *StorageClassContainer) RemoveCacheEntry(id pool_structs.PnfsId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.index[id]
	if !ok {
		return false
	}
	delete(c.index, id)
	removed := info.Remove(id)
	c.dropIfUnusedLocked(info)
	return removed
}

func (c *StorageClassContainer) dropIfUnusedLocked(info *StorageClassInfo) {
	info.mu.Lock()
	unused := !info.defined && len(info.requests) == 0 && len(info.failed) == 0 && info.activeCount == 0
	info.mu.Unlock()
	if unused {
		delete(c.classes, info.Key())
	}
}

// Activate moves a failed file back to pending.
func (c *StorageClassContainer) Activate(id pool_structs.PnfsId) error {
	info := c.Lookup(id)
	if info == nil {
		return pool_errors.NotFound("%s is not queued for flushing", id)
	}
	return info.Activate(id)
}

// StateChanged keeps the pending sets in line with the precious replicas.
func (c *StorageClassContainer) StateChanged(event repository.StateChangeEvent) {
	switch {
	case event.NewState == pool_structs.StatePrecious:
		if err := c.AddCacheEntry(event.Entry); err != nil {
			log.Warnf("Cannot queue %s for flushing: %v", event.PnfsId, err)
		}
	case event.OldState == pool_structs.StatePrecious:
		c.RemoveCacheEntry(event.PnfsId)
	}
}

// UpdateMetrics publishes the flush queue gauges.
func (c *StorageClassContainer) UpdateMetrics() {
	var defined, active, triggered int
	for _, info := range c.Classes() {
		status := info.Status()
		if status.Defined {
			defined++
		}
		if status.Active > 0 {
			active++
		}
		if status.Triggered {
			triggered++
		}
		metrics.PoolFlushPending.WithLabelValues(info.Key(), "pending").Set(float64(status.Pending))
		metrics.PoolFlushPending.WithLabelValues(info.Key(), "failed").Set(float64(status.Failed))
	}
	metrics.PoolFlushClasses.WithLabelValues("defined").Set(float64(defined))
	metrics.PoolFlushClasses.WithLabelValues("active").Set(float64(active))
	metrics.PoolFlushClasses.WithLabelValues("triggered").Set(float64(triggered))
}
