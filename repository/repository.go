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

// Package repository owns the replicas held by a pool and drives their
// lifecycle.  Every state change updates the bookkeeping synchronously
// and is then delivered to the registered listeners from a single
// dispatcher goroutine, so events of one replica arrive in order.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/lestrrat-go/option"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/account"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	OpenFlag int

	RepositoryOption = option.Interface

	identRemovedTTL struct{}
	identClock      struct{}

	Repository struct {
		mu      sync.Mutex
		entries map[pool_structs.PnfsId]*entry
		account *account.Account
		meta    MetaStore
		data    DataStore
		// Ids removed recently; distinguishes NotInTrash from FileNotInCache.
		removed *ttlcache.Cache[pool_structs.PnfsId, time.Time]
		events  *dispatcher
		now     func() time.Time

		listenerMu      sync.RWMutex
		stateListeners  []StateChangeListener
		stickyListeners []StickyChangeListener
		accessListeners []AccessTimeListener
	}

	entry struct {
		id         pool_structs.PnfsId
		state      pool_structs.EntryState
		size       int64
		created    time.Time
		lastAccess time.Time
		attrs      pool_structs.FileAttributes
		stickies   []pool_structs.StickyRecord
		links      int
		// Counted in the removable space of the account.
		removable bool
	}
)

const (
	// OpenNoAtime leaves the access time untouched, so the sweeper order
	// is not disturbed by internal readers such as the checksum scanner.
	OpenNoAtime OpenFlag = 1 << iota
)

// WithRemovedTTL sets how long removed ids are remembered.
func WithRemovedTTL(ttl time.Duration) RepositoryOption {
	return option.New(identRemovedTTL{}, ttl)
}

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) RepositoryOption {
	return option.New(identClock{}, now)
}

func New(acct *account.Account, meta MetaStore, data DataStore, opts ...RepositoryOption) *Repository {
	removedTTL := 24 * time.Hour
	now := time.Now
	for _, opt := range opts {
		switch opt.Ident() {
		case identRemovedTTL{}:
			removedTTL = opt.Value().(time.Duration)
		case identClock{}:
			now = opt.Value().(func() time.Time)
		}
	}

	removed := ttlcache.New[pool_structs.PnfsId, time.Time](
		ttlcache.WithTTL[pool_structs.PnfsId, time.Time](removedTTL),
		ttlcache.WithDisableTouchOnHit[pool_structs.PnfsId, time.Time](),
	)
	go removed.Start()

	return &Repository{
		entries: make(map[pool_structs.PnfsId]*entry),
		account: acct,
		meta:    meta,
		data:    data,
		removed: removed,
		events:  newDispatcher(),
		now:     now,
	}
}

// AddListener registers l for every listener interface it implements.
func (r *Repository) AddListener(l interface{}) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	if sl, ok := l.(StateChangeListener); ok {
		r.stateListeners = append(r.stateListeners, sl)
	}
	if sl, ok := l.(StickyChangeListener); ok {
		r.stickyListeners = append(r.stickyListeners, sl)
	}
	if al, ok := l.(AccessTimeListener); ok {
		r.accessListeners = append(r.accessListeners, al)
	}
}

func (r *Repository) Account() *account.Account {
	return r.account
}

func (r *Repository) DataStore() DataStore {
	return r.data
}

// Load rebuilds the repository from the meta store.  Replicas caught
// mid-write become BROKEN, removed ones are destroyed and data files
// without metadata are deleted.  Every surviving replica is announced with
// a scanned state change event.
func (r *Repository) Load(ctx context.Context) error {
	records, err := r.meta.List()
	if err != nil {
		return pool_errors.IOFailure(err, "failed to load replica metadata")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		if ctx.Err() != nil {
			return pool_errors.Interrupted(ctx.Err(), "repository load interrupted")
		}
		id := rec.PnfsId
		if rec.State == pool_structs.StateNew || rec.State.IsGone() || !r.data.Exists(id) {
			if !rec.State.IsGone() && rec.State != pool_structs.StateNew {
				log.Warnf("Replica %s has metadata but no data file; dropping it", id)
			}
			if err := r.data.Remove(id); err != nil {
				log.Warnln("Failed to remove data file:", err)
			}
			if err := r.meta.Delete(id); err != nil {
				log.Warnf("Failed to delete metadata of %s: %v", id, err)
			}
			continue
		}

		size, err := r.data.Size(id)
		if err != nil {
			return pool_errors.IOFailure(err, "failed to read size of %s", id)
		}

		state := rec.State
		switch {
		case state.IsTransient():
			log.Warnf("Replica %s was incomplete (%s) at start-up; marking it broken", id, state)
			state = pool_structs.StateBroken
		case state.IsStable() && size != rec.Size:
			log.Warnf("Replica %s has size %d on disk but %d in metadata; marking it broken", id, size, rec.Size)
			state = pool_structs.StateBroken
		}

		e := &entry{
			id:         id,
			state:      pool_structs.StateNew,
			size:       size,
			created:    time.UnixMilli(rec.Created),
			lastAccess: time.UnixMilli(rec.LastAccess),
			attrs:      rec.Attributes,
			stickies:   rec.Stickies,
		}
		r.entries[id] = e
		r.account.Reserve(size)
		r.transitionLocked(e, state, true)
		if state != rec.State {
			r.persistLocked(e)
		}
	}

	ids, err := r.data.List()
	if err != nil {
		return pool_errors.IOFailure(err, "failed to list data files")
	}
	for _, id := range ids {
		if _, ok := r.entries[id]; !ok {
			log.Warnf("Data file %s has no metadata; removing it", id)
			if err := r.data.Remove(id); err != nil {
				log.Warnln("Failed to remove orphaned data file:", err)
			}
		}
	}
	log.Infof("Repository loaded with %d replicas", len(r.entries))
	return nil
}

// CreateEntry creates a replica in state from which becomes target once
// the returned handle is committed.
func (r *Repository) CreateEntry(id pool_structs.PnfsId, attrs pool_structs.FileAttributes,
	from, target pool_structs.EntryState, stickies []pool_structs.StickyRecord) (*WriteHandle, error) {
	if !from.IsTransient() {
		return nil, pool_errors.IllegalArgument("invalid initial state %s for %s", from, id)
	}
	if !target.IsStable() {
		return nil, pool_errors.IllegalArgument("invalid target state %s for %s", target, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return nil, pool_errors.AlreadyExists(id)
	}
	file, err := r.data.Create(id)
	if err != nil {
		return nil, pool_errors.IOFailure(err, "failed to create replica %s", id)
	}

	now := r.now()
	e := &entry{
		id:         id,
		state:      pool_structs.StateNew,
		created:    now,
		lastAccess: now,
		attrs:      attrs.Clone(),
		links:      1,
	}
	e.attrs.PnfsId = id
	r.entries[id] = e
	r.removed.Delete(id)
	r.transitionLocked(e, from, false)
	r.persistLocked(e)

	return &WriteHandle{
		repo:     r,
		id:       id,
		target:   target,
		stickies: append([]pool_structs.StickyRecord(nil), stickies...),
		file:     file,
	}, nil
}

// OpenEntry opens a complete replica for reading.
func (r *Repository) OpenEntry(id pool_structs.PnfsId, flags OpenFlag) (*ReadHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, r.notFoundLocked(id)
	}
	switch {
	case e.state.IsTransient():
		return nil, pool_errors.Locked(id)
	case e.state == pool_structs.StateBroken:
		return nil, pool_errors.FileCorrupted(id)
	case !e.state.IsStable():
		return nil, r.notFoundLocked(id)
	}

	file, err := r.data.Open(id)
	if err != nil {
		return nil, pool_errors.IOFailure(err, "failed to open replica %s", id)
	}
	e.links++
	if flags&OpenNoAtime == 0 {
		r.touchLocked(e)
	}
	return &ReadHandle{
		repo:  r,
		id:    id,
		file:  file,
		entry: r.snapshotLocked(e),
	}, nil
}

// SetState performs an administrative state change; moving into and out of
// the transient states is reserved to write handles.
func (r *Repository) SetState(id pool_structs.PnfsId, state pool_structs.EntryState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return r.notFoundLocked(id)
	}
	noop, allowed := checkTransition(e.state, state)
	if !allowed {
		return pool_errors.IllegalTransition(id, e.state, state)
	}
	if noop || e.state == state {
		return nil
	}
	r.transitionLocked(e, state, false)
	if state == pool_structs.StateRemoved && e.links == 0 {
		r.destroyLocked(e)
		return nil
	}
	r.persistLocked(e)
	return nil
}

func (r *Repository) RemoveEntry(id pool_structs.PnfsId) error {
	return r.SetState(id, pool_structs.StateRemoved)
}

// RemoveIf atomically removes the replica if pred holds for its current
// snapshot, returning the size of the removed replica.
func (r *Repository) RemoveIf(id pool_structs.PnfsId, pred func(CacheEntry) bool) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return 0, false, r.notFoundLocked(id)
	}
	if _, allowed := checkTransition(e.state, pool_structs.StateRemoved); !allowed || e.state.IsGone() {
		return 0, false, nil
	}
	if !pred(r.snapshotLocked(e)) {
		return 0, false, nil
	}
	size := e.size
	r.transitionLocked(e, pool_structs.StateRemoved, false)
	if e.links == 0 {
		r.destroyLocked(e)
	} else {
		r.persistLocked(e)
	}
	return size, true, nil
}

// SetSticky adds, extends or clears the sticky record of owner.  A
// negative lifetime pins forever and zero clears the record.  Without
// overwrite an existing record is only ever extended.
func (r *Repository) SetSticky(id pool_structs.PnfsId, owner string, lifetime time.Duration, overwrite bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state.IsGone() {
		return r.notFoundLocked(id)
	}

	now := r.now()
	changed := false
	if lifetime == 0 {
		kept := e.stickies[:0]
		for _, record := range e.stickies {
			if record.Owner == owner {
				changed = true
				continue
			}
			kept = append(kept, record)
		}
		e.stickies = kept
	} else {
		record := pool_structs.NewStickyRecord(owner, lifetime, now)
		found := false
		for idx, existing := range e.stickies {
			if existing.Owner != owner {
				continue
			}
			found = true
			if !overwrite && (existing.IsNonExpiring() ||
				(!record.IsNonExpiring() && existing.ExpiresAt >= record.ExpiresAt)) {
				break
			}
			if existing != record {
				e.stickies[idx] = record
				changed = true
			}
			break
		}
		if !found {
			e.stickies = append(e.stickies, record)
			changed = true
		}
	}

	if changed {
		r.persistLocked(e)
		r.postStickyLocked(e)
	}
	return nil
}

// ExpireStickies drops sticky records that are no longer valid at now.
func (r *Repository) ExpireStickies(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := 0
	for _, e := range r.entries {
		if len(e.stickies) == 0 {
			continue
		}
		kept := e.stickies[:0]
		for _, record := range e.stickies {
			if record.IsValid(now) {
				kept = append(kept, record)
			}
		}
		if len(kept) != len(e.stickies) {
			expired += len(e.stickies) - len(kept)
			e.stickies = kept
			r.persistLocked(e)
			r.postStickyLocked(e)
		}
	}
	return expired
}

// RunStickyExpiry expires sticky records every interval until ctx is done.
func (r *Repository) RunStickyExpiry(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.ExpireStickies(r.now()); n > 0 {
				log.Debugf("Expired %d sticky records", n)
			}
		}
	}
}

// Touch updates the access time of a replica.
func (r *Repository) Touch(id pool_structs.PnfsId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state.IsGone() {
		return r.notFoundLocked(id)
	}
	r.touchLocked(e)
	return nil
}

// UpdateAttributes applies fn to the stored file attributes of a replica.
func (r *Repository) UpdateAttributes(id pool_structs.PnfsId, fn func(*pool_structs.FileAttributes)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state.IsGone() {
		return r.notFoundLocked(id)
	}
	fn(&e.attrs)
	r.persistLocked(e)
	return nil
}

func (r *Repository) GetEntry(id pool_structs.PnfsId) (CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return CacheEntry{}, r.notFoundLocked(id)
	}
	return r.snapshotLocked(e), nil
}

// GetState returns NEW for unknown replicas.
func (r *Repository) GetState(id pool_structs.PnfsId) pool_structs.EntryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.state
	}
	return pool_structs.StateNew
}

func (r *Repository) List() []pool_structs.PnfsId {
	r.mu.Lock()
	ids := make([]pool_structs.PnfsId, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CountByState returns the number of replicas in each state.
func (r *Repository) CountByState() map[pool_structs.EntryState]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[pool_structs.EntryState]int)
	for _, e := range r.entries {
		counts[e.state]++
	}
	return counts
}

// WasRemoved reports whether id was removed recently.
func (r *Repository) WasRemoved(id pool_structs.PnfsId) bool {
	return r.removed.Get(id) != nil
}

// Drain waits until all events posted so far have been delivered.  It must
// not be called from a listener.
func (r *Repository) Drain() {
	r.events.drain()
}

// Close delivers pending events and releases the meta store.
func (r *Repository) Close() error {
	r.events.close()
	r.removed.Stop()
	return r.meta.Close()
}

// checkTransition returns whether an administrative transition is allowed
// and whether it is a no-op.
func checkTransition(from, to pool_structs.EntryState) (noop bool, allowed bool) {
	switch from {
	case pool_structs.StateNew, pool_structs.StateRemoved, pool_structs.StateDestroyed:
		if to == pool_structs.StateRemoved {
			return true, true
		}
	case pool_structs.StatePrecious, pool_structs.StateCached, pool_structs.StateBroken:
		switch to {
		case pool_structs.StatePrecious, pool_structs.StateCached, pool_structs.StateBroken, pool_structs.StateRemoved:
			return false, true
		}
	}
	return false, false
}

func (r *Repository) notFoundLocked(id pool_structs.PnfsId) error {
	if r.removed.Get(id) != nil {
		return pool_errors.NotInTrash(id)
	}
	return pool_errors.FileNotInCache(id)
}

func (r *Repository) snapshotLocked(e *entry) CacheEntry {
	return CacheEntry{
		PnfsId:     e.id,
		State:      e.state,
		Size:       e.size,
		Created:    e.created,
		LastAccess: e.lastAccess,
		Attributes: e.attrs.Clone(),
		Stickies:   append([]pool_structs.StickyRecord(nil), e.stickies...),
		LinkCount:  e.links,
	}
}

func (r *Repository) persistLocked(e *entry) {
	err := r.meta.Put(&MetaRecord{
		PnfsId:     e.id,
		State:      e.state,
		Size:       e.size,
		Created:    e.created.UnixMilli(),
		LastAccess: e.lastAccess.UnixMilli(),
		Attributes: e.attrs,
		Stickies:   e.stickies,
	})
	if err != nil {
		log.Errorf("Failed to persist metadata of %s: %v", e.id, err)
	}
}

// transitionLocked moves e to state, keeps the precious and removable
// space counters in step and queues the state change event.
func (r *Repository) transitionLocked(e *entry, state pool_structs.EntryState, scanned bool) {
	old := e.state
	var precious int64
	if old == pool_structs.StatePrecious && state != pool_structs.StatePrecious {
		precious = -e.size
	}
	if state == pool_structs.StatePrecious && old != pool_structs.StatePrecious {
		precious = e.size
	}
	e.state = state
	r.reclassifyLocked(e, precious)

	event := StateChangeEvent{
		PnfsId:   e.id,
		OldState: old,
		NewState: state,
		Entry:    r.snapshotLocked(e),
		Scanned:  scanned,
	}
	r.events.post(func() {
		r.listenerMu.RLock()
		listeners := r.stateListeners
		r.listenerMu.RUnlock()
		for _, l := range listeners {
			l.StateChanged(event)
		}
	})
}

// reclassifyLocked applies the precious delta and recomputes whether e
// counts as removable: CACHED and not pinned by a valid sticky record.
// Both counters change under the repository lock before any listener
// hears of the change.
func (r *Repository) reclassifyLocked(e *entry, precious int64) {
	removable := e.state == pool_structs.StateCached && !(CacheEntry{Stickies: e.stickies}).IsSticky(r.now())
	var delta int64
	if removable != e.removable {
		delta = e.size
		if !removable {
			delta = -e.size
		}
		e.removable = removable
	}
	if precious != 0 || delta != 0 {
		r.account.AdjustClasses(precious, delta)
	}
}

func (r *Repository) postStickyLocked(e *entry) {
	r.reclassifyLocked(e, 0)
	event := StickyChangeEvent{PnfsId: e.id, Entry: r.snapshotLocked(e)}
	r.events.post(func() {
		r.listenerMu.RLock()
		listeners := r.stickyListeners
		r.listenerMu.RUnlock()
		for _, l := range listeners {
			l.StickyChanged(event)
		}
	})
}

func (r *Repository) touchLocked(e *entry) {
	e.lastAccess = r.now()
	r.persistLocked(e)
	event := EntryChangeEvent{PnfsId: e.id, Entry: r.snapshotLocked(e)}
	r.events.post(func() {
		r.listenerMu.RLock()
		listeners := r.accessListeners
		r.listenerMu.RUnlock()
		for _, l := range listeners {
			l.AccessTimeChanged(event)
		}
	})
}

// destroyLocked finishes the removal of an unreferenced REMOVED replica.
func (r *Repository) destroyLocked(e *entry) {
	r.transitionLocked(e, pool_structs.StateDestroyed, false)
	delete(r.entries, e.id)
	if err := r.data.Remove(e.id); err != nil {
		log.Errorf("Failed to delete data of %s: %v", e.id, err)
	}
	if err := r.meta.Delete(e.id); err != nil {
		log.Errorf("Failed to delete metadata of %s: %v", e.id, err)
	}
	r.account.Free(e.size)
	r.removed.Set(e.id, r.now(), ttlcache.DefaultTTL)
}

// release drops one link; the last link of a removed replica destroys it.
func (r *Repository) release(id pool_structs.PnfsId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.links--
	if e.links <= 0 {
		e.links = 0
		if e.state == pool_structs.StateRemoved {
			r.destroyLocked(e)
		}
	}
}
