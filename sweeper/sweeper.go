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

// Package sweeper evicts cached replicas in least-recently-used order when
// an allocation cannot be satisfied from free space.
package sweeper

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lestrrat-go/option"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/account"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

type (
	Option = option.Interface

	identBackoff struct{}
	identClock   struct{}

	// RemovableEntry is a replica the sweeper may delete.
	RemovableEntry struct {
		PnfsId     pool_structs.PnfsId `json:"pnfsid"`
		Size       int64               `json:"size"`
		LastAccess time.Time           `json:"lastAccess"`
	}

	Sweeper struct {
		mu      sync.Mutex
		repo    *repository.Repository
		acct    *account.Account
		lru     *list.List // of *RemovableEntry, oldest first
		index   map[pool_structs.PnfsId]*list.Element
		backoff time.Duration
		now     func() time.Time
	}
)

// WithBackoff sets how long the demand loop waits after a pass that freed
// nothing.
func WithBackoff(d time.Duration) Option {
	return option.New(identBackoff{}, d)
}

func WithClock(now func() time.Time) Option {
	return option.New(identClock{}, now)
}

// New creates a sweeper and registers it with the repository.  It must be
// created before the repository is loaded so it sees the scanned replicas.
func New(repo *repository.Repository, acct *account.Account, opts ...Option) *Sweeper {
	s := &Sweeper{
		repo:    repo,
		acct:    acct,
		lru:     list.New(),
		index:   make(map[pool_structs.PnfsId]*list.Element),
		backoff: 10 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		switch opt.Ident() {
		case identBackoff{}:
			s.backoff = opt.Value().(time.Duration)
		case identClock{}:
			s.now = opt.Value().(func() time.Time)
		}
	}
	repo.AddListener(s)
	return s
}

func (s *Sweeper) isRemovable(e repository.CacheEntry) bool {
	return e.State == pool_structs.StateCached && !e.IsSticky(s.now())
}

func (s *Sweeper) StateChanged(event repository.StateChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRemovable(event.Entry) {
		s.addLocked(event.Entry, event.Scanned)
	} else {
		s.removeLocked(event.PnfsId)
	}
}

func (s *Sweeper) StickyChanged(event repository.StickyChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRemovable(event.Entry) {
		s.addLocked(event.Entry, false)
	} else {
		s.removeLocked(event.PnfsId)
	}
}

func (s *Sweeper) AccessTimeChanged(event repository.EntryChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.index[event.PnfsId]
	if !ok {
		return
	}
	elem.Value.(*RemovableEntry).LastAccess = event.Entry.LastAccess
	s.lru.MoveToBack(elem)
	s.updateLRULocked()
}

// addLocked appends e unless it is already present.  Replicas found while
// loading are placed by access time since they arrive in no useful order.
func (s *Sweeper) addLocked(e repository.CacheEntry, ordered bool) {
	if _, ok := s.index[e.PnfsId]; ok {
		return
	}
	re := &RemovableEntry{PnfsId: e.PnfsId, Size: e.Size, LastAccess: e.LastAccess}
	var elem *list.Element
	if ordered {
		mark := s.lru.Back()
		for mark != nil && mark.Value.(*RemovableEntry).LastAccess.After(e.LastAccess) {
			mark = mark.Prev()
		}
		if mark == nil {
			elem = s.lru.PushFront(re)
		} else {
			elem = s.lru.InsertAfter(re, mark)
		}
	} else {
		elem = s.lru.PushBack(re)
	}
	s.index[e.PnfsId] = elem
	s.updateLRULocked()
}

func (s *Sweeper) removeLocked(id pool_structs.PnfsId) {
	elem, ok := s.index[id]
	if !ok {
		return
	}
	delete(s.index, id)
	s.lru.Remove(elem)
	s.updateLRULocked()
}

func (s *Sweeper) updateLRULocked() {
	if front := s.lru.Front(); front != nil {
		s.acct.SetLRU(front.Value.(*RemovableEntry).LastAccess)
	} else {
		s.acct.SetLRU(time.Time{})
	}
	metrics.PoolLRUSeconds.Set(s.lruAgeLocked().Seconds())
}

func (s *Sweeper) lruAgeLocked() time.Duration {
	front := s.lru.Front()
	if front == nil {
		return 0
	}
	return s.now().Sub(front.Value.(*RemovableEntry).LastAccess)
}

// Removable lists the removable replicas, oldest first.
func (s *Sweeper) Removable() []RemovableEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RemovableEntry, 0, s.lru.Len())
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		result = append(result, *elem.Value.(*RemovableEntry))
	}
	return result
}

// LRUAge is the time since the oldest removable replica was last accessed.
func (s *Sweeper) LRUAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lruAgeLocked()
}

// Reclaim removes replicas, oldest first, until at least bytes have been
// freed or nothing removable is left.  Replicas that are in use or no
// longer removable are skipped.
func (s *Sweeper) Reclaim(ctx context.Context, bytes int64) (int64, error) {
	candidates := s.Removable()
	var freed int64
	removed := 0
	for _, candidate := range candidates {
		if freed >= bytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return freed, pool_errors.Interrupted(err, "reclaim interrupted")
		}
		size, ok, err := s.repo.RemoveIf(candidate.PnfsId, func(e repository.CacheEntry) bool {
			return e.LinkCount == 0 && s.isRemovable(e)
		})
		if err != nil {
			if pool_errors.IsKind(err, pool_errors.KindNotFound) {
				s.mu.Lock()
				s.removeLocked(candidate.PnfsId)
				s.mu.Unlock()
				continue
			}
			return freed, err
		}
		if !ok {
			log.Debugf("Replica %s is in use or no longer removable; skipping", candidate.PnfsId)
			continue
		}
		s.mu.Lock()
		s.removeLocked(candidate.PnfsId)
		s.mu.Unlock()
		freed += size
		removed++
	}
	if removed > 0 {
		log.Infof("Sweeper removed %d replicas, freeing %s", removed, humanize.IBytes(uint64(freed)))
		metrics.PoolSweptBytes.Add(float64(freed))
	}
	return freed, nil
}

// Run reclaims space whenever allocations wait for it, until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		needed, err := s.acct.AwaitReclaimDemand(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Debugf("Sweeper asked to free %s", humanize.IBytes(uint64(needed)))
		freed, err := s.Reclaim(ctx, needed)
		if err != nil && ctx.Err() == nil {
			log.Errorln("Sweeper failed to reclaim space:", err)
		}
		if freed == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.backoff):
			}
		}
	}
}
