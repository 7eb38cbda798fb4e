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
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/diskpool/account"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

type fakeStorer struct {
	mu      sync.Mutex
	results map[pool_structs.PnfsId]error
	stored  []pool_structs.PnfsId
	// When set, callbacks are kept until release is called.
	hold    bool
	waiting []func()
}

func (s *fakeStorer) Store(id pool_structs.PnfsId, cb Callback) (Outcome, error) {
	s.mu.Lock()
	s.stored = append(s.stored, id)
	if s.hold {
		s.waiting = append(s.waiting, func() { cb(id, s.resultFor(id)) })
		s.mu.Unlock()
		return Started, nil
	}
	s.mu.Unlock()
	cb(id, s.resultFor(id))
	return Started, nil
}

func (s *fakeStorer) resultFor(id pool_structs.PnfsId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[id]
}

func (s *fakeStorer) release() {
	s.mu.Lock()
	waiting := s.waiting
	s.waiting = nil
	s.hold = false
	s.mu.Unlock()
	for _, fn := range waiting {
		fn()
	}
}

func (s *fakeStorer) storedIds() []pool_structs.PnfsId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pool_structs.PnfsId(nil), s.stored...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func pending(id pool_structs.PnfsId, size int64, created time.Time) repository.CacheEntry {
	return repository.CacheEntry{
		PnfsId:     id,
		State:      pool_structs.StatePrecious,
		Size:       size,
		Created:    created,
		Attributes: osmAttrs(id, size),
	}
}

func TestStorageClassTriggers(t *testing.T) {
	clk := newClock()
	c := NewStorageClassContainer(StorageClassSettings{Expiration: time.Hour, MaxPending: 3, MaxTotalSize: 1000})
	c.SetClock(clk.Now)

	require.NoError(t, c.AddCacheEntry(pending(fileA, 10, clk.Now())))
	info := c.Get("osm", "raw")
	require.NotNil(t, info)
	assert.Equal(t, "raw@osm", info.Key())
	assert.False(t, info.IsDefined())
	assert.False(t, info.IsTriggered())

	t.Run("full-by-count", func(t *testing.T) {
		require.NoError(t, c.AddCacheEntry(pending(fileB, 10, clk.Now())))
		assert.False(t, info.IsFull())
		require.NoError(t, c.AddCacheEntry(pending(fileC, 10, clk.Now())))
		assert.True(t, info.IsFull())
		assert.True(t, info.IsTriggered())

		fourth := pool_structs.PnfsId("00000000000000000000000D")
		require.NoError(t, c.AddCacheEntry(pending(fourth, 10, clk.Now())))
		assert.Len(t, info.Requests(), 4)
		assert.True(t, info.IsTriggered())
		assert.True(t, c.RemoveCacheEntry(fourth))
	})

	t.Run("suspended", func(t *testing.T) {
		info.Suspend(true)
		assert.False(t, info.IsTriggered())
		info.Suspend(false)
		assert.True(t, info.IsTriggered())
	})

	t.Run("expired", func(t *testing.T) {
		c.RemoveCacheEntry(fileB)
		c.RemoveCacheEntry(fileC)
		assert.False(t, info.IsTriggered())
		clk.Advance(time.Hour)
		assert.True(t, info.HasExpired())
		assert.True(t, info.IsTriggered())
	})

	t.Run("full-by-size", func(t *testing.T) {
		big := pool_structs.PnfsId("00000000000000000000000E")
		c.Define("osm", "big", StorageClassSettings{Expiration: time.Hour, MaxTotalSize: 100})
		require.NoError(t, c.AddCacheEntry(repository.CacheEntry{
			PnfsId:     big,
			Size:       100,
			Created:    clk.Now(),
			Attributes: pool_structs.FileAttributes{StorageInfo: pool_structs.StorageInfo{HsmName: "osm", StorageClass: "big"}},
		}))
		assert.True(t, c.Get("osm", "big").IsFull())
	})

	assert.Error(t, c.AddCacheEntry(repository.CacheEntry{PnfsId: fileA}))
}

func TestStorageClassDroppedWhenEmpty(t *testing.T) {
	c := NewStorageClassContainer(StorageClassSettings{Expiration: time.Hour})
	require.NoError(t, c.AddCacheEntry(pending(fileA, 10, time.Now())))
	require.Len(t, c.Classes(), 1)
	assert.True(t, c.RemoveCacheEntry(fileA))
	assert.Empty(t, c.Classes())
	assert.False(t, c.RemoveCacheEntry(fileA))

	c.Define("osm", "raw", StorageClassSettings{Expiration: time.Minute})
	require.NoError(t, c.AddCacheEntry(pending(fileA, 10, time.Now())))
	c.RemoveCacheEntry(fileA)
	require.Len(t, c.Classes(), 1)
	assert.Equal(t, time.Minute, c.Classes()[0].Settings().Expiration)

	require.NoError(t, c.Undefine("osm", "raw"))
	assert.Empty(t, c.Classes())
	assert.Error(t, c.Undefine("osm", "raw"))
}

func TestSubmitErrorPolicy(t *testing.T) {
	clk := newClock()
	c := NewStorageClassContainer(StorageClassSettings{Expiration: time.Hour, MaxPending: 10})
	c.SetClock(clk.Now)
	for i, id := range []pool_structs.PnfsId{fileA, fileB, fileC} {
		require.NoError(t, c.AddCacheEntry(pending(id, 10, clk.Now().Add(time.Duration(i)*time.Second))))
	}
	info := c.Get("osm", "raw")

	storer := &fakeStorer{results: map[pool_structs.PnfsId]error{
		fileB: pool_errors.Newf(pool_errors.KindIOFailure, 33, "tape is full"),
	}}
	type summary struct {
		flushId  int64
		requests int
		failed   int
	}
	done := make(chan summary, 1)
	n := info.Submit(storer, 0, 7, func(_ *StorageClassInfo, flushId int64, requests, failed int) {
		done <- summary{flushId, requests, failed}
	})
	assert.Equal(t, 3, n)
	assert.Equal(t, []pool_structs.PnfsId{fileA, fileB, fileC}, storer.storedIds())

	select {
	case s := <-done:
		assert.Equal(t, summary{7, 3, 1}, s)
	case <-time.After(5 * time.Second):
		t.Fatal("flush callback not called")
	}
	assert.Equal(t, []pool_structs.PnfsId{fileB}, info.Failed())
	assert.Empty(t, info.Requests())
	assert.Equal(t, 0, info.ErrorCount())
	assert.Equal(t, 0, info.ActiveCount())
	assert.Equal(t, clk.Now(), info.LastSubmitted())

	t.Run("other-errors-count", func(t *testing.T) {
		require.NoError(t, c.Activate(fileB))
		assert.Equal(t, []pool_structs.PnfsId{fileB}, info.Requests())
		storer.results[fileB] = pool_errors.Newf(pool_errors.KindIOFailure, pool_errors.CodeIO, "drive error")
		info.Submit(storer, 1, 8, nil)
		assert.Equal(t, []pool_structs.PnfsId{fileB}, info.Requests())
		assert.Equal(t, 1, info.ErrorCount())
		assert.Empty(t, info.Failed())
	})

	t.Run("activate-all", func(t *testing.T) {
		storer.results[fileB] = pool_errors.Newf(pool_errors.KindIOFailure, 31, "bad file")
		info.Submit(storer, 0, 9, nil)
		assert.Equal(t, []pool_structs.PnfsId{fileB}, info.Failed())
		assert.Equal(t, 1, info.ActivateAll())
		assert.Equal(t, 0, info.ErrorCount())
		assert.Equal(t, []pool_structs.PnfsId{fileB}, info.Requests())
	})
}

func TestSubmitMaxCountOldestFirst(t *testing.T) {
	clk := newClock()
	c := NewStorageClassContainer(StorageClassSettings{Expiration: time.Hour})
	c.SetClock(clk.Now)
	require.NoError(t, c.AddCacheEntry(pending(fileC, 1, clk.Now().Add(-3*time.Minute))))
	require.NoError(t, c.AddCacheEntry(pending(fileA, 1, clk.Now().Add(-time.Minute))))
	require.NoError(t, c.AddCacheEntry(pending(fileB, 1, clk.Now().Add(-2*time.Minute))))

	storer := &fakeStorer{}
	assert.Equal(t, 2, c.Get("osm", "raw").Submit(storer, 2, 1, nil))
	assert.Equal(t, []pool_structs.PnfsId{fileC, fileB}, storer.storedIds())
	assert.Equal(t, []pool_structs.PnfsId{fileA}, c.Get("osm", "raw").Requests())
}

func TestContainerFollowsRepository(t *testing.T) {
	meta, err := repository.NewBadgerMetaStore("")
	require.NoError(t, err)
	data, err := repository.NewFileStore(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	repo := repository.New(account.New(1000), meta, data)
	t.Cleanup(func() { _ = repo.Close() })

	c := NewStorageClassContainer(StorageClassSettings{Expiration: time.Hour})
	c.SetFilter(func(entry repository.CacheEntry) bool { return entry.Size > 0 })
	repo.AddListener(c)

	writePrecious(t, repo, fileA, "data")
	writePrecious(t, repo, fileB, "")
	repo.Drain()
	require.NotNil(t, c.Lookup(fileA))
	assert.Nil(t, c.Lookup(fileB))
	assert.Equal(t, []pool_structs.PnfsId{fileA}, c.Get("osm", "raw").Requests())

	require.NoError(t, repo.SetState(fileA, pool_structs.StateCached))
	repo.Drain()
	assert.Nil(t, c.Lookup(fileA))
	assert.Empty(t, c.Classes())
}

func TestFlushControllerScan(t *testing.T) {
	clk := newClock()
	c := NewStorageClassContainer(StorageClassSettings{Expiration: time.Hour, MaxPending: 2})
	c.SetClock(clk.Now)
	storer := &fakeStorer{hold: true}
	fc := NewFlushController(c, storer)
	fc.SetClock(clk.Now)
	fc.SetInterval(time.Minute)
	fc.SetRetryDelay(time.Minute)

	require.NoError(t, c.AddCacheEntry(pending(fileA, 1, clk.Now())))
	assert.Equal(t, time.Minute, fc.Scan())
	assert.Empty(t, storer.storedIds())

	require.NoError(t, c.AddCacheEntry(pending(fileB, 1, clk.Now())))
	fc.Scan()
	assert.Equal(t, []pool_structs.PnfsId{fileA, fileB}, storer.storedIds())
	assert.Equal(t, 1, fc.Info().ActiveClasses)

	// Active classes are not submitted twice.
	fc.Scan()
	assert.Len(t, storer.storedIds(), 2)

	storer.results = map[pool_structs.PnfsId]error{fileA: pool_errors.Newf(pool_errors.KindIOFailure, pool_errors.CodeIO, "drive error")}
	storer.release()
	info := c.Get("osm", "raw")
	assert.Equal(t, []pool_structs.PnfsId{fileA}, info.Requests())
	assert.Equal(t, 1, info.ErrorCount())

	t.Run("retry-delay", func(t *testing.T) {
		storer.results = nil
		require.NoError(t, c.AddCacheEntry(pending(fileC, 1, clk.Now())))
		clk.Advance(30 * time.Second)
		fc.Scan()
		assert.Len(t, storer.storedIds(), 2)

		clk.Advance(time.Minute)
		fc.Scan()
		assert.Len(t, storer.storedIds(), 4)
		assert.Empty(t, info.Requests())
	})

	t.Run("hold", func(t *testing.T) {
		require.NoError(t, c.AddCacheEntry(pending(fileB, 1, clk.Now())))
		clk.Advance(2 * time.Hour)
		fc.SetHoldUntil(clk.Now().Add(90 * time.Second))
		assert.Equal(t, 90*time.Second, fc.Scan())
		before := len(storer.storedIds())

		clk.Advance(90 * time.Second)
		assert.Equal(t, time.Minute, fc.Scan())
		assert.Greater(t, len(storer.storedIds()), before)
	})

	t.Run("max-active", func(t *testing.T) {
		fc.SetMaxActive(0)
		require.NoError(t, c.AddCacheEntry(pending(fileA, 1, clk.Now())))
		clk.Advance(2 * time.Hour)
		before := len(storer.storedIds())
		fc.Scan()
		assert.Len(t, storer.storedIds(), before)
	})
}

func TestFlushStorageClassAndPnfsId(t *testing.T) {
	c := NewStorageClassContainer(StorageClassSettings{Expiration: time.Hour})
	storer := &fakeStorer{}
	fc := NewFlushController(c, storer)

	_, err := fc.FlushStorageClass("osm", "raw", 0, nil)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindNotFound))
	_, err = fc.FlushPnfsId(fileA)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindNotFound))

	require.NoError(t, c.AddCacheEntry(pending(fileA, 1, time.Now())))
	require.NoError(t, c.AddCacheEntry(pending(fileB, 1, time.Now())))

	_, err = fc.FlushPnfsId(fileB)
	require.NoError(t, err)
	assert.Equal(t, []pool_structs.PnfsId{fileB}, storer.storedIds())

	done := make(chan int, 1)
	_, err = fc.FlushStorageClass("osm", "raw", 0, func(_ *StorageClassInfo, _ int64, requests, _ int) {
		done <- requests
	})
	require.NoError(t, err)
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("flush callback not called")
	}
	assert.Empty(t, c.Get("osm", "raw").Requests())
}
