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

package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/diskpool/account"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

var ids = []pool_structs.PnfsId{
	"000000000000000000000001",
	"000000000000000000000002",
	"000000000000000000000003",
}

func setup(t *testing.T, total int64) (*repository.Repository, *account.Account, *Sweeper) {
	meta, err := repository.NewBadgerMetaStore("")
	require.NoError(t, err)
	data, err := repository.NewFileStore(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	acct := account.New(total)
	repo := repository.New(acct, meta, data)
	s := New(repo, acct, WithBackoff(10*time.Millisecond))
	t.Cleanup(func() { _ = repo.Close() })
	return repo, acct, s
}

func write(t *testing.T, repo *repository.Repository, id pool_structs.PnfsId, size int, target pool_structs.EntryState) {
	h, err := repo.CreateEntry(id, pool_structs.FileAttributes{}, pool_structs.StateFromClient, target, nil)
	require.NoError(t, err)
	require.NoError(t, h.Allocate(context.Background(), int64(size)))
	_, err = h.Write(make([]byte, size))
	require.NoError(t, err)
	require.NoError(t, h.Commit(context.Background()))
}

func removableIds(s *Sweeper) []pool_structs.PnfsId {
	var result []pool_structs.PnfsId
	for _, e := range s.Removable() {
		result = append(result, e.PnfsId)
	}
	return result
}

func TestCachedReplicasBecomeRemovable(t *testing.T) {
	repo, acct, s := setup(t, 100)

	write(t, repo, ids[0], 5, pool_structs.StateCached)
	write(t, repo, ids[1], 7, pool_structs.StatePrecious)
	repo.Drain()

	assert.Equal(t, []pool_structs.PnfsId{ids[0]}, removableIds(s))
	assert.Equal(t, int64(5), acct.Removable())

	// Precious replicas join once flushed
	require.NoError(t, repo.SetState(ids[1], pool_structs.StateCached))
	repo.Drain()
	assert.Equal(t, []pool_structs.PnfsId{ids[0], ids[1]}, removableIds(s))
	assert.Equal(t, int64(12), acct.Removable())

	// and leave when marked precious again
	require.NoError(t, repo.SetState(ids[0], pool_structs.StatePrecious))
	repo.Drain()
	assert.Equal(t, []pool_structs.PnfsId{ids[1]}, removableIds(s))
	assert.Equal(t, int64(7), acct.Removable())
	assert.NoError(t, acct.Check())
}

func TestStickyReplicasAreNotRemovable(t *testing.T) {
	repo, acct, s := setup(t, 100)

	write(t, repo, ids[0], 5, pool_structs.StateCached)
	require.NoError(t, repo.SetSticky(ids[0], "pin", -1, false))
	repo.Drain()
	assert.Empty(t, s.Removable())
	assert.Equal(t, int64(0), acct.Removable())

	require.NoError(t, repo.SetSticky(ids[0], "pin", 0, false))
	repo.Drain()
	assert.Equal(t, []pool_structs.PnfsId{ids[0]}, removableIds(s))
	assert.Equal(t, int64(5), acct.Removable())
}

func TestAccessMovesToTail(t *testing.T) {
	repo, _, s := setup(t, 100)

	for _, id := range ids {
		write(t, repo, id, 1, pool_structs.StateCached)
	}
	rh, err := repo.OpenEntry(ids[0], 0)
	require.NoError(t, err)
	require.NoError(t, rh.Close())
	repo.Drain()

	assert.Equal(t, []pool_structs.PnfsId{ids[1], ids[2], ids[0]}, removableIds(s))
}

func TestReclaimOldestFirst(t *testing.T) {
	repo, acct, s := setup(t, 100)

	for _, id := range ids {
		write(t, repo, id, 10, pool_structs.StateCached)
	}
	repo.Drain()

	freed, err := s.Reclaim(context.Background(), 15)
	require.NoError(t, err)
	assert.Equal(t, int64(20), freed)
	assert.Equal(t, pool_structs.StateNew, repo.GetState(ids[0]))
	assert.Equal(t, pool_structs.StateNew, repo.GetState(ids[1]))
	assert.Equal(t, pool_structs.StateCached, repo.GetState(ids[2]))
	assert.Equal(t, []pool_structs.PnfsId{ids[2]}, removableIds(s))
	assert.Equal(t, int64(10), acct.Removable())
	assert.Equal(t, int64(10), acct.Used())
	assert.NoError(t, acct.Check())

	repo.Drain()
	assert.Equal(t, int64(10), acct.Removable())
	assert.NoError(t, acct.Check())
}

type stalledListener struct {
	release chan struct{}
}

func (l *stalledListener) StateChanged(repository.StateChangeEvent) {
	<-l.release
}

func TestReclaimEdgeCases(t *testing.T) {
	tests := []struct {
		name      string
		replicas  int
		bytes     int64
		freed     int64
		removable int64
	}{
		{name: "empty", replicas: 0, bytes: 10, freed: 0, removable: 0},
		{name: "nothing-requested", replicas: 2, bytes: 0, freed: 0, removable: 20},
		{name: "more-than-available", replicas: 2, bytes: 100, freed: 20, removable: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo, acct, s := setup(t, 100)
			for _, id := range ids[:tc.replicas] {
				write(t, repo, id, 10, pool_structs.StateCached)
			}
			repo.Drain()

			freed, err := s.Reclaim(context.Background(), tc.bytes)
			require.NoError(t, err)
			assert.Equal(t, tc.freed, freed)
			assert.Equal(t, tc.removable, acct.Removable())
			assert.NoError(t, acct.Check())
		})
	}
}

// Listeners lag behind the repository; the space classes must not.
func TestCheckHoldsWhileEventsLag(t *testing.T) {
	repo, acct, s := setup(t, 100)
	for _, id := range ids {
		write(t, repo, id, 10, pool_structs.StateCached)
	}
	repo.Drain()

	stalled := &stalledListener{release: make(chan struct{})}
	repo.AddListener(stalled)
	defer close(stalled.release)

	freed, err := s.Reclaim(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), freed)
	assert.NoError(t, acct.Check())

	require.NoError(t, repo.RemoveEntry(ids[1]))
	assert.NoError(t, acct.Check())
	assert.Equal(t, int64(10), acct.Used())
	assert.Equal(t, int64(10), acct.Removable())
}

func TestRemovableCountedOnce(t *testing.T) {
	tests := []struct {
		name    string
		deliver func(s *Sweeper, e repository.CacheEntry)
	}{
		{
			name: "cached-again",
			deliver: func(s *Sweeper, e repository.CacheEntry) {
				s.StateChanged(repository.StateChangeEvent{PnfsId: e.PnfsId, OldState: pool_structs.StatePrecious,
					NewState: pool_structs.StateCached, Entry: e})
			},
		},
		{
			name: "scanned-again",
			deliver: func(s *Sweeper, e repository.CacheEntry) {
				s.StateChanged(repository.StateChangeEvent{PnfsId: e.PnfsId, OldState: pool_structs.StateNew,
					NewState: pool_structs.StateCached, Entry: e, Scanned: true})
			},
		},
		{
			name: "sticky-cleared-again",
			deliver: func(s *Sweeper, e repository.CacheEntry) {
				s.StickyChanged(repository.StickyChangeEvent{PnfsId: e.PnfsId, Entry: e})
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo, acct, s := setup(t, 100)
			write(t, repo, ids[0], 5, pool_structs.StateCached)
			repo.Drain()
			e, err := repo.GetEntry(ids[0])
			require.NoError(t, err)

			tc.deliver(s, e)
			tc.deliver(s, e)

			assert.Equal(t, []pool_structs.PnfsId{ids[0]}, removableIds(s))
			assert.Equal(t, int64(5), acct.Removable())
			assert.NoError(t, acct.Check())
		})
	}
}

func TestReclaimSkipsOpenReplicas(t *testing.T) {
	repo, _, s := setup(t, 100)

	write(t, repo, ids[0], 10, pool_structs.StateCached)
	write(t, repo, ids[1], 10, pool_structs.StateCached)
	repo.Drain()

	rh, err := repo.OpenEntry(ids[0], repository.OpenNoAtime)
	require.NoError(t, err)
	defer rh.Close()

	freed, err := s.Reclaim(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), freed)
	assert.Equal(t, pool_structs.StateCached, repo.GetState(ids[0]))
	assert.Equal(t, pool_structs.StateNew, repo.GetState(ids[1]))
}

func TestRunFreesSpaceForWaitingAllocation(t *testing.T) {
	repo, acct, s := setup(t, 30)

	for _, id := range ids {
		write(t, repo, id, 10, pool_structs.StateCached)
	}
	repo.Drain()
	assert.Equal(t, int64(0), acct.FreeSpace())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	allocCtx, allocCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer allocCancel()
	require.NoError(t, acct.Allocate(allocCtx, 15))
	assert.Equal(t, pool_structs.StateCached, repo.GetState(ids[2]))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestLRUAge(t *testing.T) {
	now := time.Now()
	meta, err := repository.NewBadgerMetaStore("")
	require.NoError(t, err)
	data, err := repository.NewFileStore(afero.NewMemMapFs(), "/data")
	require.NoError(t, err)
	acct := account.New(100)
	repo := repository.New(acct, meta, data, repository.WithClock(func() time.Time { return now }))
	defer repo.Close()
	s := New(repo, acct, WithClock(func() time.Time { return now.Add(time.Minute) }))

	assert.Zero(t, s.LRUAge())
	write(t, repo, ids[0], 1, pool_structs.StateCached)
	repo.Drain()
	assert.Equal(t, time.Minute, s.LRUAge())
}
