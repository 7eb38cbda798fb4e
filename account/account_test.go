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

package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/diskpool/pool_errors"
)

func TestAllocateAndFree(t *testing.T) {
	acct := New(100)
	require.NoError(t, acct.Allocate(context.Background(), 60))
	assert.Equal(t, int64(40), acct.FreeSpace())
	assert.False(t, acct.TryAllocate(50))
	assert.True(t, acct.TryAllocate(40))
	assert.Equal(t, int64(0), acct.FreeSpace())

	acct.Free(100)
	assert.Equal(t, int64(100), acct.FreeSpace())
	assert.NoError(t, acct.Check())
}

func TestAllocateBlocksUntilFreed(t *testing.T) {
	acct := New(100)
	require.NoError(t, acct.Allocate(context.Background(), 100))

	done := make(chan error, 1)
	go func() {
		done <- acct.Allocate(context.Background(), 30)
	}()

	require.Eventually(t, func() bool { return acct.Requested() == 30 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("allocation should block while the pool is full")
	default:
	}

	acct.Free(30)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("allocation did not complete after space was freed")
	}
	assert.Equal(t, int64(0), acct.Requested())
	assert.Equal(t, int64(100), acct.Used())
}

func TestAllocateCancelled(t *testing.T) {
	acct := New(10)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := acct.Allocate(ctx, 20)
	require.Error(t, err)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindInterrupted))
	assert.Equal(t, int64(0), acct.Requested())
	assert.Equal(t, int64(0), acct.Used())
}

func TestAwaitReclaimDemand(t *testing.T) {
	acct := New(100)
	require.NoError(t, acct.Allocate(context.Background(), 90))
	acct.AdjustClasses(0, 50)

	demand := make(chan int64, 1)
	go func() {
		n, err := acct.AwaitReclaimDemand(context.Background())
		if err == nil {
			demand <- n
		}
	}()

	go func() {
		_ = acct.Allocate(context.Background(), 25)
	}()

	select {
	case n := <-demand:
		assert.Equal(t, int64(15), n)
	case <-time.After(time.Second):
		t.Fatal("sweeper demand was not signalled")
	}
	// Release the blocked allocation
	acct.Free(15)
	require.Eventually(t, func() bool { return acct.Requested() == 0 }, time.Second, time.Millisecond)
}

func TestAwaitReclaimDemandNeedsRemovable(t *testing.T) {
	acct := New(10)
	go func() {
		_ = acct.Allocate(context.Background(), 20)
	}()
	require.Eventually(t, func() bool { return acct.Requested() == 20 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := acct.AwaitReclaimDemand(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSnapshotAndCheck(t *testing.T) {
	acct := New(1000)
	require.NoError(t, acct.Allocate(context.Background(), 500))
	acct.AdjustClasses(200, 100)
	acct.SetLRU(time.Now().Add(-time.Minute))

	snap := acct.Snapshot()
	assert.Equal(t, int64(1000), snap.Total)
	assert.Equal(t, int64(500), snap.Free)
	assert.Equal(t, int64(200), snap.Precious)
	assert.Equal(t, int64(100), snap.Removable)
	assert.GreaterOrEqual(t, snap.LRUSeconds, int64(59))
	assert.NoError(t, acct.Check())

	acct.AdjustClasses(0, 400)
	assert.Error(t, acct.Check())

	// A replica moving from precious to removable never shows in both
	acct.AdjustClasses(-100, -300)
	acct.AdjustClasses(-100, 100)
	assert.Equal(t, int64(0), acct.Precious())
	assert.Equal(t, int64(300), acct.Removable())
	assert.NoError(t, acct.Check())

	// Counters never go negative
	acct.AdjustClasses(-1000, -1000)
	assert.Zero(t, acct.Precious())
	assert.Zero(t, acct.Removable())

	assert.Error(t, acct.SetTotal(100))
	assert.NoError(t, acct.SetTotal(2000))
}
