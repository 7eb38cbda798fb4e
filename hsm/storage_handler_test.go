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
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/diskpool/account"
	"github.com/pelicanplatform/diskpool/checksum"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

const (
	fileA = pool_structs.PnfsId("00000000000000000000000A")
	fileB = pool_structs.PnfsId("00000000000000000000000B")
	fileC = pool_structs.PnfsId("00000000000000000000000C")
)

var osmInfo = HsmInfo{Name: "osm", Type: "osm", Command: "/opt/hsm/osm.sh"}

type fakeRunner struct {
	fs      afero.Fs
	mu      sync.Mutex
	calls   [][]string
	rc      int
	stdout  []string
	content string
	crc     string
	block   chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, argv []string, maxLines int) (Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, argv)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Result{ExitCode: -1}, pool_errors.Interrupted(ctx.Err(), "interrupted")
		}
	}
	if argv[1] == OperationGet && r.rc == 0 {
		path := argv[3]
		if err := afero.WriteFile(r.fs, path, []byte(r.content), 0640); err != nil {
			return Result{}, err
		}
		if r.crc != "" {
			if err := afero.WriteFile(r.fs, path+".crcval", []byte(r.crc+"\n"), 0640); err != nil {
				return Result{}, err
			}
		}
	}
	return Result{ExitCode: r.rc, Stdout: r.stdout, Stderr: []string{"script output"}}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeNamespace struct {
	mu          sync.Mutex
	lookupErr   error
	flushErrs   []error
	flushed     int
	checksums   []pool_structs.Checksum
	flushedWith pool_structs.FileAttributes
}

func (ns *fakeNamespace) GetFileAttributes(ctx context.Context, id pool_structs.PnfsId) (pool_structs.FileAttributes, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return pool_structs.FileAttributes{PnfsId: id}, ns.lookupErr
}

func (ns *fakeNamespace) SetChecksum(ctx context.Context, id pool_structs.PnfsId, c pool_structs.Checksum) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.checksums = append(ns.checksums, c)
	return nil
}

func (ns *fakeNamespace) PutFlag(ctx context.Context, id pool_structs.PnfsId, key, value string) error {
	return nil
}

func (ns *fakeNamespace) FileFlushed(ctx context.Context, id pool_structs.PnfsId, attrs pool_structs.FileAttributes) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.flushed++
	if len(ns.flushErrs) > 0 {
		err := ns.flushErrs[0]
		ns.flushErrs = ns.flushErrs[1:]
		return err
	}
	ns.flushedWith = attrs
	return nil
}

func (ns *fakeNamespace) flushCount() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.flushed
}

func (ns *fakeNamespace) AddCacheLocation(ctx context.Context, id pool_structs.PnfsId) error {
	return nil
}

func (ns *fakeNamespace) ClearCacheLocation(ctx context.Context, id pool_structs.PnfsId, removeIfLast bool) error {
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []any
}

func (n *recordingNotifier) Notify(dest string, msg any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

type result struct {
	id  pool_structs.PnfsId
	err error
}

func collector() (Callback, chan result) {
	ch := make(chan result, 10)
	return func(id pool_structs.PnfsId, err error) { ch <- result{id, err} }, ch
}

func await(t *testing.T, ch chan result) result {
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("callback was not called")
	}
	return result{}
}

type handlerFixture struct {
	repo   *repository.Repository
	fs     afero.Fs
	runner *fakeRunner
	ns     *fakeNamespace
	note   *recordingNotifier
	h      *StorageHandler
}

func newHandlerFixture(t *testing.T, policies []string, opts ...HandlerOption) *handlerFixture {
	fs := afero.NewMemMapFs()
	meta, err := repository.NewBadgerMetaStore("")
	require.NoError(t, err)
	data, err := repository.NewFileStore(fs, "/pool/data")
	require.NoError(t, err)
	repo := repository.New(account.New(1<<20), meta, data)
	t.Cleanup(func() { _ = repo.Close() })

	hsms := NewHsmSet()
	require.NoError(t, hsms.Add(osmInfo))
	crc, err := checksum.NewModule("adler32", policies)
	require.NoError(t, err)

	f := &handlerFixture{
		repo:   repo,
		fs:     fs,
		runner: &fakeRunner{fs: fs},
		ns:     &fakeNamespace{},
		note:   &recordingNotifier{},
	}
	all := append([]HandlerOption{
		WithRunner(f.runner),
		WithNamespace(f.ns),
		WithChecksumModule(crc),
		WithFs(fs),
		WithPoolName("pool1"),
		WithFlushNotifier(f.note, "flushTarget"),
		WithAckRetry(10 * time.Millisecond),
	}, opts...)
	f.h, err = NewStorageHandler(repo, hsms, all...)
	require.NoError(t, err)
	t.Cleanup(f.h.Shutdown)
	return f
}

func osmAttrs(id pool_structs.PnfsId, size int64) pool_structs.FileAttributes {
	return pool_structs.FileAttributes{
		PnfsId: id,
		Size:   size,
		StorageInfo: pool_structs.StorageInfo{
			HsmName:         "osm",
			StorageClass:    "raw",
			RetentionPolicy: pool_structs.Custodial,
			AccessLatency:   pool_structs.Nearline,
		},
	}
}

func writePrecious(t *testing.T, repo *repository.Repository, id pool_structs.PnfsId, content string) {
	h, err := repo.CreateEntry(id, osmAttrs(id, int64(len(content))), pool_structs.StateFromClient, pool_structs.StatePrecious, nil)
	require.NoError(t, err)
	require.NoError(t, h.Allocate(context.Background(), int64(len(content))))
	_, err = h.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, h.Commit(context.Background()))
}

func TestBuildCommand(t *testing.T) {
	info := HsmInfo{
		Name:       "osm",
		Type:       "osm",
		Command:    "/opt/hsm/osm.sh",
		Attributes: map[string]string{"pnfs": "/pnfs/fs", "c": ""},
	}
	attrs := osmAttrs(fileA, 5)
	attrs.StorageInfo.Locations = []string{"osm://osm/?bfid=1", "enstore://osm/x", "osm://other/y"}

	argv := BuildCommand(info, OperationPut, attrs, "/pool/data/"+fileA.String())
	assert.Equal(t, []string{
		"/opt/hsm/osm.sh", "put", fileA.String(), "/pool/data/" + fileA.String(),
		"-si=size=5;stored=false;sClass=raw;hsm=osm;accessLatency=NEARLINE;retentionPolicy=CUSTODIAL;",
		"-c", "-pnfs=/pnfs/fs",
		"-uri=osm://osm/?bfid=1",
	}, argv)
}

func TestHsmSet(t *testing.T) {
	set := NewHsmSet()
	assert.True(t, set.IsEmpty())
	assert.Error(t, set.Add(HsmInfo{Name: "osm"}))
	require.NoError(t, set.Add(HsmInfo{Name: "osm", Command: "osm.sh"}))
	require.NoError(t, set.Add(HsmInfo{Name: "tape2", Type: "enstore", Command: "enstore.sh"}))
	assert.Equal(t, []string{"osm", "tape2"}, set.Names())

	info, ok := set.Get("osm")
	require.True(t, ok)
	assert.Equal(t, "osm", info.Type)

	t.Run("no-locations", func(t *testing.T) {
		info, err := set.AccessibleInstance(pool_structs.StorageInfo{HsmName: "osm"})
		require.NoError(t, err)
		assert.Equal(t, "osm", info.Name)

		_, err = set.AccessibleInstance(pool_structs.StorageInfo{HsmName: "tsm"})
		assert.Equal(t, pool_errors.CodeIllegalArgument, pool_errors.CodeOf(err))
	})

	t.Run("locations", func(t *testing.T) {
		si := pool_structs.StorageInfo{
			HsmName:   "osm",
			Locations: []string{"osm://elsewhere/1", "enstore://tape2/2"},
		}
		info, err := set.AccessibleInstance(si)
		require.NoError(t, err)
		assert.Equal(t, "tape2", info.Name)

		si.Locations = []string{"osm://elsewhere/1"}
		_, err = set.AccessibleInstance(si)
		assert.True(t, pool_errors.IsKind(err, pool_errors.KindIllegalArgument))
	})
}

func TestStore(t *testing.T) {
	f := newHandlerFixture(t, []string{"onFlush"})
	f.runner.stdout = []string{"osm://osm/?bfid=42", ""}
	writePrecious(t, f.repo, fileA, "Wikipedia")

	cb, ch := collector()
	outcome, err := f.h.Store(fileA, cb)
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)
	r := await(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, fileA, r.id)

	entry, err := f.repo.GetEntry(fileA)
	require.NoError(t, err)
	assert.Equal(t, pool_structs.StateCached, entry.State)
	assert.True(t, entry.Attributes.StorageInfo.Stored)
	assert.Equal(t, []string{"osm://osm/?bfid=42"}, entry.Attributes.StorageInfo.Locations)
	assert.Equal(t, []pool_structs.Checksum{{Type: pool_structs.ChecksumAdler32, Value: "11e60398"}}, entry.Attributes.Checksums)

	assert.Equal(t, 1, f.ns.flushed)
	assert.Equal(t, []string{"osm://osm/?bfid=42"}, f.ns.flushedWith.StorageInfo.Locations)
	assert.Len(t, f.ns.checksums, 1)
	require.Len(t, f.note.sent, 1)
	assert.Equal(t, fileA, f.note.sent[0].(*pool_structs.PoolFileFlushedMessage).PnfsId)
	assert.False(t, f.h.IsStoring(fileA))

	outcome, err = f.h.Store(fileA, cb)
	require.NoError(t, err)
	assert.Equal(t, AlreadyDone, outcome)
}

func TestStoreCoalesces(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.runner.block = make(chan struct{})
	writePrecious(t, f.repo, fileA, "data")

	cb, ch := collector()
	outcome, err := f.h.Store(fileA, cb)
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)
	outcome, err = f.h.Store(fileA, cb)
	require.NoError(t, err)
	assert.Equal(t, AlreadyInProgress, outcome)

	close(f.runner.block)
	assert.NoError(t, await(t, ch).err)
	assert.NoError(t, await(t, ch).err)
	assert.Equal(t, 1, f.runner.callCount())
}

func TestStoreRetriesRegistration(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.ns.flushErrs = []error{
		pool_errors.CommunicationFailure(nil, "namespace unreachable"),
		pool_errors.Timeout("no reply"),
	}
	writePrecious(t, f.repo, fileA, "data")

	cb, ch := collector()
	_, err := f.h.Store(fileA, cb)
	require.NoError(t, err)
	require.NoError(t, await(t, ch).err)
	assert.Equal(t, 3, f.ns.flushed)
	assert.Equal(t, pool_structs.StateCached, f.repo.GetState(fileA))
}

func TestKilledStoreKeepsRegistering(t *testing.T) {
	f := newHandlerFixture(t, nil)
	unreachable := make([]error, 30)
	for i := range unreachable {
		unreachable[i] = pool_errors.CommunicationFailure(nil, "namespace unreachable")
	}
	f.ns.flushErrs = unreachable
	writePrecious(t, f.repo, fileA, "data")

	cb, ch := collector()
	_, err := f.h.Store(fileA, cb)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.ns.flushCount() >= 3 }, 5*time.Second, 5*time.Millisecond)

	jobs := f.h.StoreQueue().GetJobInfos()
	require.Len(t, jobs, 1)
	require.NoError(t, f.h.StoreQueue().Kill(jobs[0].Id, true))

	r := await(t, ch)
	assert.NoError(t, r.err)
	assert.Equal(t, len(unreachable)+1, f.ns.flushCount())
	assert.Equal(t, 1, f.runner.callCount())
	assert.Equal(t, pool_structs.StateCached, f.repo.GetState(fileA))
}

func TestKilledQueuedStoreStaysPending(t *testing.T) {
	f := newHandlerFixture(t, nil, WithMaxActive(0, 1))
	writePrecious(t, f.repo, fileA, "data")

	c := NewStorageClassContainer(StorageClassSettings{Expiration: time.Hour})
	entry, err := f.repo.GetEntry(fileA)
	require.NoError(t, err)
	require.NoError(t, c.AddCacheEntry(entry))
	info := c.Get("osm", "raw")
	require.NotNil(t, info)

	require.Equal(t, 1, info.SubmitIds(f.h, []pool_structs.PnfsId{fileA}, 1, nil))
	jobs := f.h.StoreQueue().GetJobInfos()
	require.Len(t, jobs, 1)
	require.NoError(t, f.h.StoreQueue().Kill(jobs[0].Id, false))

	assert.Equal(t, []pool_structs.PnfsId{fileA}, info.Requests())
	assert.Empty(t, info.Failed())
	assert.Equal(t, 0, info.ActiveCount())
	assert.False(t, f.h.IsStoring(fileA))
	assert.Zero(t, f.runner.callCount())
	assert.Equal(t, pool_structs.StatePrecious, f.repo.GetState(fileA))
}

func TestStoreNotQueued(t *testing.T) {
	t.Run("queue-shut-down", func(t *testing.T) {
		f := newHandlerFixture(t, nil)
		writePrecious(t, f.repo, fileA, "data")
		f.h.Shutdown()

		cb, ch := collector()
		_, err := f.h.Store(fileA, cb)
		require.Error(t, err)
		assert.False(t, f.h.IsStoring(fileA))
		select {
		case r := <-ch:
			t.Fatalf("creator callback must not fire: %v", r.err)
		default:
		}
	})

	t.Run("joined-callers-are-told", func(t *testing.T) {
		f := newHandlerFixture(t, nil)
		first, firstCh := collector()
		joined, joinedCh := collector()
		req := &storeRequest{
			request: request{handler: f.h, id: fileA, callbacks: []Callback{first, joined}},
			owners:  1,
		}
		f.h.mu.Lock()
		f.h.stores[fileA] = req
		f.h.mu.Unlock()

		queueErr := pool_errors.Interrupted(nil, "queue is shut down")
		f.h.abandonStore(req, queueErr)

		r := await(t, joinedCh)
		assert.Equal(t, fileA, r.id)
		assert.Equal(t, queueErr, r.err)
		select {
		case r := <-firstCh:
			t.Fatalf("creator callback must not fire: %v", r.err)
		default:
		}
		assert.False(t, f.h.IsStoring(fileA))
	})
}

func TestStoreDeletedAfterFlush(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.ns.flushErrs = []error{pool_errors.NotInTrash(fileA)}
	writePrecious(t, f.repo, fileA, "data")

	cb, ch := collector()
	_, err := f.h.Store(fileA, cb)
	require.NoError(t, err)
	require.NoError(t, await(t, ch).err)
	assert.Equal(t, 1, f.ns.flushed)
}

func TestStoreFileDeletedFromNamespace(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.ns.lookupErr = pool_errors.NotFound("no such file")
	writePrecious(t, f.repo, fileA, "data")

	cb, ch := collector()
	_, err := f.h.Store(fileA, cb)
	require.NoError(t, err)
	r := await(t, ch)
	assert.True(t, pool_errors.IsKind(r.err, pool_errors.KindNotFound))
	assert.Equal(t, 0, f.runner.callCount())

	_, err = f.repo.GetEntry(fileA)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindNotFound))
}

func TestStoreScriptFailure(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.runner.rc = 33
	writePrecious(t, f.repo, fileA, "data")

	cb, ch := collector()
	_, err := f.h.Store(fileA, cb)
	require.NoError(t, err)
	r := await(t, ch)
	assert.Equal(t, 33, pool_errors.CodeOf(r.err))
	assert.Contains(t, r.err.Error(), "script output")
	assert.Equal(t, pool_structs.StatePrecious, f.repo.GetState(fileA))
	assert.Equal(t, 0, f.ns.flushed)
}

func TestStoreInvalidLocation(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.runner.stdout = []string{"not a uri"}
	writePrecious(t, f.repo, fileA, "data")

	cb, ch := collector()
	_, err := f.h.Store(fileA, cb)
	require.NoError(t, err)
	assert.Equal(t, pool_errors.CodeIO, pool_errors.CodeOf(await(t, ch).err))
}

func TestStoreDequeued(t *testing.T) {
	f := newHandlerFixture(t, nil, WithMaxActive(0, 1))
	writePrecious(t, f.repo, fileA, "data")

	cb, ch := collector()
	_, err := f.h.Store(fileA, cb)
	require.NoError(t, err)
	infos := f.h.StoreQueue().GetJobInfos()
	require.Len(t, infos, 1)
	require.NoError(t, f.h.StoreQueue().Remove(infos[0].Id))

	r := await(t, ch)
	assert.Equal(t, pool_errors.CodeStoreDequeued, pool_errors.CodeOf(r.err))
	assert.False(t, f.h.IsStoring(fileA))
	assert.Equal(t, pool_structs.StatePrecious, f.repo.GetState(fileA))
}

func TestFetch(t *testing.T) {
	f := newHandlerFixture(t, []string{"getCrcFromHsm", "onRestore"})
	f.runner.content = "Wikipedia"
	f.runner.crc = "11e60398"
	f.runner.block = make(chan struct{})

	cb, ch := collector()
	outcome, err := f.h.Fetch(context.Background(), osmAttrs(fileB, 9), cb)
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)
	outcome, err = f.h.Fetch(context.Background(), osmAttrs(fileB, 9), cb)
	require.NoError(t, err)
	assert.Equal(t, AlreadyInProgress, outcome)
	assert.True(t, f.h.IsRestoring(fileB))

	close(f.runner.block)
	require.NoError(t, await(t, ch).err)
	require.NoError(t, await(t, ch).err)
	assert.Equal(t, 1, f.runner.callCount())

	entry, err := f.repo.GetEntry(fileB)
	require.NoError(t, err)
	assert.Equal(t, pool_structs.StateCached, entry.State)
	assert.Equal(t, int64(9), entry.Size)
	assert.Contains(t, entry.Attributes.Checksums, pool_structs.Checksum{Type: pool_structs.ChecksumAdler32, Value: "11e60398"})
	exists, err := afero.Exists(f.fs, "/pool/data/"+fileB.String()+".crcval")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int64(9), f.repo.Account().Used())

	outcome, err = f.h.Fetch(context.Background(), osmAttrs(fileB, 9), cb)
	require.NoError(t, err)
	assert.Equal(t, AlreadyDone, outcome)
}

func TestFetchChecksumMismatch(t *testing.T) {
	f := newHandlerFixture(t, []string{"getCrcFromHsm", "onRestore"})
	f.runner.content = "Wikipedia"
	f.runner.crc = "deadbeef"

	cb, ch := collector()
	_, err := f.h.Fetch(context.Background(), osmAttrs(fileB, 9), cb)
	require.NoError(t, err)
	r := await(t, ch)
	assert.Equal(t, pool_errors.CodeChecksumFailed, pool_errors.CodeOf(r.err))

	_, err = f.repo.GetEntry(fileB)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindNotFound))
	assert.Equal(t, int64(0), f.repo.Account().Used())
}

func TestFetchScriptFailure(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.runner.rc = pool_errors.CodeHsmDelay

	cb, ch := collector()
	_, err := f.h.Fetch(context.Background(), osmAttrs(fileB, 9), cb)
	require.NoError(t, err)
	r := await(t, ch)
	assert.Equal(t, pool_errors.CodeHsmDelay, pool_errors.CodeOf(r.err))
	assert.Equal(t, pool_structs.StateNew, f.repo.GetState(fileB))
}

func TestFetchWithoutInstance(t *testing.T) {
	f := newHandlerFixture(t, nil)
	attrs := osmAttrs(fileB, 9)
	attrs.StorageInfo.HsmName = "tsm"

	_, err := f.h.Fetch(context.Background(), attrs, nil)
	assert.Equal(t, pool_errors.CodeIllegalArgument, pool_errors.CodeOf(err))
	assert.Equal(t, pool_structs.StateNew, f.repo.GetState(fileB))
}

func TestFetchDequeued(t *testing.T) {
	f := newHandlerFixture(t, nil, WithMaxActive(1, 0))

	cb, ch := collector()
	_, err := f.h.Fetch(context.Background(), osmAttrs(fileB, 9), cb)
	require.NoError(t, err)
	assert.Equal(t, pool_structs.StateFromStore, f.repo.GetState(fileB))

	infos := f.h.RestoreQueue().GetJobInfos()
	require.Len(t, infos, 1)
	require.NoError(t, f.h.RestoreQueue().Remove(infos[0].Id))
	r := await(t, ch)
	assert.Equal(t, pool_errors.CodeFetchDequeued, pool_errors.CodeOf(r.err))
	assert.Equal(t, pool_structs.StateNew, f.repo.GetState(fileB))
	assert.Equal(t, 0, f.runner.callCount())
}

func TestSetTimeouts(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.h.SetTimeouts(time.Minute, 0)
	store, restore := f.h.Timeouts()
	assert.Equal(t, time.Minute, store)
	assert.Equal(t, 4*time.Hour, restore)
}
