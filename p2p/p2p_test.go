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

package p2p

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/diskpool/account"
	"github.com/pelicanplatform/diskpool/cells"
	"github.com/pelicanplatform/diskpool/checksum"
	"github.com/pelicanplatform/diskpool/namespace"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

const (
	fileA = pool_structs.PnfsId("00000000000000000000000A")
	fileB = pool_structs.PnfsId("00000000000000000000000B")

	content = "Wikipedia"
)

var adler = pool_structs.Checksum{Type: pool_structs.ChecksumAdler32, Value: "11e60398"}

type transferFixture struct {
	bus    *cells.Bus
	ns     *namespace.MemoryNamespace
	source *repository.Repository
	dest   *repository.Repository
	client *Client
	sender *Sender

	// Reply code of the source pool to delivery requests
	deliveryRc int
}

func newRepository(t *testing.T) *repository.Repository {
	meta, err := repository.NewBadgerMetaStore("")
	require.NoError(t, err)
	data, err := repository.NewFileStore(afero.NewMemMapFs(), "/pool/data")
	require.NoError(t, err)
	repo := repository.New(account.New(1<<20), meta, data)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTransferFixture(t *testing.T, policies []string) *transferFixture {
	f := &transferFixture{
		bus:    cells.NewBus(),
		ns:     namespace.NewMemoryNamespace(),
		source: newRepository(t),
		dest:   newRepository(t),
		sender: NewSender(),
	}
	t.Cleanup(f.bus.Close)
	f.bus.Register("PnfsManager", f.ns)

	endpoint := f.bus.Endpoint("destPool")
	crc, err := checksum.NewModule("adler32", policies)
	require.NoError(t, err)
	f.client, err = NewClient(f.dest,
		WithNamespace(namespace.NewCellHandler(endpoint, "PnfsManager", "destPool", time.Second)),
		WithRequester(endpoint),
		WithChecksumModule(crc),
		WithPoolName("destPool"),
		WithListenAddress("127.0.0.1:0"),
		WithReplyTimeout(time.Second),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.client.Listen())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = f.client.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	f.bus.Register("destPool", cells.HandlerFunc(func(ctx context.Context, env *cells.Envelope) {
		if msg, ok := env.Message.(*pool_structs.DoorTransferFinishedMessage); ok {
			f.client.TransferFinished(msg)
		}
	}))
	sourceEndpoint := f.bus.Endpoint("sourcePool")
	f.bus.Register("sourcePool", cells.HandlerFunc(func(ctx context.Context, env *cells.Envelope) {
		msg, ok := env.Message.(*pool_structs.PoolDeliverFileMessage)
		if !ok {
			return
		}
		if f.deliveryRc != 0 {
			msg.SetReply(f.deliveryRc, "pool is disabled")
			env.Reply(msg)
			return
		}
		env.Reply(msg)

		finished := &pool_structs.DoorTransferFinishedMessage{
			PoolName:     "sourcePool",
			PnfsId:       msg.PnfsId,
			ProtocolInfo: msg.ProtocolInfo,
		}
		handle, err := f.source.OpenEntry(msg.PnfsId, 0)
		if err == nil {
			err = f.sender.Run(ctx, handle, msg.ProtocolInfo)
			_ = handle.Close()
		}
		finished.SetReply(pool_errors.CodeOf(err), pool_errors.Message(err))
		_ = sourceEndpoint.Notify(msg.DestinationPool, finished)
	}))
	return f
}

func (f *transferFixture) addFile(t *testing.T, id pool_structs.PnfsId, data string, checksums ...pool_structs.Checksum) {
	attrs := pool_structs.FileAttributes{
		PnfsId:    id,
		Size:      int64(len(data)),
		Checksums: checksums,
		StorageInfo: pool_structs.StorageInfo{
			HsmName:      "osm",
			StorageClass: "raw",
		},
	}
	f.ns.Create(attrs)
	h, err := f.source.CreateEntry(id, attrs, pool_structs.StateFromClient, pool_structs.StateCached, nil)
	require.NoError(t, err)
	require.NoError(t, h.Allocate(context.Background(), int64(len(data))))
	_, err = h.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, h.Commit(context.Background()))
}

func await(t *testing.T, results chan error) error {
	select {
	case err := <-results:
		return err
	case <-time.After(5 * time.Second):
		require.FailNow(t, "transfer did not finish")
	}
	return nil
}

func readReplica(t *testing.T, repo *repository.Repository, id pool_structs.PnfsId) string {
	h, err := repo.OpenEntry(id, repository.OpenNoAtime)
	require.NoError(t, err)
	defer h.Close()
	data, err := io.ReadAll(h)
	require.NoError(t, err)
	return string(data)
}

func hasWarning(hook *test.Hook, text string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.WarnLevel && strings.Contains(entry.Message, text) {
			return true
		}
	}
	return false
}

func TestNextState(t *testing.T) {
	tests := []struct {
		from CompanionState
		ev   companionEvent
		to   CompanionState
		ok   bool
	}{
		{CompanionPending, eventClientSucceeded, CompanionClientDone, true},
		{CompanionPending, eventServerSucceeded, CompanionServerDone, true},
		{CompanionPending, eventFailed, CompanionFailed, true},
		{CompanionClientDone, eventServerSucceeded, CompanionDone, true},
		{CompanionServerDone, eventClientSucceeded, CompanionDone, true},
		{CompanionClientDone, eventFailed, CompanionFailed, true},
		{CompanionServerDone, eventFailed, CompanionFailed, true},
		{CompanionClientDone, eventClientSucceeded, CompanionClientDone, false},
		{CompanionServerDone, eventServerSucceeded, CompanionServerDone, false},
		{CompanionDone, eventFailed, CompanionDone, false},
		{CompanionFailed, eventClientSucceeded, CompanionFailed, false},
		{CompanionFailed, eventFailed, CompanionFailed, false},
	}
	for _, tc := range tests {
		next, ok := nextState(tc.from, tc.ev)
		assert.Equal(t, tc.to, next, "%s on event %d", tc.from, tc.ev)
		assert.Equal(t, tc.ok, ok, "%s on event %d", tc.from, tc.ev)
	}
}

func TestTransfer(t *testing.T) {
	f := newTransferFixture(t, []string{"onTransfer"})
	f.addFile(t, fileA, content, adler)

	results := make(chan error, 2)
	sticky := pool_structs.StickyRecord{Owner: "replica", ExpiresAt: pool_structs.StickyForever}
	sessionId, err := f.client.NewCompanion(context.Background(), "sourcePool", fileA,
		pool_structs.StateCached, []pool_structs.StickyRecord{sticky},
		func(id pool_structs.PnfsId, err error) {
			assert.Equal(t, fileA, id)
			results <- err
		})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sessionId, firstSessionId)

	require.NoError(t, await(t, results))
	entry, err := f.dest.GetEntry(fileA)
	require.NoError(t, err)
	assert.Equal(t, pool_structs.StateCached, entry.State)
	assert.EqualValues(t, len(content), entry.Size)
	assert.Contains(t, entry.Attributes.Checksums, adler)
	assert.Equal(t, []pool_structs.StickyRecord{sticky}, entry.Stickies)
	assert.Equal(t, content, readReplica(t, f.dest, fileA))
	assert.EqualValues(t, len(content), f.dest.Account().Used())

	assert.EqualValues(t, len(content), f.sender.Transferred())
	assert.EqualValues(t, len(content), f.sender.Size())
	assert.Nil(t, f.client.Companion(sessionId))
	assert.Empty(t, f.client.Info().Sessions)
	assert.Empty(t, results)
}

func TestTransferAddsTransferChecksum(t *testing.T) {
	f := newTransferFixture(t, []string{"onTransfer"})
	f.addFile(t, fileA, content)

	results := make(chan error, 1)
	_, err := f.client.NewCompanion(context.Background(), "sourcePool", fileA, pool_structs.StatePrecious, nil,
		func(id pool_structs.PnfsId, err error) { results <- err })
	require.NoError(t, err)
	require.NoError(t, await(t, results))

	entry, err := f.dest.GetEntry(fileA)
	require.NoError(t, err)
	assert.Equal(t, pool_structs.StatePrecious, entry.State)
	assert.Equal(t, []pool_structs.Checksum{adler}, entry.Attributes.Checksums)
}

func TestTransferChecksumMismatch(t *testing.T) {
	f := newTransferFixture(t, []string{"onTransfer"})
	f.addFile(t, fileA, content, pool_structs.Checksum{Type: pool_structs.ChecksumAdler32, Value: "deadbeef"})

	results := make(chan error, 2)
	_, err := f.client.NewCompanion(context.Background(), "sourcePool", fileA, pool_structs.StateCached, nil,
		func(id pool_structs.PnfsId, err error) { results <- err })
	require.NoError(t, err)

	err = await(t, results)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindChecksumMismatch), "unexpected error %v", err)
	// The partial replica is kept for inspection
	assert.Equal(t, pool_structs.StateBroken, f.dest.GetState(fileA))
}

func TestDeliveryRejected(t *testing.T) {
	f := newTransferFixture(t, nil)
	f.deliveryRc = pool_errors.CodePoolDisabled
	f.addFile(t, fileA, content)

	results := make(chan error, 1)
	_, err := f.client.NewCompanion(context.Background(), "sourcePool", fileA, pool_structs.StateCached, nil,
		func(id pool_structs.PnfsId, err error) { results <- err })
	require.NoError(t, err)

	err = await(t, results)
	assert.Equal(t, pool_errors.CodePoolDisabled, pool_errors.CodeOf(err))
	assert.Equal(t, pool_structs.StateNew, f.dest.GetState(fileA))
	assert.True(t, f.dest.WasRemoved(fileA))
	assert.EqualValues(t, 0, f.dest.Account().Used())
}

func TestUnknownFile(t *testing.T) {
	f := newTransferFixture(t, nil)

	results := make(chan error, 1)
	_, err := f.client.NewCompanion(context.Background(), "sourcePool", fileB, pool_structs.StateCached, nil,
		func(id pool_structs.PnfsId, err error) { results <- err })
	require.NoError(t, err)
	err = await(t, results)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindNotFound), "unexpected error %v", err)
	assert.Equal(t, pool_structs.StateNew, f.dest.GetState(fileB))
}

func TestNewCompanionRejectsExistingReplica(t *testing.T) {
	f := newTransferFixture(t, nil)
	f.addFile(t, fileA, content)

	_, err := f.client.NewCompanion(context.Background(), "sourcePool", fileA, pool_structs.StateFromPool, nil, nil)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindIllegalArgument))

	// The destination is the source here
	client, err := NewClient(f.source, WithNamespace(namespace.NewCellHandler(f.bus.Endpoint("x"), "PnfsManager", "x", time.Second)),
		WithRequester(f.bus.Endpoint("x")), WithListenAddress("127.0.0.1:0"))
	require.NoError(t, err)
	_, err = client.NewCompanion(context.Background(), "sourcePool", fileA, pool_structs.StateCached, nil, nil)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindAlreadyExists))
}

func TestCompanionFailsOnce(t *testing.T) {
	f := newTransferFixture(t, nil)

	handle, err := f.dest.CreateEntry(fileB, pool_structs.FileAttributes{Size: 8}, pool_structs.StateFromPool, pool_structs.StateCached, nil)
	require.NoError(t, err)
	require.NoError(t, handle.Allocate(context.Background(), 8))
	_, err = handle.Write([]byte("part"))
	require.NoError(t, err)

	var calls int
	var got error
	companion := f.client.newCompanion(context.Background(), "sourcePool", fileB, pool_structs.StateCached, nil,
		func(id pool_structs.PnfsId, err error) {
			calls++
			got = err
		})
	companion.handle = handle
	require.NotNil(t, f.client.Companion(companion.SessionId()))

	require.NoError(t, companion.ServerSucceeded())
	assert.Equal(t, CompanionServerDone, companion.State())
	assert.Error(t, companion.ServerSucceeded())

	ioErr := pool_errors.IOFailure(errors.New("connection reset by peer"), "reading data")
	require.NoError(t, companion.Failed(ioErr))
	assert.Equal(t, CompanionFailed, companion.State())

	err = companion.ClientSucceeded()
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindIllegalTransition))
	assert.Error(t, companion.Failed(errors.New("again")))

	assert.Equal(t, 1, calls)
	assert.Equal(t, ioErr, got)
	assert.Equal(t, ioErr, companion.Err())
	assert.Equal(t, pool_structs.StateBroken, f.dest.GetState(fileB))
	assert.Nil(t, f.client.Companion(companion.SessionId()))
	assert.Error(t, f.client.Cancel(companion.SessionId()))
}

func TestCancel(t *testing.T) {
	f := newTransferFixture(t, nil)
	var got error
	companion := f.client.newCompanion(context.Background(), "sourcePool", fileB, pool_structs.StateCached, nil,
		func(id pool_structs.PnfsId, err error) { got = err })

	require.NoError(t, f.client.Cancel(companion.SessionId()))
	assert.True(t, pool_errors.IsKind(got, pool_errors.KindInterrupted))
	assert.Equal(t, context.Canceled, companion.ctx.Err())

	err := f.client.Cancel(companion.SessionId())
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindNotFound))
}

func TestUnsolicitedConnection(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	f := newTransferFixture(t, nil)

	conn, err := net.Dial("tcp", f.client.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	hello := binary.BigEndian.AppendUint32(nil, 4242)
	hello = binary.BigEndian.AppendUint32(hello, 0)
	_, err = conn.Write(hello)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Eventually(t, func() bool {
		return hasWarning(hook, "Unsolicited p2p connection")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTransferFinishedForUnknownSession(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	f := newTransferFixture(t, nil)

	f.client.TransferFinished(&pool_structs.DoorTransferFinishedMessage{
		PoolName:     "sourcePool",
		PnfsId:       fileA,
		ProtocolInfo: pool_structs.ProtocolInfo{SessionId: 7},
	})
	assert.True(t, hasWarning(hook, "unknown p2p session 7"))
}

func TestProtocolInfo(t *testing.T) {
	f := newTransferFixture(t, nil)
	info, err := f.client.protocolInfo(123)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", info.Host)
	assert.Equal(t, 123, info.SessionId)
	assert.Equal(t, f.client.Addr().(*net.TCPAddr).Port, info.Port)
	assert.Equal(t, protocolName, info.Protocol)
}

func TestDataLinkAck(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go func() {
		dl := newDataLink(server)
		_ = dl.writeAck(ack{kind: cmdFin, cmd: cmdRead, rc: pool_errors.CodeErrorIODisk, msg: "disk on fire"})
		_ = dl.writeAck(ack{kind: cmdAck, cmd: cmdClose})
		_ = dl.writeRequest(cmdRead, 1, 2)
	}()

	dl := newDataLink(client)
	_, err := dl.readAck(cmdFin, cmdRead)
	assert.Equal(t, pool_errors.CodeErrorIODisk, pool_errors.CodeOf(err))
	assert.Contains(t, err.Error(), "disk on fire")

	_, err = dl.readAck(cmdAck, cmdLocate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol violation")

	cmd, args, err := dl.readRequest()
	require.NoError(t, err)
	assert.Equal(t, cmdRead, cmd)
	assert.Equal(t, []int64{1, 2}, args)
}

func acceptOne(t *testing.T, serve func(net.Conn)) pool_structs.ProtocolInfo {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		serve(conn)
	}()
	addr := listener.Addr().(*net.TCPAddr)
	return pool_structs.ProtocolInfo{Protocol: protocolName, Host: "127.0.0.1", Port: addr.Port, SessionId: 7}
}

func TestReceiverPullsUpload(t *testing.T) {
	repo := newRepository(t)
	crc, err := checksum.NewModule("adler32", []string{"onTransfer"})
	require.NoError(t, err)

	sessions := make(chan int, 1)
	info := acceptOne(t, func(conn net.Conn) {
		id, err := Upload(context.Background(), conn, strings.NewReader(content), int64(len(content)))
		assert.NoError(t, err)
		sessions <- id
	})

	attrs := pool_structs.FileAttributes{PnfsId: fileA, Checksums: []pool_structs.Checksum{adler}}
	handle, err := repo.CreateEntry(fileA, attrs, pool_structs.StateFromClient, pool_structs.StatePrecious, nil)
	require.NoError(t, err)
	receiver := NewReceiver(crc)
	require.NoError(t, receiver.Run(context.Background(), handle, attrs, info))
	require.NoError(t, handle.Commit(context.Background()))

	assert.Equal(t, 7, <-sessions)
	assert.Equal(t, int64(len(content)), receiver.Transferred())
	assert.Equal(t, content, readReplica(t, repo, fileA))
	entry, err := repo.GetEntry(fileA)
	require.NoError(t, err)
	assert.Equal(t, pool_structs.StatePrecious, entry.State)
}

func TestReceiverUploadChecksumMismatch(t *testing.T) {
	repo := newRepository(t)
	crc, err := checksum.NewModule("adler32", []string{"onTransfer"})
	require.NoError(t, err)
	info := acceptOne(t, func(conn net.Conn) {
		_, _ = Upload(context.Background(), conn, strings.NewReader("Wikipedie"), 9)
	})

	attrs := pool_structs.FileAttributes{PnfsId: fileA, Checksums: []pool_structs.Checksum{adler}}
	handle, err := repo.CreateEntry(fileA, attrs, pool_structs.StateFromClient, pool_structs.StatePrecious, nil)
	require.NoError(t, err)
	err = NewReceiver(crc).Run(context.Background(), handle, attrs, info)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindChecksumMismatch))
	require.NoError(t, handle.Cancel(true))
	assert.Equal(t, pool_structs.StateBroken, repo.GetState(fileA))
}

func TestSenderServesDownload(t *testing.T) {
	f := newTransferFixture(t, nil)
	f.addFile(t, fileB, content)

	received := make(chan string, 1)
	info := acceptOne(t, func(conn net.Conn) {
		var buf strings.Builder
		_, err := Download(context.Background(), conn, &buf)
		assert.NoError(t, err)
		received <- buf.String()
	})

	handle, err := f.source.OpenEntry(fileB, 0)
	require.NoError(t, err)
	defer handle.Close()
	require.NoError(t, f.sender.Run(context.Background(), handle, info))
	assert.Equal(t, content, <-received)
}
