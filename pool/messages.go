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

package pool

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/billing"
	"github.com/pelicanplatform/diskpool/cells"
	"github.com/pelicanplatform/diskpool/hsm"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/p2p"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
	"github.com/pelicanplatform/diskpool/scheduler"
)

// deliverRequest serves a replica to a pool pulling it.  The pulling pool
// hears the result through a DoorTransferFinishedMessage.
type deliverRequest struct {
	pool    *Pool
	msg     pool_structs.PoolDeliverFileMessage
	dest    string
	handle  *repository.ReadHandle
	sender  *p2p.Sender
	id      int
	started time.Time
}

// MessageArrived dispatches the requests sent to the pool.
func (p *Pool) MessageArrived(ctx context.Context, env *cells.Envelope) {
	switch msg := env.Message.(type) {
	case *pool_structs.PoolIoFileMessage:
		p.ioFile(env, msg)
	case *pool_structs.PoolDeliverFileMessage:
		p.deliverFile(env, msg)
	case *pool_structs.Pool2PoolTransferMessage:
		p.pool2Pool(ctx, env, msg)
	case *pool_structs.PoolFetchFileMessage:
		p.fetchFile(ctx, env, msg)
	case *pool_structs.PoolSetStickyMessage:
		p.setSticky(env, msg)
	case *pool_structs.PoolModifyModeMessage:
		p.SetMode(msg.Mode, msg.StatusCode, msg.StatusMsg)
		msg.SetSucceeded()
		env.Reply(msg)
	case *pool_structs.PoolRemoveFilesMessage:
		p.removeFiles(env, msg)
	case *pool_structs.PoolCheckFileMessage:
		p.checkFile(env, msg)
	case *pool_structs.PoolFlushControlMessage:
		p.flush.SetHoldUntil(msg.HoldUntil)
		msg.SetSucceeded()
		env.Reply(msg)
	case *pool_structs.DoorTransferFinishedMessage:
		p.p2pClient.TransferFinished(msg)
	default:
		log.Warnf("Pool %s dropped unexpected message %T from %s", p.name, env.Message, env.Source)
		env.ReplyError(pool_errors.IllegalArgument("unexpected message %T", env.Message))
	}
}

func replyFailed(env *cells.Envelope, msg pool_structs.Reply, err error) {
	msg.SetReply(pool_errors.CodeOf(err), pool_errors.Message(err))
	env.Reply(msg)
}

func (p *Pool) ioFile(env *cells.Envelope, msg *pool_structs.PoolIoFileMessage) {
	bits := pool_structs.ModeFetch
	if msg.Write {
		bits = pool_structs.ModeStore
	}
	if err := p.checkMode(bits); err != nil {
		replyFailed(env, msg, err)
		return
	}

	if id, ok := p.duplicateOf(env.Source, msg); ok {
		switch p.duplicates {
		case DuplicatesIgnore:
			log.Infof("Ignoring duplicate request %d of %s for %s", msg.DoorRequestId, env.Source, msg.PnfsId)
			msg.MoverId = id
			msg.SetSucceeded()
			env.Reply(msg)
			return
		case DuplicatesRefresh:
			log.Infof("Replacing mover %d by duplicate request %d of %s", id, msg.DoorRequestId, env.Source)
			if err := p.ioQueues.Kill(id, true); err != nil {
				log.Warnf("Failed to kill mover %d: %v", id, err)
			}
		}
	}

	factory, err := p.moverFactory(msg.ProtocolInfo.Protocol)
	if err != nil {
		replyFailed(env, msg, err)
		return
	}
	mover, err := factory(p, msg)
	if err != nil {
		p.disableOnDiskError(err)
		replyFailed(env, msg, err)
		return
	}

	req := newIoRequest(p, env.Source, msg, mover)
	id, err := p.ioQueues.Add(msg.IoQueue, req, scheduler.PriorityRegular)
	if err != nil {
		req.abandon()
		replyFailed(env, msg, err)
		return
	}
	msg.MoverId = id
	msg.SetSucceeded()
	env.Reply(msg)
}

func (p *Pool) deliverFile(env *cells.Envelope, msg *pool_structs.PoolDeliverFileMessage) {
	if err := p.checkMode(pool_structs.ModeP2PServer); err != nil {
		replyFailed(env, msg, err)
		return
	}
	handle, err := p.repo.OpenEntry(msg.PnfsId, 0)
	if err != nil {
		replyFailed(env, msg, err)
		return
	}
	dest := msg.DestinationPool
	if dest == "" {
		dest = env.Source
	}
	req := &deliverRequest{pool: p, msg: *msg, dest: dest, handle: handle, sender: p2p.NewSender()}
	id, err := p.p2pQueue.Add(req, scheduler.PriorityRegular)
	if err != nil {
		_ = handle.Close()
		replyFailed(env, msg, err)
		return
	}
	msg.MoverId = id
	msg.SetSucceeded()
	env.Reply(msg)
}

func (r *deliverRequest) Queued(id int) error {
	r.id = id
	return nil
}

func (r *deliverRequest) Unqueued() {
	r.Finished(pool_errors.CodeDefault, "Transfer was killed")
}

func (r *deliverRequest) Run(ctx context.Context) error {
	r.started = time.Now()
	err := r.sender.Run(ctx, r.handle, r.msg.ProtocolInfo)
	if err != nil {
		r.pool.disableOnDiskError(err)
	}
	return err
}

func (r *deliverRequest) Finished(rc int, msg string) {
	_ = r.handle.Close()
	metrics.PoolTransfersTotal.WithLabelValues("p2p-server", metrics.ResultLabel(rc)).Inc()

	entry := r.handle.Entry()
	rec := billing.Record{
		Type:         billing.TypeTransfer,
		PnfsId:       r.msg.PnfsId.String(),
		Size:         entry.Size,
		Transferred:  r.sender.Transferred(),
		Protocol:     "p2p",
		Initiator:    r.dest,
		Peer:         r.dest,
		StorageClass: entry.Attributes.StorageInfo.StorageClassKey(),
		StartedAt:    r.started,
	}
	rec.Finish(rc, msg, time.Now())
	r.pool.report(rec)

	done := &pool_structs.DoorTransferFinishedMessage{
		PoolName:     r.pool.name,
		PnfsId:       r.msg.PnfsId,
		MoverId:      r.id,
		ProtocolInfo: r.msg.ProtocolInfo,
		Attributes:   entry.Attributes,
	}
	done.SetReply(rc, msg)
	if err := r.pool.endpoint.Notify(r.dest, done); err != nil {
		log.Warnf("Failed to notify %s about p2p transfer of %s: %v", r.dest, r.msg.PnfsId, err)
	}
}

func (r *deliverRequest) JobDescription() string {
	return fmt.Sprintf("p2p delivery of %s to %s", r.msg.PnfsId, r.dest)
}

// pool2Pool replicates a file from another pool.  The reply is sent once
// the replica is complete.
func (p *Pool) pool2Pool(ctx context.Context, env *cells.Envelope, msg *pool_structs.Pool2PoolTransferMessage) {
	if err := p.checkMode(pool_structs.ModeP2PClient); err != nil {
		replyFailed(env, msg, err)
		return
	}
	target := msg.TargetState
	if !target.IsStable() {
		target = pool_structs.StateCached
	}
	sessionId, err := p.p2pClient.NewCompanion(ctx, msg.SourcePool, msg.PnfsId, target, msg.StickyRecords,
		func(id pool_structs.PnfsId, err error) {
			if err != nil {
				p.disableOnDiskError(err)
				replyFailed(env, msg, err)
				return
			}
			msg.SetSucceeded()
			env.Reply(msg)
		})
	if err != nil {
		replyFailed(env, msg, err)
		return
	}
	log.Infof("P2P session %d started for %s from %s", sessionId, msg.PnfsId, msg.SourcePool)
}

// fetchFile restores a file from tape.  The reply is sent once the
// replica is on disk.
func (p *Pool) fetchFile(ctx context.Context, env *cells.Envelope, msg *pool_structs.PoolFetchFileMessage) {
	if err := p.checkMode(pool_structs.ModeStage); err != nil {
		replyFailed(env, msg, err)
		return
	}
	if p.lfs != LfsNone {
		replyFailed(env, msg, pool_errors.PoolDisabled("Pool is disabled"))
		return
	}
	attrs := msg.Attributes
	attrs.PnfsId = msg.PnfsId

	if attrs.Size == 0 && !p.flushZero {
		handle, err := p.repo.CreateEntry(msg.PnfsId, attrs, pool_structs.StateFromStore, pool_structs.StateCached, nil)
		if err == nil {
			err = handle.Commit(ctx)
			if err != nil {
				_ = handle.Cancel(false)
			}
		}
		if err != nil && !pool_errors.IsKind(err, pool_errors.KindAlreadyExists) {
			replyFailed(env, msg, err)
			return
		}
		msg.SetSucceeded()
		env.Reply(msg)
		return
	}

	outcome, err := p.storage.Fetch(ctx, attrs, func(id pool_structs.PnfsId, err error) {
		if err != nil {
			p.disableOnDiskError(err)
			replyFailed(env, msg, err)
			return
		}
		msg.SetSucceeded()
		env.Reply(msg)
	})
	if err != nil {
		replyFailed(env, msg, err)
		return
	}
	if outcome == hsm.AlreadyDone {
		msg.SetSucceeded()
		env.Reply(msg)
	}
}

func (p *Pool) setSticky(env *cells.Envelope, msg *pool_structs.PoolSetStickyMessage) {
	lifetime := msg.Lifetime
	if !msg.Sticky {
		lifetime = 0
	}
	if err := p.repo.SetSticky(msg.PnfsId, msg.Owner, lifetime, true); err != nil {
		replyFailed(env, msg, err)
		return
	}
	msg.SetSucceeded()
	env.Reply(msg)
}

// removeFiles removes cached replicas nobody pinned; the others are
// returned in Failed.
func (p *Pool) removeFiles(env *cells.Envelope, msg *pool_structs.PoolRemoveFilesMessage) {
	if err := p.checkMode(pool_structs.ModeDisabled); err != nil {
		replyFailed(env, msg, err)
		return
	}
	now := time.Now()
	msg.Failed = nil
	for _, id := range msg.Files {
		_, removed, err := p.repo.RemoveIf(id, func(entry repository.CacheEntry) bool {
			return entry.State == pool_structs.StateCached && !entry.IsSticky(now)
		})
		switch {
		case err != nil && pool_errors.IsKind(err, pool_errors.KindNotFound):
			// Nothing left to remove
		case err != nil || !removed:
			msg.Failed = append(msg.Failed, id)
		default:
			log.Infof("Removed %s on request of %s", id, env.Source)
		}
	}
	if len(msg.Failed) > 0 {
		msg.SetReply(1, fmt.Sprintf("%d of %d files could not be removed", len(msg.Failed), len(msg.Files)))
	} else {
		msg.SetSucceeded()
	}
	env.Reply(msg)
}

func (p *Pool) checkFile(env *cells.Envelope, msg *pool_structs.PoolCheckFileMessage) {
	if err := p.checkMode(pool_structs.ModeFetch); err != nil {
		replyFailed(env, msg, err)
		return
	}
	state := p.repo.GetState(msg.PnfsId)
	msg.Have = state.IsStable()
	msg.Waiting = state.IsTransient()
	msg.SetSucceeded()
	env.Reply(msg)
}
