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
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/billing"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

// ioRequest is the scheduler job of a client transfer.  The door learns
// the result through a DoorTransferFinishedMessage.
type ioRequest struct {
	pool      *Pool
	msg       pool_structs.PoolIoFileMessage
	door      string
	key       requestKey
	mover     Mover
	submitted time.Time

	mu      sync.Mutex
	id      int
	started time.Time
	once    sync.Once
}

func newIoRequest(p *Pool, door string, msg *pool_structs.PoolIoFileMessage, mover Mover) *ioRequest {
	return &ioRequest{
		pool:      p,
		msg:       *msg,
		door:      door,
		key:       requestKey{door: door, doorRequestId: msg.DoorRequestId, pnfsId: msg.PnfsId},
		mover:     mover,
		submitted: time.Now(),
	}
}

func (r *ioRequest) direction() string {
	if r.msg.Write {
		return "write"
	}
	return "read"
}

func (r *ioRequest) Id() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *ioRequest) Queued(id int) error {
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
	r.pool.track(r)
	return nil
}

func (r *ioRequest) Unqueued() {
	r.finish(pool_errors.CodeDefault, "Transfer was killed")
}

func (r *ioRequest) Run(ctx context.Context) error {
	r.mu.Lock()
	r.started = time.Now()
	r.mu.Unlock()

	log.Debugf("Starting %s mover %d for %s", r.direction(), r.Id(), r.msg.PnfsId)
	err := r.mover.Run(ctx)
	if err != nil {
		r.pool.disableOnDiskError(err)
	}
	return err
}

func (r *ioRequest) Finished(rc int, msg string) {
	r.finish(rc, msg)
}

func (r *ioRequest) JobDescription() string {
	return fmt.Sprintf("%s %s %s from %s", r.msg.ProtocolInfo.Protocol, r.direction(), r.msg.PnfsId, r.door)
}

// finish runs once per request whichever way it ended.
func (r *ioRequest) finish(rc int, msg string) {
	r.once.Do(func() {
		r.mover.Release()
		r.pool.untrack(r)

		if rc == 0 {
			log.Infof("Mover %d finished %s of %s (%d bytes)", r.Id(), r.direction(), r.msg.PnfsId, r.mover.Transferred())
		} else {
			log.Warnf("Mover %d failed %s of %s: [%d] %s", r.Id(), r.direction(), r.msg.PnfsId, rc, msg)
		}
		metrics.PoolTransfersTotal.WithLabelValues(r.direction(), metrics.ResultLabel(rc)).Inc()
		metrics.PoolTransferredBytes.WithLabelValues(r.direction()).Add(float64(r.mover.Transferred()))

		attrs := r.msg.Attributes
		if entry, err := r.pool.repo.GetEntry(r.msg.PnfsId); err == nil {
			attrs = entry.Attributes
		}
		r.mu.Lock()
		started := r.started
		r.mu.Unlock()
		if started.IsZero() {
			started = r.submitted
		}
		rec := billing.Record{
			Type:         billing.TypeTransfer,
			PnfsId:       r.msg.PnfsId.String(),
			Size:         attrs.Size,
			Transferred:  r.mover.Transferred(),
			Protocol:     r.msg.ProtocolInfo.Protocol,
			Initiator:    r.msg.Initiator,
			Peer:         r.door,
			StorageClass: attrs.StorageInfo.StorageClassKey(),
			StartedAt:    started,
		}
		rec.Finish(rc, msg, time.Now())
		r.pool.report(rec)

		done := &pool_structs.DoorTransferFinishedMessage{
			PoolName:     r.pool.name,
			PnfsId:       r.msg.PnfsId,
			MoverId:      r.Id(),
			ProtocolInfo: r.msg.ProtocolInfo,
			Attributes:   attrs,
		}
		done.SetReply(rc, msg)
		if err := r.pool.endpoint.Notify(r.door, done); err != nil {
			log.Warnf("Failed to notify %s about mover %d: %v", r.door, r.Id(), err)
		}
	})
}

// track records the request so that duplicates and kills can find it.
func (p *Pool) track(r *ioRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transfers[r.id] = r
	if !r.msg.Write {
		p.requests[r.key] = r.id
	}
}

func (p *Pool) untrack(r *ioRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.transfers, r.id)
	if id, ok := p.requests[r.key]; ok && id == r.id {
		delete(p.requests, r.key)
	}
}

// duplicateOf returns the id of a queued read equal to msg.
func (p *Pool) duplicateOf(door string, msg *pool_structs.PoolIoFileMessage) (int, bool) {
	if msg.Write {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.requests[requestKey{door: door, doorRequestId: msg.DoorRequestId, pnfsId: msg.PnfsId}]
	return id, ok
}

// abandon releases a request the scheduler refused.
func (r *ioRequest) abandon() {
	r.once.Do(func() {
		r.mover.Release()
		r.pool.untrack(r)
	})
}
