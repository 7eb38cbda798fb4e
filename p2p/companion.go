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
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/billing"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

type (
	CompanionState int

	companionEvent int

	// Callback receives the outcome of a transfer exactly once; err is nil
	// when the replica was committed.
	Callback func(id pool_structs.PnfsId, err error)

	// Companion follows one pool to pool transfer on the receiving pool.
	// The data connection and the sending pool each confirm the transfer
	// independently; the replica is committed only once both did.
	Companion struct {
		client   *Client
		id       int
		pnfsId   pool_structs.PnfsId
		source   string
		target   pool_structs.EntryState
		stickies []pool_structs.StickyRecord
		callback Callback
		created  time.Time

		ctx    context.Context
		cancel context.CancelFunc

		mu     sync.Mutex
		state  CompanionState
		status string
		err    error
		attrs  pool_structs.FileAttributes
		handle *repository.WriteHandle
		conn   net.Conn
	}

	CompanionInfo struct {
		SessionId   int                 `json:"sessionId"`
		PnfsId      pool_structs.PnfsId `json:"pnfsid"`
		SourcePool  string              `json:"sourcePool"`
		State       string              `json:"state"`
		Status      string              `json:"status"`
		Transferred int64               `json:"transferred"`
		Created     time.Time           `json:"created"`
	}
)

const (
	CompanionPending CompanionState = iota
	// The data connection completed; waiting for the sending pool.
	CompanionClientDone
	// The sending pool reported success; waiting for the data connection.
	CompanionServerDone
	CompanionDone
	CompanionFailed
)

const (
	eventClientSucceeded companionEvent = iota
	eventServerSucceeded
	eventFailed
)

func (s CompanionState) String() string {
	switch s {
	case CompanionPending:
		return "pending"
	case CompanionClientDone:
		return "client done"
	case CompanionServerDone:
		return "server done"
	case CompanionDone:
		return "done"
	case CompanionFailed:
		return "failed"
	}
	return "unknown"
}

// IsFinal reports whether the callback has been (or is being) called.
func (s CompanionState) IsFinal() bool {
	return s == CompanionDone || s == CompanionFailed
}

// nextState is the transition table of the companion.  ok is false for
// events that are not allowed in state s; such events change nothing.
func nextState(s CompanionState, ev companionEvent) (next CompanionState, ok bool) {
	switch {
	case s.IsFinal():
		return s, false
	case ev == eventFailed:
		return CompanionFailed, true
	case s == CompanionPending && ev == eventClientSucceeded:
		return CompanionClientDone, true
	case s == CompanionPending && ev == eventServerSucceeded:
		return CompanionServerDone, true
	case s == CompanionClientDone && ev == eventServerSucceeded,
		s == CompanionServerDone && ev == eventClientSucceeded:
		return CompanionDone, true
	}
	return s, false
}

func (c *Companion) SessionId() int {
	return c.id
}

func (c *Companion) PnfsId() pool_structs.PnfsId {
	return c.pnfsId
}

func (c *Companion) SourcePool() string {
	return c.source
}

func (c *Companion) State() CompanionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the cause of the failure of a failed companion.
func (c *Companion) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Companion) setStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	log.Debugf("P2P session %d for %s: %s", c.id, c.pnfsId, status)
}

func (c *Companion) Info() CompanionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := CompanionInfo{
		SessionId:  c.id,
		PnfsId:     c.pnfsId,
		SourcePool: c.source,
		State:      c.state.String(),
		Status:     c.status,
		Created:    c.created,
	}
	if c.handle != nil {
		info.Transferred = c.handle.Written()
	}
	return info
}

// ClientSucceeded is called once the data connection delivered the file.
func (c *Companion) ClientSucceeded() error {
	return c.fire(eventClientSucceeded, nil)
}

// ServerSucceeded is called once the sending pool reported the transfer
// as finished.
func (c *Companion) ServerSucceeded() error {
	return c.fire(eventServerSucceeded, nil)
}

// Failed aborts the transfer.  The write handle is cancelled, keeping a
// partially received replica as broken, and the callback reports err.
func (c *Companion) Failed(err error) error {
	if err == nil {
		err = pool_errors.Unexpected(nil, "transfer failed without a cause")
	}
	return c.fire(eventFailed, err)
}

// fire applies ev.  Events arriving after the companion finished, and
// duplicate success reports, are rejected with an error and ignored.
func (c *Companion) fire(ev companionEvent, cause error) error {
	c.mu.Lock()
	prev := c.state
	next, ok := nextState(prev, ev)
	if !ok {
		c.mu.Unlock()
		return pool_errors.Newf(pool_errors.KindIllegalTransition, pool_errors.CodeIllegalTransition,
			"p2p session %d for %s is %s; event rejected", c.id, c.pnfsId, prev)
	}
	c.state = next
	if next == CompanionFailed {
		c.err = cause
		c.status = pool_errors.Message(cause)
	}
	handle := c.handle
	conn := c.conn
	c.mu.Unlock()

	switch next {
	case CompanionDone:
		c.succeed(handle)
	case CompanionFailed:
		c.fail(handle, conn, cause)
	}
	return nil
}

func (c *Companion) succeed(handle *repository.WriteHandle) {
	var err error
	if handle == nil {
		err = pool_errors.Unexpected(nil, "transfer finished without a replica")
	} else if err = handle.Commit(c.ctx); err != nil {
		log.Errorf("Failed to commit replica %s received from %s: %v", c.pnfsId, c.source, err)
		_ = handle.Cancel(true)
	}
	c.mu.Lock()
	if err != nil {
		c.err = err
		c.status = pool_errors.Message(err)
	} else {
		c.status = "transfer done"
	}
	c.mu.Unlock()
	c.finish(handle, err)
}

func (c *Companion) fail(handle *repository.WriteHandle, conn net.Conn, cause error) {
	log.Warningf("P2P session %d for %s from %s failed: %v", c.id, c.pnfsId, c.source, cause)
	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if handle != nil {
		if err := handle.Cancel(handle.Written() > 0); err != nil {
			log.Errorf("Failed to cancel replica %s: %v", c.pnfsId, err)
		}
	}
	c.finish(handle, cause)
}

func (c *Companion) finish(handle *repository.WriteHandle, err error) {
	c.cancel()
	c.client.remove(c.id)

	var transferred int64
	if handle != nil {
		transferred = handle.Written()
	}
	rc := pool_errors.CodeOf(err)
	metrics.PoolTransfersTotal.WithLabelValues("p2p-client", metrics.ResultLabel(rc)).Inc()
	metrics.PoolTransferredBytes.WithLabelValues("p2p-client").Add(float64(transferred))

	if c.client.billing != nil {
		c.mu.Lock()
		rec := billing.Record{
			Type:         billing.TypeTransfer,
			PnfsId:       c.pnfsId.String(),
			Size:         c.attrs.Size,
			Transferred:  transferred,
			Protocol:     protocolName,
			Initiator:    "pool:" + c.client.poolName,
			Peer:         c.source,
			StorageClass: c.attrs.StorageInfo.StorageClassKey(),
			StartedAt:    c.created,
		}
		c.mu.Unlock()
		rec.Finish(rc, pool_errors.Message(err), time.Now())
		c.client.billing.Report(rec)
	}

	if c.callback != nil {
		c.callback(c.pnfsId, err)
	}
}
