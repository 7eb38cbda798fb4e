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

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/p2p"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

type (
	// Mover moves the bytes of one client transfer.  Release is called
	// exactly once, after Run returned or when the request was dropped
	// before it ran.
	Mover interface {
		Run(ctx context.Context) error
		Transferred() int64
		Release()
	}

	// MoverFactory creates the mover for a transfer request.  Errors are
	// reported to the door right away.
	MoverFactory func(p *Pool, msg *pool_structs.PoolIoFileMessage) (Mover, error)

	// dcapReadMover streams a replica to a door that pulls it over the
	// data link.
	dcapReadMover struct {
		handle *repository.ReadHandle
		info   pool_structs.ProtocolInfo
		sender *p2p.Sender
	}

	// dcapWriteMover pulls a new replica from a door.
	dcapWriteMover struct {
		pool     *Pool
		handle   *repository.WriteHandle
		attrs    pool_structs.FileAttributes
		info     pool_structs.ProtocolInfo
		receiver *p2p.Receiver
	}
)

const dcapProtocol = "DCap"

// RegisterMover makes protocol available to doors.
func (p *Pool) RegisterMover(protocol string, factory MoverFactory) {
	p.moverMu.Lock()
	defer p.moverMu.Unlock()
	p.movers[protocol] = factory
}

func (p *Pool) moverFactory(protocol string) (MoverFactory, error) {
	p.moverMu.RLock()
	defer p.moverMu.RUnlock()
	factory, ok := p.movers[protocol]
	if !ok {
		return nil, pool_errors.IllegalArgument("protocol %q is not supported by pool %s", protocol, p.name)
	}
	return factory, nil
}

func newDCapMover(p *Pool, msg *pool_structs.PoolIoFileMessage) (Mover, error) {
	if !msg.Write {
		handle, err := p.repo.OpenEntry(msg.PnfsId, 0)
		if err != nil {
			return nil, err
		}
		return &dcapReadMover{handle: handle, info: msg.ProtocolInfo, sender: p2p.NewSender()}, nil
	}

	handle, err := p.repo.CreateEntry(msg.PnfsId, msg.Attributes, pool_structs.StateFromClient, pool_structs.StatePrecious, nil)
	if err != nil {
		return nil, err
	}
	return &dcapWriteMover{
		pool:     p,
		handle:   handle,
		attrs:    msg.Attributes,
		info:     msg.ProtocolInfo,
		receiver: p2p.NewReceiver(p.crc),
	}, nil
}

func (m *dcapReadMover) Run(ctx context.Context) error {
	return m.sender.Run(ctx, m.handle, m.info)
}

func (m *dcapReadMover) Transferred() int64 {
	return m.sender.Transferred()
}

func (m *dcapReadMover) Release() {
	_ = m.handle.Close()
}

func (m *dcapWriteMover) Run(ctx context.Context) error {
	if err := m.receiver.Run(ctx, m.handle, m.attrs, m.info); err != nil {
		_ = m.handle.Cancel(true)
		return err
	}
	if err := m.handle.Commit(ctx); err != nil {
		_ = m.handle.Cancel(true)
		return err
	}
	m.registerChecksums(ctx)
	return nil
}

// registerChecksums tells the namespace about checksums computed during
// the upload that it did not know before.
func (m *dcapWriteMover) registerChecksums(ctx context.Context) {
	entry, err := m.pool.repo.GetEntry(m.handle.PnfsId())
	if err != nil {
		return
	}
	for _, sum := range entry.Attributes.Checksums {
		known := false
		for _, existing := range m.attrs.Checksums {
			if existing.Type == sum.Type {
				known = true
				break
			}
		}
		if known {
			continue
		}
		if err := m.pool.ns.SetChecksum(ctx, entry.PnfsId, sum); err != nil {
			log.Warnf("Failed to register checksum %s of %s: %v", sum, entry.PnfsId, err)
		}
	}
}

func (m *dcapWriteMover) Transferred() int64 {
	return m.receiver.Transferred()
}

// Release drops the replica of an upload that never ran.
func (m *dcapWriteMover) Release() {
	_ = m.handle.Cancel(false)
}
