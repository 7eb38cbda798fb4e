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
	"hash"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/pelicanplatform/diskpool/checksum"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

type (
	// sink is where a puller stores the data; implemented by
	// repository.WriteHandle.
	sink interface {
		io.Writer
		Allocate(ctx context.Context, n int64) error
		AddChecksum(c pool_structs.Checksum)
	}

	// puller runs the requesting side of a data link: locate the file,
	// reserve space for it, read it into a write handle and close the
	// session.
	puller struct {
		crc *checksum.Module
		// Size announced by the namespace; zero or less if unknown.
		expectedSize int64
		expected     []pool_structs.Checksum
		id           pool_structs.PnfsId
		status       func(string)
		sample       func(bytesPerSecond float64)
		received     *atomic.Int64
	}

	// Receiver is the mover of a client write.  It connects to the client
	// and pulls the file over a data link.
	Receiver struct {
		crc         *checksum.Module
		dialer      net.Dialer
		transferred *atomic.Int64

		mu   sync.Mutex
		rate ewma.MovingAverage
	}
)

// handleConnection serves one data connection opened by a source pool.
func (c *Client) handleConnection(ctx context.Context, conn net.Conn) {
	dl := newDataLink(conn)
	sessionId, err := dl.readHello()
	if err != nil {
		log.Warningf("Dropping p2p connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	companion := c.lookup(sessionId)
	if companion == nil {
		log.Warningf("Unsolicited p2p connection from %s for unknown session %d", conn.RemoteAddr(), sessionId)
		conn.Close()
		return
	}

	companion.mu.Lock()
	handle := companion.handle
	attrs := companion.attrs
	switch {
	case companion.state.IsFinal():
		err = pool_errors.New(pool_errors.KindIllegalTransition, pool_errors.CodeIllegalTransition, "session already finished")
	case companion.conn != nil:
		err = pool_errors.New(pool_errors.KindIllegalTransition, pool_errors.CodeIllegalTransition, "session already has a data connection")
	case handle == nil:
		err = pool_errors.New(pool_errors.KindIllegalTransition, pool_errors.CodeIllegalTransition, "session is not ready for data")
	default:
		companion.conn = conn
		companion.status = "receiving data"
	}
	companion.mu.Unlock()
	if err != nil {
		log.Warningf("Dropping p2p connection from %s for session %d: %v", conn.RemoteAddr(), sessionId, err)
		conn.Close()
		return
	}

	stop := context.AfterFunc(companion.ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	p := &puller{
		crc:          c.crc,
		expectedSize: attrs.Size,
		expected:     attrs.Checksums,
		id:           companion.pnfsId,
		status:       companion.setStatus,
		sample:       c.addRateSample,
	}
	if err := p.pull(companion.ctx, dl, handle); err != nil {
		if ctx.Err() != nil {
			err = pool_errors.Interrupted(err, "pool is shutting down")
		}
		_ = companion.Failed(err)
		return
	}
	if err := companion.ClientSucceeded(); err != nil {
		log.Warningf("P2P session %d: %v", sessionId, err)
	}
}

func (p *puller) setStatus(status string) {
	if p.status != nil {
		p.status(status)
	}
}

func (p *puller) pull(ctx context.Context, dl *dataLink, handle sink) error {
	if err := dl.writeRequest(cmdLocate); err != nil {
		return linkFailure(err, "sending locate request")
	}
	payload, err := dl.readAck(cmdAck, cmdLocate)
	if err != nil {
		return linkFailure(err, "waiting for locate reply")
	}
	if len(payload) < 16 {
		return protocolViolation("locate reply of %d bytes", len(payload))
	}
	size := int64(binary.BigEndian.Uint64(payload))
	if size < 0 || (p.expectedSize > 0 && size != p.expectedSize) {
		return pool_errors.Newf(pool_errors.KindIOFailure, pool_errors.CodeIO,
			"peer reports %d bytes for %s, namespace has %d", size, p.id, p.expectedSize)
	}

	p.setStatus("waiting for space")
	if err := handle.Allocate(ctx, size); err != nil {
		return err
	}

	p.setStatus("starting transfer")
	if err := dl.writeRequest(cmdRead, size); err != nil {
		return linkFailure(err, "sending read request")
	}
	if _, err := dl.readAck(cmdAck, cmdRead); err != nil {
		return linkFailure(err, "waiting for read reply")
	}
	if err := dl.readDataHeader(); err != nil {
		return linkFailure(err, "waiting for data")
	}

	var digest hash.Hash
	var factory checksum.Factory
	if p.crc != nil && (p.crc.Has(checksum.OnTransfer) || p.crc.Has(checksum.OnWrite)) {
		factory = p.crc.FactoryFor(p.expected)
		digest = factory.New()
	}

	received, err := p.receiveData(ctx, dl, handle, digest)
	if err != nil {
		return err
	}
	if _, err := dl.readAck(cmdFin, cmdRead); err != nil {
		return linkFailure(err, "waiting for end of transfer")
	}
	if err := dl.writeRequest(cmdClose); err != nil {
		return linkFailure(err, "sending close request")
	}
	if _, err := dl.readAck(cmdAck, cmdClose); err != nil {
		return linkFailure(err, "waiting for close reply")
	}

	if received != size {
		return pool_errors.Newf(pool_errors.KindIOFailure, pool_errors.CodeIO,
			"incomplete file received: %d of %d bytes", received, size)
	}
	if digest != nil {
		actual := factory.Sum(digest)
		if err := checksum.Verify(p.expected, actual); err != nil {
			return err
		}
		handle.AddChecksum(actual)
	}
	p.setStatus("data received")
	return nil
}

func (p *puller) receiveData(ctx context.Context, dl *dataLink, handle sink, digest hash.Hash) (int64, error) {
	buf := make([]byte, dataBlockSize)
	var total, sample int64
	lastSample := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return total, pool_errors.Interrupted(err, "transfer interrupted")
		}
		n, err := dl.readBlockSize()
		if err != nil {
			return total, linkFailure(err, "reading data")
		}
		if n < 0 {
			return total, nil
		}
		for rest := int(n); rest > 0; {
			block := buf[:min(rest, len(buf))]
			if _, err := io.ReadFull(dl.r, block); err != nil {
				return total, linkFailure(err, "reading data")
			}
			if _, err := handle.Write(block); err != nil {
				return total, err
			}
			if digest != nil {
				digest.Write(block)
			}
			rest -= len(block)
			total += int64(len(block))
			sample += int64(len(block))
			if p.received != nil {
				p.received.Add(int64(len(block)))
			}
		}
		if elapsed := time.Since(lastSample); elapsed >= rateSampleEvery && p.sample != nil {
			p.sample(float64(sample) / elapsed.Seconds())
			sample = 0
			lastSample = time.Now()
		}
	}
}

// NewReceiver creates a write mover; a nil crc disables transfer
// checksums.
func NewReceiver(crc *checksum.Module) *Receiver {
	return &Receiver{
		crc:         crc,
		dialer:      net.Dialer{Timeout: 30 * time.Second},
		transferred: atomic.NewInt64(0),
		rate:        ewma.NewMovingAverage(10),
	}
}

func (r *Receiver) Transferred() int64 {
	return r.transferred.Load()
}

func (r *Receiver) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate.Value()
}

func (r *Receiver) addSample(bytesPerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate.Add(bytesPerSecond)
}

// Run connects to the client described by info and reads the file into
// handle.  The handle is left open; the caller commits or cancels it.
func (r *Receiver) Run(ctx context.Context, handle *repository.WriteHandle, attrs pool_structs.FileAttributes, info pool_structs.ProtocolInfo) error {
	addr := net.JoinHostPort(info.Host, strconv.Itoa(info.Port))
	conn, err := r.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return pool_errors.CommunicationFailure(err, "failed to connect to %s", addr)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	dl := newDataLink(conn)
	if err := dl.writeHello(info.SessionId); err != nil {
		return linkFailure(err, "opening session")
	}
	p := &puller{
		crc:          r.crc,
		expectedSize: attrs.Size,
		expected:     attrs.Checksums,
		id:           attrs.PnfsId,
		sample:       r.addSample,
		received:     r.transferred,
	}
	err = p.pull(ctx, dl, handle)
	if err != nil && ctx.Err() != nil {
		err = pool_errors.Interrupted(ctx.Err(), "transfer interrupted")
	}
	metrics.PoolTransferredBytes.WithLabelValues("write").Add(float64(r.Transferred()))
	return err
}
