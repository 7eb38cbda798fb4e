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
	"strconv"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"go.uber.org/atomic"

	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

// Sender is the mover on the source pool of a pool to pool transfer.  It
// connects to the acceptor of the receiving pool and answers its requests
// from a read handle.
type Sender struct {
	dialer      net.Dialer
	transferred *atomic.Int64
	size        *atomic.Int64

	mu   sync.Mutex
	rate ewma.MovingAverage
}

func NewSender() *Sender {
	return &Sender{
		dialer:      net.Dialer{Timeout: 30 * time.Second},
		transferred: atomic.NewInt64(0),
		size:        atomic.NewInt64(0),
		rate:        ewma.NewMovingAverage(10),
	}
}

func (s *Sender) Transferred() int64 {
	return s.transferred.Load()
}

// Size is the size of the file being sent, zero before the receiver asked
// for it.
func (s *Sender) Size() int64 {
	return s.size.Load()
}

// Rate is the moving average of the send rate in bytes per second.
func (s *Sender) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate.Value()
}

// Run sends the replica behind handle to the receiver described by info.
// It returns once the receiver closed the session.
func (s *Sender) Run(ctx context.Context, handle *repository.ReadHandle, info pool_structs.ProtocolInfo) error {
	addr := net.JoinHostPort(info.Host, strconv.Itoa(info.Port))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
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
	err = s.serve(ctx, dl, handle, handle.Entry().Size, handle.PnfsId().String())
	if err != nil && ctx.Err() != nil {
		return pool_errors.Interrupted(ctx.Err(), "transfer interrupted")
	}
	metrics.PoolTransferredBytes.WithLabelValues("p2p-server").Add(float64(s.Transferred()))
	return err
}

// serve answers the requests of the pulling side until it closes the
// session.
func (s *Sender) serve(ctx context.Context, dl *dataLink, r io.ReaderAt, size int64, name string) error {
	for {
		cmd, args, err := dl.readRequest()
		if err != nil {
			return linkFailure(err, "waiting for request")
		}
		switch cmd {
		case cmdLocate:
			payload := make([]byte, 0, 16)
			payload = binary.BigEndian.AppendUint64(payload, uint64(size))
			payload = binary.BigEndian.AppendUint64(payload, 0)
			if err := dl.writeAck(ack{kind: cmdAck, cmd: cmdLocate, payload: payload}); err != nil {
				return linkFailure(err, "answering locate request")
			}
		case cmdRead:
			if len(args) != 1 {
				_ = dl.writeAck(ack{kind: cmdAck, cmd: cmdRead, rc: pool_errors.CodeInvalidArgs, msg: "read needs a length"})
				return protocolViolation("read request with %d arguments", len(args))
			}
			s.size.Store(size)
			if err := s.sendData(ctx, dl, r, name, min(args[0], size)); err != nil {
				return err
			}
		case cmdClose:
			if err := dl.writeAck(ack{kind: cmdAck, cmd: cmdClose}); err != nil {
				return linkFailure(err, "answering close request")
			}
			return nil
		default:
			_ = dl.writeAck(ack{kind: cmdAck, cmd: cmd, rc: pool_errors.CodeInvalidArgs, msg: "unsupported command"})
			return protocolViolation("unsupported command %d", cmd)
		}
	}
}

// sendData answers a read request with n bytes from the start of the file.
// A failure to read the replica is reported to the receiver in the FIN
// frame.
func (s *Sender) sendData(ctx context.Context, dl *dataLink, r io.ReaderAt, name string, n int64) error {
	if err := dl.writeAck(ack{kind: cmdAck, cmd: cmdRead}); err != nil {
		return linkFailure(err, "answering read request")
	}
	if err := dl.writeDataHeader(); err != nil {
		return linkFailure(err, "sending data")
	}

	buf := make([]byte, dataBlockSize)
	var offset, sample int64
	lastSample := time.Now()
	var readErr error
	for offset < n {
		if err := ctx.Err(); err != nil {
			return pool_errors.Interrupted(err, "transfer interrupted")
		}
		count, err := r.ReadAt(buf[:min(int64(len(buf)), n-offset)], offset)
		if count > 0 {
			if err := dl.writeBlock(buf[:count]); err != nil {
				return linkFailure(err, "sending data")
			}
			offset += int64(count)
			sample += int64(count)
			s.transferred.Add(int64(count))
		}
		if err != nil {
			if err == io.EOF && offset == n {
				break
			}
			readErr = pool_errors.IOFailure(err, "failed to read %s", name)
			break
		}
		if elapsed := time.Since(lastSample); elapsed >= rateSampleEvery {
			s.mu.Lock()
			s.rate.Add(float64(sample) / elapsed.Seconds())
			s.mu.Unlock()
			sample = 0
			lastSample = time.Now()
		}
	}
	if err := dl.writeEndOfData(); err != nil {
		return linkFailure(err, "sending data")
	}

	fin := ack{kind: cmdFin, cmd: cmdRead}
	if readErr != nil {
		fin.rc = int32(pool_errors.CodeOf(readErr))
		fin.msg = readErr.Error()
	}
	if err := dl.writeAck(fin); err != nil {
		return linkFailure(err, "finishing read request")
	}
	return readErr
}
