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
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/pelicanplatform/diskpool/pool_errors"
)

// Commands of the data link.  The receiving pool drives the exchange: it
// sends requests and the sending pool answers each with an ACK frame; the
// file content follows a READ acknowledgement as a DATA frame made of
// length-prefixed blocks, terminated by a negative length and a FIN frame.
const (
	cmdRead   uint32 = 2
	cmdClose  uint32 = 4
	cmdAck    uint32 = 6
	cmdFin    uint32 = 7
	cmdData   uint32 = 8
	cmdLocate uint32 = 9
)

const (
	// Largest block the sender puts in one DATA chunk.
	dataBlockSize = 256 * 1024
	// Requests and acknowledgements are small; anything bigger is a
	// protocol violation.
	maxFrameSize = 64 * 1024
	endOfData    = -1
)

type (
	// dataLink frames the messages exchanged on a p2p data connection.
	// All integers are big endian.
	dataLink struct {
		conn net.Conn
		r    *bufio.Reader
		w    *bufio.Writer
	}

	// ack is an acknowledgement of a request: the command it answers,
	// the result code and either an error message or a payload.
	ack struct {
		kind    uint32
		cmd     uint32
		rc      int32
		msg     string
		payload []byte
	}
)

func newDataLink(conn net.Conn) *dataLink {
	return &dataLink{
		conn: conn,
		r:    bufio.NewReaderSize(conn, dataBlockSize),
		w:    bufio.NewWriterSize(conn, dataBlockSize),
	}
}

func protocolViolation(format string, args ...interface{}) error {
	return pool_errors.Newf(pool_errors.KindIOFailure, pool_errors.CodeIO, "protocol violation: "+format, args...)
}

func linkFailure(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return pool_errors.Wrap(err, pool_errors.KindIOFailure, pool_errors.CodeIO, "premature end of data connection while "+what)
	}
	return pool_errors.Wrap(err, pool_errors.KindIOFailure, pool_errors.CodeIO, "data connection failed while "+what)
}

func (dl *dataLink) flush() error {
	return dl.w.Flush()
}

func (dl *dataLink) writeUint32(v uint32) error {
	return binary.Write(dl.w, binary.BigEndian, v)
}

func (dl *dataLink) readUint32() (uint32, error) {
	var v uint32
	err := binary.Read(dl.r, binary.BigEndian, &v)
	return v, err
}

// writeHello opens the connection on the sending side: the session id the
// receiver handed out, followed by an empty challenge.
func (dl *dataLink) writeHello(sessionId int) error {
	if err := dl.writeUint32(uint32(sessionId)); err != nil {
		return err
	}
	if err := dl.writeUint32(0); err != nil {
		return err
	}
	return dl.flush()
}

func (dl *dataLink) readHello() (int, error) {
	sessionId, err := dl.readUint32()
	if err != nil {
		return 0, err
	}
	challenge, err := dl.readUint32()
	if err != nil {
		return 0, err
	}
	if challenge > maxFrameSize {
		return 0, protocolViolation("challenge of %d bytes", challenge)
	}
	if _, err := dl.r.Discard(int(challenge)); err != nil {
		return 0, err
	}
	return int(sessionId), nil
}

// writeRequest sends a frame: the number of bytes following, the command
// and its arguments.
func (dl *dataLink) writeRequest(cmd uint32, args ...int64) error {
	if err := dl.writeUint32(uint32(4 + 8*len(args))); err != nil {
		return err
	}
	if err := dl.writeUint32(cmd); err != nil {
		return err
	}
	for _, arg := range args {
		if err := binary.Write(dl.w, binary.BigEndian, arg); err != nil {
			return err
		}
	}
	return dl.flush()
}

func (dl *dataLink) readFrame() (uint32, []byte, error) {
	following, err := dl.readUint32()
	if err != nil {
		return 0, nil, err
	}
	if following < 4 || following > maxFrameSize {
		return 0, nil, protocolViolation("frame of %d bytes", following)
	}
	frame := make([]byte, following)
	if _, err := io.ReadFull(dl.r, frame); err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint32(frame), frame[4:], nil
}

// readRequest returns the next command and its integer arguments.
func (dl *dataLink) readRequest() (uint32, []int64, error) {
	cmd, body, err := dl.readFrame()
	if err != nil {
		return 0, nil, err
	}
	if len(body)%8 != 0 {
		return 0, nil, protocolViolation("malformed arguments of command %d", cmd)
	}
	args := make([]int64, 0, len(body)/8)
	for off := 0; off < len(body); off += 8 {
		args = append(args, int64(binary.BigEndian.Uint64(body[off:])))
	}
	return cmd, args, nil
}

// writeAck answers cmd.  A failed request carries its message instead of a
// payload.
func (dl *dataLink) writeAck(a ack) error {
	body := make([]byte, 0, 12+len(a.payload)+len(a.msg)+2)
	body = binary.BigEndian.AppendUint32(body, a.kind)
	body = binary.BigEndian.AppendUint32(body, a.cmd)
	body = binary.BigEndian.AppendUint32(body, uint32(a.rc))
	if a.rc != 0 {
		msg := a.msg
		if len(msg) > 0xffff {
			msg = msg[:0xffff]
		}
		body = binary.BigEndian.AppendUint16(body, uint16(len(msg)))
		body = append(body, msg...)
	} else {
		body = append(body, a.payload...)
	}
	if err := dl.writeUint32(uint32(len(body))); err != nil {
		return err
	}
	if _, err := dl.w.Write(body); err != nil {
		return err
	}
	return dl.flush()
}

// readAck reads the acknowledgement of kind (ACK or FIN) for cmd.  A
// non-zero result code becomes an error carrying that code.
func (dl *dataLink) readAck(kind, cmd uint32) ([]byte, error) {
	gotKind, body, err := dl.readFrame()
	if err != nil {
		return nil, err
	}
	if gotKind != kind {
		return nil, protocolViolation("expected frame %d, got %d", kind, gotKind)
	}
	if len(body) < 8 {
		return nil, protocolViolation("acknowledgement of %d bytes", len(body)+4)
	}
	if gotCmd := binary.BigEndian.Uint32(body); gotCmd != cmd {
		return nil, protocolViolation("acknowledgement for command %d while waiting for %d", gotCmd, cmd)
	}
	rc := int32(binary.BigEndian.Uint32(body[4:]))
	body = body[8:]
	if rc != 0 {
		msg := ""
		if len(body) >= 2 {
			n := int(binary.BigEndian.Uint16(body))
			if n <= len(body)-2 {
				msg = string(body[2 : 2+n])
			}
		}
		return nil, pool_errors.FromCode(int(rc), "sender failed: "+msg)
	}
	return body, nil
}

func (dl *dataLink) writeDataHeader() error {
	if err := dl.writeUint32(4); err != nil {
		return err
	}
	return dl.writeUint32(cmdData)
}

func (dl *dataLink) readDataHeader() error {
	following, err := dl.readUint32()
	if err != nil {
		return err
	}
	if following < 4 {
		return protocolViolation("data header of %d bytes", following)
	}
	cmd, err := dl.readUint32()
	if err != nil {
		return err
	}
	if cmd != cmdData {
		return protocolViolation("expected data, got %d", cmd)
	}
	_, err = dl.r.Discard(int(following - 4))
	return err
}

func (dl *dataLink) writeBlock(p []byte) error {
	if err := dl.writeUint32(uint32(len(p))); err != nil {
		return err
	}
	_, err := dl.w.Write(p)
	return err
}

func (dl *dataLink) writeEndOfData() error {
	if err := binary.Write(dl.w, binary.BigEndian, int32(endOfData)); err != nil {
		return err
	}
	return dl.flush()
}

// readBlockSize returns the length of the next block; negative at the
// end of the data.
func (dl *dataLink) readBlockSize() (int32, error) {
	var n int32
	err := binary.Read(dl.r, binary.BigEndian, &n)
	return n, err
}

func (dl *dataLink) Close() error {
	return dl.conn.Close()
}
