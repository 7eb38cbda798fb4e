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
	"io"
	"net"

	"github.com/pelicanplatform/diskpool/pool_structs"
)

type writerSink struct {
	w io.Writer
}

func (ws writerSink) Write(p []byte) (int, error) {
	return ws.w.Write(p)
}

func (writerSink) Allocate(context.Context, int64) error {
	return nil
}

func (writerSink) AddChecksum(pool_structs.Checksum) {}

// Upload is the client side of a pool write: it accepts the connection
// opened by the pool mover on conn, and answers its requests with the size
// bytes of r.  It returns the session id announced by the mover.
func Upload(ctx context.Context, conn net.Conn, r io.ReaderAt, size int64) (int, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	dl := newDataLink(conn)
	sessionId, err := dl.readHello()
	if err != nil {
		return 0, linkFailure(err, "waiting for mover")
	}
	return sessionId, NewSender().serve(ctx, dl, r, size, "upload")
}

// Download is the client side of a pool read: it accepts the connection
// opened by the pool mover on conn and copies the file to w.
func Download(ctx context.Context, conn net.Conn, w io.Writer) (int, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	dl := newDataLink(conn)
	sessionId, err := dl.readHello()
	if err != nil {
		return 0, linkFailure(err, "waiting for mover")
	}
	p := &puller{}
	return sessionId, p.pull(ctx, dl, writerSink{w: w})
}
