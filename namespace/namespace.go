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

// Package namespace talks to the namespace service that owns the file
// metadata of the replicas held by the pool.
package namespace

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pelicanplatform/diskpool/cells"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	// Handler is the namespace interface used by the pool subsystems.
	Handler interface {
		GetFileAttributes(ctx context.Context, id pool_structs.PnfsId) (pool_structs.FileAttributes, error)
		SetChecksum(ctx context.Context, id pool_structs.PnfsId, c pool_structs.Checksum) error
		PutFlag(ctx context.Context, id pool_structs.PnfsId, key, value string) error
		FileFlushed(ctx context.Context, id pool_structs.PnfsId, attrs pool_structs.FileAttributes) error
		AddCacheLocation(ctx context.Context, id pool_structs.PnfsId) error
		ClearCacheLocation(ctx context.Context, id pool_structs.PnfsId, removeIfLast bool) error
	}

	// CellHandler implements Handler over the message bus.
	CellHandler struct {
		endpoint    *cells.Endpoint
		destination string
		poolName    string
		timeout     time.Duration
		lookups     singleflight.Group
	}
)

func NewCellHandler(endpoint *cells.Endpoint, destination, poolName string, timeout time.Duration) *CellHandler {
	return &CellHandler{
		endpoint:    endpoint,
		destination: destination,
		poolName:    poolName,
		timeout:     timeout,
	}
}

func (h *CellHandler) request(ctx context.Context, msg any) (any, error) {
	return h.endpoint.Request(ctx, h.destination, msg, h.timeout)
}

// GetFileAttributes coalesces concurrent lookups of the same id.
func (h *CellHandler) GetFileAttributes(ctx context.Context, id pool_structs.PnfsId) (pool_structs.FileAttributes, error) {
	v, err, _ := h.lookups.Do(string(id), func() (interface{}, error) {
		reply, err := h.request(ctx, &pool_structs.GetFileAttributesMessage{PnfsId: id})
		if err != nil {
			return nil, err
		}
		msg, ok := reply.(*pool_structs.GetFileAttributesMessage)
		if !ok {
			return nil, pool_errors.Unexpected(nil, "unexpected reply to file attribute request")
		}
		return msg.Attributes, nil
	})
	if err != nil {
		return pool_structs.FileAttributes{}, err
	}
	return v.(pool_structs.FileAttributes).Clone(), nil
}

func (h *CellHandler) SetChecksum(ctx context.Context, id pool_structs.PnfsId, c pool_structs.Checksum) error {
	_, err := h.request(ctx, &pool_structs.SetChecksumMessage{PnfsId: id, Checksum: c})
	return err
}

func (h *CellHandler) PutFlag(ctx context.Context, id pool_structs.PnfsId, key, value string) error {
	_, err := h.request(ctx, &pool_structs.PutFlagMessage{PnfsId: id, Key: key, Value: value})
	return err
}

func (h *CellHandler) FileFlushed(ctx context.Context, id pool_structs.PnfsId, attrs pool_structs.FileAttributes) error {
	_, err := h.request(ctx, &pool_structs.FileFlushedMessage{PnfsId: id, PoolName: h.poolName, Attributes: attrs})
	return err
}

func (h *CellHandler) AddCacheLocation(ctx context.Context, id pool_structs.PnfsId) error {
	_, err := h.request(ctx, &pool_structs.AddCacheLocationMessage{PnfsId: id, PoolName: h.poolName})
	return err
}

func (h *CellHandler) ClearCacheLocation(ctx context.Context, id pool_structs.PnfsId, removeIfLast bool) error {
	_, err := h.request(ctx, &pool_structs.ClearCacheLocationMessage{PnfsId: id, PoolName: h.poolName, RemoveIfLast: removeIfLast})
	return err
}
