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

package namespace

import (
	"context"
	"sync"

	"github.com/pelicanplatform/diskpool/cells"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

// MemoryNamespace is a namespace service kept in memory.  It answers the
// namespace messages on the bus and is used by standalone pools and tests.
type MemoryNamespace struct {
	mu        sync.Mutex
	files     map[pool_structs.PnfsId]*pool_structs.FileAttributes
	deleted   map[pool_structs.PnfsId]bool
	flags     map[pool_structs.PnfsId]map[string]string
	locations map[pool_structs.PnfsId]map[string]bool
	lookups   int
}

func NewMemoryNamespace() *MemoryNamespace {
	return &MemoryNamespace{
		files:     make(map[pool_structs.PnfsId]*pool_structs.FileAttributes),
		deleted:   make(map[pool_structs.PnfsId]bool),
		flags:     make(map[pool_structs.PnfsId]map[string]string),
		locations: make(map[pool_structs.PnfsId]map[string]bool),
	}
}

func (ns *MemoryNamespace) Create(attrs pool_structs.FileAttributes) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	clone := attrs.Clone()
	ns.files[attrs.PnfsId] = &clone
	delete(ns.deleted, attrs.PnfsId)
}

// Delete removes the file; later requests for it fail with NotInTrash.
func (ns *MemoryNamespace) Delete(id pool_structs.PnfsId) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.files, id)
	ns.deleted[id] = true
}

func (ns *MemoryNamespace) Attributes(id pool_structs.PnfsId) (pool_structs.FileAttributes, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	attrs, ok := ns.files[id]
	if !ok {
		return pool_structs.FileAttributes{}, false
	}
	return attrs.Clone(), true
}

func (ns *MemoryNamespace) Flag(id pool_structs.PnfsId, key string) string {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.flags[id][key]
}

func (ns *MemoryNamespace) HasLocation(id pool_structs.PnfsId, pool string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.locations[id][pool]
}

// Lookups counts the attribute requests answered.
func (ns *MemoryNamespace) Lookups() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.lookups
}

func (ns *MemoryNamespace) lookupLocked(id pool_structs.PnfsId) (*pool_structs.FileAttributes, error) {
	if attrs, ok := ns.files[id]; ok {
		return attrs, nil
	}
	if ns.deleted[id] {
		return nil, pool_errors.NotInTrash(id)
	}
	return nil, pool_errors.NotFound("no such file: %s", id)
}

func (ns *MemoryNamespace) MessageArrived(ctx context.Context, env *cells.Envelope) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	var reply pool_structs.Reply
	var err error
	switch msg := env.Message.(type) {
	case *pool_structs.GetFileAttributesMessage:
		ns.lookups++
		var attrs *pool_structs.FileAttributes
		if attrs, err = ns.lookupLocked(msg.PnfsId); err == nil {
			msg.Attributes = attrs.Clone()
		}
		reply = msg
	case *pool_structs.SetChecksumMessage:
		var attrs *pool_structs.FileAttributes
		if attrs, err = ns.lookupLocked(msg.PnfsId); err == nil {
			replaced := false
			for idx, c := range attrs.Checksums {
				if c.Type == msg.Checksum.Type {
					attrs.Checksums[idx] = msg.Checksum
					replaced = true
				}
			}
			if !replaced {
				attrs.Checksums = append(attrs.Checksums, msg.Checksum)
			}
		}
		reply = msg
	case *pool_structs.PutFlagMessage:
		if _, err = ns.lookupLocked(msg.PnfsId); err == nil {
			if ns.flags[msg.PnfsId] == nil {
				ns.flags[msg.PnfsId] = make(map[string]string)
			}
			ns.flags[msg.PnfsId][msg.Key] = msg.Value
		}
		reply = msg
	case *pool_structs.FileFlushedMessage:
		var attrs *pool_structs.FileAttributes
		if attrs, err = ns.lookupLocked(msg.PnfsId); err == nil {
			attrs.StorageInfo.Locations = append([]string(nil), msg.Attributes.StorageInfo.Locations...)
			attrs.StorageInfo.Stored = true
		}
		reply = msg
	case *pool_structs.AddCacheLocationMessage:
		if _, err = ns.lookupLocked(msg.PnfsId); err == nil {
			if ns.locations[msg.PnfsId] == nil {
				ns.locations[msg.PnfsId] = make(map[string]bool)
			}
			ns.locations[msg.PnfsId][msg.PoolName] = true
		}
		reply = msg
	case *pool_structs.ClearCacheLocationMessage:
		delete(ns.locations[msg.PnfsId], msg.PoolName)
		if msg.RemoveIfLast && len(ns.locations[msg.PnfsId]) == 0 {
			if attrs, ok := ns.files[msg.PnfsId]; ok && !attrs.StorageInfo.Stored {
				delete(ns.files, msg.PnfsId)
				ns.deleted[msg.PnfsId] = true
			}
		}
		reply = msg
	default:
		env.ReplyError(pool_errors.IllegalArgument("unsupported namespace request %T", env.Message))
		return
	}
	if err != nil {
		reply.SetReply(pool_errors.CodeOf(err), pool_errors.Message(err))
	}
	env.Reply(reply)
}
