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

package repository

import (
	"context"
	"io"
	"sync"

	"github.com/spf13/afero"

	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	// WriteHandle is the exclusive writer of a replica in a transient
	// state.  It must be closed exactly once, by Commit or Cancel; extra
	// calls to Cancel are no-ops.
	WriteHandle struct {
		mu        sync.Mutex
		repo      *Repository
		id        pool_structs.PnfsId
		target    pool_structs.EntryState
		stickies  []pool_structs.StickyRecord
		file      afero.File
		allocated int64
		written   int64
		checksums []pool_structs.Checksum
		closed    bool
	}

	ReadHandle struct {
		repo      *Repository
		id        pool_structs.PnfsId
		file      afero.File
		entry     CacheEntry
		closeOnce sync.Once
	}
)

func (h *WriteHandle) PnfsId() pool_structs.PnfsId {
	return h.id
}

func (h *WriteHandle) TargetState() pool_structs.EntryState {
	return h.target
}

// Path is where external commands may write the replica directly.
func (h *WriteHandle) Path() string {
	return h.repo.data.Path(h.id)
}

// Allocate reserves n more bytes for the replica, blocking until the space
// is available.
func (h *WriteHandle) Allocate(ctx context.Context, n int64) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return pool_errors.IllegalArgument("write handle of %s is closed", h.id)
	}
	h.mu.Unlock()

	if err := h.repo.account.Allocate(ctx, n); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.repo.account.Free(n)
		return pool_errors.IllegalArgument("write handle of %s is closed", h.id)
	}
	h.allocated += n
	return nil
}

func (h *WriteHandle) Allocated() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocated
}

// Write appends to the replica; callers allocate space first.
func (h *WriteHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.file == nil {
		return 0, pool_errors.IllegalArgument("write handle of %s is closed", h.id)
	}
	if h.written+int64(len(p)) > h.allocated {
		return 0, pool_errors.IllegalArgument("write to %s exceeds allocated space (%d bytes)", h.id, h.allocated)
	}
	n, err := h.file.Write(p)
	h.written += int64(n)
	if err != nil {
		return n, pool_errors.IOFailure(err, "failed to write replica %s", h.id)
	}
	return n, nil
}

func (h *WriteHandle) Written() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written
}

// AddChecksum records a checksum to be stored with the replica on commit.
func (h *WriteHandle) AddChecksum(c pool_structs.Checksum) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checksums = append(h.checksums, c)
}

func (h *WriteHandle) closeFileLocked() error {
	if h.file == nil {
		return nil
	}
	f := h.file
	h.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Commit completes the replica: the size is taken from the data file,
// allocation is trimmed (or extended) to match and the replica moves to
// its target state with its sticky records applied.
func (h *WriteHandle) Commit(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return pool_errors.IllegalArgument("write handle of %s is closed", h.id)
	}
	if err := h.closeFileLocked(); err != nil {
		h.mu.Unlock()
		return pool_errors.IOFailure(err, "failed to close replica %s", h.id)
	}
	size, err := h.repo.data.Size(h.id)
	if err != nil {
		h.mu.Unlock()
		return pool_errors.IOFailure(err, "failed to determine size of %s", h.id)
	}
	missing := size - h.allocated
	h.mu.Unlock()

	if missing > 0 {
		if err := h.Allocate(ctx, missing); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return pool_errors.IllegalArgument("write handle of %s is closed", h.id)
	}
	if h.allocated > size {
		h.repo.account.Free(h.allocated - size)
		h.allocated = size
	}
	h.closed = true
	return h.repo.commit(h, size)
}

// Cancel aborts the write.  With keep, a replica that received data is
// kept as BROKEN for inspection; otherwise it is removed.
func (h *WriteHandle) Cancel(keep bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	closeErr := h.closeFileLocked()

	written := h.written
	if size, err := h.repo.data.Size(h.id); err == nil {
		written = size
	}
	h.repo.cancel(h, keep && written > 0, written)
	if closeErr != nil {
		return pool_errors.IOFailure(closeErr, "failed to close replica %s", h.id)
	}
	return nil
}

func (r *Repository) commit(h *WriteHandle, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h.id]
	if !ok || !e.state.IsTransient() {
		r.account.Free(size)
		return pool_errors.IllegalArgument("replica %s is no longer being written", h.id)
	}
	e.links--
	e.size = size
	e.attrs.Size = size
	for _, c := range h.checksums {
		found := false
		for _, existing := range e.attrs.Checksums {
			if existing.Type == c.Type {
				found = true
				break
			}
		}
		if !found {
			e.attrs.Checksums = append(e.attrs.Checksums, c)
		}
	}
	now := r.now()
	for _, sticky := range h.stickies {
		if sticky.IsValid(now) {
			e.stickies = append(e.stickies, sticky)
		}
	}
	r.transitionLocked(e, h.target, false)
	r.persistLocked(e)
	return nil
}

func (r *Repository) cancel(h *WriteHandle, keep bool, written int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h.id]
	if !ok || !e.state.IsTransient() {
		r.account.Free(h.allocated)
		h.allocated = 0
		return
	}
	e.links--
	if keep {
		if h.allocated > written {
			r.account.Free(h.allocated - written)
		} else if written > h.allocated {
			r.account.Reserve(written - h.allocated)
		}
		h.allocated = written
		e.size = written
		r.transitionLocked(e, pool_structs.StateBroken, false)
		r.persistLocked(e)
		return
	}

	r.account.Free(h.allocated)
	h.allocated = 0
	e.size = 0
	r.transitionLocked(e, pool_structs.StateRemoved, false)
	if e.links <= 0 {
		e.links = 0
		r.destroyLocked(e)
	} else {
		r.persistLocked(e)
	}
}

func (h *ReadHandle) PnfsId() pool_structs.PnfsId {
	return h.id
}

// Entry is the replica as it was when the handle was opened.
func (h *ReadHandle) Entry() CacheEntry {
	return h.entry
}

func (h *ReadHandle) Path() string {
	return h.repo.data.Path(h.id)
}

func (h *ReadHandle) Read(p []byte) (int, error) {
	return h.file.Read(p)
}

func (h *ReadHandle) ReadAt(p []byte, off int64) (int, error) {
	return h.file.ReadAt(p, off)
}

func (h *ReadHandle) Seek(offset int64, whence int) (int64, error) {
	return h.file.Seek(offset, whence)
}

// Close releases the handle; closing the last handle of a removed replica
// deletes it.
func (h *ReadHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.file.Close()
		h.repo.release(h.id)
	})
	return err
}

var _ io.Writer = (*WriteHandle)(nil)

var _ io.ReadSeekCloser = (*ReadHandle)(nil)
