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

package hsm

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/option"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/pelicanplatform/diskpool/billing"
	"github.com/pelicanplatform/diskpool/checksum"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/namespace"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
	"github.com/pelicanplatform/diskpool/scheduler"
)

type (
	// Outcome tells a caller of Store or Fetch what happened to its
	// request.
	Outcome int

	// Callback receives the result of a store or restore; err is nil on
	// success.
	Callback func(id pool_structs.PnfsId, err error)

	// Storer is the part of the StorageHandler used by flush bookkeeping.
	Storer interface {
		Store(id pool_structs.PnfsId, cb Callback) (Outcome, error)
	}

	// Notifier sends one-way messages; implemented by cells.Endpoint.
	Notifier interface {
		Notify(dest string, msg any) error
	}

	HandlerOption = option.Interface

	identRunner         struct{}
	identNamespace      struct{}
	identChecksumModule struct{}
	identBilling        struct{}
	identFlushNotifier  struct{}
	identPoolName       struct{}
	identFs             struct{}
	identMaxActive      struct{}
	identTimeouts       struct{}
	identAckRetry       struct{}
	identMaxOutputLines struct{}

	flushNotifier struct {
		notifier Notifier
		target   string
	}

	maxActive struct {
		stores, restores int
	}

	timeouts struct {
		store, restore time.Duration
	}

	// StorageHandler runs HSM stores and restores on two job queues.
	// Requests for the same file are coalesced.
	StorageHandler struct {
		repo     *repository.Repository
		hsms     *HsmSet
		runner   Runner
		ns       namespace.Handler
		crc      *checksum.Module
		billing  billing.Reporter
		notifier Notifier
		target   string
		poolName string
		fs       afero.Fs
		ackRetry time.Duration
		maxLines int

		storeQueue   *scheduler.JobScheduler
		restoreQueue *scheduler.JobScheduler

		mu             sync.Mutex
		storeTimeout   time.Duration
		restoreTimeout time.Duration
		stores         map[pool_structs.PnfsId]*storeRequest
		restores       map[pool_structs.PnfsId]*restoreRequest
	}

	request struct {
		handler   *StorageHandler
		id        pool_structs.PnfsId
		jobId     int
		started   time.Time
		err       error
		callbacks []Callback
	}

	storeRequest struct {
		request
		attrs  pool_structs.FileAttributes
		stored bool
		// number of leading callbacks owned by the creator of the request
		owners int
	}

	restoreRequest struct {
		request
		attrs  pool_structs.FileAttributes
		info   HsmInfo
		handle *repository.WriteHandle
	}
)

const (
	// The request was accepted and the callback will be called.
	Started Outcome = iota
	// The file is already being stored or restored; the callback was
	// added to the running request.
	AlreadyInProgress
	// Nothing to do; the callback is not called.
	AlreadyDone
)

const (
	StoreQueueName   = "store"
	RestoreQueueName = "restore"
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case AlreadyInProgress:
		return "in progress"
	case AlreadyDone:
		return "done"
	}
	return "unknown"
}

func WithRunner(r Runner) HandlerOption {
	return option.New(identRunner{}, r)
}

func WithNamespace(ns namespace.Handler) HandlerOption {
	return option.New(identNamespace{}, ns)
}

func WithChecksumModule(m *checksum.Module) HandlerOption {
	return option.New(identChecksumModule{}, m)
}

func WithBilling(b billing.Reporter) HandlerOption {
	return option.New(identBilling{}, b)
}

// WithFlushNotifier sends a PoolFileFlushedMessage to target after every
// successful store.
func WithFlushNotifier(n Notifier, target string) HandlerOption {
	return option.New(identFlushNotifier{}, flushNotifier{notifier: n, target: target})
}

func WithPoolName(name string) HandlerOption {
	return option.New(identPoolName{}, name)
}

// WithFs sets the file system replicas live on; checksum sidecar files
// left by restore scripts are read from it.
func WithFs(fs afero.Fs) HandlerOption {
	return option.New(identFs{}, fs)
}

func WithMaxActive(stores, restores int) HandlerOption {
	return option.New(identMaxActive{}, maxActive{stores: stores, restores: restores})
}

func WithTimeouts(store, restore time.Duration) HandlerOption {
	return option.New(identTimeouts{}, timeouts{store: store, restore: restore})
}

// WithAckRetry sets the delay between attempts to register a tape copy
// with the namespace.
func WithAckRetry(d time.Duration) HandlerOption {
	return option.New(identAckRetry{}, d)
}

func WithMaxOutputLines(n int) HandlerOption {
	return option.New(identMaxOutputLines{}, n)
}

func NewStorageHandler(repo *repository.Repository, hsms *HsmSet, opts ...HandlerOption) (*StorageHandler, error) {
	h := &StorageHandler{
		repo:           repo,
		hsms:           hsms,
		runner:         ExecRunner{},
		fs:             afero.NewOsFs(),
		ackRetry:       2 * time.Minute,
		maxLines:       200,
		storeTimeout:   4 * time.Hour,
		restoreTimeout: 4 * time.Hour,
		stores:         make(map[pool_structs.PnfsId]*storeRequest),
		restores:       make(map[pool_structs.PnfsId]*restoreRequest),
	}
	active := maxActive{stores: 10, restores: 10}
	for _, opt := range opts {
		switch opt.Ident() {
		case identRunner{}:
			h.runner = opt.Value().(Runner)
		case identNamespace{}:
			h.ns = opt.Value().(namespace.Handler)
		case identChecksumModule{}:
			h.crc = opt.Value().(*checksum.Module)
		case identBilling{}:
			h.billing = opt.Value().(billing.Reporter)
		case identFlushNotifier{}:
			fn := opt.Value().(flushNotifier)
			h.notifier, h.target = fn.notifier, fn.target
		case identPoolName{}:
			h.poolName = opt.Value().(string)
		case identFs{}:
			h.fs = opt.Value().(afero.Fs)
		case identMaxActive{}:
			active = opt.Value().(maxActive)
		case identTimeouts{}:
			t := opt.Value().(timeouts)
			h.storeTimeout, h.restoreTimeout = t.store, t.restore
		case identAckRetry{}:
			h.ackRetry = opt.Value().(time.Duration)
		case identMaxOutputLines{}:
			h.maxLines = opt.Value().(int)
		}
	}
	if repo == nil || hsms == nil {
		return nil, pool_errors.IllegalArgument("storage handler needs a repository and an HSM set")
	}
	if h.crc == nil {
		crc, err := checksum.NewModule("adler32", nil)
		if err != nil {
			return nil, err
		}
		h.crc = crc
	}
	h.storeQueue = scheduler.NewJobScheduler(StoreQueueName, active.stores, true)
	h.restoreQueue = scheduler.NewJobScheduler(RestoreQueueName, active.restores, true)
	return h, nil
}

func (h *StorageHandler) StoreQueue() *scheduler.JobScheduler {
	return h.storeQueue
}

func (h *StorageHandler) RestoreQueue() *scheduler.JobScheduler {
	return h.restoreQueue
}

func (h *StorageHandler) HsmSet() *HsmSet {
	return h.hsms
}

// SetTimeouts changes the wall clock limits of stores and restores that
// start afterwards; zero leaves a value unchanged.
func (h *StorageHandler) SetTimeouts(store, restore time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if store > 0 {
		h.storeTimeout = store
	}
	if restore > 0 {
		h.restoreTimeout = restore
	}
}

func (h *StorageHandler) Timeouts() (store, restore time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.storeTimeout, h.restoreTimeout
}

// IsStoring reports whether a store of id is queued or running.
func (h *StorageHandler) IsStoring(id pool_structs.PnfsId) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.stores[id]
	return ok
}

func (h *StorageHandler) IsRestoring(id pool_structs.PnfsId) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.restores[id]
	return ok
}

// Store copies a precious replica to tape.  A replica that is already
// cached needs no store.
func (h *StorageHandler) Store(id pool_structs.PnfsId, cb Callback) (Outcome, error) {
	entry, err := h.repo.GetEntry(id)
	if err != nil {
		return 0, err
	}
	if entry.State == pool_structs.StateCached {
		return AlreadyDone, nil
	}
	if entry.State != pool_structs.StatePrecious {
		return 0, pool_errors.Newf(pool_errors.KindIllegalTransition, pool_errors.CodeIllegalTransition,
			"cannot store %s in state %s", id, entry.State)
	}

	h.mu.Lock()
	if existing, ok := h.stores[id]; ok {
		existing.addCallback(cb)
		h.mu.Unlock()
		return AlreadyInProgress, nil
	}
	req := &storeRequest{
		request: request{handler: h, id: id, callbacks: callbackList(cb)},
		attrs:   entry.Attributes,
	}
	req.owners = len(req.callbacks)
	h.stores[id] = req
	h.mu.Unlock()

	if _, err := h.storeQueue.Add(req, scheduler.PriorityRegular); err != nil {
		h.abandonStore(req, err)
		return 0, err
	}
	return Started, nil
}

// abandonStore forgets a store that could not be queued.  Callers which
// joined it in the meantime are told about err; the caller that created
// it gets err as the return value of Store.
func (h *StorageHandler) abandonStore(req *storeRequest, err error) {
	h.mu.Lock()
	if h.stores[req.id] == req {
		delete(h.stores, req.id)
	}
	joined := req.callbacks[req.owners:]
	req.callbacks = nil
	h.mu.Unlock()
	req.fire(joined, err)
}

// Fetch restores a replica from tape.  Concurrent fetches of the same file
// share one restore.
func (h *StorageHandler) Fetch(ctx context.Context, attrs pool_structs.FileAttributes, cb Callback) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, pool_errors.Interrupted(err, "restore request cancelled")
	}
	id := attrs.PnfsId

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.restores[id]; ok {
		existing.addCallback(cb)
		return AlreadyInProgress, nil
	}
	if state := h.repo.GetState(id); state.IsStable() {
		return AlreadyDone, nil
	}

	info, err := h.hsms.AccessibleInstance(attrs.StorageInfo)
	if err != nil {
		return 0, err
	}
	handle, err := h.repo.CreateEntry(id, attrs, pool_structs.StateFromStore, pool_structs.StateCached, nil)
	if err != nil {
		return 0, err
	}
	req := &restoreRequest{
		request: request{handler: h, id: id, callbacks: callbackList(cb)},
		attrs:   attrs.Clone(),
		info:    info,
		handle:  handle,
	}
	h.restores[id] = req

	// Add neither blocks nor calls back into the handler.
	if _, err := h.restoreQueue.Add(req, scheduler.PriorityRegular); err != nil {
		delete(h.restores, id)
		_ = handle.Cancel(false)
		return 0, err
	}
	return Started, nil
}

// Shutdown stops both queues; queued requests are reported as dequeued.
func (h *StorageHandler) Shutdown() {
	h.storeQueue.Shutdown()
	h.restoreQueue.Shutdown()
}

func callbackList(cb Callback) []Callback {
	if cb == nil {
		return nil
	}
	return []Callback{cb}
}

func (r *request) addCallback(cb Callback) {
	if cb != nil {
		r.callbacks = append(r.callbacks, cb)
	}
}

func (r *request) Queued(id int) error {
	r.jobId = id
	return nil
}

// resultError reconstructs the error to hand to callbacks from the job
// result; the error returned by Run is preferred as it keeps its kind.
func (r *request) resultError(rc int, msg string) error {
	if rc == pool_errors.CodeOK {
		return nil
	}
	if r.err != nil && pool_errors.CodeOf(r.err) == rc {
		return r.err
	}
	return pool_errors.FromCode(rc, msg)
}

func (r *request) fire(callbacks []Callback, err error) {
	for _, cb := range callbacks {
		cb(r.id, err)
	}
}

func (r *storeRequest) JobDescription() string {
	return fmt.Sprintf("store %s %s", r.id, r.attrs.StorageInfo.StorageClassKey())
}

func (r *storeRequest) Run(ctx context.Context) error {
	r.started = time.Now()
	r.err = r.handler.store(ctx, r)
	r.stored = r.err == nil
	return r.err
}

func (r *storeRequest) Unqueued() {
	r.Finished(pool_errors.CodeStoreDequeued, "Job dequeued (by operator)")
}

func (r *storeRequest) Finished(rc int, msg string) {
	if r.stored {
		// A kill that arrived after the tape copy was registered
		rc, msg = pool_errors.CodeOK, ""
	}
	h := r.handler
	h.mu.Lock()
	delete(h.stores, r.id)
	callbacks := r.callbacks
	r.callbacks = nil
	h.mu.Unlock()

	err := r.resultError(rc, msg)
	h.finished(billing.TypeStore, r.request, r.attrs, rc, msg)
	r.fire(callbacks, err)
}

func (r *restoreRequest) JobDescription() string {
	return fmt.Sprintf("restore %s from %s", r.id, r.info.Name)
}

func (r *restoreRequest) Run(ctx context.Context) error {
	r.started = time.Now()
	r.err = r.handler.restore(ctx, r)
	return r.err
}

func (r *restoreRequest) Unqueued() {
	r.Finished(pool_errors.CodeFetchDequeued, "Job dequeued (by operator)")
}

func (r *restoreRequest) Finished(rc int, msg string) {
	if rc != pool_errors.CodeOK {
		// A no-op once committed.
		if err := r.handle.Cancel(false); err != nil {
			log.Warnf("Failed to clean up after restore of %s: %v", r.id, err)
		}
	}

	h := r.handler
	h.mu.Lock()
	delete(h.restores, r.id)
	callbacks := r.callbacks
	r.callbacks = nil
	h.mu.Unlock()

	err := r.resultError(rc, msg)
	h.finished(billing.TypeRestore, r.request, r.attrs, rc, msg)
	r.fire(callbacks, err)
}

func (h *StorageHandler) finished(typ billing.RecordType, r request, attrs pool_structs.FileAttributes, rc int, msg string) {
	direction := "store"
	if typ == billing.TypeRestore {
		direction = "restore"
	}
	metrics.PoolHsmRequestsTotal.WithLabelValues(direction, metrics.ResultLabel(rc)).Inc()
	if rc == pool_errors.CodeOK {
		log.Infof("HSM %s of %s finished", direction, r.id)
	} else {
		log.Warnf("HSM %s of %s failed (rc=%d): %s", direction, r.id, rc, msg)
	}

	if h.billing == nil {
		return
	}
	rec := billing.Record{
		Type:         typ,
		PoolName:     h.poolName,
		PnfsId:       r.id.String(),
		Size:         attrs.Size,
		Peer:         attrs.StorageInfo.HsmName,
		StorageClass: attrs.StorageInfo.StorageClassKey(),
		StartedAt:    r.started,
	}
	if rc == pool_errors.CodeOK {
		rec.Transferred = attrs.Size
	}
	rec.Finish(rc, msg, time.Now())
	h.billing.Report(rec)
}

// store runs the put script for one file and registers the tape copy.
func (h *StorageHandler) store(ctx context.Context, r *storeRequest) error {
	id := r.id
	if h.ns != nil {
		if _, err := h.ns.GetFileAttributes(ctx, id); err != nil {
			switch {
			case pool_errors.KindOf(err) == pool_errors.KindNotInTrash:
				log.Warnf("File %s was deleted before it could be flushed", id)
			case pool_errors.IsKind(err, pool_errors.KindNotFound):
				log.Infof("File %s no longer exists in the namespace; removing the replica", id)
				if err := h.repo.SetState(id, pool_structs.StateRemoved); err != nil {
					log.Warnf("Failed to remove replica %s: %v", id, err)
				}
			}
			return err
		}
	}

	rh, err := h.repo.OpenEntry(id, repository.OpenNoAtime)
	if err != nil {
		return err
	}
	defer rh.Close()
	attrs := rh.Entry().Attributes
	attrs.Size = rh.Entry().Size
	r.attrs = attrs

	info, err := h.hsms.InstanceFor(attrs.StorageInfo)
	if err != nil {
		return err
	}

	if h.crc.Has(checksum.OnFlush) {
		if err := h.verifyBeforeFlush(ctx, rh, attrs); err != nil {
			return err
		}
	}

	h.mu.Lock()
	timeout := h.storeTimeout
	h.mu.Unlock()
	res, err := h.runScript(ctx, timeout, BuildCommand(info, OperationPut, attrs, rh.Path()))
	if err != nil {
		return err
	}
	// The file is on tape now; killing the job must not lose that.
	ctx = context.WithoutCancel(ctx)

	locations := make([]*url.URL, 0, len(res.Stdout))
	for _, line := range res.Stdout {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		location, err := url.Parse(line)
		if err != nil || location.Scheme == "" {
			return pool_errors.Newf(pool_errors.KindIOFailure, pool_errors.CodeIO,
				"HSM script returned an invalid location %q", line)
		}
		locations = append(locations, location)
	}
	if len(locations) == 0 {
		log.Warnf("HSM script did not report a tape location for %s", id)
	}
	for _, location := range locations {
		attrs.StorageInfo.AddLocation(location)
	}
	attrs.StorageInfo.Stored = true
	r.attrs = attrs
	if err := h.repo.UpdateAttributes(id, func(fa *pool_structs.FileAttributes) {
		for _, location := range locations {
			fa.StorageInfo.AddLocation(location)
		}
		fa.StorageInfo.Stored = true
	}); err != nil {
		log.Warnf("Failed to record tape locations of %s: %v", id, err)
	}

	if err := h.acknowledgeFlush(ctx, id, attrs); err != nil {
		return err
	}

	if h.notifier != nil && h.target != "" {
		msg := &pool_structs.PoolFileFlushedMessage{PoolName: h.poolName, PnfsId: id, Attributes: attrs}
		if err := h.notifier.Notify(h.target, msg); err != nil {
			log.Warnf("Failed to notify %s about flush of %s: %v", h.target, id, err)
		}
	}

	if err := h.repo.SetState(id, pool_structs.StateCached); err != nil {
		switch pool_errors.KindOf(err) {
		case pool_errors.KindIllegalTransition, pool_errors.KindFileNotInCache, pool_errors.KindNotInTrash:
			log.Debugf("Replica %s changed while it was flushed: %v", id, err)
		default:
			return err
		}
	}
	return nil
}

func (h *StorageHandler) verifyBeforeFlush(ctx context.Context, rh *repository.ReadHandle, attrs pool_structs.FileAttributes) error {
	factory := h.crc.FactoryFor(attrs.Checksums)
	actual, err := factory.Compute(ctx, rh)
	if err != nil {
		return err
	}
	if _, known := factory.Find(attrs.Checksums); known {
		return checksum.Verify(attrs.Checksums, actual)
	}
	id := rh.PnfsId()
	if err := h.repo.UpdateAttributes(id, func(fa *pool_structs.FileAttributes) {
		fa.Checksums = append(fa.Checksums, actual)
	}); err != nil {
		log.Warnf("Failed to record checksum of %s: %v", id, err)
	}
	if h.ns != nil {
		if err := h.ns.SetChecksum(ctx, id, actual); err != nil {
			log.Warnf("Failed to register checksum of %s: %v", id, err)
		}
	}
	return nil
}

// acknowledgeFlush registers the tape copy with the namespace.  It keeps
// retrying until it succeeds because an unregistered tape copy is lost;
// only deletion of the file ends the loop early.  ctx must not be
// cancellable by kills or timeouts.
func (h *StorageHandler) acknowledgeFlush(ctx context.Context, id pool_structs.PnfsId, attrs pool_structs.FileAttributes) error {
	if h.ns == nil {
		return nil
	}
	for attempt := 1; ; attempt++ {
		err := h.ns.FileFlushed(ctx, id, attrs)
		if err == nil {
			return nil
		}
		if pool_errors.IsKind(err, pool_errors.KindNotFound) {
			log.Infof("File %s was deleted after it was flushed", id)
			return nil
		}
		log.Warnf("Failed to register tape copy of %s (attempt %d), retrying in %s: %v", id, attempt, h.ackRetry, err)
		time.Sleep(h.ackRetry)
	}
}

// restore runs the get script into the handle created by Fetch and
// commits the replica.
func (h *StorageHandler) restore(ctx context.Context, r *restoreRequest) error {
	id := r.id
	handle := r.handle
	if err := handle.Allocate(ctx, r.attrs.Size); err != nil {
		return err
	}

	h.mu.Lock()
	timeout := h.restoreTimeout
	h.mu.Unlock()
	if _, err := h.runScript(ctx, timeout, BuildCommand(r.info, OperationGet, r.attrs, handle.Path())); err != nil {
		return err
	}

	expected := append([]pool_structs.Checksum(nil), r.attrs.Checksums...)
	if h.crc.Has(checksum.GetCrcFromHsm) {
		c, ok, err := checksum.ReadCrcSidecar(h.fs, handle.Path())
		switch {
		case err != nil:
			log.Warnf("Ignoring checksum reported by the HSM for %s: %v", id, err)
		case ok:
			if err := checksum.Verify(expected, c); err != nil {
				return pool_errors.Wrap(err, pool_errors.KindChecksumMismatch, pool_errors.CodeChecksumFailed,
					"checksum reported by the HSM does not match")
			}
			expected = append(expected, c)
			handle.AddChecksum(c)
		}
	}

	if h.crc.Has(checksum.OnRestore) {
		actual, err := h.crc.VerifyFile(ctx, h.fs, handle.Path(), expected)
		if err != nil {
			return pool_errors.Wrap(err, pool_errors.KindOf(err), pool_errors.CodeChecksumFailed,
				"checksum verification of restored file failed")
		}
		handle.AddChecksum(actual)
		if _, known := h.crc.FactoryFor(r.attrs.Checksums).Find(r.attrs.Checksums); !known && h.ns != nil {
			if err := h.ns.SetChecksum(ctx, id, actual); err != nil {
				log.Warnf("Failed to register checksum of %s: %v", id, err)
			}
		}
	}

	return handle.Commit(ctx)
}

func (h *StorageHandler) runScript(ctx context.Context, timeout time.Duration, argv []string) (Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := h.runner.Run(runCtx, argv, h.maxLines)
	if err != nil {
		if pool_errors.KindOf(err) != pool_errors.KindInterrupted {
			metrics.SetComponentHealthStatus(metrics.Pool_Hsm, metrics.StatusWarning, err.Error())
		}
		return res, err
	}
	if res.ExitCode != 0 {
		return res, scriptFailure(res)
	}
	metrics.SetComponentHealthStatus(metrics.Pool_Hsm, metrics.StatusOK, "")
	return res, nil
}
