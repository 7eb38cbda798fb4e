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

// Package pool is the facade of a disk pool.  It accepts requests from
// doors, pool managers and peer pools, checks them against the pool mode
// and hands them to the movers, the HSM storage handler and the pool to
// pool client.
package pool

import (
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/option"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/pelicanplatform/diskpool/account"
	"github.com/pelicanplatform/diskpool/billing"
	"github.com/pelicanplatform/diskpool/cells"
	"github.com/pelicanplatform/diskpool/checksum"
	"github.com/pelicanplatform/diskpool/hsm"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/namespace"
	"github.com/pelicanplatform/diskpool/p2p"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
	"github.com/pelicanplatform/diskpool/scheduler"
	"github.com/pelicanplatform/diskpool/sweeper"
)

type (
	Option = option.Interface

	identName               struct{}
	identEndpoint           struct{}
	identNamespace          struct{}
	identIoQueues           struct{}
	identP2PQueue           struct{}
	identStorageHandler     struct{}
	identClassDefaults      struct{}
	identChecksumModule     struct{}
	identBilling            struct{}
	identP2PAddress         struct{}
	identP2PReplyTimeout    struct{}
	identPoolManager        struct{}
	identReplication        struct{}
	identFlushZeroSizeFiles struct{}
	identLfs                struct{}
	identDuplicateRequests  struct{}
	identHeartbeat          struct{}
	identMoverMaxRuntime    struct{}
	identSetupFile          struct{}
	identSweeperBackoff     struct{}

	queueSpec struct {
		spec      string
		maxActive int
	}

	p2pAddress struct {
		listen, advertised string
	}

	replication struct {
		destination string
		onArrival   bool
	}

	setupFile struct {
		fs   afero.Fs
		path string
	}

	// DuplicatePolicy decides what happens to a read request equal to one
	// already queued.
	DuplicatePolicy int

	// LfsMode selects whether precious files are flushed to tape.
	LfsMode int

	requestKey struct {
		door          string
		doorRequestId int64
		pnfsId        pool_structs.PnfsId
	}

	Pool struct {
		name       string
		repo       *repository.Repository
		acct       *account.Account
		endpoint   *cells.Endpoint
		ns         namespace.Handler
		sweeper    *sweeper.Sweeper
		ioQueues   *scheduler.QueueManager
		p2pQueue   *scheduler.JobScheduler
		timeouts   *scheduler.TimeoutManager
		storage    *hsm.StorageHandler
		hsms       *hsm.HsmSet
		classes    *hsm.StorageClassContainer
		flush      *hsm.FlushController
		p2pClient  *p2p.Client
		crc        *checksum.Module
		billing    billing.Reporter
		billingDB  *billing.Store
		setup      setupFile
		poolUpDest string
		replicas   replication
		flushZero  bool
		lfs        LfsMode
		duplicates DuplicatePolicy
		heartbeat  time.Duration
		maxRuntime time.Duration

		moverMu sync.RWMutex
		movers  map[string]MoverFactory

		mu         sync.Mutex
		mode       pool_structs.PoolMode
		statusCode int
		statusMsg  string
		serial     int64
		requests   map[requestKey]int
		transfers  map[int]*ioRequest
	}

	// Info is the state of the pool reported by the admin interface.
	Info struct {
		Name              string                   `json:"name"`
		Mode              pool_structs.PoolMode    `json:"mode"`
		StatusCode        int                      `json:"statusCode"`
		StatusMsg         string                   `json:"statusMsg,omitempty"`
		Lfs               string                   `json:"lfs"`
		DuplicateRequests string                   `json:"duplicateRequests"`
		Space             pool_structs.SpaceRecord `json:"space"`
		Replicas          map[string]int           `json:"replicas"`
		Queues            []pool_structs.QueueInfo `json:"queues"`
		HsmInstances      []string                 `json:"hsmInstances"`
		Flush             hsm.FlushControllerInfo  `json:"flush"`
		P2P               p2p.ClientInfo           `json:"p2p"`
	}
)

const (
	DuplicatesNone DuplicatePolicy = iota
	DuplicatesIgnore
	DuplicatesRefresh
)

const (
	LfsNone LfsMode = iota
	LfsPrecious
)

const p2pQueueName = "p2p"

func (d DuplicatePolicy) String() string {
	switch d {
	case DuplicatesIgnore:
		return "ignore"
	case DuplicatesRefresh:
		return "refresh"
	}
	return "none"
}

func ParseDuplicatePolicy(name string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return DuplicatesNone, nil
	case "ignore":
		return DuplicatesIgnore, nil
	case "refresh":
		return DuplicatesRefresh, nil
	}
	return DuplicatesNone, pool_errors.IllegalArgument("duplicate request policy must be none, ignore or refresh: %q", name)
}

func (m LfsMode) String() string {
	if m == LfsPrecious {
		return "precious"
	}
	return "none"
}

func ParseLfsMode(name string) (LfsMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return LfsNone, nil
	case "precious":
		return LfsPrecious, nil
	}
	return LfsNone, pool_errors.IllegalArgument("lfs must be none or precious: %q", name)
}

func WithName(name string) Option {
	return option.New(identName{}, name)
}

// WithEndpoint sets the message endpoint of the pool; required.
func WithEndpoint(ep *cells.Endpoint) Option {
	return option.New(identEndpoint{}, ep)
}

// WithNamespace overrides the namespace handler.  By default requests go
// to the PnfsManager cell through the endpoint.
func WithNamespace(ns namespace.Handler) Option {
	return option.New(identNamespace{}, ns)
}

// WithIoQueues sets the mover queues, see scheduler.NewQueueManager.
func WithIoQueues(spec string, maxActive int) Option {
	return option.New(identIoQueues{}, queueSpec{spec: spec, maxActive: maxActive})
}

func WithP2PQueue(maxActive int) Option {
	return option.New(identP2PQueue{}, maxActive)
}

func WithStorageHandler(h *hsm.StorageHandler) Option {
	return option.New(identStorageHandler{}, h)
}

// WithStorageClassDefaults sets the settings of storage classes that
// were not defined explicitly.
func WithStorageClassDefaults(settings hsm.StorageClassSettings) Option {
	return option.New(identClassDefaults{}, settings)
}

func WithChecksumModule(m *checksum.Module) Option {
	return option.New(identChecksumModule{}, m)
}

func WithBilling(b *billing.Billing) Option {
	return option.New(identBilling{}, b)
}

// WithP2PAddress sets where the pool to pool client listens and the host
// name it advertises to source pools.
func WithP2PAddress(listen, advertised string) Option {
	return option.New(identP2PAddress{}, p2pAddress{listen: listen, advertised: advertised})
}

func WithP2PReplyTimeout(d time.Duration) Option {
	return option.New(identP2PReplyTimeout{}, d)
}

// WithPoolManager names the destination of heartbeats; empty disables
// them.
func WithPoolManager(name string) Option {
	return option.New(identPoolManager{}, name)
}

// WithReplication sends a replication request to destination for every
// file written by a client when onArrival is set.
func WithReplication(destination string, onArrival bool) Option {
	return option.New(identReplication{}, replication{destination: destination, onArrival: onArrival})
}

func WithFlushZeroSizeFiles(flush bool) Option {
	return option.New(identFlushZeroSizeFiles{}, flush)
}

func WithLfs(mode LfsMode) Option {
	return option.New(identLfs{}, mode)
}

func WithDuplicateRequests(policy DuplicatePolicy) Option {
	return option.New(identDuplicateRequests{}, policy)
}

func WithHeartbeatInterval(d time.Duration) Option {
	return option.New(identHeartbeat{}, d)
}

// WithMoverMaxRuntime kills movers running longer than d; zero disables
// the limit.
func WithMoverMaxRuntime(d time.Duration) Option {
	return option.New(identMoverMaxRuntime{}, d)
}

// WithSetupFile sets where SaveSetup writes the runtime settings.
func WithSetupFile(fs afero.Fs, path string) Option {
	return option.New(identSetupFile{}, setupFile{fs: fs, path: path})
}

func WithSweeperBackoff(d time.Duration) Option {
	return option.New(identSweeperBackoff{}, d)
}

// New assembles a pool around repo.  The repository must not be loaded
// yet so that the sweeper and the flush queues see the existing replicas.
// The pool starts disabled; call Enable once the repository is loaded.
func New(repo *repository.Repository, opts ...Option) (*Pool, error) {
	p := &Pool{
		name:       "pool",
		repo:       repo,
		poolUpDest: "PoolManager",
		heartbeat:  30 * time.Second,
		mode:       pool_structs.ModeDisabledStrict,
		statusCode: pool_errors.CodeDefault,
		statusMsg:  "Initializing",
		movers:     make(map[string]MoverFactory),
		requests:   make(map[requestKey]int),
		transfers:  make(map[int]*ioRequest),
		setup:      setupFile{fs: afero.NewOsFs()},
	}
	queues := queueSpec{spec: "regular", maxActive: 100}
	p2pMovers := 10
	classDefaults := hsm.StorageClassSettings{Expiration: 4 * time.Hour, MaxPending: 100, MaxTotalSize: 1 << 30}
	p2pAddr := p2pAddress{listen: ":0"}
	p2pReplyTimeout := 5 * time.Minute
	var sweeperOpts []sweeper.Option
	var billingReporter *billing.Billing

	for _, opt := range opts {
		switch opt.Ident() {
		case identName{}:
			p.name = opt.Value().(string)
		case identEndpoint{}:
			p.endpoint = opt.Value().(*cells.Endpoint)
		case identNamespace{}:
			p.ns = opt.Value().(namespace.Handler)
		case identIoQueues{}:
			queues = opt.Value().(queueSpec)
		case identP2PQueue{}:
			p2pMovers = opt.Value().(int)
		case identStorageHandler{}:
			p.storage = opt.Value().(*hsm.StorageHandler)
		case identClassDefaults{}:
			classDefaults = opt.Value().(hsm.StorageClassSettings)
		case identChecksumModule{}:
			p.crc = opt.Value().(*checksum.Module)
		case identBilling{}:
			billingReporter = opt.Value().(*billing.Billing)
		case identP2PAddress{}:
			p2pAddr = opt.Value().(p2pAddress)
		case identP2PReplyTimeout{}:
			p2pReplyTimeout = opt.Value().(time.Duration)
		case identPoolManager{}:
			p.poolUpDest = opt.Value().(string)
		case identReplication{}:
			p.replicas = opt.Value().(replication)
		case identFlushZeroSizeFiles{}:
			p.flushZero = opt.Value().(bool)
		case identLfs{}:
			p.lfs = opt.Value().(LfsMode)
		case identDuplicateRequests{}:
			p.duplicates = opt.Value().(DuplicatePolicy)
		case identHeartbeat{}:
			p.heartbeat = opt.Value().(time.Duration)
		case identMoverMaxRuntime{}:
			p.maxRuntime = opt.Value().(time.Duration)
		case identSetupFile{}:
			p.setup = opt.Value().(setupFile)
		case identSweeperBackoff{}:
			sweeperOpts = append(sweeperOpts, sweeper.WithBackoff(opt.Value().(time.Duration)))
		}
	}
	if repo == nil || p.endpoint == nil {
		return nil, pool_errors.IllegalArgument("a pool needs a repository and a message endpoint")
	}
	p.acct = repo.Account()
	if p.ns == nil {
		p.ns = namespace.NewCellHandler(p.endpoint, "PnfsManager", p.name, 5*time.Minute)
	}
	if p.crc == nil {
		crc, err := checksum.NewModule("adler32", nil)
		if err != nil {
			return nil, err
		}
		p.crc = crc
	}
	if billingReporter != nil {
		p.billing = billingReporter
		p.billingDB = billingReporter.Store()
	}

	var err error
	if p.ioQueues, err = scheduler.NewQueueManager(queues.spec, queues.maxActive); err != nil {
		return nil, err
	}
	p.p2pQueue = scheduler.NewJobScheduler(p2pQueueName, p2pMovers, true)
	p.timeouts = scheduler.NewTimeoutManager()
	for _, queue := range p.ioQueues.Queues() {
		p.timeouts.Register(queue, p.maxRuntime)
	}
	p.timeouts.Register(p.p2pQueue, p.maxRuntime)

	if p.storage == nil {
		handlerOpts := []hsm.HandlerOption{
			hsm.WithNamespace(p.ns),
			hsm.WithChecksumModule(p.crc),
			hsm.WithPoolName(p.name),
		}
		if p.billing != nil {
			handlerOpts = append(handlerOpts, hsm.WithBilling(p.billing))
		}
		if p.storage, err = hsm.NewStorageHandler(repo, hsm.NewHsmSet(), handlerOpts...); err != nil {
			return nil, err
		}
	}
	p.hsms = p.storage.HsmSet()

	clientOpts := []p2p.ClientOption{
		p2p.WithNamespace(p.ns),
		p2p.WithRequester(p.endpoint),
		p2p.WithChecksumModule(p.crc),
		p2p.WithPoolName(p.name),
		p2p.WithListenAddress(p2pAddr.listen),
		p2p.WithReplyTimeout(p2pReplyTimeout),
	}
	if p2pAddr.advertised != "" {
		clientOpts = append(clientOpts, p2p.WithAdvertisedHost(p2pAddr.advertised))
	}
	if p.billing != nil {
		clientOpts = append(clientOpts, p2p.WithBilling(p.billing))
	}
	if p.p2pClient, err = p2p.NewClient(repo, clientOpts...); err != nil {
		return nil, err
	}

	// Listener order matters: the pool turns empty precious files into
	// cached ones before the flush queues see them.
	repo.AddListener(p)
	p.sweeper = sweeper.New(repo, p.acct, sweeperOpts...)
	p.classes = hsm.NewStorageClassContainer(classDefaults)
	p.classes.SetFilter(p.isFlushable)
	repo.AddListener(p.classes)
	p.flush = hsm.NewFlushController(p.classes, p.storage)

	p.RegisterMover(dcapProtocol, newDCapMover)
	return p, nil
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) Repository() *repository.Repository {
	return p.repo
}

func (p *Pool) Sweeper() *sweeper.Sweeper {
	return p.sweeper
}

func (p *Pool) IoQueues() *scheduler.QueueManager {
	return p.ioQueues
}

func (p *Pool) P2PQueue() *scheduler.JobScheduler {
	return p.p2pQueue
}

func (p *Pool) TimeoutManager() *scheduler.TimeoutManager {
	return p.timeouts
}

func (p *Pool) StorageHandler() *hsm.StorageHandler {
	return p.storage
}

func (p *Pool) FlushController() *hsm.FlushController {
	return p.flush
}

func (p *Pool) P2PClient() *p2p.Client {
	return p.p2pClient
}

func (p *Pool) ChecksumModule() *checksum.Module {
	return p.crc
}

// isFlushable decides which precious replicas enter the flush queues.
func (p *Pool) isFlushable(entry repository.CacheEntry) bool {
	if p.lfs == LfsPrecious {
		return false
	}
	if entry.Size == 0 && !p.flushZero {
		return false
	}
	_, ok := p.hsms.Get(entry.Attributes.StorageInfo.HsmName)
	return ok
}

// SetMode replaces the pool mode.  Enabling the pool clears the status.
func (p *Pool) SetMode(mode pool_structs.PoolMode, code int, msg string) {
	p.mu.Lock()
	if mode.IsEnabled() {
		code, msg = 0, ""
	}
	p.mode = mode
	p.statusCode = code
	p.statusMsg = msg
	p.serial++
	p.mu.Unlock()

	switch {
	case mode.IsEnabled():
		log.Infof("Pool %s enabled", p.name)
	case mode.IsDisabled(pool_structs.ModeDisabledStrict):
		log.Warnf("Pool %s disabled (%s): [%d] %s", p.name, mode, code, msg)
	default:
		log.Warnf("Pool %s mode set to %s: [%d] %s", p.name, mode, code, msg)
	}
	metrics.ReportPoolMode(mode, msg)
	p.sendPoolUp()
}

func (p *Pool) Enable() {
	p.SetMode(pool_structs.ModeEnabled, 0, "")
}

// Disable stops the pool from accepting requests.  A strict disable
// rejects every request; otherwise the pool only stops being selected
// by the pool manager.
func (p *Pool) Disable(code int, msg string, strict bool) {
	mode := pool_structs.ModeDisabled
	if strict {
		mode = pool_structs.ModeDisabledStrict
	}
	p.mu.Lock()
	mode |= p.mode
	p.mu.Unlock()
	p.SetMode(mode, code, msg)
}

func (p *Pool) Mode() pool_structs.PoolMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// checkMode rejects a request needing a capability the pool disabled.
func (p *Pool) checkMode(bits pool_structs.PoolMode) error {
	p.mu.Lock()
	mode := p.mode
	p.mu.Unlock()
	if mode.IsDisabled(bits) {
		return pool_errors.PoolDisabled("Pool is disabled")
	}
	return nil
}

// disableOnDiskError disables the pool strictly when err is a disk IO
// error.
func (p *Pool) disableOnDiskError(err error) {
	if pool_errors.CodeOf(err) == pool_errors.CodeErrorIODisk {
		metrics.SetComponentHealthStatus(metrics.Pool_Disk, metrics.StatusCritical, pool_errors.Message(err))
		p.Disable(pool_errors.CodeErrorIODisk, pool_errors.Message(err), true)
	}
}

func (p *Pool) report(rec billing.Record) {
	if p.billing != nil {
		p.billing.Report(rec)
	}
}

func (p *Pool) Info() Info {
	p.mu.Lock()
	info := Info{
		Name:              p.name,
		Mode:              p.mode,
		StatusCode:        p.statusCode,
		StatusMsg:         p.statusMsg,
		Lfs:               p.lfs.String(),
		DuplicateRequests: p.duplicates.String(),
	}
	p.mu.Unlock()

	info.Space = p.acct.Snapshot()
	info.Replicas = make(map[string]int)
	for state, count := range p.repo.CountByState() {
		info.Replicas[state.String()] = count
	}
	info.Queues = p.queueInfos()
	info.HsmInstances = p.hsms.Names()
	info.Flush = p.flush.Info()
	info.P2P = p.p2pClient.Info()
	return info
}

func (p *Pool) queueInfos() []pool_structs.QueueInfo {
	infos := p.ioQueues.Infos()
	infos = append(infos, p.p2pQueue.Info())
	infos = append(infos, p.storage.StoreQueue().Info(), p.storage.RestoreQueue().Info())
	return infos
}

// Shutdown stops the queues and aborts running pool to pool transfers.
func (p *Pool) Shutdown() {
	p.SetMode(pool_structs.ModeDisabledDead, pool_errors.CodeDefault, "Pool is shutting down")
	p.ioQueues.Shutdown()
	p.p2pQueue.Shutdown()
	p.storage.Shutdown()
	p.p2pClient.Shutdown()
}
