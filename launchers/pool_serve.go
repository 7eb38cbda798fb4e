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

package launchers

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/disk"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanplatform/diskpool/account"
	"github.com/pelicanplatform/diskpool/billing"
	"github.com/pelicanplatform/diskpool/cells"
	"github.com/pelicanplatform/diskpool/checksum"
	"github.com/pelicanplatform/diskpool/hsm"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/namespace"
	"github.com/pelicanplatform/diskpool/param"
	"github.com/pelicanplatform/diskpool/pool"
	"github.com/pelicanplatform/diskpool/repository"
)

const (
	timeoutScanInterval = 10 * time.Second
	setupFileName       = "setup.yaml"
)

// poolSize returns the configured pool size, or the size of the file
// system holding dir when none is configured.
func poolSize(dir string) (int64, error) {
	if configured := param.Pool_MaxDiskSpace.GetString(); configured != "" {
		size, err := units.ParseStrictBytes(configured)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid %s %q", param.Pool_MaxDiskSpace.GetName(), configured)
		}
		return size, nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to determine the size of the file system at %s", dir)
	}
	return int64(usage.Total), nil
}

// queueSpec lists the io queues with the default queue first.
func queueSpec(queues []string, defaultQueue string) string {
	spec := make([]string, 0, len(queues)+1)
	found := false
	for _, queue := range queues {
		if strings.TrimPrefix(strings.TrimSpace(queue), "-") == defaultQueue {
			spec = append([]string{queue}, spec...)
			found = true
			continue
		}
		spec = append(spec, queue)
	}
	if !found && defaultQueue != "" {
		spec = append([]string{defaultQueue}, spec...)
	}
	return strings.Join(spec, ",")
}

// localCell answers for a service the pool talks to when no such service
// is attached to the bus.
func localCell(name string) cells.Handler {
	cellLog := log.WithField("cell", name)
	return cells.HandlerFunc(func(ctx context.Context, env *cells.Envelope) {
		cellLog.Debugf("Received %T from %s", env.Message, env.Source)
		if env.ExpectsReply() {
			env.Reply(env.Message)
		}
	})
}

func newStorageHandler(repo *repository.Repository, endpoint *cells.Endpoint, ns namespace.Handler,
	crc *checksum.Module, reporter *billing.Billing) (*hsm.StorageHandler, error) {
	hsms, err := hsm.LoadHsmSet()
	if err != nil {
		return nil, err
	}
	opts := []hsm.HandlerOption{
		hsm.WithNamespace(ns),
		hsm.WithChecksumModule(crc),
		hsm.WithBilling(reporter),
		hsm.WithPoolName(param.Pool_Name.GetString()),
		hsm.WithMaxActive(param.Hsm_MaxActiveStores.GetInt(), param.Hsm_MaxActiveRestores.GetInt()),
		hsm.WithTimeouts(param.Hsm_StoreTimeout.GetDuration(), param.Hsm_RestoreTimeout.GetDuration()),
		hsm.WithAckRetry(param.Hsm_FlushAckRetry.GetDuration()),
		hsm.WithMaxOutputLines(param.Hsm_MaxOutputLines.GetInt()),
	}
	if target := param.Flush_MessageTarget.GetString(); target != "" {
		opts = append(opts, hsm.WithFlushNotifier(endpoint, target))
	}
	for _, name := range hsms.Names() {
		log.Infof("HSM instance %s is attached to the pool", name)
	}
	return hsm.NewStorageHandler(repo, hsms, opts...)
}

func poolOptions(endpoint *cells.Endpoint, ns namespace.Handler, storage *hsm.StorageHandler,
	crc *checksum.Module, reporter *billing.Billing, dataDir string) ([]pool.Option, error) {
	lfs, err := pool.ParseLfsMode(param.Pool_Lfs.GetString())
	if err != nil {
		return nil, err
	}
	duplicates, err := pool.ParseDuplicatePolicy(param.Pool_DuplicateRequests.GetString())
	if err != nil {
		return nil, err
	}
	maxTotal, err := units.ParseStrictBytes(param.Flush_DefaultMaxTotalSize.GetString())
	if err != nil {
		return nil, errors.Wrapf(err, "invalid %s", param.Flush_DefaultMaxTotalSize.GetName())
	}
	p2pListen := net.JoinHostPort(param.P2P_ListenHost.GetString(), strconv.Itoa(param.P2P_ListenPort.GetInt()))

	return []pool.Option{
		pool.WithName(param.Pool_Name.GetString()),
		pool.WithEndpoint(endpoint),
		pool.WithNamespace(ns),
		pool.WithIoQueues(queueSpec(param.Pool_IoQueues.GetStringSlice(), param.Pool_DefaultQueue.GetString()), param.Pool_MaxMovers.GetInt()),
		pool.WithP2PQueue(param.Pool_MaxP2PMovers.GetInt()),
		pool.WithStorageHandler(storage),
		pool.WithStorageClassDefaults(hsm.StorageClassSettings{
			Expiration:   param.Flush_DefaultExpiration.GetDuration(),
			MaxPending:   param.Flush_DefaultMaxPending.GetInt(),
			MaxTotalSize: maxTotal,
		}),
		pool.WithChecksumModule(crc),
		pool.WithBilling(reporter),
		pool.WithP2PAddress(p2pListen, ""),
		pool.WithP2PReplyTimeout(param.P2P_ReplyTimeout.GetDuration()),
		pool.WithPoolManager(param.Pool_PoolManager.GetString()),
		pool.WithReplication(param.Pool_ReplicationManager.GetString(), param.Pool_ReplicateOnArrival.GetBool()),
		pool.WithFlushZeroSizeFiles(param.Pool_FlushZeroSizeFiles.GetBool()),
		pool.WithLfs(lfs),
		pool.WithDuplicateRequests(duplicates),
		pool.WithHeartbeatInterval(param.Pool_HeartbeatInterval.GetDuration()),
		pool.WithMoverMaxRuntime(param.Pool_MoverMaxRuntime.GetDuration()),
		pool.WithSetupFile(afero.NewOsFs(), filepath.Join(dataDir, setupFileName)),
		pool.WithSweeperBackoff(param.Sweeper_BackoffOnEmpty.GetDuration()),
	}, nil
}

// applyConfig pushes the settings that can change at runtime into p.
func applyConfig(p *pool.Pool, config *param.Config) {
	flush := p.FlushController()
	if config.Flush.Interval > 0 {
		flush.SetInterval(config.Flush.Interval)
	}
	if config.Flush.MaxActive > 0 {
		flush.SetMaxActive(config.Flush.MaxActive)
	}
	if config.Flush.RetryDelayOnError > 0 {
		flush.SetRetryDelay(config.Flush.RetryDelayOnError)
	}
	if config.Pool.MaxMovers >= 0 {
		if err := p.IoQueues().SetMaxActiveJobs("", config.Pool.MaxMovers); err != nil {
			log.Warningln("Failed to update the mover limit:", err)
		}
	}
	if config.Pool.MaxP2PMovers >= 0 {
		p.P2PQueue().SetMaxActiveJobs(config.Pool.MaxP2PMovers)
	}
	if config.Hsm.StoreTimeout > 0 && config.Hsm.RestoreTimeout > 0 {
		p.StorageHandler().SetTimeouts(config.Hsm.StoreTimeout, config.Hsm.RestoreTimeout)
	}
}

// PoolServe creates the pool described by the configuration, registers its
// admin API on engine and launches its background routines on egrp.  The
// pool shuts down when ctx is cancelled.
func PoolServe(ctx context.Context, engine *gin.Engine, egrp *errgroup.Group) (*pool.Pool, error) {
	name := param.Pool_Name.GetString()
	dataDir := param.Pool_DataLocation.GetString()
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dataDir, 0750); err != nil {
		return nil, errors.Wrapf(err, "failed to create pool directory %s", dataDir)
	}
	total, err := poolSize(dataDir)
	if err != nil {
		return nil, err
	}
	log.Infof("Starting pool %s in %s with %s of space", name, dataDir, humanize.IBytes(uint64(total)))

	metaDir := param.Repository_MetaLocation.GetString()
	if metaDir == "" {
		metaDir = filepath.Join(dataDir, "meta")
	}
	meta, err := repository.NewBadgerMetaStore(metaDir)
	if err != nil {
		metrics.SetComponentHealthStatus(metrics.Pool_Disk, metrics.StatusCritical, err.Error())
		return nil, err
	}
	data, err := repository.NewFileStore(osFs, filepath.Join(dataDir, "data"))
	if err != nil {
		_ = meta.Close()
		return nil, err
	}
	repo := repository.New(account.New(total), meta, data,
		repository.WithRemovedTTL(param.Repository_RemovedTTL.GetDuration()))

	crc, err := checksum.NewModule(param.Checksum_Type.GetString(), param.Checksum_Policies.GetStringSlice())
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	// Services the pool reports to are served in-process until a real
	// message transport attaches them.
	bus := cells.NewBus()
	endpoint := bus.Endpoint(name)
	nsDestination := param.Namespace_Destination.GetString()
	bus.Register(nsDestination, namespace.NewMemoryNamespace())
	for _, service := range []string{param.Pool_PoolManager.GetString(), param.Billing_Destination.GetString(),
		param.Pool_ReplicationManager.GetString(), param.Flush_MessageTarget.GetString()} {
		if service != "" {
			bus.Register(service, localCell(service))
		}
	}
	ns := namespace.NewCellHandler(endpoint, nsDestination, name, param.Namespace_Timeout.GetDuration())

	var store *billing.Store
	if location := param.Billing_DatabaseLocation.GetString(); location != "" {
		if store, err = billing.NewStore(location); err != nil {
			_ = repo.Close()
			return nil, err
		}
	}
	reporter := billing.New(name, endpoint, param.Billing_Destination.GetString(), store)

	cleanup := func() {
		bus.Close()
		if store != nil {
			_ = store.Close()
		}
		if err := repo.Close(); err != nil {
			log.Errorln("Failed to close the repository:", err)
		}
	}

	storage, err := newStorageHandler(repo, endpoint, ns, crc, reporter)
	if err != nil {
		cleanup()
		return nil, err
	}
	opts, err := poolOptions(endpoint, ns, storage, crc, reporter, dataDir)
	if err != nil {
		cleanup()
		return nil, err
	}
	p, err := pool.New(repo, opts...)
	if err != nil {
		cleanup()
		return nil, err
	}
	bus.Register(name, p)
	if config, err := param.GetUnmarshaledConfig(); err == nil {
		applyConfig(p, config)
	}

	if err := repo.Load(ctx); err != nil {
		metrics.SetComponentHealthStatus(metrics.Pool_Disk, metrics.StatusCritical, err.Error())
		p.Shutdown()
		cleanup()
		return nil, err
	}
	metrics.SetComponentHealthStatus(metrics.Pool_Disk, metrics.StatusOK, "")
	p.Enable()
	if err := p.LoadSetupFile(); err != nil {
		log.Errorln("Failed to apply the saved pool setup:", err)
	}

	if err := p.P2PClient().Listen(); err != nil {
		p.Shutdown()
		cleanup()
		return nil, err
	}
	log.Infoln("Pool to pool transfers are accepted on", p.P2PClient().Addr())

	param.RegisterCallback("pool", func(oldConfig, newConfig *param.Config) {
		applyConfig(p, newConfig)
	})

	p.RegisterAPI(&engine.RouterGroup)

	scanRate, err := units.ParseStrictBytes(param.Checksum_ScanRate.GetString())
	if err != nil {
		log.Warningf("Invalid %s %q; scanning without a rate limit", param.Checksum_ScanRate.GetName(), param.Checksum_ScanRate.GetString())
		scanRate = 0
	}
	scanner := checksum.NewScanner(repo, crc, scanRate)

	meta.StartGC(ctx, egrp)
	egrp.Go(func() error { return p.P2PClient().Serve(ctx) })
	egrp.Go(func() error { return p.Sweeper().Run(ctx) })
	egrp.Go(func() error { return p.FlushController().Run(ctx) })
	egrp.Go(func() error { return p.RunHeartbeat(ctx) })
	egrp.Go(func() error { return p.TimeoutManager().Run(ctx, timeoutScanInterval) })
	egrp.Go(func() error { return repo.RunStickyExpiry(ctx, param.Pool_StickyCheckInterval.GetDuration()) })
	if interval := param.Checksum_ScanInterval.GetDuration(); interval > 0 {
		egrp.Go(func() error { return scanner.Run(ctx, interval) })
	}
	egrp.Go(func() error {
		<-ctx.Done()
		param.UnregisterCallback("pool")
		log.Infof("Shutting down pool %s", name)
		p.Shutdown()
		cleanup()
		return nil
	})

	log.Infof("Pool %s is up", name)
	return p, nil
}
