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

package pool

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alecthomas/units"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/billing"
	"github.com/pelicanplatform/diskpool/hsm"
	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/scheduler"
	"github.com/pelicanplatform/diskpool/sweeper"
)

type (
	modeReq struct {
		// Mode in the form reported by GET /mode; takes precedence over
		// Disable.
		Mode       string   `json:"mode"`
		Disable    []string `json:"disable"`
		StatusCode int      `json:"statusCode"`
		StatusMsg  string   `json:"statusMsg"`
	}

	modeResp struct {
		Mode       pool_structs.PoolMode `json:"mode"`
		StatusCode int                   `json:"statusCode"`
		StatusMsg  string                `json:"statusMsg,omitempty"`
	}

	queueReq struct {
		MaxActive int `json:"maxActive" binding:"min=0"`
	}

	sweeperResp struct {
		LRUSeconds int64                    `json:"lruSeconds"`
		Removable  []sweeper.RemovableEntry `json:"removable"`
	}

	reclaimReq struct {
		// Amount of space, e.g. "10GiB"
		Size string `json:"size" binding:"required"`
	}

	flushResp struct {
		Controller hsm.FlushControllerInfo  `json:"controller"`
		Classes    []hsm.StorageClassStatus `json:"classes"`
	}

	flushReq struct {
		Interval   string `json:"interval"`
		MaxActive  int    `json:"maxActive"`
		RetryDelay string `json:"retryDelay"`
	}

	flushClassReq struct {
		Hsm          string `json:"hsm" binding:"required"`
		StorageClass string `json:"storageClass" binding:"required"`
		MaxCount     int    `json:"maxCount"`
	}

	defineClassReq struct {
		Hsm          string `json:"hsm" binding:"required"`
		StorageClass string `json:"storageClass" binding:"required"`
		Expiration   string `json:"expiration"`
		MaxPending   int    `json:"maxPending"`
		MaxTotalSize string `json:"maxTotalSize"`
		Suspended    bool   `json:"suspended"`
	}

	timeoutsReq struct {
		Store   string `json:"store"`
		Restore string `json:"restore"`
	}

	stickyReq struct {
		Owner string `json:"owner" binding:"required"`
		// Seconds; -1 pins forever and 0 clears the record.
		Lifetime int64 `json:"lifetime"`
	}

	p2pReq struct {
		Source      string `json:"source" binding:"required"`
		PnfsId      string `json:"pnfsid" binding:"required"`
		TargetState string `json:"targetState"`
	}
)

// RegisterAPI adds the administrative interface of the pool to router.
func (p *Pool) RegisterAPI(router *gin.RouterGroup) {
	group := router.Group("/api/v1.0/pool")
	{
		group.GET("/info", p.handleInfo)
		group.GET("/health", handleHealth)
		group.GET("/mode", p.handleGetMode)
		group.PUT("/mode", p.handleSetMode)

		group.GET("/queues", p.handleGetQueues)
		group.PUT("/queues/:name", p.handleSetQueue)
		group.GET("/movers", p.handleGetMovers)
		group.DELETE("/movers/:id", p.handleRemoveMover)
		group.POST("/movers/:id/kill", p.handleKillMover)

		group.GET("/sweeper", p.handleGetSweeper)
		group.POST("/sweeper/reclaim", p.handleReclaim)

		group.GET("/flush", p.handleGetFlush)
		group.PUT("/flush", p.handleSetFlush)
		group.POST("/flush/class", p.handleFlushClass)
		group.PUT("/flush/class", p.handleDefineClass)
		group.DELETE("/flush/class/:hsm/:class", p.handleUndefineClass)
		group.POST("/flush/class/:hsm/:class/activate", p.handleActivateClass)
		group.POST("/flush/pnfsid/:id", p.handleFlushPnfsId)
		group.DELETE("/flush/pnfsid/:id", p.handleUnqueuePnfsId)
		group.PUT("/hsm/timeouts", p.handleSetTimeouts)

		group.GET("/repository/:id", p.handleGetEntry)
		group.PUT("/repository/:id/sticky", p.handleSetSticky)

		group.GET("/p2p", p.handleGetP2P)
		group.POST("/p2p", p.handleStartP2P)
		group.DELETE("/p2p/:session", p.handleCancelP2P)

		group.GET("/billing", p.handleGetBilling)
		group.GET("/setup", p.handleGetSetup)
		group.POST("/setup", p.handleSaveSetup)
	}
}

func failed(ctx *gin.Context, status int, msg string) {
	ctx.AbortWithStatusJSON(status, pool_structs.SimpleApiResp{
		Status: pool_structs.RespFailed,
		Msg:    msg,
	})
}

// failedErr picks the HTTP status matching the kind of err.
func failedErr(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case pool_errors.IsKind(err, pool_errors.KindNotFound):
		status = http.StatusNotFound
	case pool_errors.IsKind(err, pool_errors.KindIllegalArgument):
		status = http.StatusBadRequest
	case pool_errors.IsKind(err, pool_errors.KindAlreadyExists),
		pool_errors.IsKind(err, pool_errors.KindIllegalTransition),
		pool_errors.IsKind(err, pool_errors.KindLocked):
		status = http.StatusConflict
	case pool_errors.IsKind(err, pool_errors.KindPoolDisabled):
		status = http.StatusServiceUnavailable
	}
	failed(ctx, status, err.Error())
}

func succeeded(ctx *gin.Context, msg string) {
	ctx.JSON(http.StatusOK, pool_structs.SimpleApiResp{Status: pool_structs.RespOK, Msg: msg})
}

// bindJSON decodes the request body, answering 400 on failure.
func bindJSON(ctx *gin.Context, obj any) bool {
	if err := ctx.ShouldBindJSON(obj); err != nil {
		failed(ctx, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

// parseDuration accepts an empty string as zero.
func parseDuration(ctx *gin.Context, field, value string) (time.Duration, bool) {
	if value == "" {
		return 0, true
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		failed(ctx, http.StatusBadRequest, fmt.Sprintf("Invalid %s %q", field, value))
		return 0, false
	}
	return d, true
}

func parseSize(ctx *gin.Context, field, value string) (int64, bool) {
	if value == "" {
		return 0, true
	}
	size, err := units.ParseStrictBytes(value)
	if err != nil {
		// Plain numbers are bytes
		if n, nerr := strconv.ParseInt(value, 10, 64); nerr == nil && n >= 0 {
			return n, true
		}
		failed(ctx, http.StatusBadRequest, fmt.Sprintf("Invalid %s %q: %v", field, value, err))
		return 0, false
	}
	return size, true
}

func pnfsIdParam(ctx *gin.Context) (pool_structs.PnfsId, bool) {
	id, err := pool_structs.ParsePnfsId(ctx.Param("id"))
	if err != nil {
		failed(ctx, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func jobIdParam(ctx *gin.Context) (int, bool) {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil || id <= 0 {
		failed(ctx, http.StatusBadRequest, fmt.Sprintf("Invalid mover id %q", ctx.Param("id")))
		return 0, false
	}
	return id, true
}

func (p *Pool) handleInfo(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, p.Info())
}

func handleHealth(ctx *gin.Context) {
	health := metrics.GetHealthStatus()
	status := http.StatusOK
	if health.OverallStatus == metrics.StatusCritical.String() {
		status = http.StatusServiceUnavailable
	}
	ctx.JSON(status, health)
}

func (p *Pool) handleGetMode(ctx *gin.Context) {
	p.mu.Lock()
	resp := modeResp{Mode: p.mode, StatusCode: p.statusCode, StatusMsg: p.statusMsg}
	p.mu.Unlock()
	ctx.JSON(http.StatusOK, resp)
}

func (p *Pool) handleSetMode(ctx *gin.Context) {
	var req modeReq
	if !bindJSON(ctx, &req) {
		return
	}
	var mode pool_structs.PoolMode
	if req.Mode != "" {
		parsed, err := ParseMode(req.Mode)
		if err != nil {
			failed(ctx, http.StatusBadRequest, err.Error())
			return
		}
		mode = parsed
	} else {
		for _, name := range req.Disable {
			if !mode.SetString(name) {
				failed(ctx, http.StatusBadRequest, fmt.Sprintf("Unknown pool capability %q", name))
				return
			}
		}
	}
	p.SetMode(mode, req.StatusCode, req.StatusMsg)
	succeeded(ctx, "Pool mode set to "+mode.String())
}

func (p *Pool) handleGetQueues(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, p.queueInfos())
}

// queue returns any scheduler of the pool by name.
func (p *Pool) queue(name string) *scheduler.JobScheduler {
	switch name {
	case p2pQueueName:
		return p.p2pQueue
	case hsm.StoreQueueName:
		return p.storage.StoreQueue()
	case hsm.RestoreQueueName:
		return p.storage.RestoreQueue()
	}
	return p.ioQueues.GetQueue(name)
}

func (p *Pool) handleSetQueue(ctx *gin.Context) {
	var req queueReq
	if !bindJSON(ctx, &req) {
		return
	}
	queue := p.queue(ctx.Param("name"))
	if queue == nil {
		failed(ctx, http.StatusNotFound, fmt.Sprintf("No queue named %q", ctx.Param("name")))
		return
	}
	queue.SetMaxActiveJobs(req.MaxActive)
	succeeded(ctx, "")
}

func (p *Pool) handleGetMovers(ctx *gin.Context) {
	infos := p.ioQueues.GetJobInfos()
	infos = append(infos, p.p2pQueue.GetJobInfos()...)
	ctx.JSON(http.StatusOK, infos)
}

// moverQueue picks the queue addressed by a mover request; p2p deliveries
// are selected with ?queue=p2p.
type moverScheduler interface {
	Remove(id int) error
	Kill(id int, force bool) error
}

func (p *Pool) moverQueue(ctx *gin.Context) moverScheduler {
	if ctx.Query("queue") == p2pQueueName {
		return p.p2pQueue
	}
	return p.ioQueues
}

func (p *Pool) handleRemoveMover(ctx *gin.Context) {
	id, ok := jobIdParam(ctx)
	if !ok {
		return
	}
	if err := p.moverQueue(ctx).Remove(id); err != nil {
		failedErr(ctx, err)
		return
	}
	succeeded(ctx, "")
}

func (p *Pool) handleKillMover(ctx *gin.Context) {
	id, ok := jobIdParam(ctx)
	if !ok {
		return
	}
	force := ctx.Query("force") == "true"
	if err := p.moverQueue(ctx).Kill(id, force); err != nil {
		failedErr(ctx, err)
		return
	}
	log.Infof("Mover %d killed through the admin interface", id)
	succeeded(ctx, "")
}

func (p *Pool) handleGetSweeper(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, sweeperResp{
		LRUSeconds: int64(p.sweeper.LRUAge().Seconds()),
		Removable:  p.sweeper.Removable(),
	})
}

func (p *Pool) handleReclaim(ctx *gin.Context) {
	var req reclaimReq
	if !bindJSON(ctx, &req) {
		return
	}
	size, ok := parseSize(ctx, "size", req.Size)
	if !ok {
		return
	}
	reclaimed, err := p.sweeper.Reclaim(ctx.Request.Context(), size)
	if err != nil {
		failedErr(ctx, err)
		return
	}
	succeeded(ctx, fmt.Sprintf("Reclaimed %d bytes", reclaimed))
}

func (p *Pool) flushStatus() flushResp {
	resp := flushResp{Controller: p.flush.Info()}
	for _, info := range p.classes.Classes() {
		resp.Classes = append(resp.Classes, info.Status())
	}
	return resp
}

func (p *Pool) handleGetFlush(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, p.flushStatus())
}

func (p *Pool) handleSetFlush(ctx *gin.Context) {
	var req flushReq
	if !bindJSON(ctx, &req) {
		return
	}
	interval, ok := parseDuration(ctx, "interval", req.Interval)
	if !ok {
		return
	}
	retryDelay, ok := parseDuration(ctx, "retryDelay", req.RetryDelay)
	if !ok {
		return
	}
	if interval > 0 {
		p.flush.SetInterval(interval)
	}
	if retryDelay > 0 {
		p.flush.SetRetryDelay(retryDelay)
	}
	if req.MaxActive > 0 {
		p.flush.SetMaxActive(req.MaxActive)
	}
	ctx.JSON(http.StatusOK, p.flush.Info())
}

func (p *Pool) handleFlushClass(ctx *gin.Context) {
	var req flushClassReq
	if !bindJSON(ctx, &req) {
		return
	}
	flushId, err := p.flush.FlushStorageClass(req.Hsm, req.StorageClass, req.MaxCount, nil)
	if err != nil {
		failedErr(ctx, err)
		return
	}
	succeeded(ctx, fmt.Sprintf("Flush %d started", flushId))
}

func (p *Pool) handleDefineClass(ctx *gin.Context) {
	var req defineClassReq
	if !bindJSON(ctx, &req) {
		return
	}
	settings := p.classes.Defaults()
	if expiration, ok := parseDuration(ctx, "expiration", req.Expiration); !ok {
		return
	} else if expiration > 0 {
		settings.Expiration = expiration
	}
	if maxTotal, ok := parseSize(ctx, "maxTotalSize", req.MaxTotalSize); !ok {
		return
	} else if maxTotal > 0 {
		settings.MaxTotalSize = maxTotal
	}
	if req.MaxPending > 0 {
		settings.MaxPending = req.MaxPending
	}
	info := p.classes.Define(req.Hsm, req.StorageClass, settings)
	info.Suspend(req.Suspended)
	p.flush.Trigger()
	ctx.JSON(http.StatusOK, info.Status())
}

func (p *Pool) handleUndefineClass(ctx *gin.Context) {
	if err := p.classes.Undefine(ctx.Param("hsm"), ctx.Param("class")); err != nil {
		failedErr(ctx, err)
		return
	}
	succeeded(ctx, "")
}

// handleActivateClass moves the failed files of a class back to pending.
func (p *Pool) handleActivateClass(ctx *gin.Context) {
	info := p.classes.Get(ctx.Param("hsm"), ctx.Param("class"))
	if info == nil {
		failed(ctx, http.StatusNotFound, fmt.Sprintf("Storage class %s@%s is not known", ctx.Param("class"), ctx.Param("hsm")))
		return
	}
	n := info.ActivateAll()
	p.flush.Trigger()
	succeeded(ctx, fmt.Sprintf("%d files reactivated", n))
}

func (p *Pool) handleFlushPnfsId(ctx *gin.Context) {
	id, ok := pnfsIdParam(ctx)
	if !ok {
		return
	}
	flushId, err := p.flush.FlushPnfsId(id)
	if err != nil {
		failedErr(ctx, err)
		return
	}
	succeeded(ctx, fmt.Sprintf("Flush %d started", flushId))
}

func (p *Pool) handleUnqueuePnfsId(ctx *gin.Context) {
	id, ok := pnfsIdParam(ctx)
	if !ok {
		return
	}
	if !p.classes.RemoveCacheEntry(id) {
		failed(ctx, http.StatusNotFound, fmt.Sprintf("%s is not queued for flushing", id))
		return
	}
	succeeded(ctx, "")
}

func (p *Pool) handleSetTimeouts(ctx *gin.Context) {
	var req timeoutsReq
	if !bindJSON(ctx, &req) {
		return
	}
	store, restore := p.storage.Timeouts()
	if d, ok := parseDuration(ctx, "store", req.Store); !ok {
		return
	} else if d > 0 {
		store = d
	}
	if d, ok := parseDuration(ctx, "restore", req.Restore); !ok {
		return
	} else if d > 0 {
		restore = d
	}
	p.storage.SetTimeouts(store, restore)
	succeeded(ctx, fmt.Sprintf("store timeout %s, restore timeout %s", store, restore))
}

func (p *Pool) handleGetEntry(ctx *gin.Context) {
	id, ok := pnfsIdParam(ctx)
	if !ok {
		return
	}
	entry, err := p.repo.GetEntry(id)
	if err != nil {
		failedErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, entry)
}

func (p *Pool) handleSetSticky(ctx *gin.Context) {
	id, ok := pnfsIdParam(ctx)
	if !ok {
		return
	}
	var req stickyReq
	if !bindJSON(ctx, &req) {
		return
	}
	lifetime := time.Duration(req.Lifetime) * time.Second
	if req.Lifetime < 0 {
		lifetime = -1
	}
	if err := p.repo.SetSticky(id, req.Owner, lifetime, true); err != nil {
		failedErr(ctx, err)
		return
	}
	succeeded(ctx, "")
}

func (p *Pool) handleGetP2P(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, p.p2pClient.Info())
}

// handleStartP2P replicates a file from another pool.  The transfer
// continues after the response; GET /p2p shows its progress.
func (p *Pool) handleStartP2P(ctx *gin.Context) {
	var req p2pReq
	if !bindJSON(ctx, &req) {
		return
	}
	id, err := pool_structs.ParsePnfsId(req.PnfsId)
	if err != nil {
		failed(ctx, http.StatusBadRequest, err.Error())
		return
	}
	target := pool_structs.StateCached
	if req.TargetState != "" {
		if target, err = pool_structs.ParseEntryState(req.TargetState); err != nil {
			failed(ctx, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := p.checkMode(pool_structs.ModeP2PClient); err != nil {
		failedErr(ctx, err)
		return
	}
	sessionId, err := p.p2pClient.NewCompanion(ctx.Request.Context(), req.Source, id, target, nil,
		func(id pool_structs.PnfsId, err error) {
			if err != nil {
				log.Warnf("Replication of %s from %s failed: %v", id, req.Source, err)
				return
			}
			log.Infof("Replicated %s from %s", id, req.Source)
		})
	if err != nil {
		failedErr(ctx, err)
		return
	}
	succeeded(ctx, fmt.Sprintf("P2P session %d started", sessionId))
}

func (p *Pool) handleCancelP2P(ctx *gin.Context) {
	sessionId, err := strconv.Atoi(ctx.Param("session"))
	if err != nil {
		failed(ctx, http.StatusBadRequest, fmt.Sprintf("Invalid session id %q", ctx.Param("session")))
		return
	}
	if err := p.p2pClient.Cancel(sessionId); err != nil {
		failedErr(ctx, err)
		return
	}
	succeeded(ctx, "")
}

func (p *Pool) handleGetBilling(ctx *gin.Context) {
	if p.billingDB == nil {
		failed(ctx, http.StatusNotFound, "Billing database is not enabled")
		return
	}
	filter := billing.Filter{
		PnfsId: ctx.Query("pnfsid"),
		Type:   billing.RecordType(ctx.Query("type")),
	}
	if since := ctx.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			failed(ctx, http.StatusBadRequest, fmt.Sprintf("Invalid since %q: %v", since, err))
			return
		}
		filter.Since = t
	}
	if limit := ctx.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			failed(ctx, http.StatusBadRequest, fmt.Sprintf("Invalid limit %q", limit))
			return
		}
		filter.Limit = n
	}
	records, err := p.billingDB.Query(filter)
	if err != nil {
		log.Errorf("Failed to query billing records: %v", err)
		failed(ctx, http.StatusInternalServerError, "Failed to query billing records")
		return
	}
	ctx.JSON(http.StatusOK, records)
}

func (p *Pool) handleGetSetup(ctx *gin.Context) {
	var buf bytes.Buffer
	if err := p.SaveSetup(&buf); err != nil {
		failed(ctx, http.StatusInternalServerError, err.Error())
		return
	}
	ctx.Data(http.StatusOK, "application/yaml", buf.Bytes())
}

func (p *Pool) handleSaveSetup(ctx *gin.Context) {
	path, err := p.WriteSetupFile()
	if err != nil {
		log.Errorf("Failed to save pool setup: %v", err)
		failed(ctx, http.StatusInternalServerError, err.Error())
		return
	}
	succeeded(ctx, "Setup saved to "+path)
}
