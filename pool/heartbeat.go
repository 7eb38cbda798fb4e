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
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

// RunHeartbeat reports the pool to the pool manager until ctx is done,
// then marks the pool dead.
func (p *Pool) RunHeartbeat(ctx context.Context) error {
	defer p.SetMode(pool_structs.ModeDisabledDead, pool_errors.CodeDefault, "PingThread terminated")

	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		p.beat()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pool) beat() {
	p.updateMetrics()
	if p.Mode().IsDisabled(pool_structs.ModeDisabledStrict) {
		p.sendPoolUp()
		return
	}
	if err := p.acct.Check(); err != nil {
		log.Errorf("Space accounting of pool %s is inconsistent: %v", p.name, err)
		p.SetMode(p.Mode()|pool_structs.ModeDisabledRdOnly, pool_errors.CodeErrorIODisk, err.Error())
		return
	}
	p.sendPoolUp()
}

func (p *Pool) poolUp() *pool_structs.PoolUpMessage {
	p.mu.Lock()
	msg := &pool_structs.PoolUpMessage{
		PoolName:   p.name,
		Mode:       p.mode,
		StatusCode: p.statusCode,
		StatusMsg:  p.statusMsg,
		Serial:     p.serial,
	}
	p.mu.Unlock()
	msg.Space = p.acct.Snapshot()
	msg.Queues = p.queueInfos()
	msg.HsmInstances = p.hsms.Names()
	return msg
}

func (p *Pool) sendPoolUp() {
	if p.poolUpDest == "" {
		return
	}
	if err := p.endpoint.Notify(p.poolUpDest, p.poolUp()); err != nil {
		log.Debugf("Failed to send heartbeat to %s: %v", p.poolUpDest, err)
		metrics.SetComponentHealthStatus(metrics.Pool_Manager, metrics.StatusWarning, err.Error())
		return
	}
	metrics.SetComponentHealthStatus(metrics.Pool_Manager, metrics.StatusOK, "")
}

func (p *Pool) updateMetrics() {
	space := p.acct.Snapshot()
	metrics.PoolSpaceBytes.WithLabelValues("total").Set(float64(space.Total))
	metrics.PoolSpaceBytes.WithLabelValues("free").Set(float64(space.Free))
	metrics.PoolSpaceBytes.WithLabelValues("precious").Set(float64(space.Precious))
	metrics.PoolSpaceBytes.WithLabelValues("removable").Set(float64(space.Removable))
	metrics.PoolSpaceBytes.WithLabelValues("requested").Set(float64(space.Requested))
	metrics.PoolLRUSeconds.Set(p.sweeper.LRUAge().Seconds())
	counts := p.repo.CountByState()
	for _, state := range []pool_structs.EntryState{
		pool_structs.StateFromClient, pool_structs.StateFromStore, pool_structs.StateFromPool,
		pool_structs.StateCached, pool_structs.StatePrecious, pool_structs.StateBroken, pool_structs.StateRemoved,
	} {
		metrics.PoolReplicas.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
	p.classes.UpdateMetrics()
}
