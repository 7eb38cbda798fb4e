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

	"github.com/pelicanplatform/diskpool/billing"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

const namespaceUpdateTimeout = 5 * time.Minute

// StateChanged keeps the namespace in sync with the replicas of the pool.
func (p *Pool) StateChanged(event repository.StateChangeEvent) {
	id := event.PnfsId
	switch {
	case event.NewState == pool_structs.StatePrecious && event.Entry.Size == 0 && !p.flushZero && p.lfs == LfsNone:
		if err := p.repo.SetState(id, pool_structs.StateCached); err != nil {
			log.Warnf("Failed to mark empty file %s cached: %v", id, err)
		}
	case event.NewState == pool_structs.StateRemoved:
		p.replicaRemoved(event)
		return
	}

	if event.Scanned || !event.OldState.IsTransient() || !event.NewState.IsStable() {
		return
	}
	fromClient := event.OldState == pool_structs.StateFromClient
	go p.replicaArrived(id, fromClient)
}

func (p *Pool) replicaArrived(id pool_structs.PnfsId, fromClient bool) {
	ctx, cancel := context.WithTimeout(context.Background(), namespaceUpdateTimeout)
	defer cancel()

	if err := p.ns.AddCacheLocation(ctx, id); err != nil {
		log.Warnf("Failed to register %s as location of %s: %v", p.name, id, err)
	}
	if !fromClient {
		return
	}
	flag := "no"
	if len(p.hsms.Names()) > 0 {
		flag = "yes"
	}
	if err := p.ns.PutFlag(ctx, id, "h", flag); err != nil {
		log.Warnf("Failed to set h flag of %s: %v", id, err)
	}
	if p.replicas.onArrival && p.replicas.destination != "" {
		request := &pool_structs.PoolReplicateRequestMessage{PoolName: p.name, PnfsId: id, Reason: "write"}
		if err := p.endpoint.Notify(p.replicas.destination, request); err != nil {
			log.Warnf("Failed to request replication of %s: %v", id, err)
		}
	}
}

func (p *Pool) replicaRemoved(event repository.StateChangeEvent) {
	if event.OldState.IsTransient() {
		return
	}
	entry := event.Entry
	rec := billing.Record{
		Type:         billing.TypeRemove,
		PnfsId:       entry.PnfsId.String(),
		Size:         entry.Size,
		StorageClass: entry.Attributes.StorageInfo.StorageClassKey(),
	}
	p.report(rec)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), namespaceUpdateTimeout)
		defer cancel()
		if err := p.ns.ClearCacheLocation(ctx, event.PnfsId, false); err != nil {
			log.Warnf("Failed to clear %s as location of %s: %v", p.name, event.PnfsId, err)
		}
	}()
}
