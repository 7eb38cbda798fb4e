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

package billing

import (
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/cells"
	"github.com/pelicanplatform/diskpool/metrics"
)

type (
	// Reporter is where the pool subsystems send billing records.
	Reporter interface {
		Report(rec Record)
	}

	// Billing sends records to the billing cell and, when a store is
	// configured, saves them locally.
	Billing struct {
		poolName    string
		endpoint    *cells.Endpoint
		destination string
		store       *Store
		now         func() time.Time
	}
)

// New creates the billing reporter.  endpoint and store may be nil.
func New(poolName string, endpoint *cells.Endpoint, destination string, store *Store) *Billing {
	return &Billing{
		poolName:    poolName,
		endpoint:    endpoint,
		destination: destination,
		store:       store,
		now:         time.Now,
	}
}

func (b *Billing) Store() *Store {
	return b.store
}

func (b *Billing) Report(rec Record) {
	if rec.Id == "" {
		rec.Id = uuid.NewString()
	}
	if rec.PoolName == "" {
		rec.PoolName = b.poolName
	}
	rec.CreatedAt = b.now()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.CreatedAt
	}

	log.WithFields(log.Fields{
		"type":   rec.Type,
		"pnfsid": rec.PnfsId,
		"size":   rec.Size,
		"rc":     rec.ReturnCode,
	}).Debug("Billing record")

	if b.endpoint != nil && b.destination != "" {
		if err := b.endpoint.Notify(b.destination, &rec); err != nil {
			log.Warnf("Failed to send billing record to %s: %v", b.destination, err)
		}
	}
	if b.store == nil {
		return
	}
	if err := b.store.Insert(&rec); err != nil {
		log.Errorln("Failed to store billing record:", err)
		metrics.SetComponentHealthStatus(metrics.Pool_Billing, metrics.StatusWarning, "billing database unavailable")
		return
	}
	metrics.SetComponentHealthStatus(metrics.Pool_Billing, metrics.StatusOK, "")
}
