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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolSpaceBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diskpool_space_bytes",
		Help: "Space accounting of the pool by category (total, free, precious, removable, requested)",
	}, []string{"type"})

	PoolLRUSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diskpool_lru_seconds",
		Help: "Age of the least recently used removable replica",
	})

	PoolReplicas = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diskpool_replicas",
		Help: "Number of replicas by state",
	}, []string{"state"})

	PoolQueueJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diskpool_queue_jobs",
		Help: "Jobs per scheduler queue by state (active, queued)",
	}, []string{"queue", "state"})

	PoolJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diskpool_jobs_total",
		Help: "Jobs finished per scheduler queue by result (ok, failed, killed, dequeued)",
	}, []string{"queue", "result"})

	PoolSweptBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diskpool_swept_bytes_total",
		Help: "Bytes reclaimed by the sweeper",
	})

	PoolFlushClasses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diskpool_flush_classes",
		Help: "Storage classes by flush state (defined, active, triggered)",
	}, []string{"state"})

	PoolFlushPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diskpool_flush_pending_files",
		Help: "Files waiting to be flushed by storage class and queue (pending, failed)",
	}, []string{"class", "queue"})

	PoolHsmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diskpool_hsm_requests_total",
		Help: "HSM requests by direction (store, restore) and result",
	}, []string{"direction", "result"})

	PoolTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diskpool_transfers_total",
		Help: "Transfers by direction (read, write, p2p-client, p2p-server) and result",
	}, []string{"direction", "result"})

	PoolTransferredBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diskpool_transferred_bytes_total",
		Help: "Bytes moved by direction",
	}, []string{"direction"})

	PoolP2PTransferRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diskpool_p2p_transfer_rate_bytes",
		Help: "Moving average of the pool-to-pool receive rate in bytes per second",
	})

	PoolChecksumScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diskpool_checksum_scanned_total",
		Help: "Replicas verified by the background checksum scanner by result (ok, mismatch, error)",
	}, []string{"result"})
)

// ResultLabel maps a result code to the label used by the counters.
func ResultLabel(rc int) string {
	if rc == 0 {
		return "ok"
	}
	return "failed"
}
