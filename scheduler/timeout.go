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

package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/pool_errors"
)

// TimeoutManager kills jobs that run longer than their queue allows.
type TimeoutManager struct {
	mu     sync.Mutex
	limits map[*JobScheduler]time.Duration
}

func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{limits: make(map[*JobScheduler]time.Duration)}
}

// Register sets the maximum runtime of jobs in queue; zero or less removes
// the limit.
func (tm *TimeoutManager) Register(queue *JobScheduler, maxRuntime time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if maxRuntime <= 0 {
		delete(tm.limits, queue)
		return
	}
	tm.limits[queue] = maxRuntime
}

// Scan kills the jobs that exceeded their limit and returns how many.
func (tm *TimeoutManager) Scan(now time.Time) int {
	tm.mu.Lock()
	limits := make(map[*JobScheduler]time.Duration, len(tm.limits))
	for q, limit := range tm.limits {
		limits[q] = limit
	}
	tm.mu.Unlock()

	killed := 0
	for q, limit := range limits {
		for _, id := range q.expired(now, limit) {
			log.Warnf("Job %d in queue %s exceeded its maximum runtime of %s; killing it", id, q.Name(), limit)
			if err := q.kill(id, true, pool_errors.CodeMoverKilled, "Job timed out after "+limit.String()); err != nil {
				log.Warnf("Failed to kill job %d: %v", id, err)
				continue
			}
			killed++
		}
	}
	return killed
}

// Run scans every interval until ctx is done.
func (tm *TimeoutManager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			tm.Scan(now)
		}
	}
}
