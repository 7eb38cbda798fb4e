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
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

// QueueManager holds the named mover queues of a pool.  Job ids encode the
// owning queue: id % len(queues) is the queue index, so a job can be found
// from its id alone.
type QueueManager struct {
	queues []*JobScheduler
	byName map[string]*JobScheduler
	seq    atomic.Int64
}

// NewQueueManager creates the queues named in spec, a comma separated list
// where a leading '-' makes a queue LIFO.  The first queue is the default.
func NewQueueManager(spec string, maxActive int) (*QueueManager, error) {
	qm := &QueueManager{byName: make(map[string]*JobScheduler)}
	var names []string
	var fifos []bool
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fifo := true
		if strings.HasPrefix(item, "-") {
			fifo = false
			item = strings.TrimSpace(item[1:])
		}
		if item == "" {
			return nil, errors.Errorf("invalid queue specification %q", spec)
		}
		if _, dup := qm.byName[item]; dup {
			continue
		}
		qm.byName[item] = nil
		names = append(names, item)
		fifos = append(fifos, fifo)
	}
	if len(names) == 0 {
		return nil, errors.Errorf("queue specification %q names no queue", spec)
	}

	count := len(names)
	for idx, name := range names {
		q := newJobScheduler(name, maxActive, fifos[idx])
		index := idx
		q.nextId = func() int { return int(qm.seq.Inc())*count + index }
		qm.queues = append(qm.queues, q)
		qm.byName[name] = q
	}
	return qm, nil
}

func (qm *QueueManager) DefaultQueue() *JobScheduler {
	return qm.queues[0]
}

// GetQueue returns the named queue, or nil.
func (qm *QueueManager) GetQueue(name string) *JobScheduler {
	return qm.byName[name]
}

func (qm *QueueManager) Queues() []*JobScheduler {
	return append([]*JobScheduler(nil), qm.queues...)
}

// GetQueueByJobId returns the queue a job id was issued by.
func (qm *QueueManager) GetQueueByJobId(id int) *JobScheduler {
	if id < 0 {
		return nil
	}
	return qm.queues[id%len(qm.queues)]
}

// Add submits job to the named queue; an empty or unknown name selects the
// default queue.
func (qm *QueueManager) Add(queueName string, job Job, priority Priority) (int, error) {
	q := qm.byName[queueName]
	if q == nil {
		q = qm.DefaultQueue()
	}
	return q.Add(job, priority)
}

func (qm *QueueManager) Kill(id int, force bool) error {
	q := qm.GetQueueByJobId(id)
	if q == nil {
		return pool_errors.NotFound("job %d not found", id)
	}
	return q.Kill(id, force)
}

func (qm *QueueManager) Remove(id int) error {
	q := qm.GetQueueByJobId(id)
	if q == nil {
		return pool_errors.NotFound("job %d not found", id)
	}
	return q.Remove(id)
}

// SetMaxActiveJobs changes the limit of one queue, or of all of them when
// name is empty.
func (qm *QueueManager) SetMaxActiveJobs(name string, n int) error {
	if name == "" {
		for _, q := range qm.queues {
			q.SetMaxActiveJobs(n)
		}
		return nil
	}
	q := qm.byName[name]
	if q == nil {
		return pool_errors.NotFound("no queue named %s", name)
	}
	q.SetMaxActiveJobs(n)
	return nil
}

func (qm *QueueManager) ActiveJobs() int {
	total := 0
	for _, q := range qm.queues {
		total += q.ActiveJobs()
	}
	return total
}

func (qm *QueueManager) QueueSize() int {
	total := 0
	for _, q := range qm.queues {
		total += q.QueueSize()
	}
	return total
}

func (qm *QueueManager) Infos() []pool_structs.QueueInfo {
	infos := make([]pool_structs.QueueInfo, 0, len(qm.queues))
	for _, q := range qm.queues {
		infos = append(infos, q.Info())
	}
	return infos
}

func (qm *QueueManager) GetJobInfos() []pool_structs.JobInfo {
	var infos []pool_structs.JobInfo
	for _, q := range qm.queues {
		infos = append(infos, q.GetJobInfos()...)
	}
	sortJobInfos(infos)
	return infos
}

func (qm *QueueManager) Shutdown() {
	for _, q := range qm.queues {
		q.Shutdown()
	}
}

func sortJobInfos(infos []pool_structs.JobInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Id < infos[j].Id })
}
