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
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	jobEntry struct {
		id        int
		job       Job
		priority  Priority
		seq       uint64
		state     jobState
		submitted time.Time
		started   time.Time
		cancel    context.CancelFunc
		killRc    int
		killMsg   string
		index     int
	}

	jobHeap struct {
		entries []*jobEntry
		fifo    bool
	}

	// JobScheduler runs at most maxActive jobs at a time; the others wait
	// ordered by priority and then by submission order (or reverse
	// submission order for LIFO queues).
	JobScheduler struct {
		name string

		mu        sync.Mutex
		queue     jobHeap
		jobs      map[int]*jobEntry
		active    int
		maxActive int
		lastId    int
		closed    bool

		nextId func() int
		seq    atomic.Uint64
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

func (h jobHeap) Len() int { return len(h.entries) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if h.fifo {
		return a.seq < b.seq
	}
	return a.seq > b.seq
}

func (h jobHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *jobHeap) Push(x any) {
	e := x.(*jobEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *jobHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	return e
}

func NewJobScheduler(name string, maxActive int, fifo bool) *JobScheduler {
	s := newJobScheduler(name, maxActive, fifo)
	var counter atomic.Int64
	s.nextId = func() int { return int(counter.Inc()) }
	return s
}

func newJobScheduler(name string, maxActive int, fifo bool) *JobScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		name:      name,
		queue:     jobHeap{fifo: fifo},
		jobs:      make(map[int]*jobEntry),
		maxActive: maxActive,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *JobScheduler) Name() string {
	return s.name
}

func (s *JobScheduler) IsFifo() bool {
	return s.queue.fifo
}

// Add admits job to the queue and returns its id.  A full queue still
// accepts the job; it runs once a slot is free.
func (s *JobScheduler) Add(job Job, priority Priority) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, pool_errors.Newf(pool_errors.KindInterrupted, pool_errors.CodeInterrupted, "queue %s is shut down", s.name)
	}
	id := s.nextId()
	if id > s.lastId {
		s.lastId = id
	}
	s.mu.Unlock()

	if err := job.Queued(id); err != nil {
		return 0, pool_errors.InvocationFailure(err, fmt.Sprintf("job rejected by queue %s", s.name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		go job.Unqueued()
		return 0, pool_errors.Newf(pool_errors.KindInterrupted, pool_errors.CodeInterrupted, "queue %s is shut down", s.name)
	}
	e := &jobEntry{
		id:        id,
		job:       job,
		priority:  priority,
		seq:       s.seq.Inc(),
		state:     jobQueued,
		submitted: time.Now(),
	}
	s.jobs[id] = e
	heap.Push(&s.queue, e)
	s.dispatchLocked()
	return id, nil
}

func (s *JobScheduler) dispatchLocked() {
	for s.active < s.maxActive && s.queue.Len() > 0 {
		e := heap.Pop(&s.queue).(*jobEntry)
		ctx, cancel := context.WithCancel(s.ctx)
		e.cancel = cancel
		e.state = jobRunning
		e.started = time.Now()
		s.active++
		s.wg.Add(1)
		go s.run(ctx, e)
	}
	s.updateMetricsLocked()
}

func (s *JobScheduler) updateMetricsLocked() {
	metrics.PoolQueueJobs.WithLabelValues(s.name, "active").Set(float64(s.active))
	metrics.PoolQueueJobs.WithLabelValues(s.name, "queued").Set(float64(s.queue.Len()))
}

func (s *JobScheduler) run(ctx context.Context, e *jobEntry) {
	defer s.wg.Done()

	rc, msg := s.execute(ctx, e)

	s.mu.Lock()
	e.cancel()
	if e.killRc != 0 {
		rc, msg = e.killRc, e.killMsg
	}
	delete(s.jobs, e.id)
	s.active--
	s.dispatchLocked()
	s.mu.Unlock()

	result := metrics.ResultLabel(rc)
	if rc == pool_errors.CodeMoverKilled {
		result = "killed"
	}
	metrics.PoolJobsTotal.WithLabelValues(s.name, result).Inc()
	e.job.Finished(rc, msg)
}

// execute runs the job body, translating errors and panics into a result
// code and message.
func (s *JobScheduler) execute(ctx context.Context, e *jobEntry) (rc int, msg string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Job %d in queue %s failed unexpectedly: %v\n%s", e.id, s.name, r, debug.Stack())
			rc = pool_errors.CodeUnexpected
			msg = fmt.Sprintf("unexpected failure: %v", r)
		}
	}()
	err := e.job.Run(ctx)
	if err == nil {
		return 0, ""
	}
	if pool_errors.As(err) == nil && ctx.Err() == nil {
		log.Errorf("Job %d in queue %s failed with an unclassified error: %v", e.id, s.name, err)
	}
	return pool_errors.CodeOf(err), pool_errors.Message(err)
}

// Remove dequeues a job that has not started yet.
func (s *JobScheduler) Remove(id int) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.state != jobQueued {
		s.mu.Unlock()
		return pool_errors.NotFound("job %d is not queued in %s", id, s.name)
	}
	heap.Remove(&s.queue, e.index)
	delete(s.jobs, id)
	s.updateMetricsLocked()
	s.mu.Unlock()

	metrics.PoolJobsTotal.WithLabelValues(s.name, "dequeued").Inc()
	e.job.Unqueued()
	return nil
}

// Kill stops a job.  A queued job is dequeued as by Remove; a running
// job is asked to stop cooperatively unless force is set, in which case
// its context is cancelled.  Killing a job that already finished succeeds.
func (s *JobScheduler) Kill(id int, force bool) error {
	return s.kill(id, force, pool_errors.CodeMoverKilled, "Job killed")
}

func (s *JobScheduler) kill(id int, force bool, rc int, msg string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		issued := id > 0 && id <= s.lastId
		s.mu.Unlock()
		if issued {
			return nil
		}
		return pool_errors.NotFound("job %d not found in %s", id, s.name)
	}

	if e.state == jobQueued {
		heap.Remove(&s.queue, e.index)
		delete(s.jobs, id)
		s.updateMetricsLocked()
		s.mu.Unlock()
		metrics.PoolJobsTotal.WithLabelValues(s.name, "dequeued").Inc()
		e.job.Unqueued()
		return nil
	}

	if e.killRc == 0 {
		e.killRc, e.killMsg = rc, msg
	}
	cancel := e.cancel
	s.mu.Unlock()

	if c, ok := e.job.(Cancellable); ok && !force {
		c.RequestCancel()
		return nil
	}
	cancel()
	return nil
}

func (s *JobScheduler) SetMaxActiveJobs(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxActive = n
	s.dispatchLocked()
}

func (s *JobScheduler) MaxActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

func (s *JobScheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *JobScheduler) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *JobScheduler) Info() pool_structs.QueueInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pool_structs.QueueInfo{
		Name:      s.name,
		Active:    s.active,
		Queued:    s.queue.Len(),
		MaxActive: s.maxActive,
		Fifo:      s.queue.fifo,
	}
}

// GetJobInfos lists running and queued jobs ordered by id.
func (s *JobScheduler) GetJobInfos() []pool_structs.JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]pool_structs.JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		info := pool_structs.JobInfo{
			Id:         e.id,
			Queue:      s.name,
			State:      e.state.String(),
			Priority:   e.priority.String(),
			SubmitTime: e.submitted,
			StartTime:  e.started,
		}
		if p, ok := e.job.(JobInfoProvider); ok {
			info.Description = p.JobDescription()
		}
		infos = append(infos, info)
	}
	sortJobInfos(infos)
	return infos
}

// expired returns the ids of jobs running for longer than maxRuntime.
func (s *JobScheduler) expired(now time.Time, maxRuntime time.Duration) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int
	for _, e := range s.jobs {
		if e.state == jobRunning && now.Sub(e.started) > maxRuntime {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// Shutdown dequeues waiting jobs, cancels running ones and waits for them
// to finish.
func (s *JobScheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	var dequeued []*jobEntry
	for s.queue.Len() > 0 {
		e := heap.Pop(&s.queue).(*jobEntry)
		delete(s.jobs, e.id)
		dequeued = append(dequeued, e)
	}
	s.updateMetricsLocked()
	s.mu.Unlock()

	for _, e := range dequeued {
		e.job.Unqueued()
	}
	s.cancel()
	s.wg.Wait()
}
