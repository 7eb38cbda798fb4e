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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/diskpool/pool_errors"
)

type testJob struct {
	name      string
	release   chan struct{}
	started   chan struct{}
	finished  chan struct{}
	err       error
	rejectErr error
	panicMsg  string
	cancelled chan struct{}

	mu        sync.Mutex
	id        int
	rc        int
	msg       string
	unqueued  int
	finishCnt int
	order     *[]string
	orderMu   *sync.Mutex
}

func newTestJob(name string) *testJob {
	return &testJob{
		name:      name,
		release:   make(chan struct{}),
		started:   make(chan struct{}),
		finished:  make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (j *testJob) Queued(id int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.id = id
	return j.rejectErr
}

func (j *testJob) Unqueued() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.unqueued++
}

func (j *testJob) Run(ctx context.Context) error {
	if j.order != nil {
		j.orderMu.Lock()
		*j.order = append(*j.order, j.name)
		j.orderMu.Unlock()
	}
	close(j.started)
	if j.panicMsg != "" {
		panic(j.panicMsg)
	}
	select {
	case <-j.release:
		return j.err
	case <-j.cancelled:
		return nil
	case <-ctx.Done():
		return pool_errors.Interrupted(ctx.Err(), "job interrupted")
	}
}

func (j *testJob) Finished(rc int, msg string) {
	j.mu.Lock()
	j.rc = rc
	j.msg = msg
	j.finishCnt++
	j.mu.Unlock()
	close(j.finished)
}

func (j *testJob) JobDescription() string {
	return j.name
}

func (j *testJob) result() (int, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rc, j.msg
}

type cancellableJob struct {
	*testJob
	once sync.Once
}

func (c *cancellableJob) RequestCancel() {
	c.once.Do(func() { close(c.cancelled) })
}

func waitFor(t *testing.T, ch chan struct{}) {
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job")
	}
}

func TestRunsJobs(t *testing.T) {
	s := NewJobScheduler("regular", 2, true)
	defer s.Shutdown()

	ok := newTestJob("ok")
	failing := newTestJob("failing")
	failing.err = pool_errors.IOFailure(errors.New("disk gone"), "write failed")

	id1, err := s.Add(ok, PriorityRegular)
	require.NoError(t, err)
	id2, err := s.Add(failing, PriorityRegular)
	require.NoError(t, err)
	assert.Equal(t, 1, id1)
	assert.Equal(t, 2, id2)

	waitFor(t, ok.started)
	waitFor(t, failing.started)
	assert.Equal(t, 2, s.ActiveJobs())
	infos := s.GetJobInfos()
	require.Len(t, infos, 2)
	assert.Equal(t, "running", infos[0].State)
	assert.Equal(t, "ok", infos[0].Description)

	close(ok.release)
	close(failing.release)
	waitFor(t, ok.finished)
	waitFor(t, failing.finished)

	rc, _ := ok.result()
	assert.Equal(t, 0, rc)
	rc, msg := failing.result()
	assert.Equal(t, pool_errors.CodeErrorIODisk, rc)
	assert.Contains(t, msg, "write failed")
	assert.Eventually(t, func() bool { return s.ActiveJobs() == 0 }, time.Second, time.Millisecond)
}

func TestPriorityAndOrdering(t *testing.T) {
	for _, fifo := range []bool{true, false} {
		s := NewJobScheduler("q", 1, fifo)

		var order []string
		var orderMu sync.Mutex
		blocker := newTestJob("blocker")
		_, err := s.Add(blocker, PriorityRegular)
		require.NoError(t, err)
		waitFor(t, blocker.started)

		jobs := map[string]*testJob{}
		for _, spec := range []struct {
			name string
			prio Priority
		}{{"a", PriorityRegular}, {"b", PriorityRegular}, {"low", PriorityLow}, {"high", PriorityHigh}} {
			j := newTestJob(spec.name)
			j.order = &order
			j.orderMu = &orderMu
			close(j.release)
			jobs[spec.name] = j
			_, err := s.Add(j, spec.prio)
			require.NoError(t, err)
		}
		assert.Equal(t, 4, s.QueueSize())

		close(blocker.release)
		for _, j := range jobs {
			waitFor(t, j.finished)
		}
		if fifo {
			assert.Equal(t, []string{"high", "a", "b", "low"}, order)
		} else {
			assert.Equal(t, []string{"high", "b", "a", "low"}, order)
		}
		s.Shutdown()
	}
}

func TestQueuedRejection(t *testing.T) {
	s := NewJobScheduler("q", 1, true)
	defer s.Shutdown()

	j := newTestJob("rejected")
	j.rejectErr = errors.New("no space for handle")
	_, err := s.Add(j, PriorityRegular)
	require.Error(t, err)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindInvocationFailure))
	assert.Equal(t, pool_errors.CodeInvocationFailure, pool_errors.CodeOf(err))
	assert.Zero(t, s.QueueSize())
}

func TestRemoveQueued(t *testing.T) {
	s := NewJobScheduler("q", 1, true)
	defer s.Shutdown()

	blocker := newTestJob("blocker")
	blockerId, err := s.Add(blocker, PriorityRegular)
	require.NoError(t, err)
	waitFor(t, blocker.started)

	queued := newTestJob("queued")
	id, err := s.Add(queued, PriorityRegular)
	require.NoError(t, err)

	err = s.Remove(blockerId)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindNotFound))

	require.NoError(t, s.Remove(id))
	queued.mu.Lock()
	assert.Equal(t, 1, queued.unqueued)
	assert.Zero(t, queued.finishCnt)
	queued.mu.Unlock()

	err = s.Remove(id)
	assert.True(t, pool_errors.IsKind(err, pool_errors.KindNotFound))
	close(blocker.release)
	waitFor(t, blocker.finished)
}

func TestKill(t *testing.T) {
	s := NewJobScheduler("q", 1, true)
	defer s.Shutdown()

	running := newTestJob("running")
	runningId, err := s.Add(running, PriorityRegular)
	require.NoError(t, err)
	waitFor(t, running.started)

	queued := newTestJob("queued")
	queuedId, err := s.Add(queued, PriorityRegular)
	require.NoError(t, err)

	require.NoError(t, s.Kill(queuedId, false))
	queued.mu.Lock()
	assert.Equal(t, 1, queued.unqueued)
	assert.Zero(t, queued.finishCnt)
	queued.mu.Unlock()
	assert.Equal(t, 0, s.QueueSize())
	select {
	case <-queued.started:
		t.Fatal("killed job must not run")
	default:
	}

	// The dequeued job is gone; killing it again is a no-op
	require.NoError(t, s.Kill(queuedId, false))
	queued.mu.Lock()
	assert.Equal(t, 1, queued.unqueued)
	queued.mu.Unlock()

	require.NoError(t, s.Kill(runningId, true))
	waitFor(t, running.finished)
	rc, _ := running.result()
	assert.Equal(t, pool_errors.CodeMoverKilled, rc)

	// Terminal jobs can be killed again; unknown ones cannot
	assert.NoError(t, s.Kill(runningId, true))
	assert.True(t, pool_errors.IsKind(s.Kill(1000, true), pool_errors.KindNotFound))
}

func TestKillCooperative(t *testing.T) {
	s := NewJobScheduler("q", 1, true)
	defer s.Shutdown()

	j := &cancellableJob{testJob: newTestJob("coop")}
	id, err := s.Add(j, PriorityRegular)
	require.NoError(t, err)
	waitFor(t, j.started)

	require.NoError(t, s.Kill(id, false))
	waitFor(t, j.finished)
	rc, msg := j.result()
	assert.Equal(t, pool_errors.CodeMoverKilled, rc)
	assert.Equal(t, "Job killed", msg)
}

func TestDequeueRunsUnqueuedOnce(t *testing.T) {
	testCases := []struct {
		name    string
		dequeue func(s *JobScheduler, id int) error
	}{
		{"remove", func(s *JobScheduler, id int) error { return s.Remove(id) }},
		{"kill", func(s *JobScheduler, id int) error { return s.Kill(id, false) }},
		{"kill-forced", func(s *JobScheduler, id int) error { return s.Kill(id, true) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewJobScheduler("q", 0, true)
			defer s.Shutdown()

			j := newTestJob(tc.name)
			id, err := s.Add(j, PriorityRegular)
			require.NoError(t, err)
			require.Equal(t, 1, s.QueueSize())

			require.NoError(t, tc.dequeue(s, id))
			assert.Equal(t, 0, s.QueueSize())
			assert.Empty(t, s.GetJobInfos())

			// Raising the limit must not start the dequeued job
			s.SetMaxActiveJobs(1)
			select {
			case <-j.started:
				t.Fatal("dequeued job must not run")
			case <-time.After(50 * time.Millisecond):
			}

			j.mu.Lock()
			defer j.mu.Unlock()
			assert.Equal(t, 1, j.unqueued)
			assert.Zero(t, j.finishCnt)
		})
	}
}

func TestPanicIsReported(t *testing.T) {
	s := NewJobScheduler("q", 1, true)
	defer s.Shutdown()

	j := newTestJob("panics")
	j.panicMsg = "boom"
	_, err := s.Add(j, PriorityRegular)
	require.NoError(t, err)
	waitFor(t, j.finished)
	rc, msg := j.result()
	assert.Equal(t, pool_errors.CodeUnexpected, rc)
	assert.Contains(t, msg, "boom")
	assert.Eventually(t, func() bool { return s.ActiveJobs() == 0 }, time.Second, time.Millisecond)
}

func TestSetMaxActiveJobs(t *testing.T) {
	s := NewJobScheduler("q", 0, true)
	defer s.Shutdown()

	j := newTestJob("waiting")
	_, err := s.Add(j, PriorityRegular)
	require.NoError(t, err)
	assert.Equal(t, 1, s.QueueSize())
	assert.Zero(t, s.ActiveJobs())

	s.SetMaxActiveJobs(1)
	waitFor(t, j.started)
	assert.Equal(t, 1, s.Info().MaxActive)
	close(j.release)
	waitFor(t, j.finished)
}

func TestShutdown(t *testing.T) {
	s := NewJobScheduler("q", 1, true)

	running := newTestJob("running")
	_, err := s.Add(running, PriorityRegular)
	require.NoError(t, err)
	waitFor(t, running.started)
	queued := newTestJob("queued")
	_, err = s.Add(queued, PriorityRegular)
	require.NoError(t, err)

	s.Shutdown()
	waitFor(t, running.finished)
	rc, _ := running.result()
	assert.Equal(t, pool_errors.CodeInterrupted, rc)
	queued.mu.Lock()
	assert.Equal(t, 1, queued.unqueued)
	queued.mu.Unlock()

	_, err = s.Add(newTestJob("late"), PriorityRegular)
	assert.Error(t, err)
}

func TestQueueManager(t *testing.T) {
	qm, err := NewQueueManager("regular, -lifo ,regular", 2)
	require.NoError(t, err)
	defer qm.Shutdown()

	require.Len(t, qm.Queues(), 2)
	assert.True(t, qm.GetQueue("regular").IsFifo())
	assert.False(t, qm.GetQueue("lifo").IsFifo())
	assert.Same(t, qm.GetQueue("regular"), qm.DefaultQueue())

	a := newTestJob("a")
	b := newTestJob("b")
	c := newTestJob("c")
	idA, err := qm.Add("lifo", a, PriorityRegular)
	require.NoError(t, err)
	idB, err := qm.Add("regular", b, PriorityRegular)
	require.NoError(t, err)
	idC, err := qm.Add("unknown", c, PriorityRegular)
	require.NoError(t, err)

	assert.Equal(t, "lifo", qm.GetQueueByJobId(idA).Name())
	assert.Equal(t, "regular", qm.GetQueueByJobId(idB).Name())
	assert.Equal(t, "regular", qm.GetQueueByJobId(idC).Name())

	waitFor(t, a.started)
	require.NoError(t, qm.Kill(idA, true))
	waitFor(t, a.finished)

	assert.Len(t, qm.GetJobInfos(), 2)
	require.NoError(t, qm.SetMaxActiveJobs("lifo", 5))
	assert.Equal(t, 5, qm.GetQueue("lifo").MaxActiveJobs())
	assert.Error(t, qm.SetMaxActiveJobs("missing", 5))

	close(b.release)
	close(c.release)
	waitFor(t, b.finished)
	waitFor(t, c.finished)

	_, err = NewQueueManager(" , ", 1)
	assert.Error(t, err)
}

func TestTimeoutManager(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	s := NewJobScheduler("q", 1, true)
	defer s.Shutdown()
	tm := NewTimeoutManager()
	tm.Register(s, time.Minute)

	j := newTestJob("slow")
	_, err := s.Add(j, PriorityRegular)
	require.NoError(t, err)
	waitFor(t, j.started)

	assert.Zero(t, tm.Scan(time.Now()))
	assert.Equal(t, 1, tm.Scan(time.Now().Add(2*time.Minute)))
	waitFor(t, j.finished)
	rc, msg := j.result()
	assert.Equal(t, pool_errors.CodeMoverKilled, rc)
	assert.Contains(t, msg, "timed out")

	found := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			found = true
		}
	}
	assert.True(t, found)

	tm.Register(s, 0)
	assert.Zero(t, tm.Scan(time.Now().Add(time.Hour)))
}
