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

// Package scheduler runs movers and other pool jobs in bounded queues.
package scheduler

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

type (
	Priority int

	// Job is a unit of work admitted to a JobScheduler.  Exactly one of
	// Unqueued and Finished is called for every job whose Queued call
	// succeeded.
	Job interface {
		// Queued is called with the id assigned to the job before it
		// enters the queue; an error rejects the job.
		Queued(id int) error
		// Unqueued is called when the job is removed before it ran.
		Unqueued()
		// Run executes the job; ctx is cancelled when the job is killed.
		Run(ctx context.Context) error
		// Finished reports the result code and message of a job that
		// was started or killed.
		Finished(rc int, msg string)
	}

	// JobInfoProvider is implemented by jobs that describe themselves in
	// job listings.
	JobInfoProvider interface {
		JobDescription() string
	}

	// Cancellable is implemented by jobs that can stop cooperatively.
	Cancellable interface {
		RequestCancel()
	}

	jobState int
)

const (
	PriorityLow Priority = iota
	PriorityRegular
	PriorityHigh
)

const (
	jobQueued jobState = iota
	jobRunning
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityRegular:
		return "regular"
	case PriorityHigh:
		return "high"
	}
	return "unknown"
}

func ParsePriority(name string) (Priority, error) {
	switch strings.ToLower(name) {
	case "low":
		return PriorityLow, nil
	case "", "regular":
		return PriorityRegular, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityRegular, errors.Errorf("unknown priority %q", name)
}

func (s jobState) String() string {
	if s == jobRunning {
		return "running"
	}
	return "queued"
}
