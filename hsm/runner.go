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

package hsm

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/diskpool/pool_errors"
)

type (
	// Result is the outcome of an HSM script run.  Output beyond the line
	// cap is dropped.
	Result struct {
		ExitCode int
		Stdout   []string
		Stderr   []string
	}

	// Runner executes HSM scripts.  A script that ran but exited non-zero
	// is reported through Result, not as an error.
	Runner interface {
		Run(ctx context.Context, argv []string, maxLines int) (Result, error)
	}

	ExecRunner struct {
		// Grace period for the output pipes after the process exited or
		// was killed.
		WaitDelay time.Duration
	}

	lineBuffer struct {
		mu      sync.Mutex
		max     int
		lines   []string
		partial bytes.Buffer
	}
)

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx < 0 {
			if len(b.lines) < b.max {
				b.partial.Write(p)
			}
			break
		}
		if len(b.lines) < b.max {
			b.partial.Write(p[:idx])
			b.lines = append(b.lines, strings.TrimRight(b.partial.String(), "\r"))
		}
		b.partial.Reset()
		p = p[idx+1:]
	}
	return n, nil
}

func (b *lineBuffer) result() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.partial.Len() > 0 && len(b.lines) < b.max {
		b.lines = append(b.lines, b.partial.String())
		b.partial.Reset()
	}
	return b.lines
}

func (r ExecRunner) Run(ctx context.Context, argv []string, maxLines int) (Result, error) {
	if len(argv) == 0 {
		return Result{}, pool_errors.IllegalArgument("empty HSM command")
	}
	if maxLines <= 0 {
		maxLines = 200
	}
	stdout := &lineBuffer{max: maxLines}
	stderr := &lineBuffer{max: maxLines}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	log.Debugf("Executing HSM command: %s", strings.Join(argv, " "))
	err := cmd.Run()
	result := Result{Stdout: stdout.result(), Stderr: stderr.result()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, pool_errors.Timeout("HSM script %s timed out", argv[0])
		}
		return result, pool_errors.Interrupted(ctxErr, "HSM script "+argv[0]+" was interrupted")
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, pool_errors.Wrapf(err, pool_errors.KindIOFailure, pool_errors.CodeIO, "failed to execute HSM script %s", argv[0])
	}
	return result, nil
}

// scriptFailure turns a non-zero exit of an HSM script into an error whose
// result code is the exit code.
func scriptFailure(res Result) error {
	msg := strings.TrimSpace(strings.Join(res.Stderr, "\n"))
	if msg == "" {
		msg = strings.TrimSpace(strings.Join(res.Stdout, "\n"))
	}
	if msg == "" {
		msg = "HSM script failed"
	}
	kind := pool_errors.KindIOFailure
	if res.ExitCode == pool_errors.CodeHsmDelay {
		kind = pool_errors.KindTimeout
	}
	return pool_errors.Newf(kind, res.ExitCode, "HSM script failed (rc=%d): %s", res.ExitCode, msg)
}
