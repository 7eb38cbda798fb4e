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

package checksum

import (
	"context"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/pelicanplatform/diskpool/metrics"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
	"github.com/pelicanplatform/diskpool/repository"
)

type (
	// Scanner periodically re-reads every complete replica and marks those
	// whose data no longer matches their checksum as broken.
	Scanner struct {
		repo    *repository.Repository
		module  *Module
		limiter *rate.Limiter
	}

	ScanResult struct {
		Scanned    int                   `json:"scanned"`
		Skipped    int                   `json:"skipped"`
		Broken     []pool_structs.PnfsId `json:"broken,omitempty"`
		Errors     int                   `json:"errors"`
		StartedAt  time.Time             `json:"startedAt"`
		FinishedAt time.Time             `json:"finishedAt"`
	}

	limitedReader struct {
		ctx     context.Context
		r       io.Reader
		limiter *rate.Limiter
	}
)

// NewScanner reads at most bytesPerSecond; zero or less means unlimited.
func NewScanner(repo *repository.Repository, module *Module, bytesPerSecond int64) *Scanner {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if bytesPerSecond > 0 {
		burst := int(bytesPerSecond)
		if burst > copyBufferSize {
			burst = copyBufferSize
		}
		limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	}
	return &Scanner{repo: repo, module: module, limiter: limiter}
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	if burst := lr.limiter.Burst(); burst > 0 && len(p) > burst {
		p = p[:burst]
	}
	n, err := lr.r.Read(p)
	if n > 0 && lr.limiter.Limit() != rate.Inf {
		if werr := lr.limiter.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// ScanOnce verifies every replica that carries a checksum of a supported
// type.
func (s *Scanner) ScanOnce(ctx context.Context) (ScanResult, error) {
	result := ScanResult{StartedAt: time.Now()}
	for _, id := range s.repo.List() {
		if err := ctx.Err(); err != nil {
			result.FinishedAt = time.Now()
			return result, pool_errors.Interrupted(err, "checksum scan interrupted")
		}
		broken, scanned, err := s.scanReplica(ctx, id)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			log.Warnf("Checksum scan of %s failed: %v", id, err)
			metrics.PoolChecksumScanned.WithLabelValues("error").Inc()
			result.Errors++
		case !scanned:
			result.Skipped++
		case broken:
			metrics.PoolChecksumScanned.WithLabelValues("mismatch").Inc()
			result.Scanned++
			result.Broken = append(result.Broken, id)
		default:
			metrics.PoolChecksumScanned.WithLabelValues("ok").Inc()
			result.Scanned++
		}
	}
	result.FinishedAt = time.Now()
	log.Infof("Checksum scan finished: %d verified, %d broken, %d skipped, %d errors",
		result.Scanned, len(result.Broken), result.Skipped, result.Errors)
	return result, nil
}

func (s *Scanner) scanReplica(ctx context.Context, id pool_structs.PnfsId) (broken bool, scanned bool, err error) {
	entry, err := s.repo.GetEntry(id)
	if err != nil {
		if pool_errors.IsKind(err, pool_errors.KindNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	if !entry.State.IsStable() {
		return false, false, nil
	}
	factory := s.module.FactoryFor(entry.Attributes.Checksums)
	expected, ok := factory.Find(entry.Attributes.Checksums)
	if !ok {
		return false, false, nil
	}

	handle, err := s.repo.OpenEntry(id, repository.OpenNoAtime)
	if err != nil {
		if pool_errors.IsKind(err, pool_errors.KindNotFound) || pool_errors.IsKind(err, pool_errors.KindLocked) {
			return false, false, nil
		}
		return false, false, err
	}
	actual, err := factory.Compute(ctx, &limitedReader{ctx: ctx, r: handle, limiter: s.limiter})
	_ = handle.Close()
	if err != nil {
		return false, false, err
	}
	if actual.Equal(expected) {
		return false, true, nil
	}

	log.Errorf("Replica %s is corrupted: expected checksum %s, found %s", id, expected, actual)
	if err := s.repo.SetState(id, pool_structs.StateBroken); err != nil {
		return true, true, err
	}
	return true, true, nil
}

// Run scans the pool every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
				log.Errorln("Checksum scan failed:", err)
			}
		}
	}
}
