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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/pelicanplatform/diskpool/hsm"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	// Setup holds the settings that can be changed while the pool runs.
	Setup struct {
		Mode           string                   `yaml:"mode"`
		StatusCode     int                      `yaml:"statusCode,omitempty"`
		StatusMsg      string                   `yaml:"statusMsg,omitempty"`
		Queues         map[string]int           `yaml:"queues"`
		P2PMovers      int                      `yaml:"p2pMovers"`
		Flush          hsm.FlushControllerInfo  `yaml:"flush"`
		Hsm            HsmSetup                 `yaml:"hsm"`
		StorageClasses []hsm.StorageClassStatus `yaml:"storageClasses,omitempty"`
	}

	HsmSetup struct {
		StoreTimeout   time.Duration `yaml:"storeTimeout"`
		RestoreTimeout time.Duration `yaml:"restoreTimeout"`
		MaxStores      int           `yaml:"maxStores"`
		MaxRestores    int           `yaml:"maxRestores"`
	}
)

// ParseMode reads the representation produced by PoolMode.String.
func ParseMode(s string) (pool_structs.PoolMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "enabled":
		return pool_structs.ModeEnabled, nil
	case "disabled(dead)":
		return pool_structs.ModeDisabledDead, nil
	}
	inner, ok := strings.CutPrefix(s, "disabled(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return 0, errors.Errorf("invalid pool mode %q", s)
	}
	mode := pool_structs.ModeDisabled
	for _, name := range strings.Split(strings.TrimSuffix(inner, ")"), ",") {
		if name == "" {
			continue
		}
		if !mode.SetString(name) {
			return 0, errors.Errorf("invalid pool mode %q: unknown capability %q", s, name)
		}
	}
	return mode, nil
}

func (p *Pool) currentSetup() Setup {
	p.mu.Lock()
	setup := Setup{
		Mode:       p.mode.String(),
		StatusCode: p.statusCode,
		StatusMsg:  p.statusMsg,
	}
	p.mu.Unlock()

	setup.Queues = make(map[string]int)
	for _, queue := range p.ioQueues.Queues() {
		setup.Queues[queue.Name()] = queue.MaxActiveJobs()
	}
	setup.P2PMovers = p.p2pQueue.MaxActiveJobs()
	setup.Flush = p.flush.Info()
	setup.Hsm.StoreTimeout, setup.Hsm.RestoreTimeout = p.storage.Timeouts()
	setup.Hsm.MaxStores = p.storage.StoreQueue().MaxActiveJobs()
	setup.Hsm.MaxRestores = p.storage.RestoreQueue().MaxActiveJobs()
	for _, info := range p.classes.Classes() {
		if status := info.Status(); status.Defined {
			setup.StorageClasses = append(setup.StorageClasses, status)
		}
	}
	return setup
}

// SaveSetup writes the runtime settings of the pool as YAML.
func (p *Pool) SaveSetup(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p.currentSetup()); err != nil {
		return errors.Wrap(err, "failed to encode pool setup")
	}
	return enc.Close()
}

// WriteSetupFile saves the setup to the configured file.  The file is
// replaced atomically.
func (p *Pool) WriteSetupFile() (string, error) {
	if p.setup.path == "" {
		return "", errors.New("no setup file configured")
	}
	var buf bytes.Buffer
	if err := p.SaveSetup(&buf); err != nil {
		return "", err
	}
	if err := p.setup.fs.MkdirAll(filepath.Dir(p.setup.path), 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create directory for %s", p.setup.path)
	}
	tmp := p.setup.path + ".tmp"
	if err := afero.WriteFile(p.setup.fs, tmp, buf.Bytes(), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := p.setup.fs.Rename(tmp, p.setup.path); err != nil {
		return "", errors.Wrapf(err, "failed to replace %s", p.setup.path)
	}
	log.Infof("Pool setup saved to %s", p.setup.path)
	return p.setup.path, nil
}

// LoadSetup applies settings written by SaveSetup.  Missing values keep
// their current setting.
func (p *Pool) LoadSetup(r io.Reader) error {
	var setup Setup
	if err := yaml.NewDecoder(r).Decode(&setup); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "failed to parse pool setup")
	}

	if setup.Mode != "" {
		mode, err := ParseMode(setup.Mode)
		if err != nil {
			return err
		}
		p.SetMode(mode, setup.StatusCode, setup.StatusMsg)
	}
	for name, n := range setup.Queues {
		if err := p.ioQueues.SetMaxActiveJobs(name, n); err != nil {
			return err
		}
	}
	if setup.P2PMovers > 0 {
		p.p2pQueue.SetMaxActiveJobs(setup.P2PMovers)
	}
	if setup.Flush.Interval > 0 {
		p.flush.SetInterval(setup.Flush.Interval)
	}
	if setup.Flush.MaxActive > 0 {
		p.flush.SetMaxActive(setup.Flush.MaxActive)
	}
	if setup.Flush.RetryDelay > 0 {
		p.flush.SetRetryDelay(setup.Flush.RetryDelay)
	}
	if setup.Hsm.StoreTimeout > 0 || setup.Hsm.RestoreTimeout > 0 {
		store, restore := p.storage.Timeouts()
		if setup.Hsm.StoreTimeout > 0 {
			store = setup.Hsm.StoreTimeout
		}
		if setup.Hsm.RestoreTimeout > 0 {
			restore = setup.Hsm.RestoreTimeout
		}
		p.storage.SetTimeouts(store, restore)
	}
	if setup.Hsm.MaxStores > 0 {
		p.storage.StoreQueue().SetMaxActiveJobs(setup.Hsm.MaxStores)
	}
	if setup.Hsm.MaxRestores > 0 {
		p.storage.RestoreQueue().SetMaxActiveJobs(setup.Hsm.MaxRestores)
	}
	for _, class := range setup.StorageClasses {
		info := p.classes.Define(class.Hsm, class.StorageClass, class.StorageClassSettings)
		info.Suspend(class.Suspended)
	}
	return nil
}

// LoadSetupFile applies the configured setup file if it exists.
func (p *Pool) LoadSetupFile() error {
	if p.setup.path == "" {
		return nil
	}
	f, err := p.setup.fs.Open(p.setup.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return errors.Wrapf(err, "failed to open %s", p.setup.path)
	}
	defer f.Close()
	log.Infof("Loading pool setup from %s", p.setup.path)
	return p.LoadSetup(f)
}
