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

// Package hsm drives the tape backends attached to a pool: storing
// precious replicas, restoring replicas on demand and batching flushes by
// storage class.
package hsm

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/pelicanplatform/diskpool/param"
	"github.com/pelicanplatform/diskpool/pool_errors"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	// HsmInfo describes one configured tape backend instance.  Locations
	// written by the instance use Type as URI scheme and Name as authority.
	HsmInfo struct {
		Name       string            `mapstructure:"name" yaml:"name"`
		Type       string            `mapstructure:"type" yaml:"type"`
		Command    string            `mapstructure:"command" yaml:"command"`
		Attributes map[string]string `mapstructure:"attributes" yaml:"attributes,omitempty"`
	}

	HsmSet struct {
		mu        sync.RWMutex
		instances map[string]HsmInfo
	}
)

func NewHsmSet() *HsmSet {
	return &HsmSet{instances: make(map[string]HsmInfo)}
}

// LoadHsmSet builds the set from the Hsm.Instances parameter.
func LoadHsmSet() (*HsmSet, error) {
	set := NewHsmSet()
	if !param.Hsm_Instances.IsSet() {
		return set, nil
	}
	var infos []HsmInfo
	if err := param.Hsm_Instances.Unmarshal(&infos); err != nil {
		return nil, errors.Wrap(err, "failed to parse Hsm.Instances")
	}
	for _, info := range infos {
		if err := set.Add(info); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Add defines an instance; the type defaults to the name.
func (s *HsmSet) Add(info HsmInfo) error {
	info.Name = strings.TrimSpace(info.Name)
	if info.Name == "" {
		return pool_errors.IllegalArgument("HSM instance without a name")
	}
	if info.Command == "" {
		return pool_errors.IllegalArgument("HSM instance %s has no command", info.Name)
	}
	if info.Type == "" {
		info.Type = info.Name
	}
	info.Type = strings.ToLower(info.Type)
	attrs := make(map[string]string, len(info.Attributes))
	for k, v := range info.Attributes {
		attrs[k] = v
	}
	info.Attributes = attrs

	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[info.Name] = info
	return nil
}

func (s *HsmSet) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, name)
}

func (s *HsmSet) Get(name string) (HsmInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.instances[name]
	return info, ok
}

// Names returns the configured instance names in sorted order.
func (s *HsmSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.instances))
	for name := range s.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *HsmSet) Infos() []HsmInfo {
	names := s.Names()
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]HsmInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, s.instances[name])
	}
	return infos
}

func (s *HsmSet) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances) == 0
}

// InstanceFor picks the instance a file can be stored to.  The storage
// info names the instance directly.
func (s *HsmSet) InstanceFor(si pool_structs.StorageInfo) (HsmInfo, error) {
	if info, ok := s.Get(si.HsmName); ok {
		return info, nil
	}
	return HsmInfo{}, pool_errors.Newf(pool_errors.KindIllegalArgument, pool_errors.CodeIllegalArgument,
		"HSM instance %s is not configured on this pool", si.HsmName)
}

// AccessibleInstance picks an instance a file can be restored from.  With
// no recorded tape locations the instance named by the storage info is
// used, otherwise the first location served by a configured instance.
func (s *HsmSet) AccessibleInstance(si pool_structs.StorageInfo) (HsmInfo, error) {
	if len(si.Locations) == 0 {
		return s.InstanceFor(si)
	}
	for _, raw := range si.Locations {
		location, err := url.Parse(raw)
		if err != nil {
			continue
		}
		info, ok := s.Get(location.Host)
		if ok && strings.EqualFold(location.Scheme, info.Type) {
			return info, nil
		}
	}
	return HsmInfo{}, pool_errors.Newf(pool_errors.KindIllegalArgument, pool_errors.CodeIllegalArgument,
		"none of the tape locations %v is served by an HSM instance of this pool", si.Locations)
}
