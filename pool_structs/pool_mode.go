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

package pool_structs

import (
	"strings"
)

type (
	PoolMode int // PoolMode is a bit mask of the capabilities currently disabled on the pool
)

const (
	ModeEnabled   PoolMode = 0
	ModeDisabled  PoolMode = 0x01
	ModeFetch     PoolMode = 0x02 // clients reading from the pool
	ModeStore     PoolMode = 0x04 // clients writing to the pool
	ModeStage     PoolMode = 0x08 // restores from tape
	ModeP2PClient PoolMode = 0x10 // receiving pool-to-pool transfers
	ModeP2PServer PoolMode = 0x20 // serving pool-to-pool transfers
	ModeDead      PoolMode = 0x40

	ModeDisabledStrict = ModeDisabled | ModeFetch | ModeStore | ModeStage | ModeP2PClient | ModeP2PServer
	ModeDisabledRdOnly = ModeDisabled | ModeStore | ModeStage | ModeP2PClient
	ModeDisabledDead   = ModeDisabledStrict | ModeDead
)

var poolModeNames = []struct {
	mode PoolMode
	name string
}{
	{ModeFetch, "fetch"},
	{ModeStore, "store"},
	{ModeStage, "stage"},
	{ModeP2PClient, "p2p-client"},
	{ModeP2PServer, "p2p-server"},
	{ModeDead, "dead"},
}

// Set disables the given capabilities.
func (m *PoolMode) Set(bits PoolMode) PoolMode {
	*m |= bits
	if bits != ModeEnabled {
		*m |= ModeDisabled
	}
	return *m
}

// Clear re-enables the given capabilities.  Once no capability is disabled
// the pool is enabled again.
func (m *PoolMode) Clear(bits PoolMode) PoolMode {
	*m &^= bits
	if *m == ModeDisabled {
		*m = ModeEnabled
	}
	return *m
}

func (m PoolMode) IsEnabled() bool {
	return m == ModeEnabled
}

// IsDisabled checks whether all of the given capabilities are disabled.
func (m PoolMode) IsDisabled(bits PoolMode) bool {
	return m&bits == bits
}

func (m PoolMode) String() string {
	if m == ModeEnabled {
		return "enabled"
	}
	if m == ModeDisabledStrict || m == ModeDisabledDead {
		if m.IsDisabled(ModeDead) {
			return "disabled(dead)"
		}
		return "disabled(strict)"
	}
	names := make([]string, 0, len(poolModeNames))
	for _, entry := range poolModeNames {
		if m.IsDisabled(entry.mode) {
			names = append(names, entry.name)
		}
	}
	return "disabled(" + strings.Join(names, ",") + ")"
}

// SetString disables the capability with the given name, returning false
// for unknown names.  "strict" and "rdonly" select the composite modes.
func (m *PoolMode) SetString(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "strict":
		m.Set(ModeDisabledStrict)
		return true
	case "rdonly", "readonly":
		m.Set(ModeDisabledRdOnly)
		return true
	}
	for _, entry := range poolModeNames {
		if entry.name == strings.ToLower(name) {
			m.Set(entry.mode)
			return true
		}
	}
	return false
}

func (m PoolMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
