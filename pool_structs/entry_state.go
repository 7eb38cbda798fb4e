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

	"github.com/pkg/errors"
)

// EntryState is the lifecycle state of a replica.
//
//	NEW -> FROM_CLIENT | FROM_STORE | FROM_POOL -> CACHED | PRECIOUS | BROKEN -> REMOVED -> DESTROYED
type EntryState int

const (
	StateNew EntryState = iota
	StateFromClient
	StateFromStore
	StateFromPool
	StateCached
	StatePrecious
	StateBroken
	StateRemoved
	StateDestroyed
)

var entryStateNames = []string{
	"NEW",
	"FROM_CLIENT",
	"FROM_STORE",
	"FROM_POOL",
	"CACHED",
	"PRECIOUS",
	"BROKEN",
	"REMOVED",
	"DESTROYED",
}

func (s EntryState) String() string {
	if s < 0 || int(s) >= len(entryStateNames) {
		return "UNKNOWN"
	}
	return entryStateNames[s]
}

func ParseEntryState(name string) (EntryState, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for idx, candidate := range entryStateNames {
		if candidate == name {
			return EntryState(idx), nil
		}
	}
	return StateNew, errors.Errorf("unknown entry state %q", name)
}

// IsTransient reports whether the replica is still being written.
func (s EntryState) IsTransient() bool {
	return s == StateFromClient || s == StateFromStore || s == StateFromPool
}

// IsStable reports whether the replica is complete and readable.
func (s EntryState) IsStable() bool {
	return s == StateCached || s == StatePrecious
}

func (s EntryState) IsGone() bool {
	return s == StateRemoved || s == StateDestroyed
}

func (s EntryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *EntryState) UnmarshalText(text []byte) error {
	parsed, err := ParseEntryState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
