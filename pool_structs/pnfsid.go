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

// Package pool_structs holds the value types shared by the pool
// subsystems and the messages exchanged with other services.
//
// It must only import lower level packages (pool_errors) and never any
// of the pool subsystems.
package pool_structs

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// PnfsId identifies a file in the namespace independently of the pools
// holding replicas of it.  Legacy ids are 24 hex digits; current ids are
// 36 hex digits.  The canonical form is upper case.
type PnfsId string

var pnfsIdRegex = regexp.MustCompile(`^(?:[0-9A-F]{24}|[0-9A-F]{36})$`)

func ParsePnfsId(s string) (PnfsId, error) {
	id := PnfsId(strings.ToUpper(strings.TrimSpace(s)))
	if !id.Valid() {
		return "", errors.Errorf("invalid pnfsid %q", s)
	}
	return id, nil
}

func (id PnfsId) Valid() bool {
	return pnfsIdRegex.MatchString(string(id))
}

func (id PnfsId) String() string {
	return string(id)
}
