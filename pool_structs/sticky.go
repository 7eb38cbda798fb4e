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

import "time"

// StickyForever is the expiration of a sticky record that never expires.
const StickyForever int64 = -1

// A StickyRecord pins a replica on behalf of Owner until ExpiresAt (unix
// milliseconds), or forever when ExpiresAt is StickyForever.
type StickyRecord struct {
	Owner     string `json:"owner" yaml:"owner" msgpack:"owner"`
	ExpiresAt int64  `json:"expiresAt" yaml:"expiresAt" msgpack:"expires_at"`
}

func NewStickyRecord(owner string, lifetime time.Duration, now time.Time) StickyRecord {
	if lifetime < 0 {
		return StickyRecord{Owner: owner, ExpiresAt: StickyForever}
	}
	return StickyRecord{Owner: owner, ExpiresAt: now.Add(lifetime).UnixMilli()}
}

func (r StickyRecord) IsNonExpiring() bool {
	return r.ExpiresAt == StickyForever
}

func (r StickyRecord) IsValid(now time.Time) bool {
	return r.IsNonExpiring() || r.ExpiresAt > now.UnixMilli()
}
