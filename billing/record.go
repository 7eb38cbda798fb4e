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

// Package billing records what the pool did with each file: transfers,
// tape stores and restores, and removals.
package billing

import (
	"time"
)

type RecordType string

const (
	TypeTransfer RecordType = "transfer"
	TypeStore    RecordType = "store"
	TypeRestore  RecordType = "restore"
	TypeRemove   RecordType = "remove"
)

// Record is one billing entry.
type Record struct {
	Id           string     `gorm:"primaryKey;column:id" json:"id"`
	Type         RecordType `gorm:"column:type" json:"type"`
	PoolName     string     `gorm:"column:pool_name" json:"pool"`
	PnfsId       string     `gorm:"column:pnfs_id" json:"pnfsid"`
	Size         int64      `gorm:"column:size" json:"size"`
	Transferred  int64      `gorm:"column:transferred" json:"transferred"`
	Protocol     string     `gorm:"column:protocol" json:"protocol,omitempty"`
	Initiator    string     `gorm:"column:initiator" json:"initiator,omitempty"`
	Peer         string     `gorm:"column:peer" json:"peer,omitempty"`
	StorageClass string     `gorm:"column:storage_class" json:"storageClass,omitempty"`
	ReturnCode   int        `gorm:"column:return_code" json:"rc"`
	Message      string     `gorm:"column:message" json:"msg,omitempty"`
	StartedAt    time.Time  `gorm:"column:started_at" json:"startedAt"`
	DurationMs   int64      `gorm:"column:duration_ms" json:"durationMs"`
	CreatedAt    time.Time  `gorm:"column:created_at" json:"createdAt"`
}

func (Record) TableName() string {
	return "billing_records"
}

// Finish sets the result and duration of a record that was started at
// StartedAt.
func (r *Record) Finish(rc int, msg string, now time.Time) {
	r.ReturnCode = rc
	r.Message = msg
	if !r.StartedAt.IsZero() {
		r.DurationMs = now.Sub(r.StartedAt).Milliseconds()
	}
}
