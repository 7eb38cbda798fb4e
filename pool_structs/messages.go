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
	"time"
)

type (
	// Message carries the reply status of every request exchanged between
	// services.  Requests are sent as pointers and answered by filling the
	// return code in place.
	Message struct {
		ReturnCode int    `json:"rc"`
		ErrorMsg   string `json:"msg,omitempty"`
	}

	// Reply is implemented by every message embedding Message.
	Reply interface {
		GetReturnCode() int
		GetErrorMsg() string
		SetReply(code int, msg string)
	}

	ProtocolInfo struct {
		Protocol  string            `json:"protocol"`
		Major     int               `json:"major"`
		Minor     int               `json:"minor"`
		Host      string            `json:"host,omitempty"`
		Port      int               `json:"port,omitempty"`
		SessionId int               `json:"sessionId,omitempty"`
		Extra     map[string]string `json:"extra,omitempty"`
	}

	SpaceRecord struct {
		Total      int64 `json:"total" yaml:"total"`
		Free       int64 `json:"free" yaml:"free"`
		Precious   int64 `json:"precious" yaml:"precious"`
		Removable  int64 `json:"removable" yaml:"removable"`
		Requested  int64 `json:"requested" yaml:"requested"`
		LRUSeconds int64 `json:"lruSeconds" yaml:"lruSeconds"`
	}

	QueueInfo struct {
		Name      string `json:"name" yaml:"name"`
		Active    int    `json:"active" yaml:"active"`
		Queued    int    `json:"queued" yaml:"queued"`
		MaxActive int    `json:"maxActive" yaml:"maxActive"`
		Fifo      bool   `json:"fifo" yaml:"fifo"`
	}

	JobInfo struct {
		Id          int       `json:"id"`
		Queue       string    `json:"queue"`
		State       string    `json:"state"`
		Priority    string    `json:"priority"`
		SubmitTime  time.Time `json:"submitTime"`
		StartTime   time.Time `json:"startTime,omitempty"`
		Description string    `json:"description,omitempty"`
	}

	// Namespace requests

	GetFileAttributesMessage struct {
		Message
		PnfsId     PnfsId         `json:"pnfsid"`
		Attributes FileAttributes `json:"attributes"`
	}

	SetChecksumMessage struct {
		Message
		PnfsId   PnfsId   `json:"pnfsid"`
		Checksum Checksum `json:"checksum"`
	}

	PutFlagMessage struct {
		Message
		PnfsId PnfsId `json:"pnfsid"`
		Key    string `json:"key"`
		Value  string `json:"value"`
	}

	FileFlushedMessage struct {
		Message
		PnfsId     PnfsId         `json:"pnfsid"`
		PoolName   string         `json:"pool"`
		Attributes FileAttributes `json:"attributes"`
	}

	AddCacheLocationMessage struct {
		Message
		PnfsId   PnfsId `json:"pnfsid"`
		PoolName string `json:"pool"`
	}

	ClearCacheLocationMessage struct {
		Message
		PnfsId       PnfsId `json:"pnfsid"`
		PoolName     string `json:"pool"`
		RemoveIfLast bool   `json:"removeIfLast"`
	}

	// Pool requests

	PoolIoFileMessage struct {
		Message
		PoolName      string         `json:"pool"`
		PnfsId        PnfsId         `json:"pnfsid"`
		Attributes    FileAttributes `json:"attributes"`
		ProtocolInfo  ProtocolInfo   `json:"protocolInfo"`
		IoQueue       string         `json:"ioQueue,omitempty"`
		Initiator     string         `json:"initiator"`
		DoorRequestId int64          `json:"doorRequestId"`
		Write         bool           `json:"write"`
		MoverId       int            `json:"moverId"`
	}

	PoolDeliverFileMessage struct {
		Message
		PoolName        string         `json:"pool"`
		DestinationPool string         `json:"destinationPool"`
		PnfsId          PnfsId         `json:"pnfsid"`
		Attributes      FileAttributes `json:"attributes"`
		ProtocolInfo    ProtocolInfo   `json:"protocolInfo"`
		MoverId         int            `json:"moverId"`
	}

	Pool2PoolTransferMessage struct {
		Message
		SourcePool      string         `json:"sourcePool"`
		DestinationPool string         `json:"destinationPool"`
		PnfsId          PnfsId         `json:"pnfsid"`
		TargetState     EntryState     `json:"targetState"`
		StickyRecords   []StickyRecord `json:"stickyRecords,omitempty"`
		SessionId       int            `json:"sessionId"`
	}

	PoolFetchFileMessage struct {
		Message
		PoolName   string         `json:"pool"`
		PnfsId     PnfsId         `json:"pnfsid"`
		Attributes FileAttributes `json:"attributes"`
	}

	PoolSetStickyMessage struct {
		Message
		PoolName string        `json:"pool"`
		PnfsId   PnfsId        `json:"pnfsid"`
		Owner    string        `json:"owner"`
		Sticky   bool          `json:"sticky"`
		Lifetime time.Duration `json:"lifetime"`
	}

	PoolModifyModeMessage struct {
		Message
		PoolName   string   `json:"pool"`
		Mode       PoolMode `json:"mode"`
		StatusCode int      `json:"statusCode"`
		StatusMsg  string   `json:"statusMsg"`
	}

	PoolRemoveFilesMessage struct {
		Message
		PoolName string   `json:"pool"`
		Files    []PnfsId `json:"files"`
		Failed   []PnfsId `json:"failed,omitempty"`
	}

	PoolCheckFileMessage struct {
		Message
		PoolName string `json:"pool"`
		PnfsId   PnfsId `json:"pnfsid"`
		Have     bool   `json:"have"`
		Waiting  bool   `json:"waiting"`
	}

	PoolFlushControlMessage struct {
		Message
		PoolName  string    `json:"pool"`
		HoldUntil time.Time `json:"holdUntil"`
	}

	DoorTransferFinishedMessage struct {
		Message
		PoolName     string         `json:"pool"`
		PnfsId       PnfsId         `json:"pnfsid"`
		MoverId      int            `json:"moverId"`
		ProtocolInfo ProtocolInfo   `json:"protocolInfo"`
		Attributes   FileAttributes `json:"attributes"`
	}

	// Sent to the pool manager on every heartbeat.
	PoolUpMessage struct {
		Message
		PoolName     string      `json:"pool"`
		Mode         PoolMode    `json:"mode"`
		StatusCode   int         `json:"statusCode"`
		StatusMsg    string      `json:"statusMsg,omitempty"`
		Space        SpaceRecord `json:"space"`
		Queues       []QueueInfo `json:"queues"`
		HsmInstances []string    `json:"hsmInstances,omitempty"`
		Serial       int64       `json:"serial"`
	}

	PoolReplicateRequestMessage struct {
		Message
		PoolName string `json:"pool"`
		PnfsId   PnfsId `json:"pnfsid"`
		Reason   string `json:"reason"`
	}

	// Sent to the flush message target after a file reached tape.
	PoolFileFlushedMessage struct {
		Message
		PoolName   string         `json:"pool"`
		PnfsId     PnfsId         `json:"pnfsid"`
		Attributes FileAttributes `json:"attributes"`
	}
)

func (m *Message) GetReturnCode() int {
	return m.ReturnCode
}

func (m *Message) GetErrorMsg() string {
	return m.ErrorMsg
}

func (m *Message) SetReply(code int, msg string) {
	m.ReturnCode = code
	m.ErrorMsg = msg
}

func (m *Message) SetSucceeded() {
	m.SetReply(0, "")
}

func (m *Message) Failed() bool {
	return m.ReturnCode != 0
}
