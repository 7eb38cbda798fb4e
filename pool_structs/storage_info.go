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
	"fmt"
	"net/url"
	"strings"
)

type (
	RetentionPolicy string
	AccessLatency   string

	// StorageInfo describes where and how a file lives on tape.
	StorageInfo struct {
		HsmName         string            `json:"hsm" yaml:"hsm" msgpack:"hsm"`
		StorageClass    string            `json:"storageClass" yaml:"storageClass" msgpack:"storage_class"`
		Locations       []string          `json:"locations,omitempty" yaml:"locations,omitempty" msgpack:"locations"`
		Keys            map[string]string `json:"keys,omitempty" yaml:"keys,omitempty" msgpack:"keys"`
		RetentionPolicy RetentionPolicy   `json:"retentionPolicy" yaml:"retentionPolicy" msgpack:"retention_policy"`
		AccessLatency   AccessLatency     `json:"accessLatency" yaml:"accessLatency" msgpack:"access_latency"`
		// Set once the namespace acknowledged a tape copy.
		Stored bool `json:"stored" yaml:"stored" msgpack:"stored"`
	}

	// Checksum of a file; Value is lower case hex.
	Checksum struct {
		Type  ChecksumType `json:"type" yaml:"type" msgpack:"type"`
		Value string       `json:"value" yaml:"value" msgpack:"value"`
	}

	ChecksumType int

	// FileAttributes is the namespace view of a file.
	FileAttributes struct {
		PnfsId      PnfsId            `json:"pnfsid" yaml:"pnfsid" msgpack:"pnfsid"`
		Size        int64             `json:"size" yaml:"size" msgpack:"size"`
		StorageInfo StorageInfo       `json:"storageInfo" yaml:"storageInfo" msgpack:"storage_info"`
		Checksums   []Checksum        `json:"checksums,omitempty" yaml:"checksums,omitempty" msgpack:"checksums"`
		Flags       map[string]string `json:"flags,omitempty" yaml:"flags,omitempty" msgpack:"flags"`
		Locations   []string          `json:"locations,omitempty" yaml:"locations,omitempty" msgpack:"locations"`
	}
)

const (
	Custodial RetentionPolicy = "CUSTODIAL"
	Replica   RetentionPolicy = "REPLICA"
	Output    RetentionPolicy = "OUTPUT"

	Online   AccessLatency = "ONLINE"
	Nearline AccessLatency = "NEARLINE"
)

const (
	ChecksumAdler32 ChecksumType = 1
	ChecksumMD5     ChecksumType = 2
	ChecksumMD4     ChecksumType = 3
)

func (t ChecksumType) String() string {
	switch t {
	case ChecksumAdler32:
		return "ADLER32"
	case ChecksumMD5:
		return "MD5"
	case ChecksumMD4:
		return "MD4"
	}
	return fmt.Sprintf("TYPE%d", int(t))
}

// String returns the "<type code>:<hex>" representation.
func (c Checksum) String() string {
	return fmt.Sprintf("%d:%s", int(c.Type), c.Value)
}

func (c Checksum) IsZero() bool {
	return c.Value == ""
}

func (c Checksum) Equal(other Checksum) bool {
	return c.Type == other.Type && strings.EqualFold(c.Value, other.Value)
}

// StorageClassKey is the flush batching key "<class>@<hsm>".
func (si StorageInfo) StorageClassKey() string {
	return si.StorageClass + "@" + si.HsmName
}

func (si StorageInfo) IsCustodial() bool {
	return si.RetentionPolicy == Custodial
}

// AddLocation records a tape location; duplicates are ignored.
func (si *StorageInfo) AddLocation(location *url.URL) {
	loc := location.String()
	for _, existing := range si.Locations {
		if existing == loc {
			return
		}
	}
	si.Locations = append(si.Locations, loc)
}

// LocationsFor returns the tape locations whose URI host names the given
// HSM instance.
func (si StorageInfo) LocationsFor(instance string) []*url.URL {
	result := make([]*url.URL, 0, len(si.Locations))
	for _, raw := range si.Locations {
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if parsed.Host == instance {
			result = append(result, parsed)
		}
	}
	return result
}

func (si StorageInfo) Clone() StorageInfo {
	clone := si
	clone.Locations = append([]string(nil), si.Locations...)
	if si.Keys != nil {
		clone.Keys = make(map[string]string, len(si.Keys))
		for k, v := range si.Keys {
			clone.Keys[k] = v
		}
	}
	return clone
}

func (fa FileAttributes) Clone() FileAttributes {
	clone := fa
	clone.StorageInfo = fa.StorageInfo.Clone()
	clone.Checksums = append([]Checksum(nil), fa.Checksums...)
	clone.Locations = append([]string(nil), fa.Locations...)
	if fa.Flags != nil {
		clone.Flags = make(map[string]string, len(fa.Flags))
		for k, v := range fa.Flags {
			clone.Flags[k] = v
		}
	}
	return clone
}
