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

package hsm

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pelicanplatform/diskpool/pool_structs"
)

const (
	OperationPut = "put"
	OperationGet = "get"
)

// BuildCommand assembles the argument vector of an HSM script call:
//
//	<command> put|get <pnfsid> <path> -si=<storage info> [-<key>[=<value>]...] [-uri=<location>...]
//
// Only tape locations belonging to the instance are passed with -uri.
func BuildCommand(info HsmInfo, operation string, attrs pool_structs.FileAttributes, path string) []string {
	argv := strings.Fields(info.Command)
	argv = append(argv, operation, attrs.PnfsId.String(), path)
	argv = append(argv, "-si="+storageInfoString(attrs))

	keys := make([]string, 0, len(info.Attributes))
	for key := range info.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value := info.Attributes[key]; value != "" {
			argv = append(argv, "-"+key+"="+value)
		} else {
			argv = append(argv, "-"+key)
		}
	}

	for _, raw := range attrs.StorageInfo.Locations {
		location, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if strings.EqualFold(location.Scheme, info.Type) && location.Host == info.Name {
			argv = append(argv, "-uri="+location.String())
		}
	}
	return argv
}

// storageInfoString renders the storage info the way HSM scripts parse it:
// semicolon separated key=value pairs.
func storageInfoString(attrs pool_structs.FileAttributes) string {
	si := attrs.StorageInfo
	var sb strings.Builder
	write := func(key, value string) {
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(value)
		sb.WriteByte(';')
	}
	write("size", strconv.FormatInt(attrs.Size, 10))
	write("stored", strconv.FormatBool(si.Stored))
	write("sClass", si.StorageClass)
	write("hsm", si.HsmName)
	if si.AccessLatency != "" {
		write("accessLatency", string(si.AccessLatency))
	}
	if si.RetentionPolicy != "" {
		write("retentionPolicy", string(si.RetentionPolicy))
	}
	keys := make([]string, 0, len(si.Keys))
	for key := range si.Keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		write(key, si.Keys[key])
	}
	return sb.String()
}
