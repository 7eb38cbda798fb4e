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

package launchers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanplatform/diskpool/config"
	"github.com/pelicanplatform/diskpool/param"
	"github.com/pelicanplatform/diskpool/pool_structs"
)

func resetConfig(t *testing.T) {
	viper.Reset()
	param.Reset()
	t.Cleanup(func() {
		viper.Reset()
		param.Reset()
	})
	require.NoError(t, config.SetDefaults(viper.GetViper()))
}

func TestQueueSpec(t *testing.T) {
	tests := []struct {
		name     string
		queues   []string
		def      string
		expected string
	}{
		{"default only", nil, "regular", "regular"},
		{"default already first", []string{"regular", "-slow"}, "regular", "regular,-slow"},
		{"default moved to front", []string{"wan", "-lan"}, "lan", "-lan,wan"},
		{"default missing", []string{"wan"}, "regular", "regular,wan"},
		{"no default", []string{"wan", "lan"}, "", "wan,lan"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, queueSpec(tt.queues, tt.def))
		})
	}
}

func TestPoolSize(t *testing.T) {
	resetConfig(t)
	require.NoError(t, param.Set(param.Pool_MaxDiskSpace.GetName(), "10GiB"))
	size, err := poolSize(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, int64(10<<30), size)

	require.NoError(t, param.Set(param.Pool_MaxDiskSpace.GetName(), "ten gigs"))
	_, err = poolSize(t.TempDir())
	assert.Error(t, err)

	require.NoError(t, param.Set(param.Pool_MaxDiskSpace.GetName(), ""))
	size, err = poolSize(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestPoolServe(t *testing.T) {
	resetConfig(t)
	require.NoError(t, param.MultiSet(map[string]interface{}{
		param.Pool_Name.GetName():             "pool-test",
		param.Pool_DataLocation.GetName():     t.TempDir(),
		param.Pool_MaxDiskSpace.GetName():     "1MiB",
		param.Pool_MaxMovers.GetName():        7,
		param.P2P_ListenHost.GetName():        "127.0.0.1",
		param.Checksum_ScanInterval.GetName(): "0s",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	egrp, ctx := errgroup.WithContext(ctx)
	engine := newEngine()
	p, err := PoolServe(ctx, engine, egrp)
	require.NoError(t, err)

	assert.Equal(t, "pool-test", p.Name())
	assert.True(t, p.Mode().IsEnabled())
	assert.Equal(t, 7, p.IoQueues().DefaultQueue().MaxActiveJobs())
	assert.Equal(t, int64(1<<20), p.Repository().Account().Total())

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, "/api/v1.0/pool/info", nil)
	require.NoError(t, err)
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "pool-test", info["name"])

	w = httptest.NewRecorder()
	req, err = http.NewRequest(http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "diskpool_component_health_status")

	cancel()
	require.NoError(t, egrp.Wait())
	assert.Equal(t, pool_structs.ModeDisabledDead, p.Mode())
}
