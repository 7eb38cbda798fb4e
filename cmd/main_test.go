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

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/diskpool/param"
)

func captureStdout(t *testing.T, f func()) string {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	t.Cleanup(func() { os.Stdout = oldStdout })

	f()

	w.Close()
	out, _ := io.ReadAll(r)
	os.Stdout = oldStdout
	return strings.TrimSpace(string(out))
}

func TestHandleCLIVersionFlag(t *testing.T) {
	oldVersion, oldDate, oldCommit, oldBuiltBy := version, date, commit, builtBy
	t.Cleanup(func() {
		version, date, commit, builtBy = oldVersion, oldDate, oldCommit, oldBuiltBy
	})
	version = "0.0.1"
	date = "2026-10-06T15:26:50Z"
	commit = "f0f94a3edf6641c2472345819a0d5453fc9e68d1"
	builtBy = "goreleaser"

	expected := fmt.Sprintf(
		"Version: %s\nBuild Date: %s\nBuild Commit: %s\nBuilt By: %s",
		version, date, commit, builtBy,
	)

	testCases := []struct {
		name string
		args []string
	}{
		{"flag-on-root-command", []string{"diskpool", "--version"}},
		{"flag-on-subcommand", []string{"diskpool", "pool", "--version"}},
		{"flag-on-second-layer-subcommand", []string{"diskpool", "pool", "serve", "--version"}},
		{"flag-after-other-flags", []string{"diskpool", "pool", "serve", "-p", "8443", "--version"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := captureStdout(t, func() {
				require.NoError(t, handleCLI(tc.args))
			})
			assert.Equal(t, expected, got)
		})
	}
}

func TestWriteConfig(t *testing.T) {
	cfg := &param.Config{}
	cfg.Pool.Name = "pool-a"
	cfg.Pool.IoQueues = []string{"regular", "-wan"}
	cfg.Flush.Interval = time.Minute

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeConfig(&buf, cfg, "yaml"))
		out := buf.String()
		assert.Contains(t, out, "name: pool-a")
		assert.Contains(t, out, "- -wan")
		assert.Contains(t, out, "interval: 1m0s")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeConfig(&buf, cfg, "JSON"))
		assert.Contains(t, buf.String(), `"Name": "pool-a"`)
		assert.True(t, strings.HasSuffix(buf.String(), "}\n"))
	})

	t.Run("unknown-format", func(t *testing.T) {
		var buf bytes.Buffer
		err := writeConfig(&buf, cfg, "toml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown output format")
		assert.Zero(t, buf.Len())
	})
}

func TestPoolCommandTree(t *testing.T) {
	serve, _, err := rootCmd.Find([]string{"pool", "serve"})
	require.NoError(t, err)
	assert.Equal(t, poolServeCmd, serve)
	assert.NotNil(t, serve.Flags().Lookup("port"))

	cfg, _, err := rootCmd.Find([]string{"pool", "config"})
	require.NoError(t, err)
	assert.Equal(t, "yaml", cfg.Flags().Lookup("output").DefValue)
}
