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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/diskpool/param"
)

func resetViper(t *testing.T) {
	viper.Reset()
	param.Reset()
	t.Cleanup(func() {
		CloseLogFile()
		viper.Reset()
		param.Reset()
	})
}

func TestInitConfigDefaults(t *testing.T) {
	resetViper(t)
	t.Setenv("HOME", t.TempDir())

	require.NoError(t, InitConfigE(""))
	assert.Equal(t, "regular", param.Pool_DefaultQueue.GetString())
	assert.Equal(t, []string{"regular"}, param.Pool_IoQueues.GetStringSlice())
	assert.Equal(t, 60*time.Second, param.Flush_Interval.GetDuration())
	assert.Equal(t, 200, param.Hsm_MaxOutputLines.GetInt())
	assert.Equal(t, 2*time.Minute, param.Hsm_FlushAckRetry.GetDuration())
	assert.Equal(t, []string{"onTransfer", "onRestore", "onFlush", "getCrcFromHsm"}, param.Checksum_Policies.GetStringSlice())
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}

func TestInitConfigFileAndEnv(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	cfg := filepath.Join(dir, "diskpool.yaml")
	logFile := filepath.Join(dir, "logs", "pool.log")
	require.NoError(t, os.WriteFile(cfg, []byte(`
Pool:
  Name: pool-from-file
  IoQueues: "regular,-lifo"
Logging:
  Level: debug
  LogLocation: `+logFile+`
`), 0644))
	t.Setenv("DISKPOOL_FLUSH_MAXACTIVE", "3")

	require.NoError(t, InitConfigE(cfg))
	assert.Equal(t, "pool-from-file", param.Pool_Name.GetString())
	assert.Equal(t, []string{"regular", "-lifo"}, param.Pool_IoQueues.GetStringSlice())
	assert.Equal(t, 3, param.Flush_MaxActive.GetInt())
	// Defaults survive alongside the file
	assert.Equal(t, 30*time.Second, param.Pool_HeartbeatInterval.GetDuration())
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	log.Info("written to file")
	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "written to file")

	log.SetLevel(log.InfoLevel)
}

func TestInitConfigMissingExplicitFile(t *testing.T) {
	resetViper(t)
	err := InitConfigE(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestInvalidLogLevel(t *testing.T) {
	resetViper(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DISKPOOL_LOGGING_LEVEL", "loud")
	assert.Error(t, InitConfigE(""))
}
