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
	"bytes"
	"context"
	_ "embed"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pelicanplatform/diskpool/param"
)

type ContextKey string

const (
	// EgrpKey is the context key of the process wide errgroup.
	EgrpKey ContextKey = "egrp"

	envPrefix = "DISKPOOL"
)

var (
	//go:embed resources/defaults.yaml
	defaultsYaml []byte
)

// SetDefaults loads the embedded defaults into v as viper defaults, so a
// re-read of the user config file never drops them.
func SetDefaults(v *viper.Viper) error {
	defaults := viper.New()
	defaults.SetConfigType("yaml")
	if err := defaults.ReadConfig(bytes.NewReader(defaultsYaml)); err != nil {
		return errors.Wrap(err, "failed to parse built-in defaults")
	}
	for _, key := range defaults.AllKeys() {
		v.SetDefault(key, defaults.Get(key))
	}
	return nil
}

// InitConfig is invoked by cobra before any command runs.
func InitConfig() {
	if err := InitConfigE(viper.GetString("config")); err != nil {
		cobra.CheckErr(err)
	}
}

// InitConfigE sets up the global viper instance: defaults, environment
// overrides (DISKPOOL_POOL_NAME for Pool.Name) and the optional config file.
// A missing default config file is not an error; a missing explicit one is.
func InitConfigE(configFile string) error {
	if err := SetDefaults(viper.GetViper()); err != nil {
		return err
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigType("yaml")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("diskpool")
		viper.AddConfigPath("$HOME/.diskpool")
		viper.AddConfigPath("/etc/diskpool")
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errors.Wrapf(err, "failed to read config file %s", configFile)
		}
		log.Debugln("No configuration file found; using defaults")
	} else {
		log.Debugln("Using configuration file", viper.ConfigFileUsed())
	}

	if _, err := param.Refresh(); err != nil {
		return err
	}
	param.RegisterCallback("logging", func(oldConfig, newConfig *param.Config) {
		if oldConfig == nil || oldConfig.Logging != newConfig.Logging {
			if err := InitLogging(); err != nil {
				log.Errorln("Failed to apply logging configuration:", err)
			}
		}
	})
	return InitLogging()
}

// WatchConfig reloads the configuration whenever the config file changes.
// Subsystems pick up new values through param callbacks.
func WatchConfig(ctx context.Context) {
	if viper.ConfigFileUsed() == "" {
		log.Debugln("No configuration file in use; not watching for changes")
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		log.Infof("Configuration file %s changed (%s); reloading", e.Name, e.Op)
		if _, err := param.Refresh(); err != nil {
			log.Errorln("Failed to reload configuration:", err)
		}
	})
	viper.WatchConfig()
}
