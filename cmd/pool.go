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
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pelicanplatform/diskpool/launchers"
	"github.com/pelicanplatform/diskpool/param"
)

var (
	configFormat string

	poolCmd = &cobra.Command{
		Use:   "pool",
		Short: "Operate a storage pool",
	}

	poolServeCmd = &cobra.Command{
		Use:          "serve",
		Short:        "Start the pool service",
		RunE:         servePool,
		SilenceUsage: true,
	}

	poolConfigCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective pool configuration",
		Long: `Print the configuration the pool would run with: built-in defaults,
overridden by the config file, overridden by DISKPOOL_ environment variables.`,
		RunE: printConfig,
	}
)

func init() {
	poolServeCmd.Flags().AddFlag(portFlag)
	poolConfigCmd.Flags().StringVarP(&configFormat, "output", "o", "yaml", "Output format (yaml or json)")

	poolCmd.AddCommand(poolServeCmd)
	poolCmd.AddCommand(poolConfigCmd)
}

func servePool(cmd *cobra.Command, _ []string) error {
	log.Info("Launching pool ", param.Pool_Name.GetString())
	_, _, err := launchers.LaunchPool(cmd.Context())
	// The launcher's goroutines live in the errgroup Execute waits on
	return err
}

func printConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := param.GetUnmarshaledConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load the configuration")
	}
	return writeConfig(cmd.OutOrStdout(), cfg, configFormat)
}

func writeConfig(out io.Writer, cfg *param.Config, format string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(format) {
	case "yaml", "":
		data, err = yaml.Marshal(cfg)
	case "json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	default:
		return errors.Errorf("unknown output format %q; use yaml or json", format)
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode the configuration")
	}
	_, err = fmt.Fprint(out, string(data))
	return err
}
