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
	"context"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanplatform/diskpool/config"
	"github.com/pelicanplatform/diskpool/launchers"
)

type uint16Value uint16

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "diskpool",
		Short: "Run a disk cache storage pool",
		Long: `The diskpool software runs a storage pool: a disk cache which holds
file replicas on behalf of a distributed storage system, moves data to and
from clients and other pools, and migrates files to and from tertiary
storage.`,
	}

	// Only one flag pointer can correspond to the Server.WebPort key, so the
	// flag is defined once and inserted into every command that serves.
	emptyPort = uint16(0)
	portFlag  = &pflag.Flag{
		Name:      "port",
		Shorthand: "p",
		Usage:     "Set the port at which the web server should be accessible",
		Value:     (*uint16Value)(&emptyPort),
	}
)

// pflag does not export a uint16 pflag.Value implementation.
func (i *uint16Value) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 16)
	*i = uint16Value(v)
	return err
}

func (i *uint16Value) Type() string {
	return "uint16"
}

func (i *uint16Value) String() string { return strconv.FormatUint(uint64(*i), 10) }

func Execute() error {
	egrp, egrpCtx := errgroup.WithContext(context.Background())
	ctx := context.WithValue(egrpCtx, config.EgrpKey, egrp)
	exeErr := rootCmd.ExecuteContext(ctx)
	if exeErr != nil {
		log.Errorln("Fatal error occurred at the start of the program. Cleanup started:", exeErr)
	}
	// Wait until all goroutines in errgroup finish their clean up
	egrpErr := egrp.Wait()
	defer config.CloseLogFile()
	if egrpErr == launchers.ErrExitOnSignal {
		fmt.Println("diskpool is safely exited")
		return nil
	} else if egrpErr == launchers.ErrRestart {
		fmt.Println("Restarting pool...")
		return restartProgram()
	}
	if egrpErr != nil {
		log.Errorln("Fatal error occurred that lead to the shutdown of the process:", egrpErr)
		return egrpErr
	}
	return exeErr
}

func restartProgram() error {
	executable, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "Failed to determine executable path")
	}

	err = syscall.Exec(executable, os.Args, os.Environ())
	if err != nil {
		return errors.Wrap(err, "Failed to restart")
	}
	return nil
}

// initDebug raises the log level when --debug was given; it runs after the
// configuration is loaded so it wins over Logging.Level.
func initDebug() {
	if !viper.GetBool("debug") {
		return
	}
	viper.Set("Logging.Level", "debug")
	if err := config.InitLogging(); err != nil {
		cobra.CheckErr(err)
	}
}

func init() {
	cobra.OnInitialize(config.InitConfig, initDebug)
	rootCmd.AddCommand(poolCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.diskpool/diskpool.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logs")

	rootCmd.PersistentFlags().StringP("log", "l", "", "Specified log output file")
	if err := viper.BindPFlag("Logging.LogLocation", rootCmd.PersistentFlags().Lookup("log")); err != nil {
		panic(err)
	}

	// Register the version flag here just so --help will show this flag
	// Actual checking is executed at main.go
	rootCmd.PersistentFlags().BoolP("version", "", false, "Print the version and exit")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("Server.WebPort", portFlag); err != nil {
		panic(err)
	}
}
