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
	"fmt"
	"os"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

func main() {
	err := handleCLI(os.Args)
	if err != nil {
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Println("Version:", version)
	fmt.Println("Build Date:", date)
	fmt.Println("Build Commit:", commit)
	fmt.Println("Built By:", builtBy)
}

func handleCLI(args []string) error {
	// The version flag is captured manually so it is available to every
	// command and subcommand; cobra has no graceful way to do it.  Appending
	// "--version" as the last argument prints the version regardless of the
	// command line before it.
	if args[len(args)-1] == "--version" {
		printVersion()
		return nil
	}
	rootCmd.SetArgs(args[1:])
	return Execute()
}
