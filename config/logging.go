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
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"

	"github.com/pelicanplatform/diskpool/param"
)

// logFileWriter lets the log file be swapped on reload without stacking
// hooks on the global logger.
type logFileWriter struct {
	mu       sync.Mutex
	location string
	file     *os.File
}

var (
	fileWriter     = &logFileWriter{}
	fileHookAdded  bool
	fileHookAddMux sync.Mutex
)

func (w *logFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return len(p), nil
	}
	return w.file.Write(p)
}

func (w *logFileWriter) open(location string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if location == w.location {
		return nil
	}
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.location = location
	if location == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(location), 0750); err != nil {
		return errors.Wrapf(err, "failed to create directory for log file %s", location)
	}
	f, err := os.OpenFile(location, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return errors.Wrapf(err, "failed to open log file %s", location)
	}
	w.file = f
	return nil
}

// InitLogging applies Logging.Level and Logging.LogLocation to the global
// logger.  Console output always goes to stderr; when a log file is set
// every entry is also appended to it.
func InitLogging() error {
	level, err := log.ParseLevel(param.Logging_Level.GetString())
	if err != nil {
		return errors.Wrapf(err, "invalid Logging.Level %q", param.Logging_Level.GetString())
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:          true,
		DisableLevelTruncation: true,
	})

	if err := fileWriter.open(param.Logging_LogLocation.GetString()); err != nil {
		return err
	}

	fileHookAddMux.Lock()
	defer fileHookAddMux.Unlock()
	if !fileHookAdded {
		log.AddHook(&writer.Hook{
			Writer:    fileWriter,
			LogLevels: log.AllLevels,
		})
		fileHookAdded = true
	}
	return nil
}

// CloseLogFile releases the log file handle; used by tests cleaning up
// temporary directories.
func CloseLogFile() {
	_ = fileWriter.open("")
}

var _ io.Writer = (*logFileWriter)(nil)
