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

package repository

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/pelicanplatform/diskpool/pool_structs"
)

type (
	// DataStore holds the replica bytes, one file per PnfsId.
	DataStore interface {
		Create(id pool_structs.PnfsId) (afero.File, error)
		Open(id pool_structs.PnfsId) (afero.File, error)
		Remove(id pool_structs.PnfsId) error
		Size(id pool_structs.PnfsId) (int64, error)
		Exists(id pool_structs.PnfsId) bool
		// Path is the location of the replica as seen by external
		// commands; only meaningful for stores backed by the OS.
		Path(id pool_structs.PnfsId) string
		List() ([]pool_structs.PnfsId, error)
	}

	FileStore struct {
		fs   afero.Fs
		root string
	}
)

// NewFileStore keeps replicas in root on fs.
func NewFileStore(fs afero.Fs, root string) (*FileStore, error) {
	if err := fs.MkdirAll(root, 0750); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %s", root)
	}
	return &FileStore{fs: fs, root: root}, nil
}

func (fst *FileStore) Fs() afero.Fs {
	return fst.fs
}

func (fst *FileStore) Path(id pool_structs.PnfsId) string {
	return filepath.Join(fst.root, string(id))
}

func (fst *FileStore) Create(id pool_structs.PnfsId) (afero.File, error) {
	f, err := fst.fs.OpenFile(fst.Path(id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create data file for %s", id)
	}
	return f, nil
}

func (fst *FileStore) Open(id pool_structs.PnfsId) (afero.File, error) {
	f, err := fst.fs.Open(fst.Path(id))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open data file for %s", id)
	}
	return f, nil
}

func (fst *FileStore) Remove(id pool_structs.PnfsId) error {
	err := fst.fs.Remove(fst.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove data file for %s", id)
	}
	return nil
}

func (fst *FileStore) Size(id pool_structs.PnfsId) (int64, error) {
	fi, err := fst.fs.Stat(fst.Path(id))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to stat data file for %s", id)
	}
	return fi.Size(), nil
}

func (fst *FileStore) Exists(id pool_structs.PnfsId) bool {
	exists, err := afero.Exists(fst.fs, fst.Path(id))
	return err == nil && exists
}

// List returns the ids of all data files; files whose names are not valid
// ids are skipped.
func (fst *FileStore) List() ([]pool_structs.PnfsId, error) {
	infos, err := afero.ReadDir(fst.fs, fst.root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list data directory %s", fst.root)
	}
	result := make([]pool_structs.PnfsId, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		id := pool_structs.PnfsId(fi.Name())
		if id.Valid() {
			result = append(result, id)
		}
	}
	return result, nil
}
