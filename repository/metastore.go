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
	"context"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanplatform/diskpool/pool_structs"
)

const metaKeyPrefix = "meta/"

type (
	// MetaRecord is the persisted form of a replica.
	MetaRecord struct {
		PnfsId     pool_structs.PnfsId         `msgpack:"pnfsid"`
		State      pool_structs.EntryState     `msgpack:"state"`
		Size       int64                       `msgpack:"size"`
		Created    int64                       `msgpack:"created"`
		LastAccess int64                       `msgpack:"last_access"`
		Attributes pool_structs.FileAttributes `msgpack:"attributes"`
		Stickies   []pool_structs.StickyRecord `msgpack:"stickies"`
	}

	// MetaStore persists replica metadata across restarts.
	MetaStore interface {
		Put(rec *MetaRecord) error
		Delete(id pool_structs.PnfsId) error
		List() ([]*MetaRecord, error)
		Close() error
	}

	BadgerMetaStore struct {
		db        *badger.DB
		closeOnce sync.Once
	}

	// badgerLogger adapts logrus to BadgerDB's logger interface
	badgerLogger struct{}
)

// NewBadgerMetaStore opens the metadata database in dir; an empty dir keeps
// everything in memory.
func NewBadgerMetaStore(dir string) (*BadgerMetaStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, errors.Wrap(err, "failed to create metadata directory")
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLogger{}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open BadgerDB")
	}
	if dir != "" {
		log.Infof("Replica metadata database initialized at %s", dir)
	}
	return &BadgerMetaStore{db: db}, nil
}

func metaKey(id pool_structs.PnfsId) []byte {
	return []byte(metaKeyPrefix + string(id))
}

func (ms *BadgerMetaStore) Put(rec *MetaRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "failed to encode metadata of %s", rec.PnfsId)
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(rec.PnfsId), data)
	})
}

func (ms *BadgerMetaStore) Get(id pool_structs.PnfsId) (*MetaRecord, error) {
	var rec MetaRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (ms *BadgerMetaStore) Delete(id pool_structs.PnfsId) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(id))
	})
}

func (ms *BadgerMetaStore) List() ([]*MetaRecord, error) {
	result := make([]*MetaRecord, 0)
	err := ms.db.View(func(txn *badger.Txn) error {
		prefix := []byte(metaKeyPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec MetaRecord
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return errors.Wrapf(err, "failed to decode metadata record %s", it.Item().Key())
			}
			result = append(result, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list replica metadata")
	}
	return result, nil
}

func (ms *BadgerMetaStore) Close() error {
	var closeErr error
	ms.closeOnce.Do(func() {
		closeErr = ms.db.Close()
	})
	return closeErr
}

// StartGC runs the value log garbage collection until ctx is done.
func (ms *BadgerMetaStore) StartGC(ctx context.Context, egrp *errgroup.Group) {
	egrp.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				err := ms.db.RunValueLogGC(0.5)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
					log.Warnf("BadgerDB GC error: %v", err)
				}
			}
		}
	})
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	log.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	log.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	log.Tracef("[BadgerDB] "+format, args...)
}
