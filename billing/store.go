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

package billing

import (
	"embed"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
	gormlog "github.com/thomas-tacquet/gormv2-logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type (
	// Store keeps billing records in a SQLite database.
	Store struct {
		db *gorm.DB
	}

	Filter struct {
		PnfsId string
		Type   RecordType
		Since  time.Time
		// Limit caps the number of records; 0 means 100.
		Limit int
	}
)

func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("billing database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for billing database at %s", dbPath)
	}
	if len(filepath.Ext(dbPath)) == 0 {
		dbPath += ".sqlite"
	}

	var ormLevel logger.LogLevel
	switch log.GetLevel() {
	case log.TraceLevel:
		ormLevel = logger.Info
	case log.DebugLevel, log.InfoLevel, log.WarnLevel:
		ormLevel = logger.Warn
	default:
		ormLevel = logger.Error
	}
	gormLogger := gormlog.NewGormlog(
		gormlog.WithLogrusEntry(log.WithField("component", "billing-db")),
		gormlog.WithGormOptions(gormlog.GormOptions{
			LogLatency: true,
			LogLevel:   ormLevel,
		}),
	)

	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open the billing database at %s", dbPath)
	}
	sqldb, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get the billing database handle")
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = sqldb.Close()
		return nil, errors.Wrap(err, "failed to set goose dialect")
	}
	if err := goose.Up(sqldb, "migrations"); err != nil {
		_ = sqldb.Close()
		return nil, errors.Wrap(err, "failed to apply billing migrations")
	}

	log.Infof("Billing database initialized at %s", dbPath)
	return &Store{db: db}, nil
}

func (s *Store) Insert(rec *Record) error {
	if err := s.db.Create(rec).Error; err != nil {
		return errors.Wrapf(err, "failed to insert billing record for %s", rec.PnfsId)
	}
	return nil
}

// Query returns matching records, newest first.
func (s *Store) Query(filter Filter) ([]Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := s.db.Model(&Record{})
	if filter.PnfsId != "" {
		query = query.Where("pnfs_id = ?", filter.PnfsId)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", string(filter.Type))
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	var records []Record
	if err := query.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query billing records")
	}
	return records, nil
}

// Prune deletes records created before cutoff.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	result := s.db.Where("created_at < ?", cutoff).Delete(&Record{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to prune billing records")
	}
	return result.RowsAffected, nil
}

func (s *Store) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		log.Errorln("Failure when getting billing database instance from gorm:", err)
		return err
	}
	return sqldb.Close()
}
