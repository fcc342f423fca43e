// Copyright © by Jeff Foley 2023-2024. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/relaysocks/engine/types"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Event names recorded in the history.
const (
	EventAnnounce = "announce"
	EventEviction = "eviction"
)

// RelayEvent is one row of relay lifecycle history.
type RelayEvent struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	Event     string
	Scheme    string
	Host      string
	Port      uint16
	Principal string
	IsAdmin   string
}

// Store persists relay lifecycle events to a local SQLite database, so an
// operator can reconstruct what was captured after the engine exits.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the history database at the given path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open the history database: %w", err)
	}
	if err := db.AutoMigrate(&RelayEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate the history database: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordAnnounce implements the registry Recorder contract.
func (s *Store) RecordAnnounce(info *types.RelayInfo) error {
	return s.record(EventAnnounce, info)
}

// RecordEviction implements the registry Recorder contract.
func (s *Store) RecordEviction(info *types.RelayInfo) error {
	return s.record(EventEviction, info)
}

func (s *Store) record(event string, info *types.RelayInfo) error {
	return s.db.Create(&RelayEvent{
		Event:     event,
		Scheme:    info.Scheme,
		Host:      info.Host,
		Port:      info.Port,
		Principal: info.Principal,
		IsAdmin:   string(info.IsAdmin),
	}).Error
}

// Events returns the recorded history, oldest first.
func (s *Store) Events() ([]RelayEvent, error) {
	var events []RelayEvent

	result := s.db.Order("id asc").Find(&events)
	return events, result.Error
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
