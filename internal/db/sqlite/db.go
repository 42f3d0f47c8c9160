// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sqlite implements the catalog store on SQLite via sqlx.
package sqlite

import (
	"fmt"
	"sync/atomic"

	"github.com/familyvault/familyvault/internal/db"
)

// DB is the catalog database handle. The local indexer owns the files and
// watched_folders tables; the sync engine owns remote_files and
// sync_state, created lazily by CreateTablesIfMissing.
type DB struct {
	*baseDB
}

var _ db.CatalogStore = (*DB)(nil)

func Open(path string) (*DB, error) {
	base, err := openBase(path, 4)
	if err != nil {
		return nil, err
	}
	d := &DB{baseDB: base}
	if err := d.createCatalogTables(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

var tempCounter atomic.Int64

// OpenTemp opens a fresh in-memory database, for tests. Each call gets
// its own database; the shared cache only spans the handle's connections.
func OpenTemp() (*DB, error) {
	n := tempCounter.Add(1)
	return Open(fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", n))
}

// createCatalogTables creates the indexer-owned side of the schema. In the
// full application the indexer migrates these; we create them here so a
// fresh database is usable stand-alone.
func (d *DB) createCatalogTables() error {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS watched_folders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			visibility INTEGER DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			folder_id INTEGER NOT NULL REFERENCES watched_folders(id),
			relative_path TEXT NOT NULL,
			name TEXT NOT NULL,
			extension TEXT,
			size INTEGER DEFAULT 0,
			mime_type TEXT,
			checksum TEXT,
			created_at INTEGER DEFAULT 0,
			modified_at INTEGER DEFAULT 0,
			indexed_at INTEGER DEFAULT 0,
			visibility INTEGER,
			source_device_id TEXT,
			is_remote INTEGER DEFAULT 0,
			sync_version INTEGER DEFAULT 0,
			UNIQUE(folder_id, relative_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_indexed_at ON files(indexed_at)`,
	} {
		if _, err := d.sql.Exec(ddl); err != nil {
			return wrap(err)
		}
	}
	return nil
}

// CreateTablesIfMissing creates the sync-engine side of the schema.
func (d *DB) CreateTablesIfMissing() error {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS remote_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			remote_id INTEGER NOT NULL,
			source_device_id TEXT NOT NULL,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			mime_type TEXT,
			size INTEGER DEFAULT 0,
			modified_at INTEGER DEFAULT 0,
			checksum TEXT,
			synced_at INTEGER DEFAULT 0,
			is_deleted INTEGER DEFAULT 0,
			UNIQUE(source_device_id, remote_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_remote_files_device ON remote_files(source_device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_remote_files_name ON remote_files(name)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			device_id TEXT PRIMARY KEY,
			last_sync_at INTEGER DEFAULT 0
		)`,
	} {
		if _, err := d.sql.Exec(ddl); err != nil {
			return wrap(err)
		}
	}
	return nil
}
