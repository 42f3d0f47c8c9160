// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sqlite

import (
	"database/sql"
	"errors"

	"github.com/familyvault/familyvault/internal/db"
)

// Family-visible local changes. A file inherits the containing folder's
// visibility unless it carries its own, and remote copies are never
// re-transmitted.
const familyChangesWhere = `
	FROM files f
	JOIN watched_folders wf ON f.folder_id = wf.id
	WHERE COALESCE(f.visibility, wf.visibility) = 1
	  AND f.is_remote = 0
	  AND f.indexed_at > ?
`

func (d *DB) CountFamilyChangesSince(since int64) (int64, error) {
	var n int64
	err := d.stmt(`SELECT COUNT(*)` + familyChangesWhere).Get(&n, since)
	return n, wrap(err)
}

func (d *DB) FamilyChangesSince(since int64, limit, offset int) ([]db.CatalogRecord, error) {
	var recs []db.CatalogRecord
	err := d.stmt(`
		SELECT f.id, f.folder_id, wf.path AS folder_path, f.relative_path, f.name,
		       COALESCE(f.mime_type, '') AS mime_type, f.size, f.modified_at, f.indexed_at,
		       COALESCE(f.checksum, '') AS checksum,
		       COALESCE(f.visibility, wf.visibility) AS visibility,
		       f.is_remote, f.sync_version` + familyChangesWhere + `
		ORDER BY f.indexed_at ASC
		LIMIT ? OFFSET ?
	`).Select(&recs, since, limit, offset)
	if err != nil {
		return nil, wrap(err)
	}
	return recs, nil
}

func (d *DB) GetLocalFile(id int64) (db.CatalogRecord, bool, error) {
	var rec db.CatalogRecord
	err := d.stmt(`
		SELECT f.id, f.folder_id, wf.path AS folder_path, f.relative_path, f.name,
		       COALESCE(f.mime_type, '') AS mime_type, f.size, f.modified_at, f.indexed_at,
		       COALESCE(f.checksum, '') AS checksum,
		       COALESCE(f.visibility, wf.visibility) AS visibility,
		       f.is_remote, f.sync_version
		FROM files f
		JOIN watched_folders wf ON f.folder_id = wf.id
		WHERE f.id = ?
	`).Get(&rec, id)
	if errors.Is(err, sql.ErrNoRows) {
		return db.CatalogRecord{}, false, nil
	}
	if err != nil {
		return db.CatalogRecord{}, false, wrap(err)
	}
	return rec, true, nil
}

// AddWatchedFolder and InsertLocalFile are the minimal write surface the
// indexer uses on this schema. The CLI and tests seed catalogs through
// them.
func (d *DB) AddWatchedFolder(path string, visibility db.Visibility) (int64, error) {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	res, err := d.stmt(`
		INSERT INTO watched_folders (path, visibility)
		VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET visibility = excluded.visibility
	`).Exec(path, visibility)
	if err != nil {
		return 0, wrap(err)
	}
	id, err := res.LastInsertId()
	return id, wrap(err)
}

func (d *DB) InsertLocalFile(rec db.CatalogRecord) (int64, error) {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	var vis any
	if rec.Visibility != db.VisibilityInherit {
		vis = int32(rec.Visibility)
	}
	res, err := d.stmt(`
		INSERT INTO files
			(folder_id, relative_path, name, size, mime_type, checksum,
			 modified_at, indexed_at, visibility, is_remote, sync_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id, relative_path) DO UPDATE SET
			name = excluded.name,
			size = excluded.size,
			mime_type = excluded.mime_type,
			checksum = excluded.checksum,
			modified_at = excluded.modified_at,
			indexed_at = excluded.indexed_at,
			visibility = excluded.visibility,
			sync_version = excluded.sync_version
	`).Exec(rec.FolderID, rec.RelativePath, rec.Name, rec.Size, rec.MimeType, rec.Checksum,
		rec.ModifiedAt, rec.IndexedAt, vis, rec.IsRemote, rec.SyncVersion)
	if err != nil {
		return 0, wrap(err)
	}
	id, err := res.LastInsertId()
	return id, wrap(err)
}
