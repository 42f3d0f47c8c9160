// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sqlite

import (
	"github.com/familyvault/familyvault/internal/db"
)

const remoteFileColumns = `
	id, remote_id, source_device_id, path, name,
	COALESCE(mime_type, '') AS mime_type, size, modified_at,
	COALESCE(checksum, '') AS checksum, synced_at, is_deleted
`

func (d *DB) UpsertRemoteRecord(rec db.RemoteCatalogRecord) error {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	_, err := d.stmt(`
		INSERT INTO remote_files
			(remote_id, source_device_id, path, name, mime_type, size,
			 modified_at, checksum, synced_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(source_device_id, remote_id) DO UPDATE SET
			path = excluded.path,
			name = excluded.name,
			mime_type = excluded.mime_type,
			size = excluded.size,
			modified_at = excluded.modified_at,
			checksum = excluded.checksum,
			synced_at = excluded.synced_at,
			is_deleted = 0
	`).Exec(rec.RemoteID, rec.SourceDeviceID, rec.Path, rec.Name, rec.MimeType,
		rec.Size, rec.ModifiedAt, rec.Checksum, rec.SyncedAt)
	return wrap(err)
}

func (d *DB) MarkRemoteDeleted(sourceDeviceID string, remoteID, syncedAt int64) error {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	_, err := d.stmt(`
		UPDATE remote_files SET is_deleted = 1, synced_at = ?
		WHERE source_device_id = ? AND remote_id = ?
	`).Exec(syncedAt, sourceDeviceID, remoteID)
	return wrap(err)
}

func (d *DB) GetSyncCursor(deviceID string) (int64, error) {
	var ts int64
	err := d.stmt(`
		SELECT COALESCE(MAX(last_sync_at), 0) FROM sync_state WHERE device_id = ?
	`).Get(&ts, deviceID)
	return ts, wrap(err)
}

func (d *DB) SetSyncCursor(deviceID string, ts int64) error {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()
	_, err := d.stmt(`
		INSERT OR REPLACE INTO sync_state (device_id, last_sync_at)
		VALUES (?, ?)
	`).Exec(deviceID, ts)
	return wrap(err)
}

// Remote catalog browsing, used by the CLI views.

func (d *DB) RemoteFiles(deviceID string) ([]db.RemoteCatalogRecord, error) {
	var recs []db.RemoteCatalogRecord
	err := d.stmt(`
		SELECT` + remoteFileColumns + `
		FROM remote_files
		WHERE source_device_id = ? AND is_deleted = 0
		ORDER BY name ASC
	`).Select(&recs, deviceID)
	if err != nil {
		return nil, wrap(err)
	}
	return recs, nil
}

func (d *DB) AllRemoteFiles() ([]db.RemoteCatalogRecord, error) {
	var recs []db.RemoteCatalogRecord
	err := d.stmt(`
		SELECT` + remoteFileColumns + `
		FROM remote_files
		WHERE is_deleted = 0
		ORDER BY source_device_id, name ASC
	`).Select(&recs)
	if err != nil {
		return nil, wrap(err)
	}
	return recs, nil
}

func (d *DB) SearchRemoteFiles(query string, limit int) ([]db.RemoteCatalogRecord, error) {
	var recs []db.RemoteCatalogRecord
	err := d.stmt(`
		SELECT` + remoteFileColumns + `
		FROM remote_files
		WHERE is_deleted = 0 AND name LIKE ?
		ORDER BY name ASC
		LIMIT ?
	`).Select(&recs, "%"+query+"%", limit)
	if err != nil {
		return nil, wrap(err)
	}
	return recs, nil
}

func (d *DB) RemoteFileCount(deviceID string) (int64, error) {
	var n int64
	err := d.stmt(`
		SELECT COUNT(*) FROM remote_files WHERE source_device_id = ? AND is_deleted = 0
	`).Get(&n, deviceID)
	return n, wrap(err)
}
