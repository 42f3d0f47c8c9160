// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package db defines the catalog store contract the networking core
// consumes. The local indexing subsystem owns the same database; from our
// side the store is a single serialized handle.
package db

// Visibility controls whether a catalog record may leave the device.
type Visibility int32

const (
	VisibilityPrivate Visibility = 0
	VisibilityFamily  Visibility = 1
	// VisibilityInherit stores NULL so the watched folder's setting
	// applies.
	VisibilityInherit Visibility = -1
)

func (v Visibility) String() string {
	switch v {
	case VisibilityPrivate:
		return "private"
	case VisibilityFamily:
		return "family"
	default:
		return "unknown"
	}
}

// CatalogRecord is the slice of a local catalog row that sync and transfer
// care about. Visibility may be inherited from the watched folder; queries
// resolve the effective value.
type CatalogRecord struct {
	ID           int64      `db:"id"`
	FolderID     int64      `db:"folder_id"`
	FolderPath   string     `db:"folder_path"`
	RelativePath string     `db:"relative_path"`
	Name         string     `db:"name"`
	MimeType     string     `db:"mime_type"`
	Size         int64      `db:"size"`
	ModifiedAt   int64      `db:"modified_at"`
	IndexedAt    int64      `db:"indexed_at"`
	Checksum     string     `db:"checksum"`
	Visibility   Visibility `db:"visibility"`
	IsRemote     bool       `db:"is_remote"`
	SyncVersion  int64      `db:"sync_version"`
}

// RemoteCatalogRecord is one materialized row of a peer's catalog.
// Uniqueness is (SourceDeviceID, RemoteID); only the sync engine writes
// these.
type RemoteCatalogRecord struct {
	LocalRowID     int64  `db:"id"`
	RemoteID       int64  `db:"remote_id"`
	SourceDeviceID string `db:"source_device_id"`
	Path           string `db:"path"`
	Name           string `db:"name"`
	MimeType       string `db:"mime_type"`
	Size           int64  `db:"size"`
	ModifiedAt     int64  `db:"modified_at"`
	Checksum       string `db:"checksum"`
	SyncedAt       int64  `db:"synced_at"`
	IsDeleted      bool   `db:"is_deleted"`
}

// CatalogStore is the contract the sync and transfer engines require.
type CatalogStore interface {
	// CreateTablesIfMissing lazily creates remote_files, sync_state and
	// their indexes. Safe to call more than once.
	CreateTablesIfMissing() error

	// CountFamilyChangesSince counts local family-visible records indexed
	// after the given time. Remote copies are never counted.
	CountFamilyChangesSince(since int64) (int64, error)
	// FamilyChangesSince returns a batch of the same records, ordered by
	// indexed_at ascending.
	FamilyChangesSince(since int64, limit, offset int) ([]CatalogRecord, error)
	// GetLocalFile resolves one local record by id, with its folder path.
	GetLocalFile(id int64) (CatalogRecord, bool, error)

	UpsertRemoteRecord(rec RemoteCatalogRecord) error
	MarkRemoteDeleted(sourceDeviceID string, remoteID, syncedAt int64) error

	GetSyncCursor(deviceID string) (int64, error)
	SetSyncCursor(deviceID string, ts int64) error
}
