// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyvault/familyvault/internal/db"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, d.CreateTablesIfMissing())
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func seedCatalog(t *testing.T, d *DB) int64 {
	t.Helper()
	folder, err := d.AddWatchedFolder("/data/photos", db.VisibilityFamily)
	require.NoError(t, err)

	for _, f := range []db.CatalogRecord{
		{FolderID: folder, RelativePath: "a/1.jpg", Name: "1.jpg", Size: 10, IndexedAt: 100, Visibility: db.VisibilityInherit},
		{FolderID: folder, RelativePath: "a/2.pdf", Name: "2.pdf", Size: 20, IndexedAt: 101, Visibility: db.VisibilityInherit},
		{FolderID: folder, RelativePath: "a/3.txt", Name: "3.txt", Size: 5, IndexedAt: 102, Visibility: db.VisibilityInherit},
		{FolderID: folder, RelativePath: "secret.doc", Name: "secret.doc", Size: 9, IndexedAt: 103, Visibility: db.VisibilityPrivate},
		{FolderID: folder, RelativePath: "mirrored.jpg", Name: "mirrored.jpg", Size: 7, IndexedAt: 104, Visibility: db.VisibilityInherit, IsRemote: true},
	} {
		_, err := d.InsertLocalFile(f)
		require.NoError(t, err)
	}
	return folder
}

func TestFamilyChanges(t *testing.T) {
	d := testDB(t)
	seedCatalog(t, d)

	n, err := d.CountFamilyChangesSince(0)
	require.NoError(t, err)
	// The private file and the remote copy don't count.
	assert.Equal(t, int64(3), n)

	recs, err := d.FamilyChangesSince(0, 100, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// Ascending by indexed_at.
	assert.Equal(t, "1.jpg", recs[0].Name)
	assert.Equal(t, "3.txt", recs[2].Name)
	for _, rec := range recs {
		assert.Equal(t, db.VisibilityFamily, rec.Visibility)
		assert.Equal(t, "/data/photos", rec.FolderPath)
	}

	// Cursor filtering.
	n, err = d.CountFamilyChangesSince(101)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFamilyChangesExplicitOverridesFolder(t *testing.T) {
	d := testDB(t)

	// A private folder with one explicitly shared file: only the
	// override leaves the device.
	folder, err := d.AddWatchedFolder("/data/private", db.VisibilityPrivate)
	require.NoError(t, err)
	_, err = d.InsertLocalFile(db.CatalogRecord{FolderID: folder, RelativePath: "x", Name: "x", IndexedAt: 1, Visibility: db.VisibilityInherit})
	require.NoError(t, err)
	_, err = d.InsertLocalFile(db.CatalogRecord{FolderID: folder, RelativePath: "y", Name: "y", IndexedAt: 2, Visibility: db.VisibilityFamily})
	require.NoError(t, err)

	recs, err := d.FamilyChangesSince(0, 100, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "y", recs[0].Name)
}

func TestFamilyChangesBatching(t *testing.T) {
	d := testDB(t)
	folder, err := d.AddWatchedFolder("/data", db.VisibilityFamily)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		_, err := d.InsertLocalFile(db.CatalogRecord{
			FolderID: folder, RelativePath: filepath.Join("f", string(rune('a'+i))),
			Name: string(rune('a' + i)), IndexedAt: int64(i + 1), Visibility: db.VisibilityInherit,
		})
		require.NoError(t, err)
	}

	var all []db.CatalogRecord
	for offset := 0; ; offset += 10 {
		batch, err := d.FamilyChangesSince(0, 10, offset)
		require.NoError(t, err)
		all = append(all, batch...)
		if len(batch) < 10 {
			break
		}
	}
	require.Len(t, all, 25)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].IndexedAt, all[i].IndexedAt)
	}
}

func TestGetLocalFile(t *testing.T) {
	d := testDB(t)
	seedCatalog(t, d)

	recs, err := d.FamilyChangesSince(0, 1, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec, ok, err := d.GetLocalFile(recs[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.jpg", rec.Name)

	_, ok, err = d.GetLocalFile(99999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteUpsert(t *testing.T) {
	d := testDB(t)
	src := "6a21b6a0-9ae9-4d0c-b9a6-0b1c8f2d9a01"

	rec := db.RemoteCatalogRecord{
		RemoteID:       1,
		SourceDeviceID: src,
		Path:           "a/1.jpg",
		Name:           "1.jpg",
		Size:           10,
		SyncedAt:       1000,
	}
	require.NoError(t, d.UpsertRemoteRecord(rec))

	// Same key again with updated fields: one row, new values.
	rec.Size = 20
	rec.SyncedAt = 2000
	require.NoError(t, d.UpsertRemoteRecord(rec))

	files, err := d.RemoteFiles(src)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(20), files[0].Size)
	assert.Equal(t, int64(2000), files[0].SyncedAt)

	n, err := d.RemoteFileCount(src)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRemoteDelete(t *testing.T) {
	d := testDB(t)
	src := "6a21b6a0-9ae9-4d0c-b9a6-0b1c8f2d9a01"

	require.NoError(t, d.UpsertRemoteRecord(db.RemoteCatalogRecord{RemoteID: 1, SourceDeviceID: src, Path: "p", Name: "n"}))
	require.NoError(t, d.MarkRemoteDeleted(src, 1, 42))

	files, err := d.RemoteFiles(src)
	require.NoError(t, err)
	assert.Empty(t, files)

	// A fresh upsert resurrects the row.
	require.NoError(t, d.UpsertRemoteRecord(db.RemoteCatalogRecord{RemoteID: 1, SourceDeviceID: src, Path: "p", Name: "n"}))
	files, err = d.RemoteFiles(src)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRemoteSearch(t *testing.T) {
	d := testDB(t)
	src := "6a21b6a0-9ae9-4d0c-b9a6-0b1c8f2d9a01"
	for i, name := range []string{"holiday.jpg", "invoice.pdf", "holiday2.jpg"} {
		require.NoError(t, d.UpsertRemoteRecord(db.RemoteCatalogRecord{RemoteID: int64(i + 1), SourceDeviceID: src, Path: name, Name: name}))
	}

	hits, err := d.SearchRemoteFiles("holiday", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = d.SearchRemoteFiles("holiday", 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSyncCursor(t *testing.T) {
	d := testDB(t)
	dev := "6a21b6a0-9ae9-4d0c-b9a6-0b1c8f2d9a01"

	ts, err := d.GetSyncCursor(dev)
	require.NoError(t, err)
	assert.Zero(t, ts)

	require.NoError(t, d.SetSyncCursor(dev, 1234))
	ts, err = d.GetSyncCursor(dev)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), ts)

	require.NoError(t, d.SetSyncCursor(dev, 5678))
	ts, err = d.GetSyncCursor(dev)
	require.NoError(t, err)
	assert.Equal(t, int64(5678), ts)
}

func TestCreateTablesIdempotent(t *testing.T) {
	d := testDB(t)
	require.NoError(t, d.CreateTablesIfMissing())
	require.NoError(t, d.CreateTablesIfMissing())
}
