// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyvault/familyvault/lib/events"
	"github.com/familyvault/familyvault/lib/protocol"
)

func cacheManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "cache")
	mgr := NewManager(root, func(int64) (string, bool, error) { return "", false, nil }, events.NewLogger(), Options{})
	return mgr, root
}

func placeCached(t *testing.T, root string, device protocol.DeviceID, name string, content []byte) string {
	t.Helper()
	dir := filepath.Join(root, device.String())
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestCachePathExtension(t *testing.T) {
	mgr, root := cacheManager(t)
	dev := protocol.NewDeviceID()

	cases := []struct {
		fileName, want string
	}{
		{"photo.jpg", "42.jpg"},
		{"archive.tar.gz", "42.gz"},
		{"noext", "42"},
		{"", "42"},
	}
	for _, tc := range cases {
		got := mgr.cachePath(dev, 42, tc.fileName)
		assert.Equal(t, filepath.Join(root, dev.String(), tc.want), got, tc.fileName)
	}
}

func TestGetCachedPathMatchesAnyExtension(t *testing.T) {
	mgr, root := cacheManager(t)
	dev := protocol.NewDeviceID()

	assert.Empty(t, mgr.GetCachedPath(dev, 42))

	path := placeCached(t, root, dev, "42.jpg", []byte("x"))
	assert.Equal(t, path, mgr.GetCachedPath(dev, 42))

	// A different id must not match by prefix.
	assert.Empty(t, mgr.GetCachedPath(dev, 4))

	// Extension-less entries match too.
	dev2 := protocol.NewDeviceID()
	bare := placeCached(t, root, dev2, "7", []byte("y"))
	assert.Equal(t, bare, mgr.GetCachedPath(dev2, 7))
}

func TestIsCachedChecksum(t *testing.T) {
	mgr, root := cacheManager(t)
	dev := protocol.NewDeviceID()

	content := []byte("some cached bytes")
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	placeCached(t, root, dev, "42.jpg", content)

	assert.True(t, mgr.IsCached(dev, 42, ""))
	assert.True(t, mgr.IsCached(dev, 42, digest))
	// Repeated probes are idempotent (and exercise the digest cache).
	assert.True(t, mgr.IsCached(dev, 42, digest))
	assert.False(t, mgr.IsCached(dev, 42, "0000000000000000"))
	assert.False(t, mgr.IsCached(dev, 99, ""))
}

func TestClearCache(t *testing.T) {
	mgr, root := cacheManager(t)
	dev := protocol.NewDeviceID()

	// Clearing an empty cache is a no-op.
	require.NoError(t, mgr.ClearCache())
	assert.Zero(t, mgr.GetCacheSize())

	placeCached(t, root, dev, "1.jpg", make([]byte, 100))
	placeCached(t, root, dev, "2.pdf", make([]byte, 50))
	assert.Equal(t, int64(150), mgr.GetCacheSize())

	require.NoError(t, mgr.ClearCache())
	assert.Zero(t, mgr.GetCacheSize())
	assert.Empty(t, mgr.GetCachedPath(dev, 1))
}

func TestClearCacheRefusedWhileActive(t *testing.T) {
	mgr, _ := cacheManager(t)

	// Fake an active transfer.
	tr := &transfer{requestID: protocol.NewRequestID(), status: StatusInProgress}
	mgr.transfers.Store(tr.requestID, tr)

	assert.ErrorIs(t, mgr.ClearCache(), ErrTransfersActive)

	mgr.transfers.Delete(tr.requestID)
	assert.NoError(t, mgr.ClearCache())
}
