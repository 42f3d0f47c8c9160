// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/familyvault/familyvault/lib/protocol"
)

var ErrTransfersActive = errors.New("transfers are active")

// cachePath is the deterministic location of one received file:
// <cacheRoot>/<peerDeviceId>/<fileId><ext>, where the extension comes from
// the served file name and may be empty.
func (m *Manager) cachePath(device protocol.DeviceID, fileID int64, fileName string) string {
	return filepath.Join(m.cacheRoot, device.String(), strconv.FormatInt(fileID, 10)+filepath.Ext(fileName))
}

// GetCachedPath returns the first cache entry for the file, matching the
// numeric name with any or no extension, or the empty string.
func (m *Manager) GetCachedPath(device protocol.DeviceID, fileID int64) string {
	dir := filepath.Join(m.cacheRoot, device.String())
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	want := strconv.FormatInt(fileID, 10)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == want || strings.HasPrefix(name, want+".") {
			return filepath.Join(dir, name)
		}
	}
	return ""
}

// IsCached reports whether the file is present in the cache. With a
// checksum the cached content must also match it.
func (m *Manager) IsCached(device protocol.DeviceID, fileID int64, checksum string) bool {
	path := m.GetCachedPath(device, fileID)
	if path == "" {
		return false
	}
	if checksum == "" {
		return true
	}
	digest, err := m.fileDigest(path)
	if err != nil {
		return false
	}
	return strings.EqualFold(digest, checksum)
}

// fileDigest computes the sha256 of a file, memoized on (path, size,
// mtime) so repeated cache probes do not re-read large files.
func (m *Manager) fileDigest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	if digest, ok := m.digests.Get(key); ok {
		return digest, nil
	}

	fd, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fd.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fd); err != nil {
		return "", err
	}
	digest := hex.EncodeToString(h.Sum(nil))
	m.digests.Add(key, digest)
	return digest, nil
}

// ClearCache removes the entire cache root. It refuses to run while
// transfers are writing into it.
func (m *Manager) ClearCache() error {
	if m.HasActiveTransfers() {
		return ErrTransfersActive
	}
	return os.RemoveAll(m.cacheRoot)
}

// GetCacheSize sums the sizes of everything under the cache root.
func (m *Manager) GetCacheSize() int64 {
	var total int64
	_ = filepath.WalkDir(m.cacheRoot, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
