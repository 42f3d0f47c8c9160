// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyvault/familyvault/internal/db"
	"github.com/familyvault/familyvault/internal/db/sqlite"
	"github.com/familyvault/familyvault/lib/config"
	"github.com/familyvault/familyvault/lib/events"
	"github.com/familyvault/familyvault/lib/protocol"
)

func TestReplaceExistingSymmetric(t *testing.T) {
	// Both ends of a duplicate-session dispute must reach opposite
	// conclusions, so exactly one session survives.
	for i := 0; i < 20; i++ {
		a := protocol.NewDeviceID()
		b := protocol.NewDeviceID()
		assert.NotEqual(t, replaceExisting(a, b), replaceExisting(b, a))
	}
}

func TestStopWithoutStart(t *testing.T) {
	svc, _ := testService(t, 0, 0)
	assert.ErrorIs(t, svc.Stop(), ErrNotRunning)
	assert.Equal(t, StateStopped, svc.State())
}

type testSecrets struct {
	id   protocol.DeviceID
	name string
	psk  [32]byte
}

func (s *testSecrets) DeviceID() protocol.DeviceID     { return s.id }
func (s *testSecrets) DeviceName() string              { return s.name }
func (s *testSecrets) DeviceType() protocol.DeviceType { return protocol.DeviceTypeDesktop }
func (s *testSecrets) PSK() [32]byte                   { return s.psk }
func (s *testSecrets) PSKIdentity() string             { return s.id.String() }

var familyPSK = func() [32]byte {
	var k [32]byte
	_, _ = rand.Read(k[:])
	return k
}()

func freePort(t *testing.T, network string) int {
	t.Helper()
	if network == "udp" {
		conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
		require.NoError(t, err)
		defer conn.Close()
		return conn.LocalAddr().(*net.UDPAddr).Port
	}
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lst.Close()
	return lst.Addr().(*net.TCPAddr).Port
}

type testNode struct {
	svc     *Service
	store   *sqlite.DB
	ev      *events.Logger
	secrets *testSecrets
	port    int
}

func testService(t *testing.T, servicePort, discoveryPort int) (*Service, *testNode) {
	t.Helper()

	store, err := sqlite.OpenTemp()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	secrets := &testSecrets{id: protocol.NewDeviceID(), name: "node", psk: familyPSK}
	ev := events.NewLogger()

	if servicePort == 0 {
		servicePort = freePort(t, "tcp")
	}
	if discoveryPort == 0 {
		discoveryPort = freePort(t, "udp")
	}

	svc, err := NewService(config.Options{
		ServicePort:   servicePort,
		DiscoveryPort: discoveryPort,
		CacheRoot:     filepath.Join(t.TempDir(), "cache"),
	}, secrets, store, ev)
	require.NoError(t, err)

	return svc, &testNode{svc: svc, store: store, ev: ev, secrets: secrets, port: servicePort}
}

func startNode(t *testing.T) *testNode {
	t.Helper()
	svc, node := testService(t, 0, 0)
	require.NoError(t, svc.Start())
	t.Cleanup(func() {
		if svc.State() == StateRunning {
			_ = svc.Stop()
		}
	})
	return node
}

func waitForEvent(t *testing.T, sub *events.Subscription, typ events.EventType) events.Event {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		ev, err := sub.Poll(time.Until(deadline))
		require.NoError(t, err, "timed out waiting for %v", typ)
		if ev.Type == typ {
			return ev
		}
	}
}

// TestLoopbackEndToEnd runs two nodes over real TCP+TLS on loopback:
// connect, sync the catalog, fetch a file body, disconnect.
func TestLoopbackEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end test over loopback sockets")
	}

	alpha := startNode(t)
	beta := startNode(t)

	// Alpha shares a real file.
	dataDir := t.TempDir()
	content := make([]byte, 100_000)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "photo.jpg"), content, 0o600))
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	folder, err := alpha.store.AddWatchedFolder(dataDir, db.VisibilityFamily)
	require.NoError(t, err)
	_, err = alpha.store.InsertLocalFile(db.CatalogRecord{
		FolderID: folder, RelativePath: "photo.jpg", Name: "photo.jpg",
		Size: int64(len(content)), Checksum: digest, IndexedAt: 100, Visibility: db.VisibilityInherit,
	})
	require.NoError(t, err)

	betaSub := beta.ev.Subscribe(events.AllEvents)
	defer beta.ev.Unsubscribe(betaSub)

	conn, err := beta.svc.ConnectToAddress("127.0.0.1", alpha.port)
	require.NoError(t, err)
	require.Equal(t, alpha.secrets.id, conn.ID(), "session identity must be the PSK-verified peer")
	waitForEvent(t, betaSub, events.DeviceConnected)

	// A second session to the same identity is refused.
	_, err = beta.svc.ConnectToAddress("127.0.0.1", alpha.port)
	require.Error(t, err)

	// Catalog sync.
	require.NoError(t, beta.svc.Syncer().RequestSync(context.Background(), conn, true))
	waitForEvent(t, betaSub, events.SyncComplete)

	remotes, err := beta.store.RemoteFiles(alpha.secrets.id.String())
	require.NoError(t, err)
	require.Len(t, remotes, 1)
	rec := remotes[0]
	assert.Equal(t, "photo.jpg", rec.Name)

	// File body fetch, verified against the synced checksum.
	res, err := beta.svc.Transfers().RequestFile(conn, rec.RemoteID, rec.Name, rec.Size, rec.Checksum)
	require.NoError(t, err)
	require.False(t, res.Cached)

	ev := waitForEvent(t, betaSub, events.FileTransferComplete)
	localPath := ev.Data.(map[string]any)["localPath"].(string)
	got, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// The same request again is a cache hit with no traffic.
	res, err = beta.svc.Transfers().RequestFile(conn, rec.RemoteID, rec.Name, rec.Size, rec.Checksum)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, localPath, res.Path)

	// Clean shutdown on both ends.
	require.NoError(t, beta.svc.Stop())
	assert.Equal(t, StateStopped, beta.svc.State())
	require.NoError(t, alpha.svc.Stop())
}

func TestConnectRejectsWrongFamily(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end test over loopback sockets")
	}

	alpha := startNode(t)

	// A node with a different PSK must not authenticate.
	svc, node := testService(t, 0, 0)
	node.secrets.psk = [32]byte{1, 2, 3}
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })

	_, err := svc.ConnectToAddress("127.0.0.1", alpha.port)
	require.Error(t, err)

	_, connected := svc.Connection(alpha.secrets.id)
	assert.False(t, connected)
}
