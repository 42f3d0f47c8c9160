// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyvault/familyvault/lib/protocol"
)

type fakeSecrets struct {
	id protocol.DeviceID
}

func (s fakeSecrets) DeviceID() protocol.DeviceID     { return s.id }
func (s fakeSecrets) DeviceName() string              { return "tester" }
func (s fakeSecrets) DeviceType() protocol.DeviceType { return protocol.DeviceTypeDesktop }
func (s fakeSecrets) PSK() [32]byte                   { return [32]byte{} }
func (s fakeSecrets) PSKIdentity() string             { return s.id.String() }

type fakeBeacon struct {
	sent chan []byte
}

func newFakeBeacon() *fakeBeacon {
	return &fakeBeacon{sent: make(chan []byte, 16)}
}

func (b *fakeBeacon) String() string { return "fakeBeacon" }

func (b *fakeBeacon) Serve(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBeacon) Send(data []byte) {
	select {
	case b.sent <- data:
	default:
	}
}

func (b *fakeBeacon) Recv(ctx context.Context) ([]byte, net.Addr, bool) {
	<-ctx.Done()
	return nil, nil, false
}

type recorded struct {
	found, updated, lost []Device
}

func testDiscoverer(t *testing.T) (*Discoverer, *recorded) {
	t.Helper()
	rec := &recorded{}
	d := NewDiscoverer(fakeSecrets{id: protocol.NewDeviceID()}, 45678, newFakeBeacon(), Options{}, Callbacks{
		Found:   func(dev Device) { rec.found = append(rec.found, dev) },
		Updated: func(dev Device) { rec.updated = append(rec.updated, dev) },
		Lost:    func(dev Device) { rec.lost = append(rec.lost, dev) },
	})
	return d, rec
}

func announcement(id protocol.DeviceID, name string) []byte {
	bs, _ := json.Marshal(Announcement{
		App:                AppMagic,
		ProtocolVersion:    protocol.ProtocolVersion,
		MinProtocolVersion: 1,
		DeviceID:           id.String(),
		DeviceName:         name,
		ServicePort:        45678,
	})
	return bs
}

func udpSrc(ip string) net.Addr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: 45679}
}

func TestAnnouncementClassification(t *testing.T) {
	d, rec := testDiscoverer(t)
	id := protocol.NewDeviceID()
	now := time.Now()

	d.handleAnnouncement(announcement(id, "laptop"), udpSrc("192.168.1.10"), now)
	require.Len(t, rec.found, 1)
	assert.Equal(t, "laptop", rec.found[0].Name)

	// Same device, same address: refresh only.
	d.handleAnnouncement(announcement(id, "laptop"), udpSrc("192.168.1.10"), now.Add(time.Second))
	assert.Len(t, rec.found, 1)
	assert.Empty(t, rec.updated)

	// Address change: update.
	d.handleAnnouncement(announcement(id, "laptop"), udpSrc("192.168.1.20"), now.Add(2*time.Second))
	require.Len(t, rec.updated, 1)
	assert.Equal(t, "192.168.1.20", rec.updated[0].Address.String())

	// Name change: update.
	d.handleAnnouncement(announcement(id, "renamed"), udpSrc("192.168.1.20"), now.Add(3*time.Second))
	assert.Len(t, rec.updated, 2)
}

func TestAnnouncementSourceAddressWins(t *testing.T) {
	// The registry address comes from the datagram source; the payload
	// can't spoof it (it doesn't even carry one).
	d, rec := testDiscoverer(t)
	d.handleAnnouncement(announcement(protocol.NewDeviceID(), "x"), udpSrc("10.0.0.7"), time.Now())
	require.Len(t, rec.found, 1)
	assert.Equal(t, "10.0.0.7", rec.found[0].Address.String())
}

func TestAnnouncementValidation(t *testing.T) {
	d, rec := testDiscoverer(t)
	id := protocol.NewDeviceID()
	now := time.Now()

	mk := func(mutate func(*Announcement)) []byte {
		ann := Announcement{
			App:                AppMagic,
			ProtocolVersion:    1,
			MinProtocolVersion: 1,
			DeviceID:           id.String(),
			DeviceName:         "x",
		}
		mutate(&ann)
		bs, _ := json.Marshal(ann)
		return bs
	}

	cases := []struct {
		name string
		data []byte
	}{
		{"wrong app", mk(func(a *Announcement) { a.App = "SomethingElse" })},
		{"empty device id", mk(func(a *Announcement) { a.DeviceID = "" })},
		{"own device id", mk(func(a *Announcement) { a.DeviceID = d.myID.String() })},
		{"zero protocol version", mk(func(a *Announcement) { a.ProtocolVersion = 0 })},
		{"future min version", mk(func(a *Announcement) { a.MinProtocolVersion = 99 })},
		{"garbage", []byte("{nope")},
	}
	for _, tc := range cases {
		d.handleAnnouncement(tc.data, udpSrc("192.168.1.1"), now)
		assert.Empty(t, rec.found, tc.name)
	}
	assert.Empty(t, d.Devices())
}

func TestReaper(t *testing.T) {
	d, rec := testDiscoverer(t)
	stale := protocol.NewDeviceID()
	fresh := protocol.NewDeviceID()
	now := time.Now()

	d.handleAnnouncement(announcement(stale, "old"), udpSrc("192.168.1.2"), now.Add(-time.Minute))
	d.handleAnnouncement(announcement(fresh, "new"), udpSrc("192.168.1.3"), now)

	d.reapOnce(now)

	require.Len(t, rec.lost, 1)
	assert.Equal(t, stale, rec.lost[0].ID)

	devs := d.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, fresh, devs[0].ID)

	_, ok := d.Lookup(stale)
	assert.False(t, ok)
}

func TestAnnouncementPacket(t *testing.T) {
	d, _ := testDiscoverer(t)

	var ann Announcement
	require.NoError(t, json.Unmarshal(d.announcement(), &ann))
	assert.Equal(t, AppMagic, ann.App)
	assert.Equal(t, d.myID.String(), ann.DeviceID)
	assert.Equal(t, 45678, ann.ServicePort)
	assert.GreaterOrEqual(t, ann.ProtocolVersion, ann.MinProtocolVersion)
}
