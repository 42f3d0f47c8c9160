// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discover announces our presence on the LAN and keeps a registry
// of sibling devices heard over the discovery beacon.
package discover

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/familyvault/familyvault/internal/slogutil"
	"github.com/familyvault/familyvault/lib/beacon"
	"github.com/familyvault/familyvault/lib/protocol"
)

// AppMagic identifies our datagrams among whatever else arrives on the
// discovery port.
const AppMagic = "FamilyVault"

// Announcement is the JSON payload of one discovery datagram.
type Announcement struct {
	App                string              `json:"app"`
	ProtocolVersion    int                 `json:"protocolVersion"`
	MinProtocolVersion int                 `json:"minProtocolVersion"`
	DeviceID           string              `json:"deviceId"`
	DeviceName         string              `json:"deviceName"`
	DeviceType         protocol.DeviceType `json:"deviceType"`
	ServicePort        int                 `json:"servicePort"`
}

// Device is one remote device as currently known from discovery.
type Device struct {
	ID          protocol.DeviceID
	Name        string
	Type        protocol.DeviceType
	Address     net.IP
	ServicePort int
	LastSeen    time.Time
}

// Online reports liveness relative to the registry TTL.
func (d Device) Online(now time.Time, ttl time.Duration) bool {
	return now.Sub(d.LastSeen) <= ttl
}

// Callbacks are invoked outside the registry lock, on the discovery
// goroutines. Nil members are skipped.
type Callbacks struct {
	Found   func(Device)
	Updated func(Device)
	Lost    func(Device)
}

type Options struct {
	AnnounceInterval time.Duration
	DeviceTTL        time.Duration
}

func (o Options) withDefaults() Options {
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = 5 * time.Second
	}
	if o.DeviceTTL <= 0 {
		o.DeviceTTL = 15 * time.Second
	}
	return o
}

// Discoverer runs the broadcaster, the listener and the reaper under one
// supervisor and owns the device registry.
type Discoverer struct {
	*suture.Supervisor

	myID        protocol.DeviceID
	myName      string
	myType      protocol.DeviceType
	servicePort int
	opts        Options
	beacon      beacon.Interface
	callbacks   Callbacks

	registryMut sync.RWMutex
	registry    map[protocol.DeviceID]Device
}

// NewDiscoverer sets up discovery for the local device. servicePort is the
// TCP port we announce, which is only known once the coordinator's
// listener is bound. The beacon is injected so tests can fake the network.
func NewDiscoverer(secrets protocol.PairingSecrets, servicePort int, b beacon.Interface, opts Options, callbacks Callbacks) *Discoverer {
	d := &Discoverer{
		Supervisor:  suture.NewSimple("discover"),
		myID:        secrets.DeviceID(),
		myName:      secrets.DeviceName(),
		myType:      secrets.DeviceType(),
		servicePort: servicePort,
		opts:        opts.withDefaults(),
		beacon:      b,
		callbacks:   callbacks,
		registry:    make(map[protocol.DeviceID]Device),
	}
	d.Add(b)
	d.Add(serviceFunc("discover/announce", d.announce))
	d.Add(serviceFunc("discover/listen", d.listen))
	d.Add(serviceFunc("discover/reap", d.reap))
	return d
}

// Devices returns a snapshot of the registry.
func (d *Discoverer) Devices() []Device {
	d.registryMut.RLock()
	defer d.registryMut.RUnlock()
	devs := make([]Device, 0, len(d.registry))
	for _, dev := range d.registry {
		devs = append(devs, dev)
	}
	return devs
}

// Lookup returns the registry entry for the given device, if present.
func (d *Discoverer) Lookup(id protocol.DeviceID) (Device, bool) {
	d.registryMut.RLock()
	defer d.registryMut.RUnlock()
	dev, ok := d.registry[id]
	return dev, ok
}

func (d *Discoverer) announcement() []byte {
	bs, _ := json.Marshal(Announcement{
		App:                AppMagic,
		ProtocolVersion:    protocol.ProtocolVersion,
		MinProtocolVersion: protocol.MinProtocolVersion,
		DeviceID:           d.myID.String(),
		DeviceName:         d.myName,
		DeviceType:         d.myType,
		ServicePort:        d.servicePort,
	})
	return bs
}

func (d *Discoverer) announce(ctx context.Context) error {
	// First announce goes out immediately so a restarted device is
	// re-observed within one interval.
	d.beacon.Send(d.announcement())

	ticker := time.NewTicker(d.opts.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.beacon.Send(d.announcement())
		}
	}
}

func (d *Discoverer) listen(ctx context.Context) error {
	for {
		data, src, ok := d.beacon.Recv(ctx)
		if !ok {
			return ctx.Err()
		}
		d.handleAnnouncement(data, src, time.Now())
	}
}

// handleAnnouncement validates one datagram and upserts the registry. The
// source address comes from the datagram, never from the payload.
func (d *Discoverer) handleAnnouncement(data []byte, src net.Addr, now time.Time) {
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		slog.Debug("Ignoring malformed announcement", slogutil.Address(src), slogutil.Error(err))
		return
	}
	if ann.App != AppMagic || ann.DeviceID == "" {
		return
	}
	id, err := protocol.ParseDeviceID(ann.DeviceID)
	if err != nil || id == d.myID {
		return
	}
	if ann.ProtocolVersion < 1 || protocol.ProtocolVersion < ann.MinProtocolVersion {
		slog.Debug("Ignoring announcement with incompatible version", slogutil.Device(id), "version", ann.ProtocolVersion)
		return
	}

	var ip net.IP
	if udp, ok := src.(*net.UDPAddr); ok {
		ip = udp.IP
	}

	dev := Device{
		ID:          id,
		Name:        ann.DeviceName,
		Type:        ann.DeviceType,
		Address:     ip,
		ServicePort: ann.ServicePort,
		LastSeen:    now,
	}

	d.registryMut.Lock()
	prev, existed := d.registry[id]
	d.registry[id] = dev
	d.registryMut.Unlock()

	switch {
	case !existed:
		slog.Info("Discovered device", slogutil.Device(id), "name", dev.Name, slogutil.Address(ip))
		if d.callbacks.Found != nil {
			d.callbacks.Found(dev)
		}
	case !prev.Address.Equal(dev.Address) || prev.Name != dev.Name:
		slog.Debug("Device announcement changed", slogutil.Device(id), "name", dev.Name, slogutil.Address(ip))
		if d.callbacks.Updated != nil {
			d.callbacks.Updated(dev)
		}
	default:
		// Refresh only; the timestamp moved and nobody needs to hear
		// about it.
	}
}

func (d *Discoverer) reap(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.reapOnce(time.Now())
		}
	}
}

func (d *Discoverer) reapOnce(now time.Time) {
	var lost []Device
	d.registryMut.Lock()
	for id, dev := range d.registry {
		if now.Sub(dev.LastSeen) > d.opts.DeviceTTL {
			delete(d.registry, id)
			lost = append(lost, dev)
		}
	}
	d.registryMut.Unlock()

	for _, dev := range lost {
		slog.Info("Lost device", slogutil.Device(dev.ID), "name", dev.Name)
		if d.callbacks.Lost != nil {
			d.callbacks.Lost(dev)
		}
	}
}

type serviceFn struct {
	name string
	fn   func(context.Context) error
}

func serviceFunc(name string, fn func(context.Context) error) suture.Service {
	return &serviceFn{name, fn}
}

func (s *serviceFn) String() string                  { return s.name }
func (s *serviceFn) Serve(ctx context.Context) error { return s.fn(ctx) }
