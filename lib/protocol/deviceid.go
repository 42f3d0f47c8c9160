// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"errors"

	"github.com/google/uuid"
)

// DeviceID is the stable 128-bit identity of a device in a family. It is
// created once at pairing time and never changes afterwards.
type DeviceID uuid.UUID

var EmptyDeviceID = DeviceID{}

var ErrBadDeviceID = errors.New("not a valid device ID")

// NewDeviceID returns a fresh random device identity.
func NewDeviceID() DeviceID {
	return DeviceID(uuid.New())
}

func ParseDeviceID(s string) (DeviceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return EmptyDeviceID, ErrBadDeviceID
	}
	return DeviceID(id), nil
}

func (d DeviceID) String() string {
	return uuid.UUID(d).String()
}

func (d DeviceID) IsZero() bool {
	return d == EmptyDeviceID
}

func (d DeviceID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DeviceID) UnmarshalText(bs []byte) error {
	id, err := ParseDeviceID(string(bs))
	if err != nil {
		return err
	}
	*d = id
	return nil
}

// DeviceType is the coarse class of device, as shown in the UI and carried
// in discovery announcements.
type DeviceType int32

const (
	DeviceTypeDesktop DeviceType = 0
	DeviceTypeMobile  DeviceType = 1
	DeviceTypeTablet  DeviceType = 2
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeDesktop:
		return "desktop"
	case DeviceTypeMobile:
		return "mobile"
	case DeviceTypeTablet:
		return "tablet"
	default:
		return "unknown"
	}
}

// PairingSecrets is what the pairing subsystem provides to the networking
// core: our own identity and the family's shared key material.
type PairingSecrets interface {
	DeviceID() DeviceID
	DeviceName() string
	DeviceType() DeviceType
	// PSK returns the 32-byte pre-shared key established at pairing.
	PSK() [32]byte
	// PSKIdentity returns the key identity, which equals the local device
	// UUID in text form.
	PSKIdentity() string
}
