// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config holds the tunables of the networking core and the stored
// form of the pairing secrets. Everything is plain data passed to the
// coordinator's constructor; there is no global state.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/familyvault/familyvault/lib/protocol"
)

const (
	DefaultServicePort   = 45678
	DefaultDiscoveryPort = 45679
)

type Options struct {
	// ServicePort is the TCP port peer sessions are accepted on.
	ServicePort int
	// DiscoveryPort is the UDP port announces are broadcast and read on.
	DiscoveryPort int

	AnnounceInterval time.Duration
	DeviceTTL        time.Duration

	IdleReadTimeout time.Duration
	PingTimeout     time.Duration
	RequestTimeout  time.Duration
	MaxPayloadSize  int

	SyncBatchSize   int
	InterBatchPause time.Duration

	ChunkSize int64
	// ServeRateBytes throttles outgoing chunk data per peer session. Zero
	// means unlimited.
	ServeRateBytes int64

	// CacheRoot is where received file bodies land.
	CacheRoot string
	// DatabasePath is the catalog database location.
	DatabasePath string
}

func (o Options) WithDefaults() Options {
	if o.ServicePort <= 0 {
		o.ServicePort = DefaultServicePort
	}
	if o.DiscoveryPort <= 0 {
		o.DiscoveryPort = DefaultDiscoveryPort
	}
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = 5 * time.Second
	}
	if o.DeviceTTL <= 0 {
		o.DeviceTTL = 15 * time.Second
	}
	if o.IdleReadTimeout <= 0 {
		o.IdleReadTimeout = 30 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = protocol.MaxPayloadLen
	}
	if o.SyncBatchSize <= 0 {
		o.SyncBatchSize = 100
	}
	if o.InterBatchPause <= 0 {
		o.InterBatchPause = 10 * time.Millisecond
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 64 << 10
	}
	return o
}

// Secrets is the stored pairing state: who we are and the family key. It
// satisfies protocol.PairingSecrets.
type Secrets struct {
	ID   protocol.DeviceID   `json:"deviceId"`
	Name string              `json:"deviceName"`
	Type protocol.DeviceType `json:"deviceType"`
	// Key is the hex form of the 32-byte family PSK.
	Key string `json:"psk"`
}

var errBadPSK = errors.New("psk must be 32 bytes of hex")

func (s *Secrets) DeviceID() protocol.DeviceID     { return s.ID }
func (s *Secrets) DeviceName() string              { return s.Name }
func (s *Secrets) DeviceType() protocol.DeviceType { return s.Type }
func (s *Secrets) PSKIdentity() string             { return s.ID.String() }

func (s *Secrets) PSK() [32]byte {
	var key [32]byte
	bs, err := hex.DecodeString(s.Key)
	if err != nil || len(bs) != 32 {
		// Validate rejects this at load time; a zero key here means the
		// caller skipped validation and no peer will authenticate.
		return key
	}
	copy(key[:], bs)
	return key
}

func (s *Secrets) Validate() error {
	if s.ID.IsZero() {
		return errors.New("missing device ID")
	}
	bs, err := hex.DecodeString(s.Key)
	if err != nil || len(bs) != 32 {
		return errBadPSK
	}
	return nil
}

func LoadSecrets(path string) (*Secrets, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Secrets
	if err := json.Unmarshal(bs, &s); err != nil {
		return nil, fmt.Errorf("parse secrets %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("secrets %s: %w", path, err)
	}
	return &s, nil
}

func SaveSecrets(path string, s *Secrets) error {
	if err := s.Validate(); err != nil {
		return err
	}
	bs, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(bs, '\n'), 0o600)
}
