// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tlsutil provides the secure transport for peer sessions.
//
// crypto/tls does not expose TLS 1.3 external PSKs, so the channel is the
// permitted equivalent: a TLS 1.3 session under an ephemeral self-signed
// certificate provides confidentiality, and peers then prove possession of
// the family PSK with an HMAC token keyed via HKDF from the PSK and the
// session's exported keying material. The token is bound to the TLS session
// and cannot be replayed elsewhere.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// keyingLabel and authInfo pin the derivation so keys from other
	// protocols can never collide with ours.
	keyingLabel = "familyvault-psk-binding-v1"
	authInfo    = "familyvault-session-auth-v1"
)

var ErrNoExporter = errors.New("transport does not support keying material export")

// SecureDefaultTLS13 returns the TLS config both sides use: TLS 1.3 only,
// our ephemeral certificate, and no chain verification. Authentication is
// by PSK proof, not by certificate, so the certificate is deliberately
// anonymous and regenerated per process.
func SecureDefaultTLS13(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequestClientCert,
	}
}

// NewEphemeralCertificate generates an in-memory self-signed ECDSA P-256
// certificate for one process lifetime.
func NewEphemeralCertificate(commonName string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	tpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// SessionAuthKey derives the per-session PSK authentication key: 32 bytes
// of exported keying material salt the HKDF over the PSK. Both endpoints of
// one TLS session derive the same key; no other session can.
func SessionAuthKey(conn *tls.Conn, psk [32]byte) ([]byte, error) {
	state := conn.ConnectionState()
	salt, err := state.ExportKeyingMaterial(keyingLabel, nil, 32)
	if err != nil {
		return nil, errors.Join(ErrNoExporter, err)
	}
	return deriveAuthKey(psk, salt)
}

// StaticAuthKey derives an auth key from the PSK alone, without channel
// binding. Only for tests over plain pipes.
func StaticAuthKey(psk [32]byte) ([]byte, error) {
	return deriveAuthKey(psk, nil)
}

func deriveAuthKey(psk [32]byte, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, psk[:], salt, []byte(authInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
