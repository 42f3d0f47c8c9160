// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout: 4 bytes big-endian payload length, 1 byte type tag,
// 16 bytes request id, then the payload.
const frameHeaderLen = 4 + 1 + 16

// MaxPayloadLen bounds the payload of a single frame. A frame announcing
// more than this fails the session.
const MaxPayloadLen = 8 << 20

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum payload size")
	ErrUnknownMessage = errors.New("unknown message type")
)

func writeFrame(w io.Writer, typ MessageType, id RequestID, payload []byte) error {
	if len(payload) > MaxPayloadLen {
		return ErrFrameTooLarge
	}
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)))
	hdr[4] = byte(typ)
	copy(hdr[5:], id[:])
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, maxPayload int) (Message, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}

	plen := binary.BigEndian.Uint32(hdr[:4])
	if int(plen) > maxPayload {
		return Message{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, plen, maxPayload)
	}

	typ := MessageType(hdr[4])
	if !typ.valid() {
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, hdr[4])
	}

	var id RequestID
	copy(id[:], hdr[5:])

	var payload []byte
	if plen > 0 {
		payload = make([]byte, plen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}

	return Message{Type: typ, RequestID: id, Payload: payload}, nil
}
