// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is the version we speak and announce.
	ProtocolVersion = 1
	// MinProtocolVersion is the lowest version we accept from a peer.
	MinProtocolVersion = 1
)

// MessageType is the one-byte frame tag. The enumeration is closed; frames
// with any other tag fail the session.
type MessageType byte

const (
	MsgHello    MessageType = 0x01
	MsgHelloAck MessageType = 0x02
	MsgPing     MessageType = 0x03
	MsgPong     MessageType = 0x04
	MsgGoodbye  MessageType = 0x05

	MsgIndexSyncRequest  MessageType = 0x20
	MsgIndexSyncResponse MessageType = 0x21
	MsgIndexDelta        MessageType = 0x22
	MsgIndexDeltaAck     MessageType = 0x23

	MsgFileRequest  MessageType = 0x30
	MsgFileResponse MessageType = 0x31
	MsgFileChunk    MessageType = 0x32
	MsgFileNotFound MessageType = 0x34
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "Hello"
	case MsgHelloAck:
		return "HelloAck"
	case MsgPing:
		return "Ping"
	case MsgPong:
		return "Pong"
	case MsgGoodbye:
		return "Goodbye"
	case MsgIndexSyncRequest:
		return "IndexSyncRequest"
	case MsgIndexSyncResponse:
		return "IndexSyncResponse"
	case MsgIndexDelta:
		return "IndexDelta"
	case MsgIndexDeltaAck:
		return "IndexDeltaAck"
	case MsgFileRequest:
		return "FileRequest"
	case MsgFileResponse:
		return "FileResponse"
	case MsgFileChunk:
		return "FileChunk"
	case MsgFileNotFound:
		return "FileNotFound"
	default:
		return "Unknown"
	}
}

func (t MessageType) valid() bool {
	switch t {
	case MsgHello, MsgHelloAck, MsgPing, MsgPong, MsgGoodbye,
		MsgIndexSyncRequest, MsgIndexSyncResponse, MsgIndexDelta, MsgIndexDeltaAck,
		MsgFileRequest, MsgFileResponse, MsgFileChunk, MsgFileNotFound:
		return true
	}
	return false
}

// isResponse reports whether frames of this type complete a pending
// request, as opposed to being dispatched to the message handler.
func (t MessageType) isResponse() bool {
	switch t {
	case MsgHelloAck, MsgPong, MsgIndexSyncResponse, MsgIndexDeltaAck, MsgFileResponse, MsgFileNotFound:
		return true
	}
	return false
}

// RequestID correlates a request frame with its response and any push
// frames belonging to the same exchange.
type RequestID uuid.UUID

var emptyRequestID = RequestID{}

func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

func (r RequestID) String() string {
	return uuid.UUID(r).String()
}

func (r RequestID) IsZero() bool {
	return r == emptyRequestID
}

func (r RequestID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RequestID) UnmarshalText(bs []byte) error {
	id, err := uuid.Parse(string(bs))
	if err != nil {
		return err
	}
	*r = RequestID(id)
	return nil
}

// Message is one decoded frame. Payload is left raw; the owning component
// unmarshals it into the typed payload for the tag.
type Message struct {
	Type      MessageType
	RequestID RequestID
	Payload   json.RawMessage
}

// Hello is sent by the connecting side immediately after the transport
// handshake; HelloAck is the accepting side's reply and carries the same
// fields. AuthToken proves possession of the family PSK, bound to this
// particular TLS session.
type Hello struct {
	DeviceID        DeviceID   `json:"deviceId"`
	DeviceName      string     `json:"deviceName"`
	DeviceType      DeviceType `json:"deviceType"`
	ProtocolVersion int        `json:"protocolVersion"`
	AuthToken       string     `json:"authToken"`
}

type Goodbye struct {
	Reason string `json:"reason,omitempty"`
}

type IndexSyncRequest struct {
	SinceTimestamp int64 `json:"sinceTimestamp"`
}

type IndexSyncResponse struct {
	TotalFiles int64 `json:"totalFiles"`
}

// IndexDelta carries one catalog record. The deviceId field is advisory:
// receivers replace it with the session's authenticated identity.
type IndexDelta struct {
	ID         int64  `json:"id"`
	Path       string `json:"path"`
	FolderID   int64  `json:"folderId"`
	Name       string `json:"name"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modifiedAt"`
	Checksum   string `json:"checksum"`
	Visibility int32  `json:"visibility"`
	DeviceID   string `json:"deviceId"`
	SyncVer    int64  `json:"syncVersion"`
	IsDeleted  bool   `json:"isDeleted"`
}

type FileRequest struct {
	FileID       int64  `json:"fileId"`
	FileName     string `json:"fileName"`
	ExpectedSize int64  `json:"expectedSize"`
	Checksum     string `json:"checksum,omitempty"`
}

type FileResponse struct {
	TotalSize int64 `json:"totalSize"`
	ChunkSize int64 `json:"chunkSize"`
}

// FileChunk carries a run of file bytes. Data is base64 in the JSON
// encoding. Offsets are strictly sequential within a transfer.
type FileChunk struct {
	RequestID RequestID `json:"requestId"`
	Offset    int64     `json:"offset"`
	TotalSize int64     `json:"totalSize"`
	Data      []byte    `json:"data"`
}

type FileNotFound struct {
	Reason string `json:"reason"`
}
