// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transfer moves file bodies between devices in ordered chunks and
// maintains the on-disk content cache for received files.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/familyvault/familyvault/internal/slogutil"
	"github.com/familyvault/familyvault/lib/events"
	"github.com/familyvault/familyvault/lib/protocol"
)

type Status int32

const (
	StatusPending Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "inProgress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSizeMismatch     = errors.New("size mismatch")
	ErrOutOfOrderChunk  = errors.New("chunk offset out of order")
)

// Resolver maps a served file id to its absolute path and effective
// visibility. An empty path means the id is unknown.
type Resolver func(fileID int64) (path string, family bool, err error)

type Options struct {
	ChunkSize int64
	// ServeRateBytes limits outgoing chunk bandwidth; zero is unlimited.
	ServeRateBytes   int64
	ProgressDebounce time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 64 << 10
	}
	if o.ProgressDebounce <= 0 {
		o.ProgressDebounce = 200 * time.Millisecond
	}
	return o
}

const digestCacheSize = 256

// Manager is the file transfer engine. One instance serves all sessions.
type Manager struct {
	cacheRoot string
	evLogger  *events.Logger
	resolver  Resolver
	opts      Options

	transfers *xsync.MapOf[protocol.RequestID, *transfer]
	digests   *lru.Cache[string, string]
	limiter   *rate.Limiter
}

// transfer is the descriptor of one in-flight download.
type transfer struct {
	requestID protocol.RequestID
	device    protocol.DeviceID
	fileID    int64
	fileName  string

	mut          sync.Mutex
	status       Status
	expectedSize int64
	totalSize    int64
	checksum     string
	transferred  int64
	chunks       int
	fd           *os.File
	hash         hash.Hash
	path         string
	lastProgress time.Time
}

func NewManager(cacheRoot string, resolver Resolver, evLogger *events.Logger, opts Options) *Manager {
	digests, _ := lru.New[string, string](digestCacheSize)
	o := opts.withDefaults()
	limit := rate.Inf
	if o.ServeRateBytes > 0 {
		limit = rate.Limit(o.ServeRateBytes)
	}
	return &Manager{
		cacheRoot: cacheRoot,
		evLogger:  evLogger,
		resolver:  resolver,
		opts:      o,
		transfers: xsync.NewMapOf[protocol.RequestID, *transfer](),
		digests:   digests,
		limiter:   rate.NewLimiter(limit, int(o.ChunkSize)),
	}
}

// Result of starting a request. For a cache hit, Path is set and
// RequestID is zero; no frame was sent and no events will follow.
type Result struct {
	RequestID protocol.RequestID
	Cached    bool
	Path      string
}

// RequestFile fetches a file from the peer into the cache, unless it is
// already there. Progress and completion surface as events; the returned
// request id identifies them.
func (m *Manager) RequestFile(conn *protocol.Connection, fileID int64, fileName string, expectedSize int64, checksum string) (Result, error) {
	device := conn.ID()

	if m.IsCached(device, fileID, checksum) {
		path := m.GetCachedPath(device, fileID)
		slog.Debug("Cache hit", slogutil.Device(device), "file", fileID, slogutil.FilePath(path))
		return Result{Cached: true, Path: path}, nil
	}

	path := m.cachePath(device, fileID, fileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Result{}, err
	}
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return Result{}, err
	}

	t := &transfer{
		requestID:    protocol.NewRequestID(),
		device:       device,
		fileID:       fileID,
		fileName:     fileName,
		status:       StatusPending,
		expectedSize: expectedSize,
		checksum:     checksum,
		fd:           fd,
		hash:         sha256.New(),
		path:         path,
	}
	m.transfers.Store(t.requestID, t)

	go m.runRequest(conn, t)

	return Result{RequestID: t.requestID}, nil
}

// runRequest performs the request/response leg. Chunks race the response
// on the session's receive goroutine; the descriptor mutex sorts it out.
func (m *Manager) runRequest(conn *protocol.Connection, t *transfer) {
	req := protocol.FileRequest{
		FileID:       t.fileID,
		FileName:     t.fileName,
		ExpectedSize: t.expectedSize,
		Checksum:     t.checksum,
	}
	resp, err := conn.RequestWithID(context.Background(), protocol.MsgFileRequest, t.requestID, req)
	if err != nil {
		reason := "disconnected"
		if errors.Is(err, protocol.ErrRequestTimeout) {
			reason = "timeout"
		}
		m.failTransfer(t, StatusFailed, reason)
		return
	}

	switch resp.Type {
	case protocol.MsgFileNotFound:
		var nf protocol.FileNotFound
		_ = json.Unmarshal(resp.Payload, &nf)
		if nf.Reason == "" {
			nf.Reason = "not found"
		}
		m.failTransfer(t, StatusFailed, nf.Reason)

	case protocol.MsgFileResponse:
		var fr protocol.FileResponse
		if err := json.Unmarshal(resp.Payload, &fr); err != nil {
			m.failTransfer(t, StatusFailed, "malformed response")
			return
		}

		t.mut.Lock()
		if t.status.Terminal() {
			t.mut.Unlock()
			return
		}
		if t.expectedSize > 0 && fr.TotalSize != t.expectedSize {
			t.mut.Unlock()
			m.failTransfer(t, StatusFailed, ErrSizeMismatch.Error())
			return
		}
		t.totalSize = fr.TotalSize
		if t.status == StatusPending {
			t.status = StatusInProgress
		}
		done := t.totalSize == 0
		t.mut.Unlock()

		if done {
			// Zero-byte file: no chunks will follow.
			m.completeTransfer(t)
		}
	}
}

// Message dispatches one transfer-related frame from a session.
func (m *Manager) Message(conn *protocol.Connection, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgFileRequest:
		m.handleFileRequest(conn, msg)
	case protocol.MsgFileChunk:
		m.handleChunk(conn, msg)
	}
}

func (m *Manager) handleFileRequest(conn *protocol.Connection, msg protocol.Message) {
	var req protocol.FileRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Warn("Malformed file request", slogutil.Device(conn.ID()), slogutil.Error(err))
		return
	}

	deny := func(reason string) {
		_ = conn.Reply(protocol.MsgFileNotFound, msg.RequestID, protocol.FileNotFound{Reason: reason})
	}

	path, family, err := m.resolver(req.FileID)
	if err != nil || path == "" {
		slog.Debug("File request for unknown id", slogutil.Device(conn.ID()), "file", req.FileID)
		deny("not found")
		return
	}
	if !family {
		// Never tell the peer the file exists. The denial is logged
		// locally as a security event.
		slog.Warn("SECURITY: peer requested non-family file",
			slogutil.Device(conn.ID()), "file", req.FileID, slogutil.FilePath(path))
		deny("not found")
		return
	}

	fd, err := os.Open(path)
	if err != nil {
		slog.Warn("Opening served file", slogutil.FilePath(path), slogutil.Error(err))
		deny("not found")
		return
	}

	info, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		deny("not found")
		return
	}

	if err := conn.Reply(protocol.MsgFileResponse, msg.RequestID, protocol.FileResponse{
		TotalSize: info.Size(),
		ChunkSize: m.opts.ChunkSize,
	}); err != nil {
		_ = fd.Close()
		return
	}

	slog.Info("Serving file", slogutil.Device(conn.ID()), "file", req.FileID, "size", info.Size())

	// Streaming happens off the receive goroutine so the session stays
	// responsive while we write.
	go m.streamFile(conn, msg.RequestID, fd, info.Size())
}

func (m *Manager) streamFile(conn *protocol.Connection, reqID protocol.RequestID, fd *os.File, totalSize int64) {
	defer fd.Close()

	buf := make([]byte, m.opts.ChunkSize)
	var offset int64
	for offset < totalSize {
		n, err := io.ReadFull(fd, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			slog.Warn("Reading served file", slogutil.Error(err))
			return
		}
		if n == 0 {
			return
		}

		if err := m.limiter.WaitN(context.Background(), n); err != nil {
			return
		}

		chunk := protocol.FileChunk{
			RequestID: reqID,
			Offset:    offset,
			TotalSize: totalSize,
			Data:      buf[:n],
		}
		if err := conn.Reply(protocol.MsgFileChunk, reqID, chunk); err != nil {
			// Session went away mid-transfer; the peer cleans up its
			// partial file.
			return
		}
		offset += int64(n)
	}
}

func (m *Manager) handleChunk(conn *protocol.Connection, msg protocol.Message) {
	var chunk protocol.FileChunk
	if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
		slog.Warn("Malformed file chunk", slogutil.Device(conn.ID()), slogutil.Error(err))
		return
	}

	t, ok := m.transfers.Load(msg.RequestID)
	if !ok || t.device != conn.ID() {
		slog.Debug("Dropping stray chunk", slogutil.Device(conn.ID()), slogutil.RequestID(msg.RequestID))
		return
	}

	t.mut.Lock()
	if t.status.Terminal() {
		t.mut.Unlock()
		return
	}
	if t.status == StatusPending {
		// Chunks may beat the FileResponse future; the size agreement
		// check happens there, the write pipeline starts here.
		t.status = StatusInProgress
	}
	if t.totalSize == 0 {
		t.totalSize = chunk.TotalSize
	}

	if chunk.Offset != t.transferred {
		t.mut.Unlock()
		m.failTransfer(t, StatusFailed, ErrOutOfOrderChunk.Error())
		return
	}
	if t.transferred+int64(len(chunk.Data)) > t.totalSize {
		t.mut.Unlock()
		m.failTransfer(t, StatusFailed, ErrSizeMismatch.Error())
		return
	}

	if _, err := t.fd.Write(chunk.Data); err != nil {
		t.mut.Unlock()
		m.failTransfer(t, StatusFailed, "write: "+err.Error())
		return
	}
	t.hash.Write(chunk.Data)
	t.transferred += int64(len(chunk.Data))
	t.chunks++

	final := t.transferred == t.totalSize
	emit := final || t.chunks == 1 || time.Since(t.lastProgress) >= m.opts.ProgressDebounce
	if emit {
		t.lastProgress = time.Now()
	}
	snapshot := t.eventDataLocked()
	t.mut.Unlock()

	if emit {
		m.evLogger.Log(events.FileTransferProgress, snapshot)
	}
	if final {
		m.completeTransfer(t)
	}
}

func (m *Manager) completeTransfer(t *transfer) {
	t.mut.Lock()
	if t.status.Terminal() {
		t.mut.Unlock()
		return
	}

	if t.fd != nil {
		if err := t.fd.Close(); err != nil {
			t.fd = nil
			t.mut.Unlock()
			m.failTransfer(t, StatusFailed, "close: "+err.Error())
			return
		}
		t.fd = nil
	}

	if t.checksum != "" {
		digest := hex.EncodeToString(t.hash.Sum(nil))
		if !strings.EqualFold(digest, t.checksum) {
			t.mut.Unlock()
			m.failTransfer(t, StatusFailed, ErrChecksumMismatch.Error())
			return
		}
	}

	t.status = StatusCompleted
	snapshot := t.eventDataLocked()
	t.mut.Unlock()

	m.transfers.Delete(t.requestID)
	slog.Info("File transfer complete", slogutil.Device(t.device), "file", t.fileID, slogutil.FilePath(t.path))
	m.evLogger.Log(events.FileTransferComplete, snapshot)
}

// failTransfer moves the descriptor to a terminal failure state, removes
// the partial file, and emits the error event. No-op if already terminal.
func (m *Manager) failTransfer(t *transfer, status Status, reason string) {
	t.mut.Lock()
	if t.status.Terminal() {
		t.mut.Unlock()
		return
	}
	t.status = status
	if t.fd != nil {
		_ = t.fd.Close()
		t.fd = nil
	}
	_ = os.Remove(t.path)
	snapshot := t.eventDataLocked()
	snapshot["error"] = reason
	t.mut.Unlock()

	m.transfers.Delete(t.requestID)
	slog.Info("File transfer failed", slogutil.Device(t.device), "file", t.fileID, "reason", reason)
	m.evLogger.Log(events.FileTransferError, snapshot)
}

// CancelRequest cancels one transfer by request id.
func (m *Manager) CancelRequest(reqID protocol.RequestID) {
	if t, ok := m.transfers.Load(reqID); ok {
		m.failTransfer(t, StatusCancelled, "cancelled")
	}
}

// CancelAllRequests cancels every in-flight transfer with the given peer.
// The coordinator calls this before announcing a lost device.
func (m *Manager) CancelAllRequests(device protocol.DeviceID) {
	var doomed []*transfer
	m.transfers.Range(func(_ protocol.RequestID, t *transfer) bool {
		if t.device == device {
			doomed = append(doomed, t)
		}
		return true
	})
	for _, t := range doomed {
		m.failTransfer(t, StatusCancelled, "cancelled")
	}
}

func (m *Manager) HasActiveTransfers() bool {
	return m.transfers.Size() > 0
}

// TransferInfo is a snapshot of one in-flight transfer.
type TransferInfo struct {
	RequestID   protocol.RequestID
	DeviceID    protocol.DeviceID
	FileID      int64
	FileName    string
	TotalSize   int64
	Transferred int64
	Status      Status
}

// ActiveTransfers lists the in-flight transfers.
func (m *Manager) ActiveTransfers() []TransferInfo {
	var infos []TransferInfo
	m.transfers.Range(func(_ protocol.RequestID, t *transfer) bool {
		t.mut.Lock()
		infos = append(infos, TransferInfo{
			RequestID:   t.requestID,
			DeviceID:    t.device,
			FileID:      t.fileID,
			FileName:    t.fileName,
			TotalSize:   t.totalSize,
			Transferred: t.transferred,
			Status:      t.status,
		})
		t.mut.Unlock()
		return true
	})
	return infos
}

// eventDataLocked builds the event payload; t.mut must be held.
func (t *transfer) eventDataLocked() map[string]any {
	return map[string]any{
		"requestId":       t.requestID.String(),
		"deviceId":        t.device.String(),
		"fileId":          t.fileID,
		"fileName":        t.fileName,
		"totalSize":       t.totalSize,
		"transferredSize": t.transferred,
		"status":          t.status.String(),
		"localPath":       t.path,
	}
}
