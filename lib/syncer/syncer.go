// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package syncer implements catalog synchronization between paired
// devices: answering sync requests with family-visible changes, and
// materializing the deltas peers send us into the remote catalog.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/familyvault/familyvault/internal/db"
	"github.com/familyvault/familyvault/internal/slogutil"
	"github.com/familyvault/familyvault/lib/events"
	"github.com/familyvault/familyvault/lib/protocol"
)

type Options struct {
	BatchSize       int
	InterBatchPause time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.InterBatchPause <= 0 {
		o.InterBatchPause = 10 * time.Millisecond
	}
	return o
}

// Progress is the externally visible state of one sync round.
type Progress struct {
	DeviceID      protocol.DeviceID
	TotalFiles    int64
	ReceivedFiles int64
	Complete      bool
}

type round struct {
	device    protocol.DeviceID
	total     int64 // -1 until the response arrives
	received  int64
	startedAt int64 // unix seconds; becomes the cursor on completion
	complete  bool
}

var errSyncInProgress = errors.New("sync already in progress with device")

// Service is the index sync engine. One instance serves all sessions.
type Service struct {
	myID     protocol.DeviceID
	store    db.CatalogStore
	evLogger *events.Logger
	opts     Options

	mut      sync.Mutex
	rounds   map[protocol.RequestID]*round
	byDevice map[protocol.DeviceID]protocol.RequestID
}

func New(myID protocol.DeviceID, store db.CatalogStore, evLogger *events.Logger, opts Options) (*Service, error) {
	if err := store.CreateTablesIfMissing(); err != nil {
		return nil, err
	}
	return &Service{
		myID:     myID,
		store:    store,
		evLogger: evLogger,
		opts:     opts.withDefaults(),
		rounds:   make(map[protocol.RequestID]*round),
		byDevice: make(map[protocol.DeviceID]protocol.RequestID),
	}, nil
}

// RequestSync starts a sync round against the peer on the given session
// and returns once the peer has told us how many deltas to expect. The
// deltas themselves arrive on the session's receive goroutine; completion
// is reported through the event surface.
func (s *Service) RequestSync(ctx context.Context, conn *protocol.Connection, fullSync bool) error {
	device := conn.ID()

	var since int64
	if !fullSync {
		var err error
		since, err = s.store.GetSyncCursor(device.String())
		if err != nil {
			return err
		}
	}

	reqID := protocol.NewRequestID()
	r := &round{
		device:    device,
		total:     -1,
		startedAt: time.Now().Unix(),
	}

	// The round is registered before the request goes out: the responder
	// streams deltas immediately after its response, and they may beat
	// the response future on the receive goroutine.
	s.mut.Lock()
	if id, ok := s.byDevice[device]; ok {
		if prev, live := s.rounds[id]; live {
			if !prev.complete {
				s.mut.Unlock()
				return errSyncInProgress
			}
			delete(s.rounds, id)
		}
	}
	s.rounds[reqID] = r
	s.byDevice[device] = reqID
	s.mut.Unlock()

	slog.Info("Requesting index sync", slogutil.Device(device), "since", since, "full", fullSync)

	resp, err := conn.RequestWithID(ctx, protocol.MsgIndexSyncRequest, reqID, protocol.IndexSyncRequest{SinceTimestamp: since})
	if err != nil {
		s.dropRound(reqID)
		s.evLogger.Log(events.Failure, map[string]any{
			"deviceId": device.String(),
			"reason":   err.Error(),
		})
		return err
	}
	if resp.Type == protocol.MsgFileNotFound {
		s.dropRound(reqID)
		return errors.New("peer rejected sync request")
	}

	var sr protocol.IndexSyncResponse
	if err := json.Unmarshal(resp.Payload, &sr); err != nil {
		s.dropRound(reqID)
		return err
	}

	s.mut.Lock()
	r.total = sr.TotalFiles
	complete := s.checkCompleteLocked(r)
	s.mut.Unlock()

	s.emitProgress(r)
	if complete {
		s.finishRound(r)
	}
	return nil
}

// Syncing reports whether a round with the device is still under way.
func (s *Service) Syncing(device protocol.DeviceID) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if id, ok := s.byDevice[device]; ok {
		if r, live := s.rounds[id]; live {
			return !r.complete
		}
	}
	return false
}

// Progress returns the current state of the device's latest round.
func (s *Service) Progress(device protocol.DeviceID) (Progress, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	id, ok := s.byDevice[device]
	if !ok {
		return Progress{}, false
	}
	r, ok := s.rounds[id]
	if !ok {
		return Progress{}, false
	}
	return Progress{
		DeviceID:      r.device,
		TotalFiles:    r.total,
		ReceivedFiles: r.received,
		Complete:      r.complete,
	}, true
}

// Message dispatches one sync-related frame from a session.
func (s *Service) Message(conn *protocol.Connection, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgIndexSyncRequest:
		s.handleSyncRequest(conn, msg)
	case protocol.MsgIndexDelta:
		s.handleDelta(conn, msg)
	}
}

func (s *Service) handleSyncRequest(conn *protocol.Connection, msg protocol.Message) {
	var req protocol.IndexSyncRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Warn("Malformed sync request", slogutil.Device(conn.ID()), slogutil.Error(err))
		return
	}

	total, err := s.store.CountFamilyChangesSince(req.SinceTimestamp)
	if err != nil {
		slog.Warn("Counting local changes", slogutil.Error(err))
		return
	}

	slog.Info("Serving index sync", slogutil.Device(conn.ID()), "since", req.SinceTimestamp, "files", total)

	if err := conn.Reply(protocol.MsgIndexSyncResponse, msg.RequestID, protocol.IndexSyncResponse{TotalFiles: total}); err != nil {
		return
	}
	if total == 0 {
		return
	}

	// Streaming happens off the receive goroutine so the session stays
	// responsive while we write.
	go s.streamChanges(conn, msg.RequestID, req.SinceTimestamp)
}

func (s *Service) streamChanges(conn *protocol.Connection, reqID protocol.RequestID, since int64) {
	offset := 0
	for {
		batch, err := s.store.FamilyChangesSince(since, s.opts.BatchSize, offset)
		if err != nil {
			slog.Warn("Reading local changes", slogutil.Error(err))
			return
		}
		if len(batch) == 0 {
			return
		}

		for _, rec := range batch {
			delta := protocol.IndexDelta{
				ID:         rec.ID,
				Path:       rec.RelativePath,
				FolderID:   rec.FolderID,
				Name:       rec.Name,
				MimeType:   rec.MimeType,
				Size:       rec.Size,
				ModifiedAt: rec.ModifiedAt,
				Checksum:   rec.Checksum,
				Visibility: int32(rec.Visibility),
				DeviceID:   s.myID.String(),
				SyncVer:    rec.SyncVersion,
			}
			if err := conn.Reply(protocol.MsgIndexDelta, reqID, delta); err != nil {
				// Session went away mid-stream; the initiator restarts
				// from its cursor next time.
				return
			}
		}

		offset += len(batch)
		if len(batch) < s.opts.BatchSize {
			return
		}

		// Give the receiver room to drain.
		select {
		case <-conn.Closed():
			return
		case <-time.After(s.opts.InterBatchPause):
		}
	}
}

func (s *Service) handleDelta(conn *protocol.Connection, msg protocol.Message) {
	s.mut.Lock()
	r, ok := s.rounds[msg.RequestID]
	if !ok || r.complete || r.device != conn.ID() {
		s.mut.Unlock()
		slog.Debug("Dropping stray index delta", slogutil.Device(conn.ID()), slogutil.RequestID(msg.RequestID))
		return
	}
	s.mut.Unlock()

	var delta protocol.IndexDelta
	if err := json.Unmarshal(msg.Payload, &delta); err != nil {
		slog.Warn("Malformed index delta", slogutil.Device(conn.ID()), slogutil.Error(err))
		return
	}
	if delta.DeviceID == s.myID.String() {
		// A record claiming to originate from us reflected back; drop it.
		return
	}

	// The source identity is the session's authenticated identity, no
	// matter what the payload claims.
	source := conn.ID().String()
	now := time.Now().Unix()

	var err error
	if delta.IsDeleted {
		err = s.store.MarkRemoteDeleted(source, delta.ID, now)
	} else {
		err = s.store.UpsertRemoteRecord(db.RemoteCatalogRecord{
			RemoteID:       delta.ID,
			SourceDeviceID: source,
			Path:           delta.Path,
			Name:           delta.Name,
			MimeType:       delta.MimeType,
			Size:           delta.Size,
			ModifiedAt:     delta.ModifiedAt,
			Checksum:       delta.Checksum,
			SyncedAt:       now,
		})
	}
	if err != nil {
		slog.Warn("Storing remote record", slogutil.Device(conn.ID()), slogutil.Error(err))
		return
	}

	s.mut.Lock()
	r.received++
	complete := s.checkCompleteLocked(r)
	s.mut.Unlock()

	s.emitProgress(r)
	if complete {
		s.finishRound(r)
	}
}

// checkCompleteLocked flips the round to complete exactly once.
func (s *Service) checkCompleteLocked(r *round) bool {
	if r.complete || r.total < 0 || r.received < r.total {
		return false
	}
	r.complete = true
	return true
}

func (s *Service) finishRound(r *round) {
	// The cursor is the round's start time: records indexed while the
	// round ran fall after it and are picked up next time.
	if err := s.store.SetSyncCursor(r.device.String(), r.startedAt); err != nil {
		slog.Warn("Advancing sync cursor", slogutil.Device(r.device), slogutil.Error(err))
	}
	slog.Info("Index sync complete", slogutil.Device(r.device), "files", r.received)
	s.evLogger.Log(events.SyncComplete, map[string]any{
		"deviceId":      r.device.String(),
		"filesReceived": r.received,
	})
}

func (s *Service) emitProgress(r *round) {
	s.mut.Lock()
	p := map[string]any{
		"deviceId":      r.device.String(),
		"totalFiles":    r.total,
		"receivedFiles": r.received,
	}
	s.mut.Unlock()
	s.evLogger.Log(events.SyncProgress, p)
}

func (s *Service) dropRound(id protocol.RequestID) {
	s.mut.Lock()
	if r, ok := s.rounds[id]; ok {
		delete(s.rounds, id)
		if s.byDevice[r.device] == id {
			delete(s.byDevice, r.device)
		}
	}
	s.mut.Unlock()
}

// SessionClosed discards any incomplete round with the given device.
func (s *Service) SessionClosed(device protocol.DeviceID) {
	s.mut.Lock()
	var dropped bool
	if id, ok := s.byDevice[device]; ok {
		if r, live := s.rounds[id]; live && !r.complete {
			delete(s.rounds, id)
			delete(s.byDevice, device)
			dropped = true
		}
	}
	s.mut.Unlock()

	if dropped {
		s.evLogger.Log(events.Failure, map[string]any{
			"deviceId": device.String(),
			"reason":   "sync interrupted by disconnect",
		})
	}
}
