// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connections is the network coordinator: it owns the listener,
// the discovery subsystem, the connection table, and the routing of
// session messages to the sync and transfer engines.
package connections

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/familyvault/familyvault/internal/db"
	"github.com/familyvault/familyvault/internal/slogutil"
	"github.com/familyvault/familyvault/lib/beacon"
	"github.com/familyvault/familyvault/lib/config"
	"github.com/familyvault/familyvault/lib/discover"
	"github.com/familyvault/familyvault/lib/events"
	"github.com/familyvault/familyvault/lib/protocol"
	"github.com/familyvault/familyvault/lib/syncer"
	"github.com/familyvault/familyvault/lib/tlsutil"
	"github.com/familyvault/familyvault/lib/transfer"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrNotRunning       = errors.New("coordinator is not running")
	ErrAlreadyRunning   = errors.New("coordinator is already running")
	ErrAlreadyConnected = errors.New("a session with this device already exists")
	ErrUnknownDevice    = errors.New("device not present in discovery registry")
)

// DeviceInfo merges what discovery, the connection table and the stores
// know about one device.
type DeviceInfo struct {
	ID          protocol.DeviceID
	Name        string
	Type        protocol.DeviceType
	Address     net.IP
	ServicePort int
	LastSeen    time.Time
	IsOnline    bool
	IsConnected bool
	FileCount   int64
	LastSyncAt  int64
}

type remoteCounter interface {
	RemoteFileCount(deviceID string) (int64, error)
}

// Service is the per-process network coordinator.
type Service struct {
	cfg      config.Options
	secrets  protocol.PairingSecrets
	store    db.CatalogStore
	evLogger *events.Logger

	syncer    *syncer.Service
	transfers *transfer.Manager

	state atomic.Int32

	mut      sync.Mutex
	conns    map[protocol.DeviceID]*protocol.Connection
	listener net.Listener
	disco    *discover.Discoverer
	cancel   context.CancelFunc
	supDone  <-chan error
}

// NewService wires the coordinator with its engines. Nothing touches the
// network until Start.
func NewService(cfg config.Options, secrets protocol.PairingSecrets, store db.CatalogStore, evLogger *events.Logger) (*Service, error) {
	cfg = cfg.WithDefaults()

	s := &Service{
		cfg:      cfg,
		secrets:  secrets,
		store:    store,
		evLogger: evLogger,
		conns:    make(map[protocol.DeviceID]*protocol.Connection),
	}

	syncSvc, err := syncer.New(secrets.DeviceID(), store, evLogger, syncer.Options{
		BatchSize:       cfg.SyncBatchSize,
		InterBatchPause: cfg.InterBatchPause,
	})
	if err != nil {
		return nil, err
	}
	s.syncer = syncSvc

	s.transfers = transfer.NewManager(cfg.CacheRoot, s.resolveLocalFile, evLogger, transfer.Options{
		ChunkSize:      cfg.ChunkSize,
		ServeRateBytes: cfg.ServeRateBytes,
	})

	return s, nil
}

// resolveLocalFile maps a served file id onto the local filesystem and its
// effective visibility.
func (s *Service) resolveLocalFile(fileID int64) (string, bool, error) {
	rec, ok, err := s.store.GetLocalFile(fileID)
	if err != nil || !ok || rec.IsRemote {
		return "", false, err
	}
	path := filepath.Join(rec.FolderPath, rec.RelativePath)
	return path, rec.Visibility == db.VisibilityFamily, nil
}

func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.evLogger.Log(events.StateChanged, map[string]any{
			"from": prev.String(),
			"to":   next.String(),
		})
	}
}

func (s *Service) Syncer() *syncer.Service      { return s.syncer }
func (s *Service) Transfers() *transfer.Manager { return s.transfers }

// Start binds the listener, starts discovery announcing the bound port,
// and moves to Running.
func (s *Service) Start() error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrAlreadyRunning
	}
	s.evLogger.Log(events.StateChanged, map[string]any{"from": StateStopped.String(), "to": StateStarting.String()})

	cert, err := tlsutil.NewEphemeralCertificate(s.secrets.PSKIdentity())
	if err != nil {
		s.setState(StateError)
		return err
	}
	tlsCfg := tlsutil.SecureDefaultTLS13(cert)

	lst, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ServicePort))
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("bind service port: %w", err)
	}
	boundPort := lst.Addr().(*net.TCPAddr).Port

	disco := discover.NewDiscoverer(s.secrets, boundPort, beacon.NewBroadcast(s.cfg.DiscoveryPort), discover.Options{
		AnnounceInterval: s.cfg.AnnounceInterval,
		DeviceTTL:        s.cfg.DeviceTTL,
	}, discover.Callbacks{
		Found:   s.deviceFound,
		Updated: s.deviceUpdated,
		Lost:    s.deviceLost,
	})

	sup := suture.NewSimple("connections")
	sup.Add(disco)
	sup.Add(&acceptService{svc: s, listener: lst, tlsCfg: tlsCfg})

	ctx, cancel := context.WithCancel(context.Background())

	s.mut.Lock()
	s.listener = lst
	s.disco = disco
	s.cancel = cancel
	s.supDone = sup.ServeBackground(ctx)
	s.mut.Unlock()

	s.setState(StateRunning)
	slog.Info("Coordinator running", "port", boundPort, slogutil.Device(s.secrets.DeviceID()))
	return nil
}

// Stop tears everything down: accept loop and discovery first, then every
// session. Pending requests fail and in-flight transfers are cancelled.
func (s *Service) Stop() error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrNotRunning
	}
	s.evLogger.Log(events.StateChanged, map[string]any{"from": StateRunning.String(), "to": StateStopping.String()})

	s.mut.Lock()
	cancel := s.cancel
	lst := s.listener
	done := s.supDone
	conns := make([]*protocol.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.listener = nil
	s.disco = nil
	s.cancel = nil
	s.supDone = nil
	s.mut.Unlock()

	if cancel != nil {
		cancel()
	}
	if lst != nil {
		_ = lst.Close()
	}
	for _, c := range conns {
		s.transfers.CancelAllRequests(c.ID())
		c.Close("shutting down")
	}
	if done != nil {
		<-done
	}

	s.setState(StateStopped)
	return nil
}

// Devices lists everything discovery knows, annotated with connection and
// sync state.
func (s *Service) Devices() []DeviceInfo {
	s.mut.Lock()
	disco := s.disco
	s.mut.Unlock()
	if disco == nil {
		return nil
	}

	now := time.Now()
	var infos []DeviceInfo
	for _, dev := range disco.Devices() {
		info := DeviceInfo{
			ID:          dev.ID,
			Name:        dev.Name,
			Type:        dev.Type,
			Address:     dev.Address,
			ServicePort: dev.ServicePort,
			LastSeen:    dev.LastSeen,
			IsOnline:    dev.Online(now, s.cfg.DeviceTTL),
			IsConnected: s.connectionFor(dev.ID) != nil,
		}
		if counter, ok := s.store.(remoteCounter); ok {
			info.FileCount, _ = counter.RemoteFileCount(dev.ID.String())
		}
		info.LastSyncAt, _ = s.store.GetSyncCursor(dev.ID.String())
		infos = append(infos, info)
	}
	return infos
}

func (s *Service) connectionFor(id protocol.DeviceID) *protocol.Connection {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.conns[id]
}

// Connection returns the live session with the device, if any.
func (s *Service) Connection(id protocol.DeviceID) (*protocol.Connection, bool) {
	c := s.connectionFor(id)
	return c, c != nil
}

// ConnectToDevice opens a session to a device known from discovery.
func (s *Service) ConnectToDevice(id protocol.DeviceID) (*protocol.Connection, error) {
	if s.State() != StateRunning {
		return nil, ErrNotRunning
	}
	s.mut.Lock()
	disco := s.disco
	s.mut.Unlock()
	if disco == nil {
		return nil, ErrNotRunning
	}
	dev, ok := disco.Lookup(id)
	if !ok {
		return nil, ErrUnknownDevice
	}
	return s.connect(dev.Address.String(), dev.ServicePort, id)
}

// ConnectToAddress opens a session to an explicit host and port.
func (s *Service) ConnectToAddress(host string, port int) (*protocol.Connection, error) {
	if s.State() != StateRunning {
		return nil, ErrNotRunning
	}
	return s.connect(host, port, protocol.EmptyDeviceID)
}

func (s *Service) connect(host string, port int, expected protocol.DeviceID) (*protocol.Connection, error) {
	if !expected.IsZero() && s.connectionFor(expected) != nil {
		return nil, ErrAlreadyConnected
	}

	cert, err := tlsutil.NewEphemeralCertificate(s.secrets.PSKIdentity())
	if err != nil {
		return nil, err
	}
	tlsCfg := tlsutil.SecureDefaultTLS13(cert)

	dialer := &net.Dialer{Timeout: s.cfg.RequestTimeout}
	raw, err := dialer.Dial("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	tlsConn := tls.Client(raw, tlsCfg)
	hsCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	conn, err := s.startSession(tlsConn, true, expected)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Service) startSession(tlsConn *tls.Conn, outbound bool, expected protocol.DeviceID) (*protocol.Connection, error) {
	authKey, err := tlsutil.SessionAuthKey(tlsConn, s.secrets.PSK())
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}

	conn := protocol.NewConnection(tlsConn, s.secrets, authKey, s, protocol.ConnOptions{
		MaxPayload:      s.cfg.MaxPayloadSize,
		IdleReadTimeout: s.cfg.IdleReadTimeout,
		PingTimeout:     s.cfg.PingTimeout,
		RequestTimeout:  s.cfg.RequestTimeout,
	})

	if outbound {
		err = conn.HandshakeOutbound(expected)
	} else {
		err = conn.HandshakeInbound()
	}
	if err != nil {
		slog.Warn("Session handshake failed", slogutil.Address(tlsConn.RemoteAddr()), slogutil.Error(err))
		return nil, err
	}

	if !s.registerConnection(conn, outbound) {
		conn.Close("duplicate session")
		return nil, ErrAlreadyConnected
	}

	slog.Info("Device connected", slogutil.Device(conn.ID()), "name", conn.Name(), slogutil.Address(conn.RemoteAddr()))
	s.evLogger.Log(events.DeviceConnected, map[string]any{
		"deviceId":   conn.ID().String(),
		"deviceName": conn.Name(),
	})
	return conn, nil
}

// registerConnection installs the session in the table. An explicit
// outbound connect is always refused when a session for the identity
// already exists. An inbound duplicate keeps the older session, except
// that when both sides raced each other the lexicographic identity
// comparison decides, so both ends settle on the same session.
func (s *Service) registerConnection(conn *protocol.Connection, outbound bool) bool {
	id := conn.ID()
	s.mut.Lock()
	existing, ok := s.conns[id]
	if ok && (outbound || !replaceExisting(s.secrets.DeviceID(), id)) {
		s.mut.Unlock()
		return false
	}
	s.conns[id] = conn
	s.mut.Unlock()

	if ok {
		existing.Close("superseded by newer session")
	}
	return true
}

// replaceExisting decides the duplicate-session dispute: the side with the
// smaller identity keeps its existing session, the other replaces.
func replaceExisting(myID, peerID protocol.DeviceID) bool {
	return myID.String() > peerID.String()
}

// Message implements protocol.Receiver: route by type tag.
func (s *Service) Message(conn *protocol.Connection, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgIndexSyncRequest, protocol.MsgIndexDelta:
		s.syncer.Message(conn, msg)
	case protocol.MsgFileRequest, protocol.MsgFileChunk:
		s.transfers.Message(conn, msg)
	default:
		slog.Debug("Unroutable message", "type", msg.Type, slogutil.Device(conn.ID()))
	}
}

// Closed implements protocol.Receiver: drop the table entry, cancel the
// peer's transfers and interrupted syncs, tell the caller.
func (s *Service) Closed(conn *protocol.Connection, err error) {
	id := conn.ID()
	if id.IsZero() {
		// Handshake never completed.
		return
	}

	s.mut.Lock()
	current := s.conns[id] == conn
	if current {
		delete(s.conns, id)
	}
	s.mut.Unlock()

	if !current {
		// A superseded duplicate going away; the live session stands.
		return
	}

	s.transfers.CancelAllRequests(id)
	s.syncer.SessionClosed(id)

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	slog.Info("Device disconnected", slogutil.Device(id), slogutil.Error(err))
	s.evLogger.Log(events.DeviceDisconnected, map[string]any{
		"deviceId": id.String(),
		"reason":   reason,
	})
}

func (s *Service) deviceFound(dev discover.Device) {
	// No auto-connect; the caller decides.
	s.evLogger.Log(events.DeviceDiscovered, deviceEventData(dev))
}

func (s *Service) deviceUpdated(dev discover.Device) {
	s.evLogger.Log(events.DeviceUpdated, deviceEventData(dev))
}

// deviceLost tears down the session, cancelling that device's transfers
// first so their error events precede the loss event.
func (s *Service) deviceLost(dev discover.Device) {
	s.transfers.CancelAllRequests(dev.ID)

	if conn := s.connectionFor(dev.ID); conn != nil {
		conn.Close("device lost")
	}

	s.evLogger.Log(events.DeviceLost, deviceEventData(dev))
}

func deviceEventData(dev discover.Device) map[string]any {
	var addr string
	if dev.Address != nil {
		addr = dev.Address.String()
	}
	return map[string]any{
		"deviceId":    dev.ID.String(),
		"deviceName":  dev.Name,
		"deviceType":  dev.Type.String(),
		"ipAddress":   addr,
		"servicePort": dev.ServicePort,
		"lastSeenAt":  dev.LastSeen.Unix(),
	}
}

// acceptService runs the inbound accept loop under the supervisor.
type acceptService struct {
	svc      *Service
	listener net.Listener
	tlsCfg   *tls.Config
}

func (a *acceptService) String() string { return "connections/accept" }

func (a *acceptService) Serve(ctx context.Context) error {
	doneCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-doneCtx.Done()
		_ = a.listener.Close()
	}()

	for {
		raw, err := a.listener.Accept()
		if err != nil {
			if doneCtx.Err() != nil {
				return doneCtx.Err()
			}
			return err
		}
		go a.handleInbound(doneCtx, raw)
	}
}

func (a *acceptService) handleInbound(ctx context.Context, raw net.Conn) {
	tlsConn := tls.Server(raw, a.tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, a.svc.cfg.RequestTimeout)
	err := tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		slog.Warn("Inbound TLS handshake failed", slogutil.Address(raw.RemoteAddr()), slogutil.Error(err))
		_ = raw.Close()
		return
	}
	_, _ = a.svc.startSession(tlsConn, false, protocol.EmptyDeviceID)
}
