// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/familyvault/familyvault/internal/slogutil"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrClosed              = errors.New("session closed")
	ErrClosedByPeer        = errors.New("session closed by peer")
	ErrRequestTimeout      = errors.New("request timed out")
	ErrPingTimeout         = errors.New("ping timed out")
	ErrAuthFailed          = errors.New("peer failed PSK authentication")
	ErrIdentityMismatch    = errors.New("peer identity does not match PSK identity")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	ErrUnexpectedMessage   = errors.New("unexpected message during handshake")
)

// Receiver gets every decoded non-response frame, and a final Closed call
// when the session dies. Message is invoked on the session's receive
// goroutine; Closed runs once, on whichever goroutine ends the session.
// Neither is called with the send or pending-request lock held.
type Receiver interface {
	Message(c *Connection, msg Message)
	Closed(c *Connection, err error)
}

// ConnOptions carries the per-session knobs. Zero values are replaced with
// the recommended defaults.
type ConnOptions struct {
	MaxPayload      int
	IdleReadTimeout time.Duration
	PingTimeout     time.Duration
	RequestTimeout  time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.MaxPayload <= 0 {
		o.MaxPayload = MaxPayloadLen
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
	return o
}

// Connection is an authenticated full-duplex message channel with one
// remote device. Sends are serialized through a per-session mutex so wire
// order matches call order; receives happen on a single goroutine.
type Connection struct {
	transport net.Conn
	opts      ConnOptions
	secrets   PairingSecrets
	authKey   []byte
	receiver  Receiver

	deviceID   DeviceID
	deviceName string
	deviceType DeviceType

	state    atomic.Int32
	lastRead atomic.Int64

	sendMut sync.Mutex

	awaitingMut sync.Mutex
	awaiting    map[RequestID]chan Message

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewConnection wraps an already-established secure transport. authKey is
// the session-bound PSK authentication key (see tlsutil.SessionAuthKey);
// both sides must derive the same value or the handshake fails.
func NewConnection(transport net.Conn, secrets PairingSecrets, authKey []byte, receiver Receiver, opts ConnOptions) *Connection {
	c := &Connection{
		transport: transport,
		opts:      opts.withDefaults(),
		secrets:   secrets,
		authKey:   authKey,
		receiver:  receiver,
		awaiting:  make(map[RequestID]chan Message),
		closed:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.lastRead.Store(time.Now().UnixNano())
	return c
}

func (c *Connection) ID() DeviceID         { return c.deviceID }
func (c *Connection) Name() string         { return c.deviceName }
func (c *Connection) Type() DeviceType     { return c.deviceType }
func (c *Connection) RemoteAddr() net.Addr { return c.transport.RemoteAddr() }
func (c *Connection) State() State         { return State(c.state.Load()) }

func (c *Connection) String() string {
	return fmt.Sprintf("connection to %s at %v", c.deviceID, c.transport.RemoteAddr())
}

// authToken proves possession of the session auth key for the given
// identity. The key itself is bound to the TLS session, so a token cannot
// be replayed on another connection.
func (c *Connection) authToken(id DeviceID) string {
	mac := hmac.New(sha256.New, c.authKey)
	mac.Write([]byte(id.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Connection) verifyHello(h Hello) error {
	if h.ProtocolVersion < MinProtocolVersion {
		return fmt.Errorf("%w: %d", ErrIncompatibleVersion, h.ProtocolVersion)
	}
	if h.DeviceID.IsZero() {
		return ErrIdentityMismatch
	}
	want := c.authToken(h.DeviceID)
	got := h.AuthToken
	if !hmac.Equal([]byte(want), []byte(got)) {
		return ErrAuthFailed
	}
	return nil
}

func (c *Connection) hello() Hello {
	id := c.secrets.DeviceID()
	return Hello{
		DeviceID:        id,
		DeviceName:      c.secrets.DeviceName(),
		DeviceType:      c.secrets.DeviceType(),
		ProtocolVersion: ProtocolVersion,
		AuthToken:       c.authToken(id),
	}
}

// HandshakeOutbound runs the connecting side of the application handshake:
// send Hello, expect HelloAck. If expected is non-zero, the authenticated
// peer identity must match it. On success the receive and liveness
// goroutines are running and the connection is Connected.
func (c *Connection) HandshakeOutbound(expected DeviceID) error {
	c.state.Store(int32(StateAuthenticating))

	reqID := NewRequestID()
	if err := c.writeMessage(MsgHello, reqID, c.hello()); err != nil {
		return c.failHandshake(err)
	}

	msg, err := c.readHandshakeFrame()
	if err != nil {
		return c.failHandshake(err)
	}
	if msg.Type != MsgHelloAck || msg.RequestID != reqID {
		return c.failHandshake(ErrUnexpectedMessage)
	}
	var ack Hello
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		return c.failHandshake(err)
	}
	if err := c.verifyHello(ack); err != nil {
		return c.failHandshake(err)
	}
	if !expected.IsZero() && ack.DeviceID != expected {
		return c.failHandshake(ErrIdentityMismatch)
	}

	c.finishHandshake(ack)
	return nil
}

// HandshakeInbound runs the accepting side: expect Hello, reply HelloAck.
func (c *Connection) HandshakeInbound() error {
	c.state.Store(int32(StateAuthenticating))

	msg, err := c.readHandshakeFrame()
	if err != nil {
		return c.failHandshake(err)
	}
	if msg.Type != MsgHello {
		return c.failHandshake(ErrUnexpectedMessage)
	}
	var hello Hello
	if err := json.Unmarshal(msg.Payload, &hello); err != nil {
		return c.failHandshake(err)
	}
	if err := c.verifyHello(hello); err != nil {
		return c.failHandshake(err)
	}
	if hello.DeviceID == c.secrets.DeviceID() {
		return c.failHandshake(ErrIdentityMismatch)
	}
	if err := c.writeMessage(MsgHelloAck, msg.RequestID, c.hello()); err != nil {
		return c.failHandshake(err)
	}

	c.finishHandshake(hello)
	return nil
}

func (c *Connection) readHandshakeFrame() (Message, error) {
	_ = c.transport.SetReadDeadline(time.Now().Add(c.opts.RequestTimeout))
	defer func() { _ = c.transport.SetReadDeadline(time.Time{}) }()
	return readFrame(c.transport, c.opts.MaxPayload)
}

func (c *Connection) failHandshake(err error) error {
	c.state.Store(int32(StateFailed))
	_ = c.transport.Close()
	return err
}

func (c *Connection) finishHandshake(peer Hello) {
	c.deviceID = peer.DeviceID
	c.deviceName = peer.DeviceName
	c.deviceType = peer.DeviceType
	c.lastRead.Store(time.Now().UnixNano())
	c.state.Store(int32(StateConnected))

	go c.readerLoop()
	go c.pingerLoop()
}

// Send enqueues a frame with a fresh request id and returns once it is on
// the wire. Wire order matches call order per session.
func (c *Connection) Send(typ MessageType, payload any) error {
	return c.writeMessage(typ, NewRequestID(), payload)
}

// Reply sends a frame carrying the request id of the message it answers.
func (c *Connection) Reply(typ MessageType, id RequestID, payload any) error {
	return c.writeMessage(typ, id, payload)
}

// Request sends a frame with a fresh request id and waits for the matching
// response frame, the timeout, context cancellation, or disconnect.
func (c *Connection) Request(ctx context.Context, typ MessageType, payload any) (Message, error) {
	return c.RequestWithID(ctx, typ, NewRequestID(), payload)
}

func (c *Connection) RequestWithID(ctx context.Context, typ MessageType, id RequestID, payload any) (Message, error) {
	select {
	case <-c.closed:
		return Message{}, c.closeReason()
	default:
	}

	rc := make(chan Message, 1)
	c.awaitingMut.Lock()
	c.awaiting[id] = rc
	c.awaitingMut.Unlock()

	if err := c.writeMessage(typ, id, payload); err != nil {
		c.forgetRequest(id)
		return Message{}, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case msg := <-rc:
		return msg, nil
	case <-timer.C:
		c.forgetRequest(id)
		return Message{}, ErrRequestTimeout
	case <-ctx.Done():
		c.forgetRequest(id)
		return Message{}, ctx.Err()
	case <-c.closed:
		return Message{}, c.closeReason()
	}
}

func (c *Connection) forgetRequest(id RequestID) {
	c.awaitingMut.Lock()
	delete(c.awaiting, id)
	c.awaitingMut.Unlock()
}

func (c *Connection) writeMessage(typ MessageType, id RequestID, payload any) error {
	var bs []byte
	if payload != nil {
		var err error
		bs, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	c.sendMut.Lock()
	select {
	case <-c.closed:
		c.sendMut.Unlock()
		return c.closeReason()
	default:
	}

	_ = c.transport.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout))
	err := writeFrame(c.transport, typ, id, bs)
	_ = c.transport.SetWriteDeadline(time.Time{})
	c.sendMut.Unlock()

	if err != nil {
		c.internalClose(err)
	}
	return err
}

func (c *Connection) readerLoop() {
	for {
		msg, err := readFrame(c.transport, c.opts.MaxPayload)
		if err != nil {
			c.internalClose(err)
			return
		}
		c.lastRead.Store(time.Now().UnixNano())

		switch msg.Type {
		case MsgPing:
			if err := c.Reply(MsgPong, msg.RequestID, nil); err != nil {
				return
			}
		case MsgGoodbye:
			c.internalClose(ErrClosedByPeer)
			return
		default:
			if msg.Type.isResponse() {
				c.awaitingMut.Lock()
				rc, ok := c.awaiting[msg.RequestID]
				if ok {
					delete(c.awaiting, msg.RequestID)
				}
				c.awaitingMut.Unlock()
				if ok {
					rc <- msg
				} else {
					// Unsolicited responses are dropped. This covers the
					// reserved IndexDeltaAck tag, which peers may send but
					// we never request.
					slog.Debug("Dropping unsolicited response", "type", msg.Type, slogutil.RequestID(msg.RequestID))
				}
				continue
			}
			c.receiver.Message(c, msg)
		}
	}
}

func (c *Connection) pingerLoop() {
	interval := c.opts.IdleReadTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		idle := time.Since(time.Unix(0, c.lastRead.Load()))
		if idle < c.opts.IdleReadTimeout {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.PingTimeout)
		_, err := c.Request(ctx, MsgPing, nil)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRequestTimeout) {
			slog.Warn("Peer stopped responding to pings", slogutil.Device(c.deviceID))
			c.internalClose(ErrPingTimeout)
			return
		}
		if err != nil {
			// The session is already going down.
			return
		}
	}
}

// Close sends a best-effort Goodbye and shuts the session down. Pending
// requests fail with a disconnect error.
func (c *Connection) Close(reason string) {
	if c.State() == StateConnected {
		_ = c.writeMessage(MsgGoodbye, NewRequestID(), Goodbye{Reason: reason})
	}
	c.internalClose(nil)
}

func (c *Connection) closeReason() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}

func (c *Connection) internalClose(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		switch {
		case err == nil, errors.Is(err, ErrClosedByPeer):
			c.state.Store(int32(StateDisconnected))
		default:
			c.state.Store(int32(StateFailed))
		}
		close(c.closed)
		_ = c.transport.Close()

		// Release the receive map; waiters wake up via c.closed and get
		// the disconnect error from closeReason.
		c.awaitingMut.Lock()
		c.awaiting = make(map[RequestID]chan Message)
		c.awaitingMut.Unlock()

		c.receiver.Closed(c, err)
	})
}

// Closed returns a channel that is closed when the session terminates.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}
