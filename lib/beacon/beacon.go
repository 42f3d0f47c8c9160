// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package beacon sends and receives discovery datagrams on the LAN.
package beacon

import (
	"context"
	"log/slog"
	"net"

	"github.com/thejerf/suture/v4"
)

type recv struct {
	data []byte
	src  net.Addr
}

type Interface interface {
	suture.Service
	Send(data []byte)
	Recv(ctx context.Context) ([]byte, net.Addr, bool)
}

type cast struct {
	name   string
	reader func(ctx context.Context) error
	writer func(ctx context.Context) error
	outbox chan recv
	inbox  chan []byte
}

func newCast(name string) *cast {
	return &cast{
		name:   name,
		outbox: make(chan recv, 16),
		inbox:  make(chan []byte),
	}
}

func (c *cast) String() string {
	return c.name
}

// Serve runs the reader and writer until either fails or the context is
// cancelled. Suture handles the restart/backoff policy above us.
func (c *cast) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- c.reader(ctx) }()
	go func() { errs <- c.writer(ctx) }()

	err := <-errs
	cancel()
	<-errs
	if err == nil || ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *cast) Send(data []byte) {
	select {
	case c.inbox <- data:
	default:
		slog.Debug("Dropping outgoing beacon packet, writer busy", "beacon", c.name)
	}
}

func (c *cast) Recv(ctx context.Context) ([]byte, net.Addr, bool) {
	select {
	case r := <-c.outbox:
		return r.data, r.src, true
	case <-ctx.Done():
		return nil, nil, false
	}
}

type readerFrom interface {
	ReadFrom([]byte) (int, net.Addr, error)
}

func genericReader(ctx context.Context, conn readerFrom, outbox chan<- recv) error {
	bs := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFrom(bs)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		slog.Debug("Beacon read", "bytes", n, "src", addr)

		c := make([]byte, n)
		copy(c, bs)
		select {
		case outbox <- recv{c, addr}:
		case <-ctx.Done():
			return ctx.Err()
		default:
			slog.Debug("Dropping incoming beacon packet, reader busy")
		}
	}
}
