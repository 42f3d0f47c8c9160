// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package beacon

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/familyvault/familyvault/internal/slogutil"
)

func NewBroadcast(port int) Interface {
	c := newCast("broadcastBeacon")
	c.reader = func(ctx context.Context) error {
		return readBroadcasts(ctx, c.outbox, port)
	}
	c.writer = func(ctx context.Context) error {
		return writeBroadcasts(ctx, c.inbox, port)
	}
	return c
}

// LocalIPv4Addresses enumerates the IPv4 addresses of interfaces that are
// up, broadcast-capable and not loopback. The loopback address is never
// included.
func LocalIPv4Addresses() []net.IP {
	intfs, err := net.Interfaces()
	if err != nil {
		slog.Debug("Failed to list interfaces", slogutil.Error(err))
		return nil
	}

	var ips []net.IP
	for _, intf := range intfs {
		if intf.Flags&net.FlagRunning == 0 || intf.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := intf.Addrs()
		if err != nil {
			// Interface discovery might work while retrieving the
			// addresses doesn't. Log and carry on.
			slog.Debug("Failed to list interface addresses", slogutil.Error(err))
			continue
		}
		for _, addr := range addrs {
			if iaddr, ok := addr.(*net.IPNet); ok && len(iaddr.IP) >= 4 && iaddr.IP.IsGlobalUnicast() && iaddr.IP.To4() != nil {
				ips = append(ips, iaddr.IP.To4())
			}
		}
	}
	return ips
}

// BroadcastAddresses returns the broadcast destination for each eligible
// interface, computed as ip | ^mask. The result is never empty: with no
// usable interface we fall back to the general IPv4 broadcast address.
func BroadcastAddresses() []net.IP {
	intfs, err := net.Interfaces()
	if err != nil {
		// net.Interfaces() is broken on some platforms (Android, see
		// golang/go#40569). Use the general broadcast address instead.
		slog.Debug("Failed to list interfaces", slogutil.Error(err))
	}

	var dsts []net.IP
	for _, intf := range intfs {
		if intf.Flags&net.FlagRunning == 0 || intf.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := intf.Addrs()
		if err != nil {
			slog.Debug("Failed to list interface addresses", slogutil.Error(err))
			continue
		}
		for _, addr := range addrs {
			if iaddr, ok := addr.(*net.IPNet); ok && len(iaddr.IP) >= 4 && iaddr.IP.IsGlobalUnicast() && iaddr.IP.To4() != nil {
				dsts = append(dsts, bcast(iaddr).IP)
			}
		}
	}

	if len(dsts) == 0 {
		dsts = append(dsts, net.IP{0xff, 0xff, 0xff, 0xff})
	}
	return dsts
}

func writeBroadcasts(ctx context.Context, inbox <-chan []byte, port int) error {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		slog.Debug("Broadcast write socket", slogutil.Error(err))
		return err
	}
	doneCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-doneCtx.Done()
		conn.Close()
	}()

	for {
		var bs []byte
		select {
		case bs = <-inbox:
		case <-doneCtx.Done():
			return doneCtx.Err()
		}

		dsts := BroadcastAddresses()
		slog.Debug("Broadcast destinations", "addresses", dsts)

		success := 0
		for _, ip := range dsts {
			dst := &net.UDPAddr{IP: ip, Port: port}

			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, err = conn.WriteTo(bs, dst)
			_ = conn.SetWriteDeadline(time.Time{})

			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				// Write timeouts should not happen. We treat it as a fatal
				// error on the socket.
				slog.Debug("Broadcast write timeout", slogutil.Error(err))
				return err
			}

			if err != nil {
				// Some other error that we don't expect. Debug and continue.
				slog.Debug("Broadcast write", slogutil.Error(err))
				continue
			}

			slog.Debug("Broadcast sent", "bytes", len(bs), "dst", dst)
			success++
		}

		if success == 0 {
			slog.Debug("Couldn't send any broadcasts")
			return err
		}
	}
}

func readBroadcasts(ctx context.Context, outbox chan<- recv, port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		slog.Debug("Broadcast read socket", slogutil.Error(err))
		return err
	}
	doneCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-doneCtx.Done()
		conn.Close()
	}()

	return genericReader(doneCtx, conn, outbox)
}

func bcast(ip *net.IPNet) *net.IPNet {
	bc := &net.IPNet{}
	bc.IP = make([]byte, len(ip.IP))
	copy(bc.IP, ip.IP)
	bc.Mask = ip.Mask

	offset := len(bc.IP) - len(bc.Mask)
	for i := range bc.IP {
		if i-offset >= 0 {
			bc.IP[i] = ip.IP[i] | ^ip.Mask[i-offset]
		}
	}
	return bc
}
