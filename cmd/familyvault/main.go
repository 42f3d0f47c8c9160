// Copyright (C) 2025 The FamilyVault Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command familyvault runs the peer-to-peer family vault node.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/familyvault/familyvault/internal/db"
	"github.com/familyvault/familyvault/internal/db/sqlite"
	"github.com/familyvault/familyvault/lib/config"
	"github.com/familyvault/familyvault/lib/connections"
	"github.com/familyvault/familyvault/lib/events"
	"github.com/familyvault/familyvault/lib/protocol"
)

var longVersion = "familyvault (unknown-dev)"

type cli struct {
	Verbose bool `help:"Enable debug logging" short:"v"`

	Serve      serveCmd      `cmd:"" help:"Run the vault node" default:"withargs"`
	GenSecrets genSecretsCmd `cmd:"" name:"gen-secrets" help:"Generate a new pairing secrets file"`
	Files      filesCmd      `cmd:"" help:"List or search the synced remote catalog"`
	Version    versionCmd    `cmd:"" help:"Print version"`
}

type serveCmd struct {
	Secrets       string `help:"Pairing secrets file" default:"secrets.json" env:"FV_SECRETS"`
	Database      string `help:"Catalog database path" default:"familyvault.db" env:"FV_DATABASE"`
	CacheDir      string `help:"Directory for received file bodies" default:"cache" env:"FV_CACHE_DIR"`
	Port          int    `help:"TCP service port" default:"45678" env:"FV_PORT"`
	DiscoveryPort int    `help:"UDP discovery port" default:"45679" env:"FV_DISCOVERY_PORT"`
}

func (c *serveCmd) Run() error {
	secrets, err := config.LoadSecrets(c.Secrets)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(c.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	evLogger := events.NewLogger()
	svc, err := connections.NewService(config.Options{
		ServicePort:   c.Port,
		DiscoveryPort: c.DiscoveryPort,
		CacheRoot:     c.CacheDir,
		DatabasePath:  c.Database,
	}, secrets, store, evLogger)
	if err != nil {
		return err
	}

	sub := evLogger.Subscribe(events.AllEvents)
	defer evLogger.Unsubscribe(sub)

	if err := svc.Start(); err != nil {
		return err
	}

	slog.Info("Node running", "device", secrets.DeviceID(), "name", secrets.DeviceName())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigs:
			slog.Info("Shutting down")
			return svc.Stop()
		case ev := <-sub.C():
			bs, _ := json.Marshal(ev.Data)
			slog.Info("Event", "type", ev.Type.String(), "data", string(bs))
		}
	}
}

type genSecretsCmd struct {
	Out  string `help:"Output path" default:"secrets.json"`
	Name string `help:"Device name" default:""`
	Type string `help:"Device type (desktop, mobile, tablet)" default:"desktop"`
	// PSK lets the second device of a pair reuse the first one's key.
	PSK string `help:"Existing family PSK (hex); generated when empty"`
}

func (c *genSecretsCmd) Run() error {
	name := c.Name
	if name == "" {
		name, _ = os.Hostname()
	}

	var devType protocol.DeviceType
	switch c.Type {
	case "desktop":
		devType = protocol.DeviceTypeDesktop
	case "mobile":
		devType = protocol.DeviceTypeMobile
	case "tablet":
		devType = protocol.DeviceTypeTablet
	default:
		return fmt.Errorf("unknown device type %q", c.Type)
	}

	key := c.PSK
	if key == "" {
		var bs [32]byte
		if _, err := rand.Read(bs[:]); err != nil {
			return err
		}
		key = hex.EncodeToString(bs[:])
	}

	s := &config.Secrets{
		ID:   protocol.NewDeviceID(),
		Name: name,
		Type: devType,
		Key:  key,
	}
	if err := config.SaveSecrets(c.Out, s); err != nil {
		return err
	}
	fmt.Printf("wrote %s for device %s (%s)\n", c.Out, s.ID, s.Name)
	fmt.Println("share the psk value with the other family devices at pairing time")
	return nil
}

type filesCmd struct {
	Database string `help:"Catalog database path" default:"familyvault.db" env:"FV_DATABASE"`
	Device   string `help:"Limit to one source device"`
	Search   string `help:"Name substring to search for"`
	Limit    int    `help:"Search result limit" default:"50"`
}

func (c *filesCmd) Run() error {
	store, err := sqlite.Open(c.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.CreateTablesIfMissing(); err != nil {
		return err
	}

	var recs []db.RemoteCatalogRecord
	switch {
	case c.Search != "":
		recs, err = store.SearchRemoteFiles(c.Search, c.Limit)
	case c.Device != "":
		recs, err = store.RemoteFiles(c.Device)
	default:
		recs, err = store.AllRemoteFiles()
	}
	if err != nil {
		return err
	}

	for _, r := range recs {
		fmt.Printf("%-36s %10d  %-24s %s\n", r.SourceDeviceID, r.Size, r.Name, r.Path)
	}
	fmt.Printf("%d files\n", len(recs))
	return nil
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Println(longVersion)
	return nil
}

func main() {
	params := &cli{}
	ctx := kong.Parse(params, kong.Name("familyvault"), kong.UsageOnError())

	level := slog.LevelInfo
	if params.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	start := time.Now()
	err := ctx.Run()
	if err != nil {
		slog.Error("Command failed", "error", err, "after", time.Since(start))
		os.Exit(1)
	}
}
