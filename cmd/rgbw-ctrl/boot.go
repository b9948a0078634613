package main

import (
	"errors"
	"log/slog"
	"net"
	"strconv"

	"rgbw-ctrl/internal/state"
	"rgbw-ctrl/internal/store"
)

// loadSeed restores persisted entities. Missing entries get first-boot
// defaults, which are written back; unreadable entries fall back to defaults
// in memory only.
func loadSeed(db store.Store, hw state.Address, logger *slog.Logger) state.Seed {
	seed := state.Seed{
		Identity: state.Identity{Name: state.DefaultDeviceName(hw)},
	}
	if db == nil {
		creds, err := state.GenerateCredentials(nil)
		if err != nil {
			logger.Error("generate http credentials", "err", err)
		}
		seed.Credentials = creds
		return seed
	}

	switch name, err := db.LoadDeviceName(); {
	case err == nil && name != "":
		seed.Identity.Name = name
	case errors.Is(err, store.ErrNotFound):
		if err := db.SaveDeviceName(seed.Identity.Name); err != nil {
			logger.Warn("save default device name", "err", err)
		}
	case err != nil:
		logger.Error("load device name", "err", err)
	}

	switch peers, err := db.LoadPeers(); {
	case err == nil:
		seed.Peers = peers
	case !errors.Is(err, store.ErrNotFound):
		logger.Error("load peers", "err", err)
	}

	switch creds, err := db.LoadCredentials(); {
	case err == nil:
		seed.Credentials = creds
	default:
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error("load http credentials", "err", err)
		}
		creds, err := state.GenerateCredentials(nil)
		if err != nil {
			logger.Error("generate http credentials", "err", err)
			break
		}
		seed.Credentials = creds
		if err := db.SaveCredentials(creds); err != nil {
			logger.Warn("save http credentials", "err", err)
		}
		logger.Info("http credentials generated", "username", creds.Username)
	}

	switch settings, err := db.LoadIntegration(); {
	case err == nil:
		seed.Integration = settings
	case !errors.Is(err, store.ErrNotFound):
		logger.Error("load integration settings", "err", err)
	}

	logger.Info("state restored", "name", seed.Identity.Name, "peers", seed.Peers.Len(), "integration", seed.Integration.Mode)
	return seed
}

// hardwareAddress returns the MAC of iface, or of the first interface that
// has one when iface is empty.
func hardwareAddress(iface string, logger *slog.Logger) state.Address {
	var addr state.Address
	var ifaces []net.Interface
	if iface != "" {
		i, err := net.InterfaceByName(iface)
		if err != nil {
			logger.Warn("hardware address", "interface", iface, "err", err)
			return addr
		}
		ifaces = []net.Interface{*i}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			logger.Warn("list interfaces", "err", err)
			return addr
		}
		ifaces = all
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagLoopback != 0 || len(i.HardwareAddr) != len(addr) {
			continue
		}
		copy(addr[:], i.HardwareAddr)
		return addr
	}
	return addr
}

// listenPort extracts the TCP port of a listen address, defaulting to 80.
func listenPort(listen string) int {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return 80
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 {
		return 80
	}
	return p
}
