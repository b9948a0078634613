//go:build !no_mqtt

package main

import (
	"log/slog"

	"rgbw-ctrl/internal/mqtt"
	"rgbw-ctrl/internal/router"
)

// initMQTT connects the Home Assistant bridge when it is enabled. A broker
// that cannot be reached leaves the device running without it.
func initMQTT(rt *router.Router, cfg *Config, logger *slog.Logger) stopper {
	if !cfg.MQTT.Enabled {
		return nopStopper{}
	}
	bridge, err := mqtt.NewBridge(rt, cfg.MQTT.Config, logger)
	if err != nil {
		logger.Error("mqtt bridge", "broker", cfg.MQTT.Broker, "err", err)
		return nopStopper{}
	}
	bridge.Start()
	return bridge
}
