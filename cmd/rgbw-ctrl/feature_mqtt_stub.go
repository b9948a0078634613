//go:build no_mqtt

package main

import (
	"log/slog"

	"rgbw-ctrl/internal/router"
)

func initMQTT(_ *router.Router, cfg *Config, logger *slog.Logger) stopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt enabled in config but not compiled in")
	}
	return nopStopper{}
}
