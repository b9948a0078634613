//go:build no_automation

package main

import (
	"log/slog"

	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/web"
)

func initAutomation(_ *router.Router, _ *Config, _ *slog.Logger) (stopper, []web.ServerOption) {
	return nopStopper{}, nil
}
