//go:build !no_automation

package main

import (
	"log/slog"

	"rgbw-ctrl/internal/automation"
	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/web"
)

// initAutomation starts every enabled script in the configured directory and
// returns the web option exposing the script API.
func initAutomation(rt *router.Router, cfg *Config, logger *slog.Logger) (stopper, []web.ServerOption) {
	lib, err := automation.NewLibrary(cfg.Automation.ScriptsDir)
	if err != nil {
		logger.Error("open script library", "dir", cfg.Automation.ScriptsDir, "err", err)
		return nopStopper{}, nil
	}
	engine := automation.NewEngine(rt, lib, logger)
	engine.Start()
	return engine, []web.ServerOption{web.WithAutomation(engine, lib)}
}
