package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"rgbw-ctrl/internal/app"
	"rgbw-ctrl/internal/ble"
	"rgbw-ctrl/internal/discovery"
	"rgbw-ctrl/internal/indicator"
	"rgbw-ctrl/internal/mqtt"
	"rgbw-ctrl/internal/notify"
	"rgbw-ctrl/internal/radio"
	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/state"
	"rgbw-ctrl/internal/store"
	"rgbw-ctrl/internal/telemetry"
	"rgbw-ctrl/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// exitRestart tells the supervisor to start the process again.
const exitRestart = 75

// stopper is an optional subsystem that may be compiled out.
type stopper interface{ Stop() }

type nopStopper struct{}

func (nopStopper) Stop() {}

type Config struct {
	Device struct {
		// Interface supplies the hardware address for the default name.
		Interface string        `yaml:"interface"`
		Tick      time.Duration `yaml:"tick"`
	} `yaml:"device"`
	Web struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		DisableAuth    bool     `yaml:"disable_auth"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	WiFi struct {
		Interface string        `yaml:"interface"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"wifi"`
	BLE struct {
		Enabled     bool          `yaml:"enabled"`
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	} `yaml:"ble"`
	Radio struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"radio"`
	MQTT struct {
		Enabled     bool `yaml:"enabled"`
		mqtt.Config `yaml:",inline"`
	} `yaml:"mqtt"`
	Telemetry struct {
		Enabled          bool `yaml:"enabled"`
		telemetry.Config `yaml:",inline"`
	} `yaml:"telemetry"`
	LED struct {
		Chip      string `yaml:"chip"`
		Line      int    `yaml:"line"`
		ActiveLow bool   `yaml:"active_low"`
	} `yaml:"led"`
	MDNS struct {
		Enabled bool   `yaml:"enabled"`
		Domain  string `yaml:"domain"`
	} `yaml:"mdns"`
	Automation struct {
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Throttle notify.Intervals `yaml:"throttle"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Web.Listen == "" {
		return fmt.Errorf("web.listen is required")
	}
	if c.Radio.Port != "" && c.Radio.Baud <= 0 {
		return fmt.Errorf("radio.baud must be positive, got %d", c.Radio.Baud)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Telemetry.Enabled && (c.Telemetry.URL == "" || c.Telemetry.Bucket == "" || c.Telemetry.Org == "") {
		return fmt.Errorf("telemetry.url, telemetry.org and telemetry.bucket are required when telemetry is enabled")
	}
	if c.LED.Chip != "" && c.LED.Line < 0 {
		return fmt.Errorf("led.line must not be negative, got %d", c.LED.Line)
	}
	if c.BLE.IdleTimeout < 0 {
		return fmt.Errorf("ble.idle_timeout must not be negative")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("rgbw-ctrl starting", "version", version)

	os.Exit(run(cfg, logger))
}

// run wires every component and blocks until a signal or a restart request.
// It returns the process exit code.
func run(cfg *Config, logger *slog.Logger) int {
	// A store that fails to open leaves the device running on defaults.
	var db store.Store
	if bs, err := store.NewBoltStore(cfg.Store.Path); err != nil {
		logger.Error("open store, continuing without persistence", "path", cfg.Store.Path, "err", err)
	} else {
		db = bs
		defer db.Close()
	}

	hw := hardwareAddress(cfg.Device.Interface, logger)
	seed := loadSeed(db, hw, logger)
	events := state.NewEventBus(logger)
	var persist state.Persister
	if db != nil {
		persist = db
	}
	reg := state.NewRegistry(seed, persist, events)
	reg.SetFirmwareVersion(version)

	restartCh := make(chan struct{}, 1)
	sys := &platform{
		reg:  reg,
		wifi: newNMCLI(cfg.WiFi.Interface, cfg.WiFi.Timeout),
		restart: func() {
			select {
			case restartCh <- struct{}{}:
			default:
			}
		},
		logger: logger.With("component", "system"),
	}
	var wiper router.Wiper
	if db != nil {
		wiper = db
	}
	deferrer := router.NewDeferrer(router.SystemExecutor{System: sys, Store: wiper}, router.DefaultActionDelay, logger)
	rt := router.New(reg, deferrer, router.WithLogger(logger))
	notifier := notify.New(reg, cfg.Throttle, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go deferrer.Run(ctx)

	loopOpts := []app.Option{app.WithPeriod(cfg.Device.Tick)}

	if cfg.BLE.Enabled {
		var bleOpts []ble.Option
		if cfg.BLE.IdleTimeout > 0 {
			bleOpts = append(bleOpts, ble.WithIdleTimeout(cfg.BLE.IdleTimeout))
		}
		bleOpts = append(bleOpts, ble.WithNotifier(notifier))
		mgr := ble.NewManager(newPeripheral(logger), rt, logger, bleOpts...)
		notifier.AddSink(mgr)
		sys.ble = mgr
		if err := mgr.Start(); err != nil {
			logger.Error("start ble", "err", err)
		}
		loopOpts = append(loopOpts, app.WithBLE(mgr))
	}

	if cfg.LED.Chip != "" {
		line, err := indicator.OpenLine(cfg.LED.Chip, cfg.LED.Line, cfg.LED.ActiveLow)
		if err != nil {
			logger.Error("open status led", "chip", cfg.LED.Chip, "line", cfg.LED.Line, "err", err)
		} else {
			led := indicator.New(line, logger)
			defer led.Close()
			loopOpts = append(loopOpts, app.WithIndicator(led))
		}
	}

	if cfg.Radio.Port != "" {
		link, err := radio.Open(cfg.Radio.Port, cfg.Radio.Baud, rt, logger)
		if err != nil {
			logger.Error("open radio", "port", cfg.Radio.Port, "err", err)
		} else {
			defer link.Close()
		}
	}

	if cfg.Telemetry.Enabled {
		sink, err := telemetry.Connect(cfg.Telemetry.Config, reg, logger)
		if err != nil {
			logger.Error("telemetry", "err", err)
		} else {
			notifier.AddSink(sink)
			defer sink.Close()
		}
	}

	auto, autoWebOpts := initAutomation(rt, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Web.DisableAuth {
		webOpts = append(webOpts, web.WithoutAuth())
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(rt, notifier, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	var adv *discovery.Advertiser
	if cfg.MDNS.Enabled {
		adv = discovery.NewAdvertiser(reg, discovery.Config{
			Port:   listenPort(cfg.Web.Listen),
			Domain: cfg.MDNS.Domain,
		}, logger)
		if err := adv.Start(); err != nil {
			logger.Error("mdns", "err", err)
			adv = nil
		}
	}

	bridge := initMQTT(rt, cfg, logger)

	loop := app.NewLoop(reg, notifier, logger, loopOpts...)
	go loop.Run(ctx)

	code := 0
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case <-restartCh:
		logger.Info("restarting")
		code = exitRestart
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	cancel()
	auto.Stop()
	bridge.Stop()
	if adv != nil {
		adv.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if sys.ble != nil {
		if err := sys.ble.Stop(); err != nil {
			logger.Warn("stop ble", "err", err)
		}
	}
	deferrer.Stop()

	logger.Info("goodbye")
	return code
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	cfg.Throttle = notify.DefaultIntervals()
	cfg.BLE.Enabled = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":80"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "rgbw-ctrl.db"
	}
	if cfg.Device.Tick == 0 {
		cfg.Device.Tick = app.DefaultPeriod
	}
	if cfg.WiFi.Timeout == 0 {
		cfg.WiFi.Timeout = 30 * time.Second
	}
	if cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 115200
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "rgbw-ctrl"
	}
	if cfg.MQTT.DiscoveryPrefix == "" {
		cfg.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
