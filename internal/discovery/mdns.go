// Package discovery advertises the controller on the local network over mDNS.
package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/hashicorp/mdns"

	"rgbw-ctrl/internal/state"
)

// ServiceType is the DNS-SD service the controller announces.
const ServiceType = "_rgbw-ctrl._tcp"

// Config holds advertisement settings.
type Config struct {
	Port   int
	Domain string
	// IPs to announce. Empty means resolve the host name.
	IPs []net.IP
}

type server interface {
	Shutdown() error
}

// Advertiser announces the device under its current name and re-registers
// when the name changes.
type Advertiser struct {
	reg       *state.Registry
	cfg       Config
	logger    *slog.Logger
	newServer func(*mdns.MDNSService) (server, error)
	unsub     func()

	mu      sync.Mutex
	current server
	name    string
}

// NewAdvertiser creates a stopped advertiser.
func NewAdvertiser(reg *state.Registry, cfg Config, logger *slog.Logger) *Advertiser {
	if cfg.Domain == "" {
		cfg.Domain = "local."
	}
	return &Advertiser{
		reg:    reg,
		cfg:    cfg,
		logger: logger.With("component", "mdns"),
		newServer: func(svc *mdns.MDNSService) (server, error) {
			return mdns.NewServer(&mdns.Config{Zone: svc})
		},
	}
}

// Start announces the current name and follows renames.
func (a *Advertiser) Start() error {
	if err := a.register(a.reg.Identity().Name); err != nil {
		return err
	}
	if bus := a.reg.Events(); bus != nil {
		a.unsub = bus.On(state.EventDeviceName, func(e state.Event) {
			name, ok := e.Data.(string)
			if !ok {
				return
			}
			if err := a.register(name); err != nil {
				a.logger.Error("re-register mdns service", "name", name, "err", err)
			}
		})
	}
	return nil
}

// Stop withdraws the announcement.
func (a *Advertiser) Stop() {
	if a.unsub != nil {
		a.unsub()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown()
}

// Name returns the instance name currently announced.
func (a *Advertiser) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

func (a *Advertiser) register(name string) error {
	svc, err := buildService(name, a.cfg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown()
	srv, err := a.newServer(svc)
	if err != nil {
		return fmt.Errorf("start mdns server: %w", err)
	}
	a.current = srv
	a.name = name
	a.logger.Info("mdns service registered", "instance", name, "host", svc.HostName, "port", a.cfg.Port)
	return nil
}

// shutdown stops the running server. Caller holds a.mu.
func (a *Advertiser) shutdown() {
	if a.current == nil {
		return
	}
	if err := a.current.Shutdown(); err != nil {
		a.logger.Warn("mdns shutdown", "err", err)
	}
	a.current = nil
	a.name = ""
}

func buildService(name string, cfg Config) (*mdns.MDNSService, error) {
	host := hostLabel(name) + "." + cfg.Domain
	txt := []string{"name=" + name, "path=/ws"}
	svc, err := mdns.NewMDNSService(name, ServiceType, cfg.Domain, host, cfg.Port, cfg.IPs, txt)
	if err != nil {
		return nil, fmt.Errorf("build mdns service %q: %w", name, err)
	}
	return svc, nil
}

// hostLabel turns a device name into a DNS label.
func hostLabel(name string) string {
	label := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, name)
	label = strings.Trim(label, "-")
	if label == "" {
		return "rgbw-ctrl"
	}
	return label
}
