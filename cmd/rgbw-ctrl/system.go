package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"time"

	"rgbw-ctrl/internal/ble"
	"rgbw-ctrl/internal/state"
)

var errBLEDisabled = errors.New("ble disabled")

type wifiBackend interface {
	Connect(c state.WiFiCredentials) error
	Scan() ([]string, error)
	Details() (state.WiFiDetails, error)
}

// platform performs deferred side effects on the host. It runs on the
// deferrer's worker goroutine.
type platform struct {
	reg     *state.Registry
	ble     *ble.Manager
	wifi    wifiBackend
	restart func()
	logger  *slog.Logger
}

func (p *platform) Restart() error {
	p.logger.Warn("restart requested")
	p.restart()
	return nil
}

func (p *platform) StartBLE() error {
	if p.ble == nil {
		return errBLEDisabled
	}
	return p.ble.Start()
}

func (p *platform) StopBLE() error {
	if p.ble == nil {
		return errBLEDisabled
	}
	return p.ble.Stop()
}

func (p *platform) ConnectWiFi(c state.WiFiCredentials) error {
	p.reg.SetWiFiStatus(state.WiFiConnecting)
	p.reg.SetWiFiDetails(state.WiFiDetails{})
	if err := p.wifi.Connect(c); err != nil {
		p.reg.SetWiFiStatus(state.WiFiFailed)
		return fmt.Errorf("connect to %q: %w", c.SSID, err)
	}
	d, err := p.wifi.Details()
	if err != nil {
		p.logger.Warn("read wifi details", "err", err)
		d = state.WiFiDetails{SSID: c.SSID}
	}
	p.reg.SetWiFiDetails(d)
	p.reg.SetWiFiStatus(state.WiFiConnected)
	p.logger.Info("wifi connected", "ssid", d.SSID, "ip", net.IP(d.IP[:]).String())
	return nil
}

func (p *platform) ScanWiFi() error {
	p.reg.SetWiFiScanStatus(state.Scanning)
	ssids, err := p.wifi.Scan()
	if err != nil {
		p.reg.SetWiFiScanStatus(state.ScanIdle)
		return fmt.Errorf("scan: %w", err)
	}
	p.reg.SetWiFiScanStatus(state.ScanDone)
	p.logger.Info("wifi scan done", "networks", len(ssids))
	return nil
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		// Arguments may carry secrets; only the subcommand is reported.
		return out, fmt.Errorf("%s %s: %w: %s", name, args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// nmcli drives NetworkManager through its command line client.
type nmcli struct {
	iface   string
	timeout time.Duration
	run     runFunc
}

func newNMCLI(iface string, timeout time.Duration) *nmcli {
	return &nmcli{iface: iface, timeout: timeout, run: execRun}
}

func (n *nmcli) exec(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	out, err := n.run(ctx, "nmcli", args...)
	return string(out), err
}

func (n *nmcli) Connect(c state.WiFiCredentials) error {
	for _, args := range connectArgs(n.iface, c) {
		if _, err := n.exec(args...); err != nil {
			return err
		}
	}
	return nil
}

func (n *nmcli) Scan() ([]string, error) {
	args := []string{"-t", "-f", "SSID", "device", "wifi", "list", "--rescan", "yes"}
	if n.iface != "" {
		args = append(args, "ifname", n.iface)
	}
	out, err := n.exec(args...)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ssids []string
	for _, line := range strings.Split(out, "\n") {
		ssid := unescapeTerse(strings.TrimSpace(line))
		if ssid == "" || seen[ssid] {
			continue
		}
		seen[ssid] = true
		ssids = append(ssids, ssid)
	}
	return ssids, nil
}

func (n *nmcli) Details() (state.WiFiDetails, error) {
	dev := n.iface
	if dev == "" {
		out, err := n.exec("-t", "-f", "DEVICE,TYPE", "device")
		if err != nil {
			return state.WiFiDetails{}, err
		}
		dev = wifiDevice(out)
		if dev == "" {
			return state.WiFiDetails{}, errors.New("no wifi device")
		}
	}
	out, err := n.exec("-t", "-g", "GENERAL.CONNECTION,GENERAL.HWADDR,IP4.ADDRESS,IP4.GATEWAY,IP4.DNS", "device", "show", dev)
	if err != nil {
		return state.WiFiDetails{}, err
	}
	return parseDetails(out)
}

// connectArgs returns the nmcli invocations that join the network.
func connectArgs(iface string, c state.WiFiCredentials) [][]string {
	var ifname []string
	if iface != "" {
		ifname = []string{"ifname", iface}
	}
	if c.Encryption.Enterprise() {
		identity := c.Username
		if identity == "" {
			identity = c.Identity
		}
		add := []string{"connection", "add", "type", "wifi", "con-name", c.SSID, "ssid", c.SSID,
			"wifi-sec.key-mgmt", "wpa-eap", "802-1x.eap", "peap",
			"802-1x.identity", identity, "802-1x.password", c.Password,
			"802-1x.phase2-auth", phase2Auth(c.Phase2)}
		if c.Identity != "" && c.Username != "" {
			add = append(add, "802-1x.anonymous-identity", c.Identity)
		}
		return [][]string{append(add, ifname...), {"connection", "up", c.SSID}}
	}
	args := []string{"device", "wifi", "connect", c.SSID}
	if c.Encryption != state.EncryptionOpen {
		args = append(args, "password", c.Password)
	}
	return [][]string{append(args, ifname...)}
}

func phase2Auth(v uint8) string {
	switch v {
	case 2:
		return "mschap"
	case 3:
		return "pap"
	case 4:
		return "chap"
	}
	return "mschapv2"
}

func unescapeTerse(s string) string {
	return strings.NewReplacer(`\:`, ":", `\\`, `\`).Replace(s)
}

// wifiDevice picks the first wifi device from "DEVICE:TYPE" lines.
func wifiDevice(out string) string {
	for _, line := range strings.Split(out, "\n") {
		dev, typ, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && typ == "wifi" {
			return dev
		}
	}
	return ""
}

// parseDetails reads the values of "device show -g" in request order.
// Multi-valued fields are separated by " | "; only the first is kept.
func parseDetails(out string) (state.WiFiDetails, error) {
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) < 5 {
		return state.WiFiDetails{}, fmt.Errorf("device details: got %d fields, want 5", len(lines))
	}
	first := func(s string) string {
		v, _, _ := strings.Cut(s, " | ")
		return strings.TrimSpace(v)
	}

	var d state.WiFiDetails
	d.SSID = unescapeTerse(first(lines[0]))
	if mac, err := state.ParseAddress(unescapeTerse(first(lines[1]))); err == nil {
		d.MAC = mac
	}
	if ip, ipnet, err := net.ParseCIDR(first(lines[2])); err == nil {
		copy(d.IP[:], ip.To4())
		copy(d.Subnet[:], ipnet.Mask)
	}
	if gw := net.ParseIP(first(lines[3])).To4(); gw != nil {
		copy(d.Gateway[:], gw)
	}
	if dns := net.ParseIP(first(lines[4])).To4(); dns != nil {
		copy(d.DNS[:], dns)
	}
	return d, nil
}

// logPeripheral stands in for a GATT backend on hosts without one. It
// accepts every call and never reports a connected central.
type logPeripheral struct {
	logger *slog.Logger
}

func newPeripheral(logger *slog.Logger) ble.Peripheral {
	return &logPeripheral{logger: logger.With("component", "gatt")}
}

func (p *logPeripheral) Start(name string, chars []ble.Characteristic) error {
	p.logger.Info("gatt server started", "name", name, "characteristics", len(chars))
	return nil
}

func (p *logPeripheral) Stop() error {
	p.logger.Info("gatt server stopped")
	return nil
}

func (p *logPeripheral) Connected() int { return 0 }

func (p *logPeripheral) Notify(uuid string, value []byte) error {
	p.logger.Debug("gatt notify", "uuid", uuid, "len", len(value))
	return nil
}
