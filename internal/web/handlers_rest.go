package web

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/state"
)

type channelView struct {
	On    bool  `json:"on"`
	Value uint8 `json:"value"`
}

type wifiView struct {
	Status     string `json:"status"`
	ScanStatus string `json:"scanStatus"`
	SSID       string `json:"ssid,omitempty"`
	MAC        string `json:"mac,omitempty"`
	IP         string `json:"ip,omitempty"`
	Gateway    string `json:"gateway,omitempty"`
}

type integrationView struct {
	Mode  string   `json:"mode"`
	Names []string `json:"names"`
}

type otaView struct {
	Status   string `json:"status"`
	Expected uint32 `json:"totalBytesExpected"`
	Received uint32 `json:"totalBytesReceived"`
}

type peerView struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type stateView struct {
	DeviceName      string          `json:"deviceName"`
	FirmwareVersion string          `json:"firmwareVersion"`
	Heap            uint32          `json:"heap"`
	WiFi            wifiView        `json:"wifi"`
	Integration     integrationView `json:"alexa"`
	Output          []channelView   `json:"output"`
	Ble             string          `json:"ble"`
	Ota             otaView         `json:"ota"`
	Peers           []peerView      `json:"espNow"`
}

func buildStateView(reg *state.Registry) stateView {
	id := reg.Identity()
	conn := reg.Connectivity()
	integ := reg.Integration()
	ota := reg.Ota()

	v := stateView{
		DeviceName:      id.Name,
		FirmwareVersion: id.Firmware,
		Heap:            id.FreeHeap,
		WiFi: wifiView{
			Status:     strings.ToLower(conn.WiFi.String()),
			ScanStatus: strings.ToLower(conn.Scan.String()),
		},
		Integration: integrationView{
			Mode:  strings.ToLower(integ.Mode.String()),
			Names: integ.ActiveNames(),
		},
		Ble: strings.ToLower(conn.Ble.String()),
		Ota: otaView{
			Status:   strings.ToLower(ota.Status.String()),
			Expected: ota.Expected,
			Received: ota.Received,
		},
		Output: make([]channelView, 0, state.ChannelCount),
		Peers:  []peerView{},
	}
	if conn.WiFi == state.WiFiConnected {
		d := conn.Details
		v.WiFi.SSID = d.SSID
		v.WiFi.MAC = d.MAC.String()
		v.WiFi.IP = net.IP(d.IP[:]).String()
		v.WiFi.Gateway = net.IP(d.Gateway[:]).String()
	}
	for _, c := range reg.Output().Channels {
		v.Output = append(v.Output, channelView{On: c.On, Value: c.Value})
	}
	for _, p := range reg.Peers().All() {
		v.Peers = append(v.Peers, peerView{Name: p.Name, Address: p.Address.String()})
	}
	return v
}

func (s *Server) handleRestState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, http.StatusOK, buildStateView(s.reg))
}

// handleRestColor sets the channels given as r, g, b and w query
// parameters. Missing channels keep their value; values are clamped to 0-255.
func (s *Server) handleRestColor(w http.ResponseWriter, r *http.Request) {
	var cmd router.SetColor
	q := r.URL.Query()
	for i, key := range []string{"r", "g", "b", "w"} {
		if !q.Has(key) {
			continue
		}
		v, err := parseLevel(q.Get(key))
		if err != nil {
			s.writeMessage(w, http.StatusBadRequest, "Invalid '"+key+"' parameter")
			return
		}
		cmd.Values[i] = v
		cmd.Present[i] = true
	}
	if !s.apply(w, cmd) {
		return
	}
	s.writeMessage(w, http.StatusOK, "Color updated")
}

func (s *Server) handleRestBrightness(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("value") {
		s.writeMessage(w, http.StatusBadRequest, "Missing 'value' parameter")
		return
	}
	v, err := parseLevel(q.Get("value"))
	if err != nil {
		s.writeMessage(w, http.StatusBadRequest, "Invalid 'value' parameter")
		return
	}
	if !s.apply(w, router.SetBrightness{Value: v}) {
		return
	}
	s.writeMessage(w, http.StatusOK, "OK")
}

func (s *Server) handleRestBluetooth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("state") {
		s.writeMessage(w, http.StatusBadRequest, "Missing 'state' parameter")
		return
	}
	on := q.Get("state") == "on"
	if !s.apply(w, router.SetBle{Enabled: on}) {
		return
	}
	if on {
		s.writeMessage(w, http.StatusOK, "Bluetooth enabled")
		return
	}
	s.writeMessage(w, http.StatusOK, "Bluetooth disabled")
}

func (s *Server) handleRestRestart(w http.ResponseWriter, r *http.Request) {
	if !s.apply(w, router.Restart{}) {
		return
	}
	s.writeMessage(w, http.StatusOK, "Restarting...")
}

func (s *Server) handleRestReset(w http.ResponseWriter, r *http.Request) {
	if !s.apply(w, router.FactoryReset{}) {
		return
	}
	s.writeMessage(w, http.StatusOK, "Resetting to factory defaults...")
}

// apply runs cmd and writes an error response if it failed.
func (s *Server) apply(w http.ResponseWriter, cmd router.Command) bool {
	_, err := s.rt.Apply(router.OriginHTTP, cmd)
	switch {
	case err == nil:
		return true
	case errors.Is(err, router.ErrInvalidValue):
		s.writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, router.ErrPersistence):
		s.writeMessage(w, http.StatusInternalServerError, "internal server error")
	default:
		s.logger.Error("rest command", "err", err)
		s.writeMessage(w, http.StatusServiceUnavailable, "command not accepted")
	}
	return false
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, status, map[string]string{"message": msg})
}

// parseLevel parses an integer and clamps it to a channel level.
func parseLevel(raw string) (uint8, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	switch {
	case n < 0:
		return 0, nil
	case n > 255:
		return 255, nil
	}
	return uint8(n), nil
}
