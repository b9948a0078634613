//go:build !no_automation

package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"rgbw-ctrl/internal/automation"
	"rgbw-ctrl/internal/state"
)

func setupAutomationServer(t *testing.T) (*Server, *state.Registry) {
	t.Helper()
	lib, err := automation.NewLibrary(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	srv, reg, _ := setupTestServer(t)
	engine := automation.NewEngine(srv.rt, lib, newTestLogger())
	t.Cleanup(engine.Stop)
	WithAutomation(engine, lib)(srv)
	return srv, reg
}

func doJSON(srv http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIAutomationLifecycle(t *testing.T) {
	srv, _ := setupAutomationServer(t)

	w := doJSON(srv, "POST", "/api/automations", scriptRequest{Name: "Morning", LuaCode: `ctrl.log("hi")`})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created automation.Script
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID != "morning" {
		t.Errorf("id = %q, want morning", created.ID)
	}

	w = doJSON(srv, "POST", "/api/automations/morning/toggle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", w.Code)
	}
	var toggled automation.Script
	if err := json.NewDecoder(w.Body).Decode(&toggled); err != nil {
		t.Fatal(err)
	}
	if !toggled.Meta.Enabled {
		t.Error("toggle did not enable script")
	}

	w = do(srv, "GET", "/api/automations")
	var list []automation.Script
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("list count = %d, want 1", len(list))
	}

	if w := do(srv, "DELETE", "/api/automations/morning"); w.Code != http.StatusOK {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := do(srv, "GET", "/api/automations/morning"); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestAPIAutomationCreateRequiresName(t *testing.T) {
	srv, _ := setupAutomationServer(t)
	w := doJSON(srv, "POST", "/api/automations", scriptRequest{LuaCode: "x = 1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAPIAutomationRejectsBadLua(t *testing.T) {
	srv, _ := setupAutomationServer(t)
	w := doJSON(srv, "POST", "/api/automations", scriptRequest{Name: "Bad", LuaCode: "if then"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body["message"], "invalid script") {
		t.Errorf("message = %q", body["message"])
	}
	if w := do(srv, "PUT", "/api/automations/missing"); w.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d, want 404", w.Code)
	}
}

func TestAPIAutomationRunInline(t *testing.T) {
	srv, reg := setupAutomationServer(t)

	w := doJSON(srv, "POST", "/api/automations/_inline/run", map[string]string{"lua_code": `ctrl.set_brightness(90)`})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var res automation.RunResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if c := reg.Output().Channels[state.White]; !c.On || c.Value != 90 {
		t.Errorf("white = %+v, want on at 90", c)
	}
}

func TestAPIAutomationsUnavailable(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	if w := do(srv, "GET", "/api/automations"); w.Code != http.StatusOK {
		t.Errorf("list status = %d, want 200", w.Code)
	}
	if w := doJSON(srv, "POST", "/api/automations", scriptRequest{Name: "x"}); w.Code != http.StatusServiceUnavailable {
		t.Errorf("create status = %d, want 503", w.Code)
	}
}
