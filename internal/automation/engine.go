//go:build !no_automation

// Package automation runs user Lua scripts that react to device state
// changes and issue commands through the router.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/state"
)

// runTimeout bounds a one-shot RunLuaCode execution.
const runTimeout = 5 * time.Second

// luaEventHandler is a callback registered with ctrl.on.
type luaEventHandler struct {
	eventType string // "*" matches every event
	fn        *lua.LFunction
}

// scriptVM is one running script. All Lua access goes through commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine owns the running script VMs and feeds them registry events.
type Engine struct {
	rt      *router.Router
	library *Library
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an engine. Scripts issue commands through rt and observe
// the events of rt's registry.
func NewEngine(rt *router.Router, lib *Library, logger *slog.Logger) *Engine {
	return &Engine{
		rt:      rt,
		library: lib,
		now:     time.Now,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to registry events and starts every enabled script.
func (e *Engine) Start() {
	if bus := e.rt.Registry().Events(); bus != nil {
		e.unsub = bus.OnAll(e.dispatchEvent)
	}

	scripts, err := e.library.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", e.running())
}

// Stop cancels every VM and unsubscribes from events.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.logger.Info("automation engine stopped")
}

func (e *Engine) running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// ReloadScript restarts a script from disk; disabled scripts are only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)
	s, err := e.library.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript runs a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.library.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode runs code in a throwaway VM, then calls every handler it
// registered once with the current state, capturing log output.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{state: L, commands: make(chan func(*lua.LState), 64), ctx: ctx, cancel: cancel}

	var logs []string
	capture := func(level slog.Level, line string) {
		if level != slog.LevelInfo {
			line = level.String() + ": " + line
		}
		logs = append(logs, line)
	}
	registerCtrlModule(L, vm, e, capture)
	registerClockModule(L, e.now)

	result := func(err error) *RunResult {
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = fmt.Sprintf("timeout (%s)", runTimeout)
			}
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()
	for _, h := range handlers {
		ev := e.currentEvent(h.eventType)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, ev)); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

// newSandbox returns a Lua state without file, OS or module loading access.
func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()
	vm := &scriptVM{state: L, commands: make(chan func(*lua.LState), 64), ctx: ctx, cancel: cancel}

	logLine := func(level slog.Level, line string) {
		e.logger.Log(context.Background(), level, "script log", "id", s.ID, "msg", line)
	}
	registerCtrlModule(L, vm, e, logLine)
	registerClockModule(L, e.now)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues matching handlers on their VMs. It runs on the
// mutating goroutine and never blocks.
func (e *Engine) dispatchEvent(ev state.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, ev) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, ev) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "event", ev.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, ev state.Event) bool {
	return h.eventType == "*" || h.eventType == ev.Type
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, ev state.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, ev)); err != nil {
		e.logger.Error("lua handler error", "event", ev.Type, "err", err)
	}
}

// currentEvent builds a synthetic event of the given type from the current
// registry snapshot.
func (e *Engine) currentEvent(eventType string) state.Event {
	reg := e.rt.Registry()
	switch eventType {
	case state.EventOutput:
		return state.Event{Type: eventType, Data: reg.Output()}
	case state.EventDeviceName:
		return state.Event{Type: eventType, Data: reg.Identity().Name}
	case state.EventConnectivity:
		return state.Event{Type: eventType, Data: reg.Connectivity()}
	case state.EventIntegration:
		return state.Event{Type: eventType, Data: reg.Integration()}
	case state.EventPeers:
		return state.Event{Type: eventType, Data: reg.Peers()}
	case state.EventOta:
		return state.Event{Type: eventType, Data: reg.Ota()}
	}
	return state.Event{Type: eventType}
}

// eventData flattens an event payload into script-visible fields. Credentials
// are never exposed.
func eventData(ev state.Event) map[string]any {
	switch d := ev.Data.(type) {
	case state.Output:
		return outputData(d)
	case string:
		return map[string]any{"name": d}
	case state.Connectivity:
		return map[string]any{
			"ble":  strings.ToLower(d.Ble.String()),
			"wifi": strings.ToLower(d.WiFi.String()),
			"ssid": d.Details.SSID,
		}
	case state.IntegrationSettings:
		names := make([]any, 0, state.ChannelCount)
		for _, n := range d.ActiveNames() {
			names = append(names, n)
		}
		return map[string]any{"mode": strings.ToLower(d.Mode.String()), "names": names}
	case state.PeerList:
		names := make([]any, 0, d.Len())
		for _, p := range d.All() {
			names = append(names, p.Name)
		}
		return map[string]any{"count": d.Len(), "names": names}
	case state.OtaState:
		return map[string]any{
			"status":   strings.ToLower(d.Status.String()),
			"expected": d.Expected,
			"received": d.Received,
		}
	}
	return nil
}

func outputData(o state.Output) map[string]any {
	m := map[string]any{"any_on": o.AnyVisible()}
	for i, c := range o.Channels {
		m[state.ChannelName(i)] = map[string]any{"on": c.On, "value": c.Value}
	}
	return m
}

func eventTable(L *lua.LState, ev state.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(ev.Type))
	for k, v := range eventData(ev) {
		t.RawSetString(k, goToLua(L, v))
	}
	return t
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
