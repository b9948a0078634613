//go:build !no_automation

package automation

import (
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"rgbw-ctrl/internal/router"
	"rgbw-ctrl/internal/state"
)

const maxHandlersPerScript = 100

// registerCtrlModule registers the `ctrl` global table in a Lua state.
func registerCtrlModule(L *lua.LState, vm *scriptVM, e *Engine, logFn func(slog.Level, string)) {
	mod := L.NewTable()

	set := func(name string, fn lua.LGFunction) {
		mod.RawSetString(name, L.NewFunction(fn))
	}

	set("on", func(L *lua.LState) int { return ctrlOn(L, vm) })
	set("set_color", func(L *lua.LState) int { return ctrlSetColor(L, e) })
	set("set_channel", func(L *lua.LState) int {
		ch := checkChannel(L, 1)
		v := checkLevel(L, 2)
		var cmd router.SetColor
		cmd.Values[ch] = v
		cmd.Present[ch] = true
		return applyCommand(L, e, cmd)
	})
	set("set_brightness", func(L *lua.LState) int {
		return applyCommand(L, e, router.SetBrightness{Value: checkLevel(L, 1)})
	})
	set("toggle", func(L *lua.LState) int {
		if L.GetTop() == 0 || L.Get(1) == lua.LNil {
			return applyCommand(L, e, router.ToggleAll{})
		}
		return applyCommand(L, e, router.ToggleChannel{Index: checkChannel(L, 1)})
	})
	set("turn_on", func(L *lua.LState) int { return applyCommand(L, e, router.TurnOnAll{}) })
	set("turn_off", func(L *lua.LState) int { return applyCommand(L, e, router.TurnOffAll{}) })
	set("step", func(L *lua.LState) int {
		return applyCommand(L, e, router.StepBrightness{Delta: L.CheckInt(1)})
	})
	set("output", func(L *lua.LState) int {
		L.Push(goToLua(L, outputData(e.rt.Registry().Output())))
		return 1
	})
	set("name", func(L *lua.LState) int {
		L.Push(lua.LString(e.rt.Registry().Identity().Name))
		return 1
	})
	set("after", func(L *lua.LState) int { return ctrlAfter(L, vm, e) })
	// ctrl.log(msg [, level]) with level one of debug, info, warn, error.
	set("log", func(L *lua.LState) int {
		msg := L.CheckString(1)
		var level slog.Level
		if err := level.UnmarshalText([]byte(L.OptString(2, "info"))); err != nil {
			L.ArgError(2, "unknown log level")
			return 0
		}
		logFn(level, msg)
		return 0
	})

	L.SetGlobal("ctrl", mod)
}

// ctrl.on(event, callback). "*" subscribes to every event.
func ctrlOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	fn := L.CheckFunction(2)

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, luaEventHandler{eventType: eventType, fn: fn})
	return 0
}

// ctrl.set_color(r, g, b [, w]). nil leaves a channel untouched.
func ctrlSetColor(L *lua.LState, e *Engine) int {
	var cmd router.SetColor
	for i := 0; i < state.ChannelCount; i++ {
		if L.Get(i+1) == lua.LNil {
			continue
		}
		cmd.Values[i] = checkLevel(L, i+1)
		cmd.Present[i] = true
	}
	return applyCommand(L, e, cmd)
}

// ctrl.after(seconds, callback) runs callback on the script's VM later.
func ctrlAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// applyCommand runs cmd through the router and pushes (changed, err).
func applyCommand(L *lua.LState, e *Engine, cmd router.Command) int {
	eff, err := e.rt.Apply(router.OriginAutomation, cmd)
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LBool(eff.Changed != 0))
	return 1
}

// checkChannel accepts a channel name ("red") or a 1-based index.
func checkChannel(L *lua.LState, n int) int {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		i := int(v)
		if i < 1 || i > state.ChannelCount {
			L.ArgError(n, "channel out of range")
		}
		return i - 1
	case lua.LString:
		name := strings.ToLower(string(v))
		for i := 0; i < state.ChannelCount; i++ {
			if state.ChannelName(i) == name {
				return i
			}
		}
		L.ArgError(n, "unknown channel: "+string(v))
	default:
		L.TypeError(n, lua.LTNumber)
	}
	return 0
}

func checkLevel(L *lua.LState, n int) uint8 {
	v := L.CheckInt(n)
	if v < 0 || v > 255 {
		L.ArgError(n, "level must be 0-255")
	}
	return uint8(v)
}
