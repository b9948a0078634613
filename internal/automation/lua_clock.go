//go:build !no_automation

package automation

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerClockModule registers the `clock` global table. now is the
// wall-clock source, local time.
func registerClockModule(L *lua.LState, now func() time.Time) {
	mod := L.NewTable()
	set := func(name string, fn lua.LGFunction) {
		mod.RawSetString(name, L.NewFunction(fn))
	}

	set("now", func(L *lua.LState) int {
		t := now()
		tbl := L.NewTable()
		tbl.RawSetString("hour", lua.LNumber(t.Hour()))
		tbl.RawSetString("minute", lua.LNumber(t.Minute()))
		tbl.RawSetString("second", lua.LNumber(t.Second()))
		tbl.RawSetString("weekday", lua.LNumber(t.Weekday()))
		tbl.RawSetString("day", lua.LNumber(t.Day()))
		tbl.RawSetString("month", lua.LNumber(t.Month()))
		tbl.RawSetString("year", lua.LNumber(t.Year()))
		tbl.RawSetString("unix", lua.LNumber(t.Unix()))
		L.Push(tbl)
		return 1
	})

	set("format", func(L *lua.LState) int {
		layout := time.TimeOnly
		switch f := L.OptString(1, "time"); f {
		case "time":
		case "date":
			layout = time.DateOnly
		case "datetime":
			layout = time.DateTime
		default:
			L.ArgError(1, "format must be time, date or datetime")
			return 0
		}
		L.Push(lua.LString(now().Format(layout)))
		return 1
	})

	// clock.between("22:30", "06:00") is true from 22:30 up to but not
	// including 06:00 the next morning.
	set("between", func(L *lua.LState) int {
		from := checkClock(L, 1)
		to := checkClock(L, 2)
		t := now()
		L.Push(lua.LBool(inWindow(t.Hour()*60+t.Minute(), from, to)))
		return 1
	})

	set("weekend", func(L *lua.LState) int {
		d := now().Weekday()
		L.Push(lua.LBool(d == time.Saturday || d == time.Sunday))
		return 1
	})

	L.SetGlobal("clock", mod)
}

// inWindow reports whether minute m lies in [from, to), wrapping past
// midnight when to <= from. An empty window (from == to) never matches.
func inWindow(m, from, to int) bool {
	switch {
	case from == to:
		return false
	case from < to:
		return m >= from && m < to
	default:
		return m >= from || m < to
	}
}

func checkClock(L *lua.LState, n int) int {
	m, err := parseClock(L.CheckString(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return m
}

// parseClock converts "HH:MM" to minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
