package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	luaparse "github.com/yuin/gopher-lua/parse"
)

// lua global names forming the plugin contract.
const (
	luaEntryPoint  = "register"
	luaConfigureFn = "configure"
)

// luaHandle runs a plugin written as a Lua script. Every handle owns a
// private LState, so plugin loads never share globals.
type luaHandle struct {
	manifest Manifest
	name     string

	// LState is not safe for concurrent use.
	mu     sync.Mutex
	state  *lua.LState
	config map[string]any
}

// loadLuaPlugin evaluates the script in a fresh state and calls its global
// register() to obtain the manifest table.
func loadLuaPlugin(name string, data []byte, config map[string]any) (handle Handle, err error) {
	L := lua.NewState()

	// gopher-lua panics on some host misuse; keep that inside the load
	// boundary so a bad artifact can only mark itself errored.
	defer func() {
		if p := recover(); p != nil {
			L.Close()
			handle = nil
			err = &LoadError{Plugin: name, Kind: InitFailure, Err: fmt.Errorf("%v", p)}
		}
	}()

	if err := L.DoString(string(data)); err != nil {
		L.Close()

		return nil, &LoadError{Plugin: name, Kind: InitFailure, Err: err}
	}

	register := L.GetGlobal(luaEntryPoint)
	if register.Type() != lua.LTFunction {
		L.Close()

		return nil, &LoadError{Plugin: name, Kind: MissingEntryPoint}
	}

	if err := L.CallByParam(lua.P{Fn: register, NRet: 1, Protect: true}); err != nil {
		L.Close()

		return nil, &LoadError{Plugin: name, Kind: InitFailure, Err: err}
	}

	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		L.Close()

		return nil, &LoadError{
			Plugin: name,
			Kind:   InitFailure,
			Err:    errors.New("register must return a manifest table"),
		}
	}

	h := &luaHandle{
		name:     name,
		state:    L,
		config:   config,
		manifest: manifestFromTable(tbl),
	}

	return h, nil
}

// validateLua parses the script without executing it. Entry point presence
// can only be checked at load time, after the chunk has run.
func validateLua(name string, data []byte) error {
	if _, err := luaparse.Parse(strings.NewReader(string(data)), name); err != nil {
		return &LoadError{Plugin: name, Kind: InitFailure, Err: err}
	}

	return nil
}

func manifestFromTable(tbl *lua.LTable) Manifest {
	m := Manifest{
		Version:     lua.LVAsString(tbl.RawGetString("version")),
		Description: lua.LVAsString(tbl.RawGetString("description")),
		Author:      lua.LVAsString(tbl.RawGetString("author")),
	}

	if actions, ok := tbl.RawGetString("actions").(*lua.LTable); ok {
		actions.ForEach(func(_, v lua.LValue) {
			if s, ok := v.(lua.LString); ok {
				m.Actions = append(m.Actions, string(s))
			}
		})
	}

	if schema, ok := tbl.RawGetString("config_schema").(*lua.LTable); ok {
		if converted, ok := luaToGo(schema).(map[string]any); ok {
			m.ConfigSchema = converted
		}
	}

	return m
}

func (h *luaHandle) Manifest() Manifest { return h.manifest }

// Execute calls the global Lua function named after the action with params
// and config tables, converting the returned value back to Go.
func (h *luaHandle) Execute(
	_ context.Context,
	action string,
	params map[string]any,
) (result any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = fmt.Errorf("lua runtime panic: %v", p)
		}
	}()

	fn := h.state.GetGlobal(action)
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("plugin declares action %q but defines no handler", action)
	}

	callErr := h.state.CallByParam(
		lua.P{Fn: fn, NRet: 1, Protect: true},
		goToLua(h.state, params),
		goToLua(h.state, h.config),
	)
	if callErr != nil {
		return nil, callErr
	}

	ret := h.state.Get(-1)
	h.state.Pop(1)

	return luaToGo(ret), nil
}

// Configure calls the optional global configure(config) function.
func (h *luaHandle) Configure(_ context.Context, config map[string]any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.config = config

	fn := h.state.GetGlobal(luaConfigureFn)
	if fn.Type() != lua.LTFunction {
		return false
	}

	err := h.state.CallByParam(
		lua.P{Fn: fn, NRet: 0, Protect: true},
		goToLua(h.state, config),
	)

	return err == nil
}

func (h *luaHandle) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state.Close()

	return nil
}

// goToLua converts JSON-shaped Go values into Lua values.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case []any:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(goToLua(L, item))
		}

		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for key, item := range t {
			tbl.RawSetString(key, goToLua(L, item))
		}

		return tbl
	default:
		return lua.LString(fmt.Sprint(t))
	}
}

// luaToGo converts Lua values into JSON-shaped Go values. Tables with
// consecutive integer keys become slices, all others become maps.
func luaToGo(v lua.LValue) any {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		if n := t.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(t.RawGetInt(i)))
			}

			return out
		}
		out := make(map[string]any)
		t.ForEach(func(k, val lua.LValue) {
			out[lua.LVAsString(k)] = luaToGo(val)
		})

		return out
	default:
		return lua.LVAsString(v)
	}
}
