package lua

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/mpataki/crew/internal/oracle"
)

// Oracle answers completions by running a Lua script in a sandboxed state.
// The script must define complete(messages) where messages is an array of
// {role=..., content=...}; it returns a string or a table, and tables are
// encoded as JSON. An empty table encodes as {}; wrap it in array() to get
// [] instead.
type Oracle struct {
	name   string
	proto  *lua.FunctionProto
	logger *zap.Logger

	mu   sync.Mutex
	logs []string
}

// Load compiles the script at path.
func Load(path string, logger *zap.Logger) (*Oracle, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Compile(filepath.Base(path), string(script), logger)
}

// Compile parses source once; each Complete call runs it in a fresh state.
func Compile(name, source string, logger *zap.Logger) (*Oracle, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{name: name, proto: proto, logger: logger.With(zap.String("script", name))}, nil
}

func (o *Oracle) Complete(ctx context.Context, messages []oracle.Message) (oracle.Completion, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()
	L.SetContext(ctx)

	o.openSafeLibs(L)
	o.registerAPI(L)

	L.Push(L.NewFunctionFromProto(o.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return oracle.Completion{}, fmt.Errorf("failed to load script: %w", err)
	}

	complete := L.GetGlobal("complete")
	if complete.Type() != lua.LTFunction {
		return oracle.Completion{}, fmt.Errorf("script must define a 'complete' function")
	}

	L.Push(complete)
	L.Push(o.messagesToTable(L, messages))
	if err := L.PCall(1, 1, nil); err != nil {
		return oracle.Completion{}, oracle.Unavailable(fmt.Errorf("script execution failed: %w", err))
	}

	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LString:
		return oracle.Completion{Content: string(v)}, nil
	case *lua.LTable:
		data, err := json.Marshal(luaToGo(v))
		if err != nil {
			return oracle.Completion{}, fmt.Errorf("failed to encode script result: %w", err)
		}
		return oracle.Completion{Content: string(data)}, nil
	case *lua.LNilType:
		return oracle.Completion{}, nil
	default:
		return oracle.Completion{Content: ret.String()}, nil
	}
}

// Logs returns the log() lines collected across calls.
func (o *Oracle) Logs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.logs...)
}

// openSafeLibs loads only the safe standard libraries
func (o *Oracle) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Scripted answers must be reproducible
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (o *Oracle) registerAPI(L *lua.LState) {
	L.SetGlobal("log", L.NewFunction(o.luaLog))
	L.SetGlobal("json", L.NewFunction(luaJSON))
	L.SetGlobal("contains", L.NewFunction(luaContains))
	L.SetGlobal("array", L.NewFunction(luaArray))
}

// arrayMarker is set on the metatable of tables built by array().
const arrayMarker = "__array"

// luaArray implements array([t]) -> t, marking t to encode as a JSON array
// even when empty.
func luaArray(L *lua.LState) int {
	tbl := L.OptTable(1, L.NewTable())
	mt := L.NewTable()
	L.SetField(mt, arrayMarker, lua.LTrue)
	L.SetMetatable(tbl, mt)
	L.Push(tbl)
	return 1
}

func isArray(t *lua.LTable) bool {
	mt, ok := t.Metatable.(*lua.LTable)
	return ok && mt.RawGetString(arrayMarker) == lua.LTrue
}

// luaLog implements log(message)
func (o *Oracle) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	o.mu.Lock()
	o.logs = append(o.logs, message)
	o.mu.Unlock()
	o.logger.Debug("script log", zap.String("message", message))
	return 0
}

// luaJSON implements json(value) -> string
func luaJSON(L *lua.LState) int {
	data, err := json.Marshal(luaToGo(L.CheckAny(1)))
	if err != nil {
		L.RaiseError("json: %v", err)
		return 0
	}
	L.Push(lua.LString(data))
	return 1
}

// luaContains implements contains(haystack, needle), case-insensitive and
// without Lua patterns.
func luaContains(L *lua.LState) int {
	haystack := strings.ToLower(L.CheckString(1))
	needle := strings.ToLower(L.CheckString(2))
	L.Push(lua.LBool(strings.Contains(haystack, needle)))
	return 1
}

func (o *Oracle) messagesToTable(L *lua.LState, messages []oracle.Message) *lua.LTable {
	tbl := L.NewTable()
	for _, m := range messages {
		entry := L.NewTable()
		L.SetField(entry, "role", lua.LString(m.Role))
		L.SetField(entry, "content", lua.LString(m.Content))
		tbl.Append(entry)
	}
	return tbl
}

// luaToGo converts a Lua value to its JSON-friendly Go form. Tables with a
// non-zero array part, or built by array(), become slices.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		f := float64(val)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 || isArray(val) {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, luaToGo(val.RawGetInt(i)))
			}
			return arr
		}
		obj := make(map[string]any)
		val.ForEach(func(k, item lua.LValue) {
			obj[k.String()] = luaToGo(item)
		})
		return obj
	default:
		return val.String()
	}
}

// IsScript checks if a file is a Lua script
func IsScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
