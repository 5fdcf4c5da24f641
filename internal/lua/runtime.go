package lua

import (
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// BuildContext is what a script's build(ctx) function sees.
type BuildContext struct {
	ItemID         string
	Level          string
	PromptFile     string
	WorkDir        string
	Model          string
	AllowDangerous bool
}

// ArgBuilder runs a Lua script that turns a BuildContext into the argv for
// the agent command. The script is compiled once; every call gets its own
// sandboxed state, so an ArgBuilder is safe for concurrent use.
type ArgBuilder struct {
	path  string
	proto *lua.FunctionProto
}

// Load reads and compiles the script at path.
func Load(path string) (*ArgBuilder, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	chunk, err := parse.Parse(strings.NewReader(string(script)), path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	return &ArgBuilder{path: path, proto: proto}, nil
}

// Build calls the script's build(ctx) function and returns the argument
// list it produced. Numbers and booleans are stringified; nested tables are
// rejected.
func (b *ArgBuilder) Build(ctx BuildContext) ([]string, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	defer L.Close()

	openSafeLibs(L)

	L.Push(L.NewFunctionFromProto(b.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}

	build := L.GetGlobal("build")
	if build.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script %s must define a 'build' function", b.path)
	}

	L.Push(build)
	L.Push(contextTable(L, ctx))
	if err := L.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("build failed: %w", err)
	}

	ret := L.Get(-1)
	L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("build must return a table of arguments, got %s", ret.Type())
	}

	var args []string
	for i := 1; i <= tbl.Len(); i++ {
		v := tbl.RawGetInt(i)
		switch v.Type() {
		case lua.LTString, lua.LTNumber, lua.LTBool:
			args = append(args, v.String())
		default:
			return nil, fmt.Errorf("argument %d has unsupported type %s", i, v.Type())
		}
	}

	return args, nil
}

// openSafeLibs loads only the side-effect free standard libraries.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("module", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func contextTable(L *lua.LState, ctx BuildContext) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "item_id", lua.LString(ctx.ItemID))
	L.SetField(tbl, "level", lua.LString(ctx.Level))
	L.SetField(tbl, "prompt_file", lua.LString(ctx.PromptFile))
	L.SetField(tbl, "work_dir", lua.LString(ctx.WorkDir))
	L.SetField(tbl, "model", lua.LString(ctx.Model))
	L.SetField(tbl, "allow_dangerous", lua.LBool(ctx.AllowDangerous))
	return tbl
}
