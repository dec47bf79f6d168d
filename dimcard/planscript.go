package dimcard

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml"

	lua "github.com/yuin/gopher-lua"
)

// Lua plan scripts let field units add card families and plans without a
// rebuild: a script registers family probes and step lists against the
// same registry the builtin plans live in.

func pullString(table *lua.LTable, key string, done func(string)) bool {
	ttemp := table.RawGetString(key)
	tstring, ok := ttemp.(lua.LString)
	if ok {
		done(string(tstring))
	}
	return ok
}

func pullInt(table *lua.LTable, key string, done func(int)) bool {
	ttemp := table.RawGetString(key)
	tnum, ok := ttemp.(lua.LNumber)
	if ok {
		done(int(tnum))
	}
	return ok
}

func pullBool(table *lua.LTable, key string, done func(bool)) bool {
	ttemp := table.RawGetString(key)
	tbool, ok := ttemp.(lua.LBool)
	if ok {
		done(bool(tbool))
	}
	return ok
}

// Function for lua scripts that lets you parse hex
func luaHex(L *lua.LState) int {
	hexstring := L.ToString(1)
	bytes, err := hex.DecodeString(hexstring)
	if err != nil {
		L.RaiseError("Error decoding hex in lua script: %s", err)
		return 0
	}
	L.Push(lua.LString(string(bytes)))
	return 1
}

// Function for lua scripts that lets you parse base64
func luaBase64(L *lua.LState) int {
	b64string := L.ToString(1)
	bytes, err := base64.StdEncoding.DecodeString(b64string)
	if err != nil {
		L.RaiseError("Error decoding base64 in lua script: %s", err)
		return 0
	}
	L.Push(lua.LString(string(bytes)))
	return 1
}

// Read a whole file as a payload byte string. Relative paths resolve
// against the script's directory.
func luaFile(dir string) lua.LGFunction {
	return func(L *lua.LState) int {
		filename := L.ToString(1)
		if !filepath.IsAbs(filename) {
			filename = filepath.Join(dir, filename)
		}
		bytes, err := os.ReadFile(filename)
		if err != nil {
			L.RaiseError("Error reading file in lua script: %s", err)
			return 0
		}
		log.Printf("Read %d bytes from file %s in lua script", len(bytes), filename)
		L.Push(lua.LString(string(bytes)))
		return 1
	}
}

// Read an Intel HEX file and flatten it to a payload byte string.
func luaHexFile(dir string) lua.LGFunction {
	return func(L *lua.LState) int {
		filename := L.ToString(1)
		if !filepath.IsAbs(filename) {
			filename = filepath.Join(dir, filename)
		}
		f, err := os.Open(filename)
		if err != nil {
			L.RaiseError("Error opening hex file in lua script: %s", err)
			return 0
		}
		defer f.Close()
		bin, err := HexToBin(f)
		if err != nil {
			L.RaiseError("Error parsing hex file in lua script: %s", err)
			return 0
		}
		log.Printf("Flattened %d bytes from hex file %s in lua script", len(bin), filename)
		L.Push(lua.LString(string(bin)))
		return 1
	}
}

// Simple function to decode a toml string into a lua table. Returns the table.
func luaToml(L *lua.LState) int {
	str := L.ToString(1)
	var value interface{}
	err := toml.Unmarshal([]byte(str), &value)
	if err != nil {
		L.RaiseError("Couldn't parse toml: %s", err)
		return 0
	}
	L.Push(luaDecodeValue(L, value))
	return 1
}

// DecodeValue converts the value to a Lua value. Only converts the types
// toml/json decoders produce; everything else becomes nil.
func luaDecodeValue(L *lua.LState, value interface{}) lua.LValue {
	switch converted := value.(type) {
	case bool:
		return lua.LBool(converted)
	case float64:
		return lua.LNumber(converted)
	case int64:
		return lua.LNumber(converted)
	case string:
		return lua.LString(converted)
	case []interface{}:
		arr := L.CreateTable(len(converted), 0)
		for _, item := range converted {
			arr.Append(luaDecodeValue(L, item))
		}
		return arr
	case map[string]interface{}:
		tbl := L.CreateTable(0, len(converted))
		for key, item := range converted {
			tbl.RawSetH(lua.LString(key), luaDecodeValue(L, item))
		}
		return tbl
	case nil:
		return lua.LNil
	}
	return lua.LNil
}

// Hash a payload byte string, returning the hex digest. Lets scripts state
// postconditions without precomputing them.
func luaChecksum(L *lua.LState) int {
	data := L.ToString(1)
	sum := ChecksumBytes([]byte(data))
	L.Push(lua.LString(sum.String()))
	return 1
}

// family{...}: register a card family probe.
func luaFamily(L *lua.LState) int {
	table := L.ToTable(1)
	if table == nil {
		L.RaiseError("family requires a table argument")
		return 0
	}
	probe := FamilyProbe{VersionIndex: -1}
	name := ""
	if !pullString(table, "name", func(s string) { name = s }) {
		L.RaiseError("family requires a name")
		return 0
	}
	probe.Family = Family(name)
	if !pullInt(table, "id_offset", func(i int) { probe.IDOffset = uint32(i) }) {
		L.RaiseError("family %s requires id_offset", name)
		return 0
	}
	if !pullInt(table, "id_length", func(i int) { probe.IDLength = i }) {
		L.RaiseError("family %s requires id_length", name)
		return 0
	}
	digestOk := pullString(table, "digest", func(s string) {
		digest, err := ParseChecksum(s)
		if err != nil {
			L.RaiseError("family %s has a bad digest: %s", name, err)
			return
		}
		probe.Digest = digest
	})
	if !digestOk {
		L.RaiseError("family %s requires a digest", name)
		return 0
	}
	pullInt(table, "version_index", func(i int) { probe.VersionIndex = i })
	pullString(table, "chip", func(s string) {
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != 3 {
			L.RaiseError("family %s has a bad chip id %q", name, s)
			return
		}
		probe.ChipID = jedec(raw[0], raw[1], raw[2])
	})
	RegisterFamily(probe)
	log.Printf("Registered family %s from lua script", name)
	return 0
}

func parseScriptStep(L *lua.LState, table *lua.LTable, index int) Step {
	var step Step
	if !pullInt(table, "offset", func(i int) { step.Offset = uint32(i) }) {
		L.RaiseError("step %d requires offset", index)
	}
	if !pullInt(table, "length", func(i int) { step.Length = i }) {
		L.RaiseError("step %d requires length", index)
	}
	pullString(table, "erase", func(s string) {
		switch s {
		case "sector":
			step.Unit = EraseSector
		case "block":
			step.Unit = EraseBlock
		default:
			L.RaiseError("step %d has unknown erase unit %q", index, s)
		}
	})
	pullString(table, "payload", func(s string) { step.Payload = []byte(s) })
	pullString(table, "pre", func(s string) {
		pre, err := ParseChecksum(s)
		if err != nil {
			L.RaiseError("step %d has a bad precondition: %s", index, err)
			return
		}
		step.Pre = &pre
	})
	havePost := pullString(table, "post", func(s string) {
		switch s {
		case "erased":
			step.Post = ErasedChecksum(step.Length)
		case "zeros":
			step.Post = ZeroChecksum(step.Length)
		default:
			post, err := ParseChecksum(s)
			if err != nil {
				L.RaiseError("step %d has a bad postcondition: %s", index, err)
				return
			}
			step.Post = post
		}
	})
	if !havePost {
		if step.Payload == nil {
			L.RaiseError("step %d requires a postcondition", index)
		} else {
			step.Post = ChecksumBytes(step.Payload)
		}
	}
	return step
}

// plan{...}: register an operation plan for a family + version.
func luaPlan(reg *PlanRegistry) lua.LGFunction {
	return func(L *lua.LState) int {
		table := L.ToTable(1)
		if table == nil {
			L.RaiseError("plan requires a table argument")
			return 0
		}
		plan := &Plan{}
		family := ""
		version := 0
		if !pullString(table, "family", func(s string) { family = s }) {
			L.RaiseError("plan requires a family")
			return 0
		}
		plan.Family = Family(family)
		pullInt(table, "version", func(i int) { version = i })
		idOk := pullString(table, "id", func(s string) {
			if len(s) > len(PlanID{}) {
				L.RaiseError("plan id %q longer than %d bytes", s, len(PlanID{}))
				return
			}
			plan.ID = MakePlanID(s)
		})
		if !idOk {
			L.RaiseError("plan for family %s requires an id", family)
			return 0
		}
		if !pullInt(table, "progress_offset", func(i int) { plan.ProgressOffset = uint32(i) }) {
			L.RaiseError("plan %s requires progress_offset", plan.ID)
			return 0
		}
		pullBool(table, "protect", func(b bool) { plan.ManageProtection = b })

		stepsValue := table.RawGetString("steps")
		steps, ok := stepsValue.(*lua.LTable)
		if !ok {
			L.RaiseError("plan %s requires a steps table", plan.ID)
			return 0
		}
		for i := 1; i <= steps.Len(); i++ {
			stepValue := steps.RawGetInt(i)
			stepTable, ok := stepValue.(*lua.LTable)
			if !ok {
				L.RaiseError("plan %s step %d must be a table", plan.ID, i)
				return 0
			}
			plan.Steps = append(plan.Steps, parseScriptStep(L, stepTable, i))
		}
		if err := plan.Validate(); err != nil {
			L.RaiseError("plan %s is invalid: %s", plan.ID, err)
			return 0
		}
		reg.Register(plan.Family, version, func(f Flash, id *CardIdentity) (*Plan, error) {
			return plan, nil
		})
		log.Printf("Registered plan %s (%s v%d, %d steps) from lua script",
			plan.ID, plan.Family, version, len(plan.Steps))
		return 0
	}
}

// Run one plan script against the registry.
func LoadPlanScript(path string, reg *PlanRegistry) error {
	L := lua.NewState()
	defer L.Close()
	dir := filepath.Dir(path)
	L.SetGlobal("hex", L.NewFunction(luaHex))
	L.SetGlobal("base64", L.NewFunction(luaBase64))
	L.SetGlobal("file", L.NewFunction(luaFile(dir)))
	L.SetGlobal("hexfile", L.NewFunction(luaHexFile(dir)))
	L.SetGlobal("toml", L.NewFunction(luaToml))
	L.SetGlobal("checksum", L.NewFunction(luaChecksum))
	L.SetGlobal("family", L.NewFunction(luaFamily))
	L.SetGlobal("plan", L.NewFunction(luaPlan(reg)))
	if err := L.DoFile(path); err != nil {
		return fmt.Errorf("Error running plan script %s: %w", path, err)
	}
	return nil
}

// Load every .lua script in the directory, in name order. A missing
// directory loads nothing.
func LoadPlanScriptDir(dir string, reg *PlanRegistry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	names := make([]string, 0)
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".lua") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := LoadPlanScript(filepath.Join(dir, name), reg); err != nil {
			return err
		}
	}
	return nil
}
