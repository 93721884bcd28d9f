// Package scripting adapts an embedded Lua console to the engine's
// config and event-sink seams, for deployments that want scriptable
// server profiles and status callbacks instead of flat key/value files.
package scripting

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"

	"github.com/opentorque/servergrid/internal/eventsink"
)

// Profile is the typed server profile a config script may return under
// the "profile" key; it expands into the conventional console variables.
type Profile struct {
	Name         string
	GameType     string
	MissionType  string
	MissionName  string
	ServerType   string
	Info         string
	Status       string
	Password     string
	InviteCode   string
	MaxPlayers   int
	PrivateSlots int
	Port         int
	RegionMask   int
	Dedicated    bool
	Private      bool
}

// Console is a Lua-backed config.Store plus an optional status-callback
// sink. The script must return a table; string/number/bool values become
// console variables, and a nested "profile" table is mapped through
// gluamapper into a Profile and flattened into the usual keys.
type Console struct {
	state *lua.LState
	vars  map[string]string
}

// Load executes the script at path and captures its returned table.
func Load(path string) (*Console, error) {
	L := lua.NewState()

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("scripting: %w", err)
	}

	lv := L.Get(-1)
	table, ok := lv.(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("scripting: %s did not return a table", path)
	}

	c := &Console{state: L, vars: make(map[string]string)}

	var profileTable *lua.LTable
	table.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			return
		}
		if string(key) == "profile" {
			if t, ok := v.(*lua.LTable); ok {
				profileTable = t
			}
			return
		}
		switch val := v.(type) {
		case lua.LString:
			c.vars[string(key)] = string(val)
		case lua.LNumber:
			c.vars[string(key)] = strconv.FormatFloat(float64(val), 'f', -1, 64)
		case lua.LBool:
			if val {
				c.vars[string(key)] = "1"
			} else {
				c.vars[string(key)] = "0"
			}
		}
	})

	if profileTable != nil {
		var p Profile
		if err := gluamapper.Map(profileTable, &p); err != nil {
			L.Close()
			return nil, fmt.Errorf("scripting: bad profile table: %w", err)
		}
		c.applyProfile(p)
	}

	return c, nil
}

func (c *Console) applyProfile(p Profile) {
	set := func(key, val string) {
		if val != "" {
			c.vars[key] = val
		}
	}
	set("Pref::Server::Name", p.Name)
	set("Server::GameType", p.GameType)
	set("Server::MissionType", p.MissionType)
	set("Server::MissionName", p.MissionName)
	set("Server::ServerType", p.ServerType)
	set("Pref::Server::Info", p.Info)
	set("Server::Status", p.Status)
	set("Pref::Server::Password", p.Password)
	set("Server::InviteCode", p.InviteCode)
	if p.MaxPlayers > 0 {
		c.vars["Pref::Server::MaxPlayers"] = strconv.Itoa(p.MaxPlayers)
	}
	if p.PrivateSlots > 0 {
		c.vars["Pref::Server::PrivateSlots"] = strconv.Itoa(p.PrivateSlots)
	}
	if p.Port > 0 {
		c.vars["Pref::Server::Port"] = strconv.Itoa(p.Port)
	}
	if p.RegionMask > 0 {
		c.vars["Server::RegionMask"] = strconv.Itoa(p.RegionMask)
	}
	if p.Dedicated {
		c.vars["Server::Dedicated"] = "1"
	}
	if p.Private {
		c.vars["Server::IsPrivate"] = "1"
	}
}

// Get implements config.Store.
func (c *Console) Get(key string) (string, bool) {
	v, ok := c.vars[key]
	return v, ok
}

// Close releases the Lua state.
func (c *Console) Close() {
	c.state.Close()
}

// Sink returns an eventsink.Sink invoking the script's global
// onServerQueryStatus(phase, message, progress), when defined; callbacks
// are dropped otherwise.
func (c *Console) Sink() eventsink.Sink {
	fn := c.state.GetGlobal("onServerQueryStatus")
	if fn == lua.LNil {
		return eventsink.Nop
	}
	return eventsink.Func(func(phase eventsink.Phase, message string, progress float64) {
		err := c.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
			lua.LString(phase), lua.LString(message), lua.LNumber(progress))
		if err != nil {
			// A broken callback must not take the query down with it.
			log.Warn().Err(err).Msg("scripting: status callback failed")
		}
	})
}
