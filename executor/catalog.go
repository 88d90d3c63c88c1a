package executor

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/state"
	"github.com/pithecene-io/mrci/types"
)

// Load builds the catalog for the current identity. It is the same as
// Reload; the first call only has nothing to unload.
func (e *Executor) Load() {
	e.Reload()
}

// Reload unloads commands the session no longer qualifies for and loads the
// ones it now does. Each change is announced to the client with RM_CMD or
// NEW_CMD.
func (e *Executor) Reload() {
	e.st.Lock()
	defer e.st.Unlock()
	e.reload()
}

func (e *Executor) reload() {
	ctx := e.env.Context()
	disabled := e.disabledModules(ctx)
	anonymous := !e.st.LoggedIn()
	rank := e.st.HostRank()

	for _, p := range e.providers {
		base := e.offsets[p.Name()]
		e.debug(fmt.Sprintf("load: provider %s, id offset %d", p.Name(), base))

		if p.Name() != command.BuiltinName && disabled[p.Name()] {
			e.unloadProvider(p.Name(), nil)
			continue
		}

		names := slices.Clone(p.Commands())
		slices.SortStableFunc(names, func(a, b string) int {
			return strings.Compare(strings.ToLower(a), strings.ToLower(b))
		})
		if len(names) > types.MaxCmdsPerMod {
			e.logger.Warn("provider exceeds command block, extra commands ignored", map[string]any{
				"provider": p.Name(), "commands": len(names),
			})
			names = names[:types.MaxCmdsPerMod]
		}

		public, exempt := p.Public(), p.RankExempt()
		current := make(map[uint16]bool, len(names))
		for i, name := range names {
			id := base + uint16(i)
			current[id] = true

			ok := e.allowed(ctx, p.Name(), name, anonymous, rank, public, exempt)
			if rt, loaded := e.cmds[id]; loaded {
				if ok && rt.realName == name {
					continue
				}
				e.delete(id)
			}
			if ok {
				e.load(p, id, name)
			}
		}
		e.unloadProvider(p.Name(), current)
	}
}

// unloadProvider deletes the loaded commands of a provider whose ids are not
// in keep.
func (e *Executor) unloadProvider(provider string, keep map[uint16]bool) {
	var ids []uint16
	for id, rt := range e.cmds {
		if rt.module == provider && !keep[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		e.delete(id)
	}
}

func (e *Executor) disabledModules(ctx context.Context) map[string]bool {
	if e.db == nil {
		return nil
	}
	disabled, err := e.db.DisabledModules(ctx)
	if err != nil {
		e.logger.Error("failed to read disabled modules", map[string]any{"error": err.Error()})
		return nil
	}
	return disabled
}

// allowed applies the visibility rules: anonymous sessions see only the
// public list; logged-in sessions see exempt commands, commands whose
// configured rank is at or below their rank number, and, when no rank is
// configured, everything if they hold rank 1.
func (e *Executor) allowed(ctx context.Context, module, name string, anonymous bool, hostRank uint32, public, exempt []string) bool {
	if anonymous {
		return command.Contains(public, name)
	}
	if command.Contains(exempt, name) {
		return true
	}
	if e.db == nil {
		return hostRank == 1
	}
	cmdRank, ok, err := e.db.CommandRank(ctx, module, name)
	if err != nil {
		e.logger.Error("failed to read command rank", map[string]any{
			"module": module, "command": name, "error": err.Error(),
		})
		return false
	}
	if ok {
		return cmdRank >= hostRank
	}
	return hostRank == 1
}

func (e *Executor) load(p command.Provider, id uint16, name string) {
	unique := e.uniqueName(name)
	if !validCommandName(unique) {
		e.logger.Warn("invalid command name", map[string]any{"provider": p.Name(), "command": unique})
		return
	}

	e.debug(fmt.Sprintf("load: cmd id %d, name %s", id, name))
	h, err := p.New(name)
	if err != nil || h == nil {
		e.logger.Warn("failed to construct command", map[string]any{
			"provider": p.Name(), "command": name, "error": fmt.Sprint(err),
		})
		return
	}

	rt := &cmdRuntime{
		id:       id,
		name:     unique,
		realName: name,
		module:   p.Name(),
		internal: p.Name() == command.BuiltinName,
		h:        h,
		retCode:  types.RetNoErrors,
	}
	if s, ok := p.(command.Summarizer); ok {
		rt.summary = s.Summary(name)
	}
	if g, ok := h.(command.FileGenerator); ok {
		rt.genFile = g.GenFile()
	}
	e.attachDependents(rt)
	e.cmds[id] = rt

	e.emit(uint16(types.AsyncAddCmd), types.TypeNewCmd, ipc.MustEncode(ipc.NewCmd{
		ID:      id,
		Name:    unique,
		Module:  rt.module,
		Summary: rt.summary,
		GenFile: rt.genFile,
	}))
}

func (e *Executor) attachDependents(rt *cmdRuntime) {
	wd, ok := rt.h.(command.WithDependents)
	if !ok || e.builtin == nil {
		return
	}
	builtins := e.builtin.Commands()
	for _, name := range wd.Dependents() {
		if !command.Contains(builtins, name) {
			continue
		}
		dep, err := e.builtin.New(name)
		if err != nil || dep == nil {
			e.logger.Warn("failed to construct dependent", map[string]any{"cmd": rt.name, "dependent": name})
			continue
		}
		if rt.deps == nil {
			rt.deps = make(map[string]command.Handler)
		}
		rt.deps[strings.ToLower(name)] = dep
	}
}

// uniqueName lowercases name and appends _N until it differs from every
// loaded command name.
func (e *Executor) uniqueName(name string) string {
	taken := make(map[string]bool, len(e.cmds))
	for _, rt := range e.cmds {
		taken[rt.name] = true
	}
	base := strings.ToLower(name)
	candidate := base
	for n := 1; taken[candidate]; n++ {
		candidate = fmt.Sprintf("%s_%d", base, n)
	}
	return candidate
}

func validCommandName(name string) bool {
	if len(name) < 1 || len(name) > 64 {
		return false
	}
	return !strings.ContainsAny(name, " \r\n")
}

// Commands lists the loaded commands in id order.
func (e *Executor) Commands() []command.Info {
	e.st.Lock()
	defer e.st.Unlock()
	return e.commands()
}

func (e *Executor) commands() []command.Info {
	out := make([]command.Info, 0, len(e.cmds))
	for id, rt := range e.cmds {
		st := "idle"
		switch {
		case e.st.HasCmd(state.PausedCmds, id):
			st = "paused"
		case e.st.HasCmd(state.LoopCmds, id):
			st = "looping"
		case e.st.HasCmd(state.MoreInputCmds, id):
			st = "more_input"
		}
		out = append(out, command.Info{ID: id, Name: rt.name, Module: rt.module, Summary: rt.summary, State: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
