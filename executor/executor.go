// Package executor runs the commands of one session.
//
// An Executor owns the loaded handlers and drives their lifecycle through the
// loop, more-input and paused lists of the session state region. Every
// exported method takes the state lock for its whole duration; handlers run
// with the lock held and reach the executor only through the Session they
// are given.
//
// The executor is not safe for concurrent use. The back end calls it from a
// single goroutine.
package executor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/state"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// Sink receives every frame the executor produces. Frames with a
// PRIV_IPC or PUB_IPC type are addressed to the front end; everything else is
// relayed to the client.
type Sink interface {
	Send(f ipc.SessionFrame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f ipc.SessionFrame)

// Send calls f.
func (f SinkFunc) Send(fr ipc.SessionFrame) { f(fr) }

// DB is the subset of the persistent store the executor reads.
type DB interface {
	UserByID(ctx context.Context, id types.UserID) (store.User, error)
	ChannelsForUser(ctx context.Context, user types.UserID) ([]uint64, error)
	CommandRank(ctx context.Context, module, command string) (uint32, bool, error)
	DisabledModules(ctx context.Context) (map[string]bool, error)
	SubChannel(ctx context.Context, channelID uint64, subID uint8) (store.SubChannel, error)
	MemberLevel(ctx context.Context, channelID uint64, user types.UserID) (types.MemberLevel, error)
	IsReadOnly(ctx context.Context, channelID uint64, subID uint8, level types.MemberLevel) (bool, error)
}

// Options configures an Executor.
type Options struct {
	State     *state.Store
	DB        DB
	Providers []command.Provider
	Env       *command.Env
	Sink      Sink
	Logger    *log.Logger
}

type cmdRuntime struct {
	id       uint16
	name     string
	realName string
	module   string
	summary  string
	genFile  bool
	internal bool

	h    command.Handler
	deps map[string]command.Handler

	retCode types.RetCode
	errSent bool
}

// Executor dispatches frames to loaded commands.
type Executor struct {
	st     *state.Store
	db     DB
	env    *command.Env
	sink   Sink
	logger *log.Logger

	providers []command.Provider
	offsets   map[string]uint16
	builtin   command.Provider

	cmds        map[uint16]*cmdRuntime
	loopIndex   int
	stepPending bool
}

// New validates the providers and assigns each its command id block. The
// builtin provider owns the first block; the others follow in name order.
// Incompatible providers are logged and left out.
func New(opts Options) (*Executor, error) {
	if opts.State == nil {
		return nil, errors.New("executor: state store is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("executor: sink is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	env := opts.Env
	if env == nil {
		env = &command.Env{Logger: logger}
	}

	e := &Executor{
		st:      opts.State,
		db:      opts.DB,
		env:     env,
		sink:    opts.Sink,
		logger:  logger,
		offsets: make(map[string]uint16),
		cmds:    make(map[uint16]*cmdRuntime),
	}

	providers := make([]command.Provider, 0, len(opts.Providers))
	for _, p := range opts.Providers {
		if err := command.Compatible(p); err != nil {
			logger.Warn("provider rejected", map[string]any{"provider": p.Name(), "error": err.Error()})
			continue
		}
		if _, dup := e.offsets[p.Name()]; dup {
			return nil, fmt.Errorf("executor: duplicate provider %q", p.Name())
		}
		e.offsets[p.Name()] = 0
		providers = append(providers, p)
	}
	sort.SliceStable(providers, func(i, j int) bool {
		bi, bj := providers[i].Name() == command.BuiltinName, providers[j].Name() == command.BuiltinName
		if bi != bj {
			return bi
		}
		return providers[i].Name() < providers[j].Name()
	})

	next := 2 * types.MaxCmdsPerMod
	for _, p := range providers {
		if p.Name() == command.BuiltinName {
			e.offsets[p.Name()] = types.MaxCmdsPerMod
			e.builtin = p
			e.providers = append(e.providers, p)
			continue
		}
		if next+types.MaxCmdsPerMod > 1<<16 {
			logger.Warn("provider skipped, command id space exhausted", map[string]any{"provider": p.Name()})
			delete(e.offsets, p.Name())
			continue
		}
		e.offsets[p.Name()] = uint16(next)
		e.providers = append(e.providers, p)
		next += types.MaxCmdsPerMod
	}
	return e, nil
}

// Offset returns the first command id of a provider's block.
func (e *Executor) Offset(provider string) (uint16, bool) {
	off, ok := e.offsets[provider]
	return off, ok
}

// Exec dispatches one frame from the client.
func (e *Executor) Exec(f ipc.SessionFrame) {
	e.st.Lock()
	defer e.st.Unlock()
	e.dispatch(f.CmdID, f.Payload, f.Type)
}

// StepPending reports whether a loop step is scheduled.
func (e *Executor) StepPending() bool {
	return e.stepPending
}

// Step runs the scheduled loop step: the next looping command that is not
// paused gets one call with empty input. It reports whether a command ran.
func (e *Executor) Step() bool {
	e.st.Lock()
	defer e.st.Unlock()

	if !e.stepPending {
		return false
	}
	e.stepPending = false

	id, ok := e.nextLoopID()
	if !ok {
		return false
	}
	e.dispatch(id, nil, types.TypeText)
	return true
}

// Busy reports whether any command is looping or awaiting input.
func (e *Executor) Busy() bool {
	e.st.Lock()
	defer e.st.Unlock()
	return len(e.st.CmdIDs(state.LoopCmds)) > 0 || len(e.st.CmdIDs(state.MoreInputCmds)) > 0
}

// Term stops one command. Id 0 stops every active command.
func (e *Executor) Term(id uint16) {
	e.st.Lock()
	defer e.st.Unlock()
	if id == 0 {
		e.termAll()
		return
	}
	e.term(id)
}

// TermAll stops every looping, paused or waiting command.
func (e *Executor) TermAll() {
	e.st.Lock()
	defer e.st.Unlock()
	e.termAll()
}

// Delete stops a command and unloads it.
func (e *Executor) Delete(id uint16) {
	e.st.Lock()
	defer e.st.Unlock()
	e.delete(id)
}

// Pause pauses a looping command, or every looping command when id is 0.
func (e *Executor) Pause(id uint16) {
	e.st.Lock()
	defer e.st.Unlock()
	e.pause(id, id)
}

// Resume resumes a paused command, or every paused command when id is 0.
func (e *Executor) Resume(id uint16) {
	e.st.Lock()
	defer e.st.Unlock()
	e.resume(id, id)
}

// Close unloads every command.
func (e *Executor) Close() {
	e.st.Lock()
	defer e.st.Unlock()

	ids := make([]uint16, 0, len(e.cmds))
	for id := range e.cmds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		e.delete(id)
	}
	e.stepPending = false
}

func (e *Executor) dispatch(id uint16, data []byte, t types.TypeID) {
	e.debug(fmt.Sprintf("exec: cmd id %d, type %s", id, t))

	rt, ok := e.cmds[id]
	if !ok {
		e.emitText(id, types.TypeErr, fmt.Sprintf("err: No such command id: %d.", id))
		e.emitIdle(id, types.RetInvalidParams)
		return
	}

	switch t {
	case types.TypeTermCmd:
		e.term(id)
		e.schedule()
		return
	case types.TypeYieldCmd:
		e.pause(id, id)
		return
	case types.TypeResumeCmd:
		e.resume(id, id)
		return
	}

	if e.st.HasCmd(state.PausedCmds, id) {
		return
	}

	rt.retCode = types.RetNoErrors
	rt.errSent = false
	rt.h.Process(&call{e: e, rt: rt}, data, t)

	if _, still := e.cmds[id]; still && !e.active(id) {
		e.finish(rt)
	}
	e.schedule()
}

func (e *Executor) active(id uint16) bool {
	return e.st.HasCmd(state.LoopCmds, id) || e.st.HasCmd(state.MoreInputCmds, id)
}

func (e *Executor) clearLists(id uint16) {
	e.st.RemoveCmd(state.LoopCmds, id)
	e.st.RemoveCmd(state.MoreInputCmds, id)
	e.st.RemoveCmd(state.PausedCmds, id)
}

func (e *Executor) finish(rt *cmdRuntime) {
	e.emitIdle(rt.id, rt.retCode)
	e.clearLists(rt.id)
}

// schedule arms a loop step when some looping command is runnable.
func (e *Executor) schedule() {
	e.stepPending = false
	for _, id := range e.st.CmdIDs(state.LoopCmds) {
		if !e.st.HasCmd(state.PausedCmds, id) {
			e.stepPending = true
			return
		}
	}
}

// nextLoopID advances the round robin over the loop list, visiting and
// skipping paused commands.
func (e *Executor) nextLoopID() (uint16, bool) {
	loop := e.st.CmdIDs(state.LoopCmds)
	for range loop {
		if e.loopIndex >= len(loop) {
			e.loopIndex = 0
		}
		id := loop[e.loopIndex]
		e.loopIndex++
		if !e.st.HasCmd(state.PausedCmds, id) {
			return id, true
		}
	}
	return 0, false
}

func (e *Executor) term(id uint16) {
	rt, ok := e.cmds[id]
	if !ok {
		return
	}
	e.debug(fmt.Sprintf("term: cmd id %d", id))
	code := types.RetNoErrors
	if e.terminate(rt) {
		code = types.RetAborted
	}
	e.emitIdle(id, code)
}

// terminate calls the term hooks of an active command and clears its lists.
// It reports whether the command was active.
func (e *Executor) terminate(rt *cmdRuntime) bool {
	active := e.active(rt.id)
	if active {
		c := &call{e: e, rt: rt}
		if t, ok := rt.h.(command.Terminator); ok {
			t.Term(c)
		}
		for _, dep := range rt.deps {
			if t, ok := dep.(command.Terminator); ok {
				t.Term(c)
			}
		}
	}
	e.clearLists(rt.id)
	return active
}

func (e *Executor) termAll() {
	seen := make(map[uint16]bool)
	for _, list := range []state.CmdList{state.MoreInputCmds, state.LoopCmds, state.PausedCmds} {
		for _, id := range e.st.CmdIDs(list) {
			if !seen[id] {
				seen[id] = true
				e.term(id)
			}
		}
	}
	e.stepPending = false
}

func (e *Executor) delete(id uint16) {
	rt, ok := e.cmds[id]
	if !ok {
		return
	}
	e.debug(fmt.Sprintf("delete: cmd id %d (%s)", id, rt.name))

	if e.terminate(rt) {
		e.emitIdle(id, types.RetAborted)
	}
	for name, dep := range rt.deps {
		if c, ok := dep.(command.Closer); ok {
			if err := c.Close(); err != nil {
				e.logger.Warn("dependent close failed", map[string]any{"cmd": rt.name, "dependent": name, "error": err.Error()})
			}
		}
	}
	if c, ok := rt.h.(command.Closer); ok {
		if err := c.Close(); err != nil {
			e.logger.Warn("command close failed", map[string]any{"cmd": rt.name, "error": err.Error()})
		}
	}
	delete(e.cmds, id)

	e.emit(uint16(types.AsyncRmCmd), types.TypeCmdID, binary.LittleEndian.AppendUint16(nil, id))
}

func (e *Executor) pause(id, replyTo uint16) {
	switch {
	case id == 0:
		e.st.SetCmds(state.PausedCmds, e.st.CmdIDs(state.LoopCmds))
	case e.cmds[id] == nil:
		e.emitText(replyTo, types.TypeErr, fmt.Sprintf("err: No such command id: '%d'\n", id))
	case !e.st.HasCmd(state.LoopCmds, id):
		e.emitText(replyTo, types.TypeErr, "err: The command is not currently in a loop state.\n")
	default:
		if err := e.st.AddCmd(state.PausedCmds, id); err != nil {
			e.logger.Warn("pause failed", map[string]any{"cmd_id": id, "error": err.Error()})
		}
	}
	e.schedule()
}

func (e *Executor) resume(id, replyTo uint16) {
	switch {
	case id == 0:
		e.st.ClearCmds(state.PausedCmds)
	case e.cmds[id] == nil:
		e.emitText(replyTo, types.TypeErr, fmt.Sprintf("err: No such command id: '%d'\n", id))
	case !e.st.HasCmd(state.PausedCmds, id):
		e.emitText(replyTo, types.TypeErr, "err: The command is not currently in a paused state.\n")
	default:
		e.st.RemoveCmd(state.PausedCmds, id)
	}
	e.schedule()
}

func (e *Executor) emit(id uint16, t types.TypeID, payload []byte) {
	e.sink.Send(ipc.SessionFrame{Type: t, CmdID: id, Payload: payload})
}

func (e *Executor) emitText(id uint16, t types.TypeID, text string) {
	e.emit(id, t, []byte(text))
}

func (e *Executor) emitIdle(id uint16, code types.RetCode) {
	e.emit(id, types.TypeIdle, binary.LittleEndian.AppendUint16(nil, uint16(code)))
}

func (e *Executor) backend(id types.AsyncID, payload []byte, public bool) {
	t := types.TypePrivIPC
	if public {
		t = types.TypePubIPC
	}
	e.emit(uint16(id), t, payload)
}

// debug records the current step in the crash debug buffer.
func (e *Executor) debug(msg string) {
	e.st.SetDebugInfo(msg)
	e.logger.Debug(msg, nil)
}
