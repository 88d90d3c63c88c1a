package executor

import (
	"strings"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/state"
	"github.com/pithecene-io/mrci/types"
)

// blockedType reports whether t is managed by the host and may not be
// emitted by command code.
func blockedType(t types.TypeID) bool {
	switch t {
	case types.TypePrivIPC, types.TypePubIPC, types.TypePingPeers, types.TypePeerStat,
		types.TypeMyInfo, types.TypePeerInfo, types.TypeHostCert, types.TypeIdle, types.TypeNewCmd:
		return true
	}
	return false
}

// call is the command.Session handed to one handler invocation.
type call struct {
	e  *Executor
	rt *cmdRuntime
}

var _ command.Session = (*call)(nil)

func (c *call) CmdID() uint16                 { return c.rt.id }
func (c *call) State() state.Snapshot         { return c.e.st.Snapshot() }
func (c *call) Env() *command.Env             { return c.e.env }
func (c *call) MainText(text string)          { c.e.emitText(c.rt.id, types.TypeText, text) }
func (c *call) PrivText(text string)          { c.e.emitText(c.rt.id, types.TypePrivText, text) }
func (c *call) BigText(text string)           { c.e.emitText(c.rt.id, types.TypeBigText, text) }
func (c *call) SetRetCode(code types.RetCode) { c.rt.retCode = code }
func (c *call) ErrSent() bool                 { return c.rt.errSent }

func (c *call) ErrText(text string) {
	c.rt.errSent = true
	c.e.emitText(c.rt.id, types.TypeErr, text)
}

// Send emits a raw frame. Builtin commands may send anything but IDLE and
// NEW_CMD; other commands are also kept away from host-managed and P2P types.
func (c *call) Send(t types.TypeID, payload []byte) {
	if c.rt.internal {
		if t == types.TypeIdle || t == types.TypeNewCmd {
			return
		}
	} else if blockedType(t) || t.IsP2P() {
		c.e.logger.Debug("blocked command output", map[string]any{"cmd": c.rt.name, "type": t.String()})
		return
	}
	c.e.emit(c.rt.id, t, payload)
}

func (c *call) EnableLoop(on bool) {
	id := c.rt.id
	if on {
		if err := c.e.st.AddCmd(state.LoopCmds, id); err != nil {
			c.e.logger.Warn("enable loop failed", map[string]any{"cmd": c.rt.name, "error": err.Error()})
			return
		}
		c.e.st.RemoveCmd(state.MoreInputCmds, id)
		return
	}
	c.e.st.RemoveCmd(state.LoopCmds, id)
	c.e.st.RemoveCmd(state.PausedCmds, id)
}

func (c *call) EnableMoreInput(on bool) {
	id := c.rt.id
	if on {
		if err := c.e.st.AddCmd(state.MoreInputCmds, id); err != nil {
			c.e.logger.Warn("enable more input failed", map[string]any{"cmd": c.rt.name, "error": err.Error()})
			return
		}
		c.e.st.RemoveCmd(state.LoopCmds, id)
		c.e.st.RemoveCmd(state.PausedCmds, id)
		return
	}
	c.e.st.RemoveCmd(state.MoreInputCmds, id)
}

func (c *call) OpenChannel(channelID uint64, subID uint8) bool {
	return c.e.openChannel(c.rt.id, types.SubChannel{ChannelID: channelID, SubID: subID})
}

func (c *call) CloseChannel(channelID uint64, subID uint8) bool {
	return c.e.closeChannel(c.rt.id, types.SubChannel{ChannelID: channelID, SubID: subID})
}

func (c *call) Broadcast(t types.TypeID, payload []byte) bool {
	return c.e.broadcast(t, payload)
}

func (c *call) DirectToPeer(dst types.SessionID, t types.TypeID, payload []byte) bool {
	return c.e.toPeer(c.rt.id, dst, t, payload)
}

func (c *call) Logout()       { c.e.logout() }
func (c *call) CloseSession() { c.e.backend(types.AsyncEndSession, nil, false) }

func (c *call) Dependent(name string) command.Handler {
	return c.rt.deps[strings.ToLower(name)]
}

func (c *call) Control() command.Control {
	if !c.rt.internal {
		return nil
	}
	return control{e: c.e, replyTo: c.rt.id}
}

// control runs executor operations from inside a builtin handler, where the
// state lock is already held.
type control struct {
	e       *Executor
	replyTo uint16
}

func (c control) Login(user types.UserID) error { return c.e.login(user) }
func (c control) TermAll()                      { c.e.termAll() }
func (c control) Pause(id uint16)               { c.e.pause(id, c.replyTo) }
func (c control) Resume(id uint16)              { c.e.resume(id, c.replyTo) }
func (c control) Reload()                       { c.e.reload() }
func (c control) Commands() []command.Info      { return c.e.commands() }

func (c control) TermCommand(id uint16) {
	if id == 0 {
		c.e.termAll()
		return
	}
	c.e.term(id)
}

func (c control) Backend(id types.AsyncID, payload []byte, public bool) {
	c.e.backend(id, payload, public)
}
