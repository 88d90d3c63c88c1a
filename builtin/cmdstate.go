package builtin

import (
	"fmt"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/types"
)

// stateCmd drives one of the executor's command state controls.
type stateCmd struct {
	apply func(c command.Control, id uint16)
}

func newTerm() command.Handler {
	return &stateCmd{apply: func(c command.Control, id uint16) {
		if id == 0 {
			c.TermAll()
			return
		}
		c.TermCommand(id)
	}}
}

func newPause() command.Handler {
	return &stateCmd{apply: command.Control.Pause}
}

func newResume() command.Handler {
	return &stateCmd{apply: command.Control.Resume}
}

func (h *stateCmd) Process(s command.Session, data []byte, t types.TypeID) {
	if t != types.TypeCmdID && t != types.TypeText {
		return
	}
	id, err := cmdIDArg(data, t)
	if err != nil {
		invalid(s, "err: "+err.Error()+"\n")
		return
	}
	ctl := s.Control()
	if ctl == nil {
		return
	}
	if id != 0 && !loaded(ctl, id) {
		invalid(s, fmt.Sprintf("err: No such command id: '%d'\n", id))
		return
	}
	h.apply(ctl, id)
}

func loaded(ctl command.Control, id uint16) bool {
	for _, c := range ctl.Commands() {
		if c.ID == id {
			return true
		}
	}
	return false
}
