// Package command defines the contracts between the executor and the code
// it runs: handlers, the providers that construct them, and the registry
// the back end builds its catalog from.
package command

import (
	"context"

	"github.com/pithecene-io/mrci/log"
	"github.com/pithecene-io/mrci/state"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// BuiltinName is the provider name of the host's own commands. The builtin
// provider always owns the first command id block.
const BuiltinName = "builtin"

// Handler is one loaded command.
//
// Process runs synchronously on the executor goroutine with the session state
// locked. A handler that wants more input calls EnableMoreInput; one that
// wants to keep running without input calls EnableLoop. Returning with
// neither set finishes the command.
type Handler interface {
	Process(s Session, data []byte, t types.TypeID)
}

// Terminator is implemented by handlers that hold state across calls.
// Term is called only while the command is looping or awaiting input.
type Terminator interface {
	Term(s Session)
}

// WithDependents is implemented by handlers that drive other builtin
// handlers. The executor constructs one instance of each named builtin and
// exposes it through Session.Dependent.
type WithDependents interface {
	Dependents() []string
}

// Closer is implemented by handlers that release resources when unloaded.
type Closer interface {
	Close() error
}

// FileGenerator is implemented by handlers that drive a file transfer.
// Clients treat such commands as GEN_FILE capable.
type FileGenerator interface {
	GenFile() bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s Session, data []byte, t types.TypeID)

// Process calls f.
func (f HandlerFunc) Process(s Session, data []byte, t types.TypeID) {
	f(s, data, t)
}

// Session is a handler's view of the session while it runs.
// It is only valid for the duration of the call it was passed to.
type Session interface {
	// CmdID is the id the running command is loaded under.
	CmdID() uint16
	// State is a copy of the shared session state taken at dispatch.
	State() state.Snapshot
	// Env carries host services.
	Env() *Env

	MainText(text string)
	ErrText(text string)
	PrivText(text string)
	BigText(text string)
	// Send emits a raw frame under the command's id. Host-managed types
	// are dropped.
	Send(t types.TypeID, payload []byte)
	// SetRetCode sets the code reported in the command's IDLE frame.
	SetRetCode(code types.RetCode)
	// ErrSent reports whether error text was emitted during this call.
	ErrSent() bool

	EnableLoop(on bool)
	EnableMoreInput(on bool)

	OpenChannel(channelID uint64, subID uint8) bool
	CloseChannel(channelID uint64, subID uint8) bool
	Broadcast(t types.TypeID, payload []byte) bool
	DirectToPeer(dst types.SessionID, t types.TypeID, payload []byte) bool

	Logout()
	CloseSession()

	// Dependent returns a builtin handler requested through WithDependents.
	Dependent(name string) Handler
	// Control returns executor controls, or nil for non-builtin commands.
	Control() Control
}

// Info describes one loaded command.
type Info struct {
	ID      uint16 `json:"id" msgpack:"id"`
	Name    string `json:"name" msgpack:"name"`
	Module  string `json:"module" msgpack:"module"`
	Summary string `json:"summary,omitempty" msgpack:"summary,omitempty"`
	State   string `json:"state" msgpack:"state"`
}

// Control is the privileged surface given to builtin commands.
type Control interface {
	Login(user types.UserID) error
	TermCommand(id uint16)
	TermAll()
	Pause(id uint16)
	Resume(id uint16)
	Reload()
	Commands() []Info
	// Backend sends a control message to the front end. public publishes it
	// to every other session.
	Backend(id types.AsyncID, payload []byte, public bool)
}

// Env carries the host services available to handlers.
type Env struct {
	Ctx    context.Context
	Store  *store.Store
	Logger *log.Logger
}

// Context returns the env context, falling back to Background.
func (e *Env) Context() context.Context {
	if e == nil || e.Ctx == nil {
		return context.Background()
	}
	return e.Ctx
}
