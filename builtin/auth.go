package builtin

import (
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// maxAuthAttempts failed passwords lock the account.
const maxAuthAttempts = 5

const passwordPrompt = "Enter password (leave blank to cancel): "

// auth logs the session in. Without -password it prompts for the password
// and stays in more-input mode until the password is accepted, the user
// cancels or the account locks.
type auth struct {
	user     string
	attempts int
}

func newAuth() command.Handler { return &auth{} }

func (a *auth) Process(s command.Session, data []byte, t types.TypeID) {
	if t != types.TypeText {
		return
	}
	db := hostStore(s)
	if db == nil {
		s.ErrText("err: User accounts are not available on this host.\n")
		s.SetRetCode(types.RetExecutionFail)
		return
	}

	if a.user != "" {
		a.tryPassword(s, db, string(data))
		return
	}

	c, err := parse(s, "auth", string(data),
		&cli.StringFlag{Name: "user"},
		&cli.StringFlag{Name: "password"},
	)
	if err != nil {
		return
	}
	name := arg(c, "user", 0)
	if name == "" {
		invalid(s, "err: A user name is required.\n")
		return
	}
	a.user = name
	if pw := c.String("password"); pw != "" {
		a.tryPassword(s, db, pw)
		return
	}
	s.PrivText(passwordPrompt)
	s.EnableMoreInput(true)
}

func (a *auth) tryPassword(s command.Session, db *store.Store, password string) {
	if password == "" {
		s.MainText("\n")
		s.SetRetCode(types.RetAborted)
		a.done(s)
		return
	}

	ctx := s.Env().Context()
	u, err := db.Authenticate(ctx, a.user, password)
	switch {
	case err == nil:
		if err := s.Control().Login(u.ID); err != nil {
			storeFailure(s, "login", err)
			a.done(s)
			return
		}
		s.MainText("Access granted.\n")
		a.done(s)
	case errors.Is(err, store.ErrBadCredentials):
		a.attempts++
		if a.attempts >= maxAuthAttempts {
			a.lock(s, db)
			invalid(s, "err: Maximum login attempts exceeded, the account is now locked.\n")
			a.done(s)
			return
		}
		s.ErrText("err: Access denied.\n\n")
		s.PrivText(passwordPrompt)
		s.EnableMoreInput(true)
	default:
		storeFailure(s, "authenticate", err)
		a.done(s)
	}
}

func (a *auth) lock(s command.Session, db *store.Store) {
	ctx := s.Env().Context()
	u, err := db.UserByName(ctx, a.user)
	if err != nil {
		return
	}
	if err := db.SetLocked(ctx, u.ID, true); err != nil {
		storeFailure(s, "lock account", err)
	}
}

func (a *auth) done(s command.Session) {
	a.user = ""
	a.attempts = 0
	s.EnableMoreInput(false)
}

// Term abandons a pending password prompt.
func (a *auth) Term(command.Session) {
	a.user = ""
	a.attempts = 0
}

type logout struct{}

func newLogout() command.Handler { return logout{} }

func (logout) Process(s command.Session, _ []byte, _ types.TypeID) {
	if !s.State().LoggedIn() {
		invalid(s, "err: This session is not logged in.\n")
		return
	}
	s.Logout()
	s.MainText("Logged out.\n")
}

type closeSession struct{}

func newClose() command.Handler { return closeSession{} }

func (closeSession) Process(s command.Session, _ []byte, _ types.TypeID) {
	s.MainText("Ending the session.\n")
	s.CloseSession()
}
