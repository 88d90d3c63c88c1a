// Package builtin implements the host's own commands: command state control,
// session info, authentication, sub-channels and P2P links.
//
// Arguments are parsed with urfave/cli the same way the process CLI parses
// its flags, so every command accepts -flag value pairs and positional
// arguments.
package builtin

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"unicode"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

// Specs returns every builtin command.
func Specs() []command.Spec {
	return []command.Spec{
		{Name: "term", Summary: "terminate a running command, or all of them", Public: true, New: newTerm},
		{Name: "pause", Summary: "pause a looping command, or all of them", Public: true, New: newPause},
		{Name: "resume", Summary: "resume a paused command, or all of them", Public: true, New: newResume},
		{Name: "my_info", Summary: "show this session's identity", Public: true, New: newMyInfo},
		{Name: "ls_cmds", Summary: "list the loaded commands", Public: true, New: newLsCmds},
		{Name: "auth", Summary: "log in with a user name and password", Public: true, New: newAuth},
		{Name: "close", Summary: "end the session", Public: true, New: newClose},
		{Name: "logout", Summary: "log out of the current account", Exempt: true, New: newLogout},
		{Name: "ls_open_chs", Summary: "list open sub-channels", Exempt: true, New: newLsOpenChs},
		{Name: "ls_p2p", Summary: "list P2P links", Exempt: true, New: newLsP2P},
		{Name: "open_sub_ch", Summary: "open a sub-channel", New: newOpenSubCh},
		{Name: "close_sub_ch", Summary: "close a sub-channel", New: newCloseSubCh},
		{Name: "cast", Summary: "send text to every writable open sub-channel", New: newCast},
		{Name: "ping_peers", Summary: "ask sessions on open sub-channels to identify themselves", New: newPingPeers},
		{Name: "p2p_request", Summary: "request a P2P link with a session", New: p2pCommand(types.TypeP2PRequest)},
		{Name: "p2p_open", Summary: "accept a pending P2P request", New: p2pCommand(types.TypeP2POpen)},
		{Name: "p2p_close", Summary: "close or decline a P2P link", New: p2pCommand(types.TypeP2PClose)},
		{Name: "to_peer", Summary: "send text to a P2P peer", New: newToPeer},
	}
}

// Provider returns the builtin provider.
func Provider() *command.StaticProvider {
	return command.NewStaticProvider(command.BuiltinName, types.HostRevision, Specs()...)
}

// Factory registers the builtin provider with a command.Registry.
func Factory(*command.Env) (command.Provider, error) {
	return Provider(), nil
}

// errUsage is returned by parse when the arguments do not fit the flags.
var errUsage = errors.New("usage")

// parse runs input through a urfave/cli app built from flags. Parse
// failures are reported to the session as error text.
func parse(s command.Session, name, input string, flags ...cli.Flag) (*cli.Context, error) {
	var got *cli.Context
	app := &cli.App{
		Name:            name,
		Flags:           flags,
		HideHelp:        true,
		HideHelpCommand: true,
		HideVersion:     true,
		Writer:          io.Discard,
		ErrWriter:       io.Discard,
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return err
		},
		Action: func(c *cli.Context) error {
			got = c
			return nil
		},
	}
	if err := app.Run(append([]string{name}, splitArgs(input)...)); err != nil {
		invalid(s, fmt.Sprintf("err: %s: %v\n", name, err))
		return nil, errUsage
	}
	return got, nil
}

// splitArgs splits on spaces, keeping double-quoted runs together.
func splitArgs(input string) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
		have   bool
	)
	for _, r := range input {
		switch {
		case r == '"':
			quoted = !quoted
			have = true
		case unicode.IsSpace(r) && !quoted:
			if have {
				out = append(out, cur.String())
				cur.Reset()
				have = false
			}
		default:
			cur.WriteRune(r)
			have = true
		}
	}
	if have {
		out = append(out, cur.String())
	}
	return out
}

// arg returns the named flag, falling back to the positional argument at i.
func arg(c *cli.Context, flag string, i int) string {
	if v := c.String(flag); v != "" {
		return v
	}
	return c.Args().Get(i)
}

func invalid(s command.Session, msg string) {
	s.ErrText(msg)
	s.SetRetCode(types.RetInvalidParams)
}

func storeFailure(s command.Session, op string, err error) {
	if env := s.Env(); env != nil && env.Logger != nil {
		env.Logger.Error("builtin store failure", map[string]any{"op": op, "error": err.Error()})
	}
	s.ErrText("err: Internal database failure.\n")
	s.SetRetCode(types.RetExecutionFail)
}

func hostStore(s command.Session) *store.Store {
	if env := s.Env(); env != nil {
		return env.Store
	}
	return nil
}

// cmdIDArg reads a command id from a CMD_ID payload or from text. An empty
// argument means every command.
func cmdIDArg(data []byte, t types.TypeID) (uint16, error) {
	if t == types.TypeCmdID {
		if len(data) == 0 {
			return 0, nil
		}
		if len(data) < 2 {
			return 0, fmt.Errorf("command id payload is %d bytes", len(data))
		}
		return binary.LittleEndian.Uint16(data), nil
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(text, "-id "), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("'%s' is not a valid command id", text)
	}
	return uint16(n), nil
}

// parseSessionID reads a hex session id.
func parseSessionID(text string) (types.SessionID, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(text))
	if err != nil || len(raw) != types.SessionIDSize {
		return types.SessionID{}, fmt.Errorf("'%s' is not a valid session id", text)
	}
	return types.ParseSessionID(raw)
}

// table renders rows with a header using tabwriter.
func table(header []string, rows [][]string) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
	return b.String()
}
