package builtin

import (
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/types"
)

// p2pCommand sends one of the P2P negotiation frames to the session named by
// the argument.
func p2pCommand(t types.TypeID) func() command.Handler {
	return func() command.Handler {
		return command.HandlerFunc(func(s command.Session, data []byte, in types.TypeID) {
			if in != types.TypeText {
				return
			}
			dst, err := parseSessionID(string(data))
			if err != nil {
				invalid(s, "err: "+err.Error()+"\n")
				return
			}
			if !s.DirectToPeer(dst, t, nil) {
				s.SetRetCode(types.RetInvalidParams)
			}
		})
	}
}

type toPeer struct{}

func newToPeer() command.Handler { return toPeer{} }

func (toPeer) Process(s command.Session, data []byte, t types.TypeID) {
	if t != types.TypeText {
		return
	}
	c, err := parse(s, "to_peer", string(data),
		&cli.StringFlag{Name: "sid"},
		&cli.StringFlag{Name: "text"},
	)
	if err != nil {
		return
	}
	dst, err := parseSessionID(arg(c, "sid", 0))
	if err != nil {
		invalid(s, "err: "+err.Error()+"\n")
		return
	}
	text := c.String("text")
	if text == "" {
		rest := c.Args().Slice()
		if !c.IsSet("sid") && len(rest) > 0 {
			rest = rest[1:]
		}
		text = strings.Join(rest, " ")
	}
	if text == "" {
		invalid(s, "err: Nothing to send.\n")
		return
	}
	if !s.DirectToPeer(dst, types.TypeText, []byte(text)) {
		s.SetRetCode(types.RetInvalidParams)
	}
}

type lsP2P struct{}

func newLsP2P() command.Handler { return lsP2P{} }

func (lsP2P) Process(s command.Session, _ []byte, _ types.TypeID) {
	snap := s.State()
	var rows [][]string
	for _, id := range snap.P2PAccepted {
		rows = append(rows, []string{id.String(), "accepted"})
	}
	for _, id := range snap.P2PPending {
		rows = append(rows, []string{id.String(), "pending"})
	}
	s.MainText(table([]string{"SESSION_ID", "STATE"}, rows))
}
