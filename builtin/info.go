package builtin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/types"
)

type myInfo struct{}

func newMyInfo() command.Handler { return myInfo{} }

func (myInfo) Process(s command.Session, _ []byte, _ types.TypeID) {
	snap := s.State()

	var b strings.Builder
	fmt.Fprintf(&b, "Session id:     %s\n", snap.SessionID)
	fmt.Fprintf(&b, "IP address:     %s\n", snap.ClientIP)
	fmt.Fprintf(&b, "App name:       %s\n", snap.AppName)
	fmt.Fprintf(&b, "Client version: %d.%d.%d\n", snap.ClientVersion.Major, snap.ClientVersion.Minor, snap.ClientVersion.Patch)
	fmt.Fprintf(&b, "Host version:   %s\n", types.Version)
	if snap.LoggedIn() {
		fmt.Fprintf(&b, "User id:        %s\n", snap.UserID)
		fmt.Fprintf(&b, "User name:      %s\n", snap.UserName)
		fmt.Fprintf(&b, "Display name:   %s\n", snap.DisplayName)
		fmt.Fprintf(&b, "Host rank:      %d\n", snap.HostRank)
		fmt.Fprintf(&b, "Channels:       %d\n", len(snap.Channels))
	} else {
		b.WriteString("User:           anonymous\n")
	}
	s.MainText(b.String())
}

type lsCmds struct{}

func newLsCmds() command.Handler { return lsCmds{} }

func (lsCmds) Process(s command.Session, _ []byte, _ types.TypeID) {
	ctl := s.Control()
	if ctl == nil {
		return
	}
	var rows [][]string
	for _, c := range ctl.Commands() {
		rows = append(rows, []string{strconv.Itoa(int(c.ID)), c.Name, c.Module, c.State, c.Summary})
	}
	s.BigText(table([]string{"ID", "NAME", "MODULE", "STATE", "SUMMARY"}, rows))
}
