package builtin

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/mrci/command"
	"github.com/pithecene-io/mrci/ipc"
	"github.com/pithecene-io/mrci/store"
	"github.com/pithecene-io/mrci/types"
)

var subChannelFlags = []cli.Flag{
	&cli.StringFlag{Name: "ch"},
	&cli.StringFlag{Name: "sub"},
	&cli.Uint64Flag{Name: "ch_id"},
	&cli.UintFlag{Name: "sub_id"},
}

// subChannelArg resolves -ch_id/-sub_id, or a channel and sub-channel name
// given as flags or positional arguments.
func subChannelArg(s command.Session, name string, data []byte) (types.SubChannel, bool) {
	c, err := parse(s, name, string(data), subChannelFlags...)
	if err != nil {
		return types.SubChannel{}, false
	}
	if c.IsSet("ch_id") {
		sub := c.Uint("sub_id")
		if sub > 255 {
			invalid(s, fmt.Sprintf("err: '%d' is not a valid sub-channel id.\n", sub))
			return types.SubChannel{}, false
		}
		return types.SubChannel{ChannelID: c.Uint64("ch_id"), SubID: uint8(sub)}, true
	}

	ch, sub := arg(c, "ch", 0), arg(c, "sub", 1)
	if ch == "" || sub == "" {
		invalid(s, "err: A channel and sub-channel are required.\n")
		return types.SubChannel{}, false
	}
	db := hostStore(s)
	if db == nil {
		invalid(s, "err: Channels are not available on this host.\n")
		return types.SubChannel{}, false
	}
	sc, err := db.SubChannelByName(s.Env().Context(), ch, sub)
	if errors.Is(err, store.ErrNotFound) {
		invalid(s, fmt.Sprintf("err: Sub-channel '%s' does not exist in channel '%s'.\n", sub, ch))
		return types.SubChannel{}, false
	}
	if err != nil {
		storeFailure(s, "resolve sub-channel", err)
		return types.SubChannel{}, false
	}
	return types.SubChannel{ChannelID: sc.ChannelID, SubID: sc.SubID}, true
}

type openSubCh struct{}

func newOpenSubCh() command.Handler { return openSubCh{} }

func (openSubCh) Process(s command.Session, data []byte, t types.TypeID) {
	if t != types.TypeText {
		return
	}
	sc, ok := subChannelArg(s, "open_sub_ch", data)
	if !ok {
		return
	}
	if !s.OpenChannel(sc.ChannelID, sc.SubID) {
		s.SetRetCode(types.RetInvalidParams)
	}
}

type closeSubCh struct{}

func newCloseSubCh() command.Handler { return closeSubCh{} }

func (closeSubCh) Process(s command.Session, data []byte, t types.TypeID) {
	if t != types.TypeText {
		return
	}
	sc, ok := subChannelArg(s, "close_sub_ch", data)
	if !ok {
		return
	}
	if !s.CloseChannel(sc.ChannelID, sc.SubID) {
		s.SetRetCode(types.RetInvalidParams)
	}
}

type lsOpenChs struct{}

func newLsOpenChs() command.Handler { return lsOpenChs{} }

func (lsOpenChs) Process(s command.Session, _ []byte, _ types.TypeID) {
	snap := s.State()
	writable := make(map[types.SubChannel]bool, len(snap.WritableSubChannels))
	for _, sc := range snap.WritableSubChannels {
		writable[sc] = true
	}
	var rows [][]string
	for _, sc := range snap.OpenSubChannels {
		rows = append(rows, []string{
			strconv.FormatUint(sc.ChannelID, 10),
			strconv.Itoa(int(sc.SubID)),
			strconv.FormatBool(writable[sc]),
		})
	}
	s.MainText(table([]string{"CHANNEL_ID", "SUB_ID", "WRITABLE"}, rows))
}

type cast struct{}

func newCast() command.Handler { return cast{} }

func (cast) Process(s command.Session, data []byte, t types.TypeID) {
	if t != types.TypeText {
		return
	}
	if len(data) == 0 {
		invalid(s, "err: Nothing to cast.\n")
		return
	}
	if !s.Broadcast(types.TypeText, data) {
		invalid(s, "err: No writable sub-channels are open.\n")
	}
}

type pingPeers struct{}

func newPingPeers() command.Handler { return pingPeers{} }

// Process sends PING_PEERS to every open sub-channel, read-only ones
// included, as a limited cast. Sessions with active updates answer with
// their PEER_INFO over a direct link.
func (pingPeers) Process(s command.Session, _ []byte, _ types.TypeID) {
	snap := s.State()
	if len(snap.OpenSubChannels) == 0 {
		invalid(s, "err: No sub-channels are open.\n")
		return
	}
	ctl := s.Control()
	if ctl == nil {
		return
	}
	c := ipc.Cast{
		Header: ipc.HeaderOf(snap.OpenSubChannels),
		Type:   types.TypePingPeers,
		Data:   snap.SessionID[:],
	}
	ctl.Backend(types.AsyncLimitedCast, c.Encode(), false)
}
