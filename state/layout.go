package state

import "github.com/pithecene-io/mrci/types"

// magic identifies a session state file; the trailing byte is the layout version.
var magic = [4]byte{'M', 'R', 'S', 2}

// field is a fixed-offset block inside the region.
type field struct {
	off  int
	size int
}

// slots is a field divided into equal entries. A zeroed entry is empty and
// occupied entries are kept contiguous from the start of the block.
type slots struct {
	field
	width int
	count int
}

// layout holds every offset of the region. It is computed once, in
// declaration order, by newLayout.
type layout struct {
	magic           field
	sessionID       field
	userID          field
	userName        field
	displayName     field
	groupName       field
	appName         field
	clientIP        field
	clientVersion   field
	hostRank        field
	activeUpdate    field
	chOwnerOverride field
	chList          slots
	openSubChs      slots
	openWrSubChs    slots
	closedSubChs    slots
	p2pPending      slots
	p2pAccepted     slots
	loopCmds        slots
	moreInputCmds   slots
	pausedCmds      slots
	debugLen        field
	debug           field
	size            int
}

type layoutBuilder struct {
	next int
}

func (b *layoutBuilder) field(size int) field {
	f := field{off: b.next, size: size}
	b.next += size
	return f
}

func (b *layoutBuilder) slots(width, count int) slots {
	return slots{field: b.field(width * count), width: width, count: count}
}

func newLayout() layout {
	var b layoutBuilder
	l := layout{
		magic:           b.field(len(magic)),
		sessionID:       b.field(types.SessionIDSize),
		userID:          b.field(types.UserIDSize),
		userName:        b.field(types.UserNameSize),
		displayName:     b.field(types.DisplayNameSize),
		groupName:       b.field(types.GroupNameSize),
		appName:         b.field(types.AppNameSize),
		clientIP:        b.field(types.ClientIPSize),
		clientVersion:   b.field(6),
		hostRank:        b.field(4),
		activeUpdate:    b.field(1),
		chOwnerOverride: b.field(1),
		chList:          b.slots(types.ChannelIDSize, types.MaxChannelsPerUser),
		openSubChs:      b.slots(types.SubChannelSize, types.MaxOpenSubChannels),
		openWrSubChs:    b.slots(types.SubChannelSize, types.MaxOpenSubChannels),
		closedSubChs:    b.slots(types.SubChannelSize, types.MaxOpenSubChannels),
		p2pPending:      b.slots(types.SessionIDSize, types.MaxP2PLinks),
		p2pAccepted:     b.slots(types.SessionIDSize, types.MaxP2PLinks),
		loopCmds:        b.slots(2, types.MaxLifecycleCmds),
		moreInputCmds:   b.slots(2, types.MaxLifecycleCmds),
		pausedCmds:      b.slots(2, types.MaxLifecycleCmds),
		debugLen:        b.field(2),
		debug:           b.field(types.DebugBufferSize),
	}
	l.size = b.next
	return l
}

var regionLayout = newLayout()

// RegionSize is the size in bytes of a session state file.
var RegionSize = regionLayout.size
