package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pithecene-io/mrci/types"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.db")
	for range 3 {
		s, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestUsers_CreateAndLookup(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "Alice", "hunter2", 3)
	require.NoError(t, err)
	assert.False(t, u.ID.IsZero())

	byName, err := s.UserByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)
	assert.Equal(t, uint32(3), byName.HostRank)

	byID, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", byID.Name)

	_, err = s.UserByName(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateUser(ctx, "ALICE", "x", 2)
	require.Error(t, err, "names are unique case-insensitively")
}

func TestUsers_Authenticate(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "bob", "correct horse", 2)
	require.NoError(t, err)

	got, err := s.Authenticate(ctx, "bob", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.Authenticate(ctx, "bob", "wrong")
	require.ErrorIs(t, err, ErrBadCredentials)
	_, err = s.Authenticate(ctx, "carol", "x")
	require.ErrorIs(t, err, ErrBadCredentials)

	require.NoError(t, s.SetLocked(ctx, u.ID, true))
	_, err = s.Authenticate(ctx, "bob", "correct horse")
	require.ErrorIs(t, err, ErrBadCredentials)

	require.NoError(t, s.SetLocked(ctx, u.ID, false))
	require.NoError(t, s.SetPassword(ctx, u.ID, "battery staple"))
	_, err = s.Authenticate(ctx, "bob", "battery staple")
	require.NoError(t, err)
}

func TestUsers_UpdateMissing(t *testing.T) {
	s := openTest(t)
	var ghost types.UserID
	ghost[0] = 9
	require.ErrorIs(t, s.SetRank(context.Background(), ghost, 1), ErrNotFound)
}

func TestResetRoot(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	root, err := s.ResetRoot(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), root.HostRank)

	require.NoError(t, s.SetRank(ctx, root.ID, 5))
	require.NoError(t, s.SetLocked(ctx, root.ID, true))

	again, err := s.ResetRoot(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, root.ID, again.ID)

	got, err := s.Authenticate(ctx, RootUser, "second")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.HostRank)
}

func TestChannels_MembershipAndAccess(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	owner, err := s.CreateUser(ctx, "owner", "pw", 2)
	require.NoError(t, err)
	member, err := s.CreateUser(ctx, "member", "pw", 2)
	require.NoError(t, err)

	ch, err := s.CreateChannel(ctx, "lobby", owner.ID)
	require.NoError(t, err)
	require.NoError(t, s.AddMember(ctx, ch, member.ID, types.LevelRegular))

	level, err := s.MemberLevel(ctx, ch, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LevelOwner, level)

	chans, err := s.ChannelsForUser(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{ch}, chans)

	id, err := s.ChannelID(ctx, "LOBBY")
	require.NoError(t, err)
	assert.Equal(t, ch, id)

	require.NoError(t, s.CreateSubChannel(ctx, SubChannel{
		ChannelID: ch, SubID: 1, Name: "general", LowestLevel: types.LevelRegular, ActiveUpdate: true,
	}))
	sc, err := s.SubChannel(ctx, ch, 1)
	require.NoError(t, err)
	assert.Equal(t, "general", sc.Name)
	assert.True(t, sc.ActiveUpdate)

	byName, err := s.SubChannelByName(ctx, "lobby", "general")
	require.NoError(t, err)
	assert.Equal(t, sc, byName)

	_, err = s.SubChannel(ctx, ch, 2)
	require.ErrorIs(t, err, ErrNotFound)

	ro, err := s.IsReadOnly(ctx, ch, 1, types.LevelRegular)
	require.NoError(t, err)
	assert.False(t, ro)
	require.NoError(t, s.SetReadOnly(ctx, ch, 1, types.LevelRegular, true))
	ro, err = s.IsReadOnly(ctx, ch, 1, types.LevelRegular)
	require.NoError(t, err)
	assert.True(t, ro)

	require.NoError(t, s.RemoveMember(ctx, ch, member.ID))
	_, err = s.MemberLevel(ctx, ch, member.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteChannel(ctx, ch))
	_, err = s.SubChannel(ctx, ch, 1)
	require.ErrorIs(t, err, ErrNotFound, "sub-channels cascade with their channel")
}

func TestCommandRanksAndModules(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, ok, err := s.CommandRank(ctx, "builtin", "cast")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetCommandRank(ctx, "builtin", "cast", 3))
	require.NoError(t, s.SetCommandRank(ctx, "builtin", "cast", 4))
	rank, ok, err := s.CommandRank(ctx, "builtin", "CAST")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint32(4), rank)

	require.NoError(t, s.SetModuleEnabled(ctx, "tester", "/opt/mods/tester", false))
	disabled, err := s.DisabledModules(ctx)
	require.NoError(t, err)
	assert.True(t, disabled["tester"])

	require.NoError(t, s.SetModuleEnabled(ctx, "tester", "", true))
	disabled, err = s.DisabledModules(ctx)
	require.NoError(t, err)
	assert.Empty(t, disabled)
}

func TestIPHistoryAndBans(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var sid types.SessionID
	sid[0] = 1
	require.NoError(t, s.AddIPHistory(ctx, IPEvent{IP: "10.0.0.5", SessionID: sid, AppName: "Cmdr", Event: "Session Started"}))
	require.NoError(t, s.AddIPHistory(ctx, IPEvent{IP: "10.0.0.5", SessionID: sid, Event: "Session Ended"}))

	hist, err := s.IPHistory(ctx, "10.0.0.5", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "Session Ended", hist[0].Event)
	assert.Equal(t, sid, hist[1].SessionID)
	assert.True(t, hist[1].UserID.IsZero())

	banned, err := s.IsBanned(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, s.Ban(ctx, "10.0.0.5"))
	require.NoError(t, s.Ban(ctx, "10.0.0.5"))
	banned, err = s.IsBanned(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, banned)

	require.NoError(t, s.Unban(ctx, "10.0.0.5"))
	banned, err = s.IsBanned(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestDebugMessages(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.AddDebugMessage(ctx, "first"))
	require.NoError(t, s.AddDebugMessage(ctx, "second"))

	msgs, err := s.DebugMessages(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].Message)
}

func TestHostConfig_ListenAddress(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	addr, port, err := s.ListenAddress(ctx, "0.0.0.0", 35516)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", addr)
	assert.Equal(t, 35516, port)

	require.NoError(t, s.SetListenAddress(ctx, "127.0.0.1", 4000))
	addr, port, err = s.ListenAddress(ctx, "0.0.0.0", 35516)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr)
	assert.Equal(t, 4000, port)

	require.Error(t, s.SetListenAddress(ctx, "127.0.0.1", 70000))

	require.NoError(t, s.SetHostConfig(ctx, KeyListenPort, "junk"))
	_, _, err = s.ListenAddress(ctx, "0.0.0.0", 35516)
	require.Error(t, err)
}
