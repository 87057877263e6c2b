package replica

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/ttclient/types"
)

// tree builds root(1) -> lounge(2) -> quiet(3), root -> games(4).
func tree(t *testing.T) *Replica {
	t.Helper()
	r := New()
	for _, c := range []types.Channel{
		{ID: 1, Name: ""},
		{ID: 2, ParentID: 1, Name: "Lounge"},
		{ID: 3, ParentID: 2, Name: "Quiet"},
		{ID: 4, ParentID: 1, Name: "Games"},
	} {
		changed, err := r.AddChannel(c)
		require.NoError(t, err)
		require.True(t, changed)
	}
	return r
}

// checkTree asserts that every non-root parent resolves and no channel is
// its own ancestor.
func checkTree(t *testing.T, r *Replica) {
	t.Helper()
	byID := make(map[types.ChannelID]types.Channel)
	for _, c := range r.Channels() {
		byID[c.ID] = c
	}
	for _, c := range byID {
		seen := map[types.ChannelID]bool{c.ID: true}
		for p := c.ParentID; p != 0; p = byID[p].ParentID {
			_, ok := byID[p]
			require.True(t, ok, "channel %d has dangling ancestor %d", c.ID, p)
			require.False(t, seen[p], "channel %d is its own ancestor", c.ID)
			seen[p] = true
		}
	}
}

func TestAddChannel(t *testing.T) {
	r := tree(t)
	checkTree(t, r)

	tests := []struct {
		name    string
		channel types.Channel
		wantErr error
		changed bool
	}{
		{"unknown parent", types.Channel{ID: 9, ParentID: 42, Name: "x"}, ErrUnknownChannel, false},
		{"self parent", types.Channel{ID: 10, ParentID: 10, Name: "x"}, ErrUnknownChannel, false},
		{"second root", types.Channel{ID: 11, Name: "x"}, ErrDuplicateRoot, false},
		{"zero id", types.Channel{ID: 0, ParentID: 1}, nil, false},
		{"identical re-add", types.Channel{ID: 2, ParentID: 1, Name: "Lounge"}, nil, false},
		{"re-add with changes", types.Channel{ID: 2, ParentID: 1, Name: "Lobby"}, nil, true},
		{"re-add creating cycle", types.Channel{ID: 2, ParentID: 3, Name: "Lobby"}, ErrChannelCycle, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := r.AddChannel(tt.channel)
			if tt.name == "zero id" {
				assert.Error(t, err)
				return
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.changed, changed)
			checkTree(t, r)
		})
	}

	c, ok := r.Channel(2)
	require.True(t, ok)
	assert.Equal(t, "Lobby", c.Name)
	assert.Equal(t, types.ChannelID(1), c.ParentID)
}

func TestUpdateChannel(t *testing.T) {
	r := tree(t)

	c, changed, err := r.UpdateChannel(3, types.ChannelPatch{Topic: types.Ptr("shh")})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "shh", c.Topic)
	assert.Equal(t, "Quiet", c.Name, "fields absent from the patch are kept")

	_, changed, err = r.UpdateChannel(3, types.ChannelPatch{Topic: types.Ptr("shh")})
	require.NoError(t, err)
	assert.False(t, changed, "identical update is a no-op")

	_, _, err = r.UpdateChannel(2, types.ChannelPatch{ParentID: types.Ptr(types.ChannelID(3))})
	assert.ErrorIs(t, err, ErrChannelCycle)

	_, _, err = r.UpdateChannel(2, types.ChannelPatch{ParentID: types.Ptr(types.ChannelID(77))})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	_, _, err = r.UpdateChannel(77, types.ChannelPatch{Name: types.Ptr("x")})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	c, changed, err = r.UpdateChannel(3, types.ChannelPatch{ParentID: types.Ptr(types.ChannelID(4))})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.ChannelID(4), c.ParentID)
	checkTree(t, r)

	path, ok := r.ChannelPath(3)
	require.True(t, ok)
	assert.Equal(t, "/Games/Quiet/", path)
}

func TestRemoveChannel(t *testing.T) {
	r := tree(t)

	_, err := r.RemoveChannel(2)
	assert.ErrorIs(t, err, ErrChannelHasChildren)

	_, _, err = r.JoinUser(types.User{ID: 5, ChannelID: 3})
	require.NoError(t, err)
	_, err = r.RemoveChannel(3)
	assert.ErrorIs(t, err, ErrChannelHasUsers)

	_, _, err = r.LeaveUser(5)
	require.NoError(t, err)
	removed, err := r.RemoveChannel(3)
	require.NoError(t, err)
	assert.Equal(t, "Quiet", removed.Name)

	_, err = r.RemoveChannel(3)
	assert.ErrorIs(t, err, ErrUnknownChannel)

	_, err = r.RemoveChannel(2)
	assert.NoError(t, err)
	checkTree(t, r)
}

func TestChannelFiles(t *testing.T) {
	r := tree(t)

	readme := types.RemoteFile{ChannelID: 3, ID: 7, Name: "readme.txt", Size: 12, Owner: "admin"}
	notes := types.RemoteFile{ChannelID: 3, ID: 2, Name: "notes.txt", Size: 40, Owner: "guest"}

	_, err := r.AddFile(types.RemoteFile{ChannelID: 42, ID: 1, Name: "lost"})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	for _, f := range []types.RemoteFile{readme, notes} {
		changed, err := r.AddFile(f)
		require.NoError(t, err)
		assert.True(t, changed)
	}
	changed, err := r.AddFile(readme)
	require.NoError(t, err)
	assert.False(t, changed, "same announcement twice")

	assert.Equal(t, []types.RemoteFile{notes, readme}, r.ChannelFiles(3))
	assert.Empty(t, r.ChannelFiles(2))

	removed, err := r.RemoveFile(3, 2)
	require.NoError(t, err)
	assert.Equal(t, notes, removed)
	_, err = r.RemoveFile(3, 2)
	assert.ErrorIs(t, err, ErrUnknownFile)
	_, err = r.RemoveFile(2, 7)
	assert.ErrorIs(t, err, ErrUnknownFile, "file id belongs to another channel")

	_, err = r.RemoveChannel(3)
	require.NoError(t, err)
	assert.Empty(t, r.ChannelFiles(3), "files go with their channel")

	_, err = r.AddFile(types.RemoteFile{ChannelID: 4, ID: 1, Name: "a"})
	require.NoError(t, err)
	r.Reset()
	assert.Empty(t, r.ChannelFiles(4))
}

func TestChannelQueries(t *testing.T) {
	r := tree(t)

	root, ok := r.RootChannel()
	require.True(t, ok)
	assert.Equal(t, types.ChannelID(1), root.ID)

	path, ok := r.ChannelPath(1)
	require.True(t, ok)
	assert.Equal(t, "/", path)
	path, _ = r.ChannelPath(3)
	assert.Equal(t, "/Lounge/Quiet/", path)
	_, ok = r.ChannelPath(99)
	assert.False(t, ok)

	c, ok := r.ChannelByPath("/lounge/quiet/")
	require.True(t, ok)
	assert.Equal(t, types.ChannelID(3), c.ID)
	c, ok = r.ChannelByPath("/")
	require.True(t, ok)
	assert.Equal(t, types.ChannelID(1), c.ID)
	_, ok = r.ChannelByPath("/nope/")
	assert.False(t, ok)

	subs := r.SubChannels(1)
	require.Len(t, subs, 2)
	assert.Equal(t, types.ChannelID(2), subs[0].ID)
	assert.Equal(t, types.ChannelID(4), subs[1].ID)

	all := r.Channels()
	require.Len(t, all, 4)
	all[0].Name = "mutated"
	again, _ := r.Channel(all[0].ID)
	assert.NotEqual(t, "mutated", again.Name, "snapshots are copies")
}

func TestUserLifecycle(t *testing.T) {
	r := tree(t)
	r.SetMyUserID(7)

	u := types.NewUser(7)
	u.Nickname = "me"
	_, changed, err := r.LoginUser(u)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.ChannelID(0), r.MyChannelID())

	u.ChannelID = 2
	joined, changed, err := r.JoinUser(u)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, types.ChannelID(2), joined.ChannelID)
	assert.Equal(t, types.ChannelID(2), r.MyChannelID())
	assert.Len(t, r.ChannelUsers(2), 1)

	_, changed, err = r.JoinUser(u)
	require.NoError(t, err)
	assert.False(t, changed, "identical join is a no-op")

	_, _, err = r.JoinUser(types.User{ID: 7, ChannelID: 55})
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Equal(t, types.ChannelID(2), r.MyChannelID(), "rejected diff leaves state untouched")

	left, from, err := r.LeaveUser(7)
	require.NoError(t, err)
	assert.Equal(t, types.ChannelID(2), from)
	assert.Equal(t, types.ChannelID(0), left.ChannelID)

	out, err := r.LogoutUser(7)
	require.NoError(t, err)
	assert.Equal(t, "me", out.Nickname)
	_, ok := r.User(7)
	assert.False(t, ok)

	_, err = r.LogoutUser(7)
	assert.ErrorIs(t, err, ErrUnknownUser)
	_, _, err = r.LeaveUser(7)
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, _, err = r.LoginUser(types.User{ID: 0})
	assert.Error(t, err)
}

func TestUpdateUserMergesFields(t *testing.T) {
	r := tree(t)
	u := types.NewUser(3)
	u.Nickname = "bob"
	u.StatusMessage = "here"
	_, _, err := r.LoginUser(u)
	require.NoError(t, err)

	// Two diffs touching different fields must both survive.
	_, _, err = r.UpdateUser(3, types.UserPatch{Nickname: types.Ptr("bobby")})
	require.NoError(t, err)
	got, changed, err := r.UpdateUser(3, types.UserPatch{StatusMessage: types.Ptr("away")})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "bobby", got.Nickname)
	assert.Equal(t, "away", got.StatusMessage)

	_, changed, err = r.UpdateUser(3, types.UserPatch{StatusMessage: types.Ptr("away")})
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = r.UpdateUser(99, types.UserPatch{Nickname: types.Ptr("ghost")})
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, _, err = r.UpdateUser(3, types.UserPatch{ChannelID: types.Ptr(types.ChannelID(99))})
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestLoginKeepsLocalPlayback(t *testing.T) {
	r := New()
	u := types.NewUser(4)
	_, _, err := r.LoginUser(u)
	require.NoError(t, err)

	_, _, err = r.UpdateUser(4, types.UserPatch{VolumeVoice: types.Ptr(500)})
	require.NoError(t, err)

	u.Nickname = "renamed"
	got, _, err := r.LoginUser(u)
	require.NoError(t, err)
	assert.Equal(t, 500, got.VolumeVoice)
	assert.Equal(t, "renamed", got.Nickname)
}

func TestAccountPagination(t *testing.T) {
	r := New()
	store := []types.UserAccount{{Username: "a"}, {Username: "b"}, {Username: "c"}, {Username: "d"}, {Username: "e"}}

	for index := 0; index < len(store); index += 2 {
		end := min(index+2, len(store))
		n, err := r.ApplyAccountPage(index, store[index:end])
		require.NoError(t, err)
		assert.Equal(t, end, n)
	}
	assert.Equal(t, store, r.UserAccounts())

	_, err := r.ApplyAccountPage(9, store[:1])
	assert.ErrorIs(t, err, ErrListingGap)
	assert.Len(t, r.UserAccounts(), 5)

	n, err := r.ApplyAccountPage(0, store[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a page at index 0 restarts the listing")

	assert.False(t, r.AddUserAccount(types.UserAccount{Username: "z"}))
	assert.True(t, r.AddUserAccount(types.UserAccount{Username: "z", Note: "updated"}))
	removed, ok := r.RemoveUserAccount("z")
	require.True(t, ok)
	assert.Equal(t, "updated", removed.Note)
	_, ok = r.RemoveUserAccount("z")
	assert.False(t, ok)
}

func TestBanPagination(t *testing.T) {
	r := New()
	_, err := r.ApplyBanPage(0, []types.BannedUser{{IPAddress: "10.0.0.1"}, {Username: "eve"}})
	require.NoError(t, err)
	_, err = r.ApplyBanPage(2, []types.BannedUser{{IPAddress: "10.0.0.3"}})
	require.NoError(t, err)
	assert.Len(t, r.BannedUsers(), 3)

	assert.Equal(t, 2, r.RemoveBans("10.0.0.1", "eve"))
	assert.Len(t, r.BannedUsers(), 1)
}

func TestServerState(t *testing.T) {
	r := New()
	p := types.ServerProperties{Name: "srv", MaxUsers: 10}
	assert.True(t, r.SetServerProperties(p))
	assert.False(t, r.SetServerProperties(p))
	assert.Equal(t, p, r.ServerProperties())

	r.SetServerStatistics(types.ServerStatistics{UsersServed: 3})
	assert.Equal(t, 3, r.ServerStatistics().UsersServed)

	r.SetMyUserID(1)
	r.Reset()
	assert.Zero(t, r.MyUserID())
	assert.Empty(t, r.Channels())
	assert.Equal(t, types.ServerProperties{}, r.ServerProperties())
}

func TestConcurrentSnapshots(t *testing.T) {
	r := tree(t)
	_, _, err := r.LoginUser(types.NewUser(1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			nick := "a"
			status := "x"
			if i%2 == 1 {
				nick, status = "b", "y"
			}
			_, _, _ = r.UpdateUser(1, types.UserPatch{Nickname: &nick, StatusMessage: &status})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			u, ok := r.User(1)
			if !ok || u.Nickname == "" {
				continue
			}
			// Both fields come from the same diff.
			if u.Nickname == "a" {
				assert.Equal(t, "x", u.StatusMessage)
			} else {
				assert.Equal(t, "y", u.StatusMessage)
			}
		}
	}()
	wg.Wait()
}
