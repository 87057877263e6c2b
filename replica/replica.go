package replica

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/types"
)

var (
	// ErrUnknownChannel indicates a diff references a channel that does not exist.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUnknownUser indicates a diff references a user that does not exist.
	ErrUnknownUser = errors.New("unknown user")
	// ErrChannelHasChildren indicates a removal of a channel with sub-channels.
	ErrChannelHasChildren = errors.New("channel has sub-channels")
	// ErrChannelHasUsers indicates a removal of a channel with users in it.
	ErrChannelHasUsers = errors.New("channel has users")
	// ErrChannelCycle indicates a parent change that would make a channel its
	// own ancestor.
	ErrChannelCycle = errors.New("channel would become its own ancestor")
	// ErrDuplicateRoot indicates a second root channel.
	ErrDuplicateRoot = errors.New("root channel already exists")
	// ErrUnknownFile indicates a removal of a file that was never announced.
	ErrUnknownFile = errors.New("unknown file")
	// ErrListingGap indicates a listing page that does not continue the
	// items received so far.
	ErrListingGap = errors.New("listing page leaves a gap")
)

// Replica is the local mirror of server state.
type Replica struct {
	mu sync.RWMutex

	myID     types.UserID
	root     types.ChannelID
	channels map[types.ChannelID]*types.Channel
	users    map[types.UserID]*types.User
	files    map[types.ChannelID]map[types.FileID]types.RemoteFile
	accounts []types.UserAccount
	bans     []types.BannedUser
	props    types.ServerProperties
	stats    types.ServerStatistics
}

// New creates an empty replica.
func New() *Replica {
	return &Replica{
		channels: make(map[types.ChannelID]*types.Channel),
		users:    make(map[types.UserID]*types.User),
		files:    make(map[types.ChannelID]map[types.FileID]types.RemoteFile),
	}
}

// Reset drops all state. It is called when a session ends.
func (r *Replica) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.myID = 0
	r.root = 0
	r.channels = make(map[types.ChannelID]*types.Channel)
	r.users = make(map[types.UserID]*types.User)
	r.files = make(map[types.ChannelID]map[types.FileID]types.RemoteFile)
	r.accounts = nil
	r.bans = nil
	r.props = types.ServerProperties{}
	r.stats = types.ServerStatistics{}
}

// SetMyUserID records the id the server assigned to this client.
func (r *Replica) SetMyUserID(id types.UserID) {
	r.mu.Lock()
	r.myID = id
	r.mu.Unlock()
}

// MyUserID returns the id of this client, 0 before the welcome record.
func (r *Replica) MyUserID() types.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.myID
}

// MyChannelID returns the channel this client is in, 0 if none.
func (r *Replica) MyChannelID() types.ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[r.myID]; ok {
		return u.ChannelID
	}
	return 0
}

func violation(fn string, err error, fields logrus.Fields) error {
	fields["function"] = fn
	fields["error"] = err.Error()
	logrus.WithFields(fields).Warn("Discarding inconsistent server update")
	return err
}

// AddChannel inserts a channel. The parent must already exist unless the
// channel is the root. Adding an identical channel again is a no-op; adding
// a known id with different fields replaces it under the update rules.
func (r *Replica) AddChannel(c types.Channel) (bool, error) {
	if err := limits.ValidateChannelID(uint16(c.ID)); err != nil {
		return false, violation("Replica.AddChannel", err, logrus.Fields{"channel_id": c.ID})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.channels[c.ID]; ok {
		return r.replaceChannelLocked(existing, c)
	}

	if c.ParentID == 0 {
		if r.root != 0 {
			return false, violation("Replica.AddChannel", ErrDuplicateRoot, logrus.Fields{"channel_id": c.ID, "root": r.root})
		}
		r.root = c.ID
	} else if _, ok := r.channels[c.ParentID]; !ok {
		return false, violation("Replica.AddChannel",
			fmt.Errorf("%w: parent %d of channel %d", ErrUnknownChannel, c.ParentID, c.ID),
			logrus.Fields{"channel_id": c.ID, "parent_id": c.ParentID})
	}

	stored := c.Clone()
	r.channels[c.ID] = &stored
	return true, nil
}

func (r *Replica) replaceChannelLocked(existing *types.Channel, c types.Channel) (bool, error) {
	if err := r.checkParentLocked(c.ID, existing.ParentID, c.ParentID); err != nil {
		return false, violation("Replica.AddChannel", err, logrus.Fields{"channel_id": c.ID, "parent_id": c.ParentID})
	}
	patch := types.ChannelPatch{
		ParentID:           &c.ParentID,
		Name:               &c.Name,
		Topic:              &c.Topic,
		HasPassword:        &c.HasPassword,
		Type:               &c.Type,
		UserData:           &c.UserData,
		DiskQuota:          &c.DiskQuota,
		MaxUsers:           &c.MaxUsers,
		TransmitUsers:      &c.TransmitUsers,
		TransmitQueue:      &c.TransmitQueue,
		TransmitQueueDelay: &c.TransmitQueueDelay,
		VoiceTimeout:       &c.VoiceTimeout,
		MediaFileTimeout:   &c.MediaFileTimeout,
		Operators:          &c.Operators,
	}
	changed := patch.Apply(existing)
	r.fixRootLocked(existing.ID, existing.ParentID)
	return changed, nil
}

// checkParentLocked validates a parent change of channel id.
func (r *Replica) checkParentLocked(id, oldParent, newParent types.ChannelID) error {
	if newParent == oldParent {
		return nil
	}
	if newParent == 0 {
		if r.root != 0 && r.root != id {
			return ErrDuplicateRoot
		}
		return nil
	}
	if _, ok := r.channels[newParent]; !ok {
		return fmt.Errorf("%w: parent %d of channel %d", ErrUnknownChannel, newParent, id)
	}
	for p := newParent; p != 0; {
		if p == id {
			return ErrChannelCycle
		}
		parent, ok := r.channels[p]
		if !ok {
			break
		}
		p = parent.ParentID
	}
	return nil
}

func (r *Replica) fixRootLocked(id, parent types.ChannelID) {
	switch {
	case parent == 0:
		r.root = id
	case r.root == id:
		r.root = 0
	}
}

// UpdateChannel merges a patch into a channel and returns the result.
func (r *Replica) UpdateChannel(id types.ChannelID, p types.ChannelPatch) (types.Channel, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[id]
	if !ok {
		return types.Channel{}, false, violation("Replica.UpdateChannel",
			fmt.Errorf("%w: %d", ErrUnknownChannel, id), logrus.Fields{"channel_id": id})
	}
	if p.ParentID != nil {
		if err := r.checkParentLocked(id, c.ParentID, *p.ParentID); err != nil {
			return c.Clone(), false, violation("Replica.UpdateChannel", err,
				logrus.Fields{"channel_id": id, "parent_id": *p.ParentID})
		}
	}

	changed := p.Apply(c)
	r.fixRootLocked(id, c.ParentID)
	return c.Clone(), changed, nil
}

// RemoveChannel deletes a channel that has no sub-channels and no users.
func (r *Replica) RemoveChannel(id types.ChannelID) (types.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.channels[id]
	if !ok {
		return types.Channel{}, violation("Replica.RemoveChannel",
			fmt.Errorf("%w: %d", ErrUnknownChannel, id), logrus.Fields{"channel_id": id})
	}
	for _, other := range r.channels {
		if other.ParentID == id {
			return types.Channel{}, violation("Replica.RemoveChannel", ErrChannelHasChildren,
				logrus.Fields{"channel_id": id, "child_id": other.ID})
		}
	}
	for _, u := range r.users {
		if u.ChannelID == id {
			return types.Channel{}, violation("Replica.RemoveChannel", ErrChannelHasUsers,
				logrus.Fields{"channel_id": id, "user_id": u.ID})
		}
	}

	delete(r.channels, id)
	delete(r.files, id)
	if r.root == id {
		r.root = 0
	}
	return c.Clone(), nil
}

// Channel returns a copy of a channel.
func (r *Replica) Channel(id types.ChannelID) (types.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[id]
	if !ok {
		return types.Channel{}, false
	}
	return c.Clone(), true
}

// RootChannel returns the root of the channel tree.
func (r *Replica) RootChannel() (types.Channel, bool) {
	r.mu.RLock()
	root := r.root
	r.mu.RUnlock()
	if root == 0 {
		return types.Channel{}, false
	}
	return r.Channel(root)
}

// Channels returns every channel ordered by id.
func (r *Replica) Channels() []types.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b types.Channel) int { return int(a.ID) - int(b.ID) })
	return out
}

// SubChannels returns the direct children of a channel ordered by id.
func (r *Replica) SubChannels(id types.ChannelID) []types.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Channel
	for _, c := range r.channels {
		if c.ParentID == id && c.ID != id {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b types.Channel) int { return int(a.ID) - int(b.ID) })
	return out
}

// ChannelPath returns the slash separated path of a channel, "/" for the root.
func (r *Replica) ChannelPath(id types.ChannelID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for cur := id; cur != 0; {
		c, ok := r.channels[cur]
		if !ok {
			return "", false
		}
		if c.ParentID != 0 {
			names = append(names, c.Name)
		}
		cur = c.ParentID
		if len(names) > len(r.channels) {
			return "", false
		}
	}
	slices.Reverse(names)
	if len(names) == 0 {
		return "/", true
	}
	return "/" + strings.Join(names, "/") + "/", true
}

// ChannelByPath resolves a path produced by ChannelPath. Names compare
// case-insensitively.
func (r *Replica) ChannelByPath(path string) (types.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cur := r.root
	if cur == 0 {
		return types.Channel{}, false
	}
	for _, name := range strings.Split(strings.Trim(path, "/"), "/") {
		if name == "" {
			continue
		}
		next := types.ChannelID(0)
		for _, c := range r.channels {
			if c.ParentID == cur && strings.EqualFold(c.Name, name) {
				next = c.ID
				break
			}
		}
		if next == 0 {
			return types.Channel{}, false
		}
		cur = next
	}
	return r.channels[cur].Clone(), true
}

// ChannelUsers returns the users in a channel ordered by id.
func (r *Replica) ChannelUsers(id types.ChannelID) []types.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.User
	for _, u := range r.users {
		if u.ChannelID == id {
			out = append(out, *u)
		}
	}
	slices.SortFunc(out, func(a, b types.User) int { return int(a.ID) - int(b.ID) })
	return out
}
