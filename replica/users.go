package replica

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/types"
)

// LoginUser records a user who logged on to the server. A known user is
// updated with the server-owned fields of u; local playback settings are
// kept.
func (r *Replica) LoginUser(u types.User) (types.User, bool, error) {
	if err := limits.ValidateUserID(uint16(u.ID)); err != nil {
		return types.User{}, false, violation("Replica.LoginUser", err, logrus.Fields{"user_id": u.ID})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if u.ChannelID != 0 {
		if _, ok := r.channels[u.ChannelID]; !ok {
			return types.User{}, false, violation("Replica.LoginUser",
				fmt.Errorf("%w: %d", ErrUnknownChannel, u.ChannelID),
				logrus.Fields{"user_id": u.ID, "channel_id": u.ChannelID})
		}
	}

	if existing, ok := r.users[u.ID]; ok {
		changed := serverFields(u).Apply(existing)
		return *existing, changed, nil
	}

	stored := u
	r.users[u.ID] = &stored
	return stored, true, nil
}

// JoinUser places a user in a channel. The user is created from u if the
// replica has not seen the login, which happens when the server hides the
// user list from this client. A channel id of 0 means the lobby.
func (r *Replica) JoinUser(u types.User) (types.User, bool, error) {
	if err := limits.ValidateUserID(uint16(u.ID)); err != nil {
		return types.User{}, false, violation("Replica.JoinUser", err, logrus.Fields{"user_id": u.ID})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if u.ChannelID != 0 {
		if _, ok := r.channels[u.ChannelID]; !ok {
			return types.User{}, false, violation("Replica.JoinUser",
				fmt.Errorf("%w: %d", ErrUnknownChannel, u.ChannelID),
				logrus.Fields{"user_id": u.ID, "channel_id": u.ChannelID})
		}
	}

	existing, ok := r.users[u.ID]
	if !ok {
		stored := u
		r.users[u.ID] = &stored
		return stored, true, nil
	}
	changed := serverFields(u).Apply(existing)
	return *existing, changed, nil
}

// UpdateUser merges a field-level patch into a user.
func (r *Replica) UpdateUser(id types.UserID, p types.UserPatch) (types.User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return types.User{}, false, violation("Replica.UpdateUser",
			fmt.Errorf("%w: %d", ErrUnknownUser, id), logrus.Fields{"user_id": id})
	}
	if p.ChannelID != nil && *p.ChannelID != 0 {
		if _, ok := r.channels[*p.ChannelID]; !ok {
			return *u, false, violation("Replica.UpdateUser",
				fmt.Errorf("%w: %d", ErrUnknownChannel, *p.ChannelID),
				logrus.Fields{"user_id": id, "channel_id": *p.ChannelID})
		}
	}
	changed := p.Apply(u)
	return *u, changed, nil
}

// LeaveUser clears the channel of a user and returns the user as it was
// before leaving, together with the channel it left.
func (r *Replica) LeaveUser(id types.UserID) (types.User, types.ChannelID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return types.User{}, 0, violation("Replica.LeaveUser",
			fmt.Errorf("%w: %d", ErrUnknownUser, id), logrus.Fields{"user_id": id})
	}
	left := u.ChannelID
	u.ChannelID = 0
	return *u, left, nil
}

// LogoutUser removes a user. The channel is cleared first, so the returned
// user has ChannelID 0.
func (r *Replica) LogoutUser(id types.UserID) (types.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return types.User{}, violation("Replica.LogoutUser",
			fmt.Errorf("%w: %d", ErrUnknownUser, id), logrus.Fields{"user_id": id})
	}
	u.ChannelID = 0
	delete(r.users, id)
	return *u, nil
}

// User returns a copy of a user.
func (r *Replica) User(id types.UserID) (types.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return types.User{}, false
	}
	return *u, true
}

// Users returns every user ordered by id.
func (r *Replica) Users() []types.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, *u)
	}
	slices.SortFunc(out, func(a, b types.User) int { return int(a.ID) - int(b.ID) })
	return out
}

// serverFields turns the server-owned fields of u into a patch.
func serverFields(u types.User) types.UserPatch {
	return types.UserPatch{
		Username:           &u.Username,
		Nickname:           &u.Nickname,
		UserData:           &u.UserData,
		Type:               &u.Type,
		Rights:             &u.Rights,
		IPAddress:          &u.IPAddress,
		ClientName:         &u.ClientName,
		ClientVersion:      &u.ClientVersion,
		ChannelID:          &u.ChannelID,
		StatusMode:         &u.StatusMode,
		StatusMessage:      &u.StatusMessage,
		LocalSubscriptions: &u.LocalSubscriptions,
		PeerSubscriptions:  &u.PeerSubscriptions,
	}
}
