package types

import (
	"slices"
	"time"
)

// UserPatch is a field-level diff of a User. Nil fields are left untouched so
// that concurrent updates to other fields are not clobbered.
type UserPatch struct {
	Username      *string
	Nickname      *string
	UserData      *int32
	Type          *UserType
	Rights        *UserRight
	IPAddress     *string
	ClientName    *string
	ClientVersion *string
	ChannelID     *ChannelID
	StatusMode    *uint32
	StatusMessage *string
	State         *UserState

	LocalSubscriptions *Subscription
	PeerSubscriptions  *Subscription

	VolumeVoice             *int
	VolumeMediaFile         *int
	SoundPositionVoice      *[3]float32
	SoundPositionMediaFile  *[3]float32
	StereoPlaybackVoice     *[2]bool
	StereoPlaybackMediaFile *[2]bool
	BufferMSecVoice         *int
	BufferMSecMediaFile     *int
}

// Apply merges p into u and reports whether any field changed.
func (p UserPatch) Apply(u *User) bool {
	changed := false
	changed = set(&u.Username, p.Username) || changed
	changed = set(&u.Nickname, p.Nickname) || changed
	changed = set(&u.UserData, p.UserData) || changed
	changed = set(&u.Type, p.Type) || changed
	changed = set(&u.Rights, p.Rights) || changed
	changed = set(&u.IPAddress, p.IPAddress) || changed
	changed = set(&u.ClientName, p.ClientName) || changed
	changed = set(&u.ClientVersion, p.ClientVersion) || changed
	changed = set(&u.ChannelID, p.ChannelID) || changed
	changed = set(&u.StatusMode, p.StatusMode) || changed
	changed = set(&u.StatusMessage, p.StatusMessage) || changed
	changed = set(&u.State, p.State) || changed
	changed = set(&u.LocalSubscriptions, p.LocalSubscriptions) || changed
	changed = set(&u.PeerSubscriptions, p.PeerSubscriptions) || changed
	changed = set(&u.VolumeVoice, p.VolumeVoice) || changed
	changed = set(&u.VolumeMediaFile, p.VolumeMediaFile) || changed
	changed = set(&u.SoundPositionVoice, p.SoundPositionVoice) || changed
	changed = set(&u.SoundPositionMediaFile, p.SoundPositionMediaFile) || changed
	changed = set(&u.StereoPlaybackVoice, p.StereoPlaybackVoice) || changed
	changed = set(&u.StereoPlaybackMediaFile, p.StereoPlaybackMediaFile) || changed
	changed = set(&u.BufferMSecVoice, p.BufferMSecVoice) || changed
	changed = set(&u.BufferMSecMediaFile, p.BufferMSecMediaFile) || changed
	return changed
}

// ChannelPatch is a field-level diff of a Channel.
type ChannelPatch struct {
	ParentID           *ChannelID
	Name               *string
	Topic              *string
	HasPassword        *bool
	Type               *ChannelType
	UserData           *int32
	DiskQuota          *int64
	MaxUsers           *int
	TransmitUsers      *[]TransmitUser
	TransmitQueue      *[]UserID
	TransmitQueueDelay *time.Duration
	VoiceTimeout       *time.Duration
	MediaFileTimeout   *time.Duration
	Operators          *[]UserID
}

// Apply merges p into c and reports whether any field changed.
func (p ChannelPatch) Apply(c *Channel) bool {
	changed := false
	changed = set(&c.ParentID, p.ParentID) || changed
	changed = set(&c.Name, p.Name) || changed
	changed = set(&c.Topic, p.Topic) || changed
	changed = set(&c.HasPassword, p.HasPassword) || changed
	changed = set(&c.Type, p.Type) || changed
	changed = set(&c.UserData, p.UserData) || changed
	changed = set(&c.DiskQuota, p.DiskQuota) || changed
	changed = set(&c.MaxUsers, p.MaxUsers) || changed
	changed = setSlice(&c.TransmitUsers, p.TransmitUsers) || changed
	changed = setSlice(&c.TransmitQueue, p.TransmitQueue) || changed
	changed = set(&c.TransmitQueueDelay, p.TransmitQueueDelay) || changed
	changed = set(&c.VoiceTimeout, p.VoiceTimeout) || changed
	changed = set(&c.MediaFileTimeout, p.MediaFileTimeout) || changed
	changed = setSlice(&c.Operators, p.Operators) || changed
	return changed
}

func set[T comparable](dst *T, src *T) bool {
	if src == nil || *dst == *src {
		return false
	}
	*dst = *src
	return true
}

func setSlice[T comparable](dst *[]T, src *[]T) bool {
	if src == nil || slices.Equal(*dst, *src) {
		return false
	}
	*dst = slices.Clone(*src)
	return true
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}
