package types

import (
	"slices"
	"time"
)

// User is the replica's view of one user on the server.
//
// Server-owned fields are updated by server diffs. The playback fields
// (volumes, positions, stereo routing, buffer sizes) are local settings of
// this client and never travel to the server.
type User struct {
	ID            UserID
	Username      string
	Nickname      string
	UserData      int32
	Type          UserType
	Rights        UserRight
	IPAddress     string
	ClientName    string
	ClientVersion string
	ChannelID     ChannelID
	StatusMode    uint32
	StatusMessage string
	State         UserState

	// LocalSubscriptions is what this client receives from the user.
	LocalSubscriptions Subscription
	// PeerSubscriptions is what the user receives from this client.
	PeerSubscriptions Subscription

	VolumeVoice             int
	VolumeMediaFile         int
	SoundPositionVoice      [3]float32
	SoundPositionMediaFile  [3]float32
	StereoPlaybackVoice     [2]bool
	StereoPlaybackMediaFile [2]bool
	BufferMSecVoice         int
	BufferMSecMediaFile     int
}

// DefaultVolume is the playback volume of a newly seen user.
const DefaultVolume = 1000

// NewUser returns a user with default local playback settings.
func NewUser(id UserID) User {
	return User{
		ID:                      id,
		VolumeVoice:             DefaultVolume,
		VolumeMediaFile:         DefaultVolume,
		StereoPlaybackVoice:     [2]bool{true, true},
		StereoPlaybackMediaFile: [2]bool{true, true},
	}
}

// TransmitUser allows one user to transmit the listed stream types in a
// classroom channel.
type TransmitUser struct {
	UserID  UserID
	Streams StreamType
}

// Channel is the replica's view of one channel.
type Channel struct {
	ID          ChannelID
	ParentID    ChannelID
	Name        string
	Topic       string
	HasPassword bool
	Type        ChannelType
	UserData    int32
	DiskQuota   int64
	MaxUsers    int

	// TransmitUsers is the classroom allow-list.
	TransmitUsers []TransmitUser
	// TransmitQueue is the solo-transmit wait queue, head first.
	TransmitQueue      []UserID
	TransmitQueueDelay time.Duration
	VoiceTimeout       time.Duration
	MediaFileTimeout   time.Duration
	Operators          []UserID
}

// Clone returns a deep copy of c.
func (c Channel) Clone() Channel {
	c.TransmitUsers = slices.Clone(c.TransmitUsers)
	c.TransmitQueue = slices.Clone(c.TransmitQueue)
	c.Operators = slices.Clone(c.Operators)
	return c
}

// IsRoot reports whether c is the root of the channel tree.
func (c Channel) IsRoot() bool {
	return c.ParentID == 0
}

// AbusePrevention limits how many commands an account may issue.
type AbusePrevention struct {
	CommandsLimit    int
	CommandsInterval time.Duration
}

// UserAccount is a server-side account as returned by an account listing.
type UserAccount struct {
	Username             string
	Password             string
	Type                 UserType
	Rights               UserRight
	UserData             int32
	Note                 string
	InitChannel          string
	AutoOperatorChannels []ChannelID
	AudioBpsLimit        int
	AbusePrevention      AbusePrevention
}

// Clone returns a deep copy of a.
func (a UserAccount) Clone() UserAccount {
	a.AutoOperatorChannels = slices.Clone(a.AutoOperatorChannels)
	return a
}

// BannedUser is one entry of a ban listing.
type BannedUser struct {
	IPAddress   string
	ChannelPath string
	Nickname    string
	Username    string
	BanTime     time.Time
	Types       BanType
	Owner       string
}

// FileID identifies a file within a channel.
type FileID uint32

// RemoteFile describes a file stored in a channel on the server.
type RemoteFile struct {
	ChannelID  ChannelID
	ID         FileID
	Name       string
	Size       int64
	Owner      string
	UploadTime time.Time
}

// ServerProperties mirrors the server's configuration as announced to clients.
type ServerProperties struct {
	Name             string
	MOTD             string
	MaxUsers         int
	MaxLoginAttempts int
	MaxLoginsPerIP   int
	LoginDelay       time.Duration
	UserTimeout      time.Duration
	AutoSave         bool
	TCPPort          int
	UDPPort          int
	Version          string
	ProtocolVersion  string
}

// ServerStatistics is the reply to a statistics query.
type ServerStatistics struct {
	TotalBytesTX        int64
	TotalBytesRX        int64
	VoiceBytesTX        int64
	VoiceBytesRX        int64
	VideoCaptureBytesTX int64
	VideoCaptureBytesRX int64
	MediaFileBytesTX    int64
	MediaFileBytesRX    int64
	DesktopBytesTX      int64
	DesktopBytesRX      int64
	UsersServed         int
	UsersPeak           int
	Uptime              time.Duration
}

// StreamStatistics counts media received for one stream type of one user.
type StreamStatistics struct {
	PacketsReceived int64
	PacketsLost     int64
	FramesPlayed    int64
	FramesLate      int64
	FramesDropped   int64
}

// UserStatistics aggregates stream counters per stream type.
type UserStatistics struct {
	Streams map[StreamType]StreamStatistics
}

// TextMessage is a delivered or outgoing text message.
type TextMessage struct {
	Type         TextMessageType
	FromUserID   UserID
	FromUsername string
	ToUserID     UserID
	ChannelID    ChannelID
	Content      string
	// More is set when the content continues in the next message.
	More bool
}
