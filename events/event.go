package events

import (
	"time"

	"github.com/opd-ai/ttclient/types"
)

// Kind names an event type. It is stable and suitable for logging and routing.
type Kind string

// Connection events.
const (
	KindConnectSuccess           Kind = "connect-success"
	KindConnectCryptError        Kind = "connect-crypt-error"
	KindConnectFailed            Kind = "connect-failed"
	KindConnectionLost           Kind = "connection-lost"
	KindConnectMaxPayloadUpdated Kind = "connect-max-payload-updated"
	KindReconnecting             Kind = "reconnecting"
)

// Command outcome events.
const (
	KindCmdProcessing Kind = "cmd-processing"
	KindCmdSuccess    Kind = "cmd-success"
	KindCmdError      Kind = "cmd-error"
)

// State change events.
const (
	KindMySelfLoggedIn      Kind = "myself-logged-in"
	KindMySelfLoggedOut     Kind = "myself-logged-out"
	KindMySelfKicked        Kind = "myself-kicked"
	KindUserLoggedIn        Kind = "user-logged-in"
	KindUserLoggedOut       Kind = "user-logged-out"
	KindUserUpdate          Kind = "user-update"
	KindUserJoined          Kind = "user-joined"
	KindUserLeft            Kind = "user-left"
	KindUserStateChange     Kind = "user-state-change"
	KindTextMessage         Kind = "text-message"
	KindChannelCreated      Kind = "channel-created"
	KindChannelUpdated      Kind = "channel-updated"
	KindChannelRemoved      Kind = "channel-removed"
	KindServerUpdate        Kind = "server-update"
	KindServerStatistics    Kind = "server-statistics"
	KindUserAccountReceived Kind = "user-account"
	KindBannedUserReceived  Kind = "banned-user"
	KindAccountListing      Kind = "account-listing"
	KindBanListing          Kind = "ban-listing"
	KindUserAccountCreated  Kind = "user-account-created"
	KindUserAccountRemoved  Kind = "user-account-removed"
	KindFileNew             Kind = "file-new"
	KindFileRemove          Kind = "file-remove"
)

// Media events.
const (
	KindStreamStateChanged         Kind = "stream-state-changed"
	KindUserFirstVoiceStreamPacket Kind = "user-first-voice-stream-packet"
	KindAudioBlock                 Kind = "audio-block"
	KindVideoCaptureFrame          Kind = "video-capture-frame"
	KindMediaFileVideo             Kind = "media-file-video"
	KindDesktopWindow              Kind = "desktop-window"
)

// Internal events.
const (
	KindInternalError Kind = "internal-error"
)

// Event is one notification from the session.
type Event interface {
	// Kind names the concrete event type.
	Kind() Kind
	// Source is the id of the command this event answers, 0 if unsolicited.
	Source() uint32
	// More reports whether further parts of the same reply follow.
	More() bool

	isEvent()
}

// Header carries the correlation fields shared by all events.
type Header struct {
	CmdID     uint32
	Continues bool
}

// Source returns the originating command id.
func (h Header) Source() uint32 { return h.CmdID }

// More reports whether this is a non-final part of a multi-part reply.
func (h Header) More() bool { return h.Continues }

func (Header) isEvent() {}

// ConnectSuccess is delivered when the control and media channels are up.
type ConnectSuccess struct {
	Header
	UserID          types.UserID
	ServerName      string
	ProtocolVersion string
	MaxPayload      int
}

// ConnectCryptError is delivered when encryption setup fails.
type ConnectCryptError struct {
	Header
	Err error
}

// ConnectFailed is delivered when a connection attempt is refused or the
// handshake does not complete.
type ConnectFailed struct {
	Header
	Err error
}

// ConnectionLost is delivered once when an established connection dies.
type ConnectionLost struct {
	Header
	Reason error
}

// ConnectMaxPayloadUpdated reports a new media datagram size.
type ConnectMaxPayloadUpdated struct {
	Header
	MaxPayload int
}

// Reconnecting is delivered before each automatic reconnect attempt.
type Reconnecting struct {
	Header
	Attempt int
	Delay   time.Duration
}

// CmdProcessing brackets the server's handling of a command.
type CmdProcessing struct {
	Header
	Complete bool
}

// CmdSuccess is the terminal outcome of a command the server accepted.
type CmdSuccess struct {
	Header
}

// CmdError is the terminal outcome of a rejected or abandoned command.
type CmdError struct {
	Header
	Err *types.ClientError
}

// MySelfLoggedIn is delivered when the server accepts our login.
type MySelfLoggedIn struct {
	Header
	UserID  types.UserID
	Account types.UserAccount
}

// MySelfLoggedOut is delivered when we are logged out.
type MySelfLoggedOut struct {
	Header
}

// MySelfKicked is delivered when we are kicked from a channel or the server.
// ChannelID is 0 for a server kick.
type MySelfKicked struct {
	Header
	KickerID  types.UserID
	ChannelID types.ChannelID
}

// UserLoggedIn is delivered when a user logs on to the server.
type UserLoggedIn struct {
	Header
	User types.User
}

// UserLoggedOut is delivered when a user logs off.
type UserLoggedOut struct {
	Header
	User types.User
}

// UserUpdate is delivered when a user's properties change.
type UserUpdate struct {
	Header
	User types.User
}

// UserJoined is delivered when a user enters a channel.
type UserJoined struct {
	Header
	User types.User
}

// UserLeft is delivered when a user leaves a channel. User.ChannelID is
// already cleared; ChannelID holds the channel that was left.
type UserLeft struct {
	Header
	User      types.User
	ChannelID types.ChannelID
}

// UserStateChange is delivered when a user's media state bits change.
type UserStateChange struct {
	Header
	User types.User
}

// TextMessage is delivered for every received text message.
type TextMessage struct {
	Header
	Message types.TextMessage
}

// ChannelCreated is delivered when a channel is added to the replica.
type ChannelCreated struct {
	Header
	Channel types.Channel
}

// ChannelUpdated is delivered when a channel's properties change.
type ChannelUpdated struct {
	Header
	Channel types.Channel
}

// ChannelRemoved is delivered when a channel is removed from the replica.
type ChannelRemoved struct {
	Header
	Channel types.Channel
}

// ServerUpdate is delivered when the server properties change.
type ServerUpdate struct {
	Header
	Properties types.ServerProperties
}

// ServerStatistics is the reply to a statistics query.
type ServerStatistics struct {
	Header
	Statistics types.ServerStatistics
}

// UserAccountReceived is one part of an account listing.
type UserAccountReceived struct {
	Header
	Index   int
	Account types.UserAccount
}

// BannedUserReceived is one part of a ban listing.
type BannedUserReceived struct {
	Header
	Index int
	Ban   types.BannedUser
}

// AccountListing is the reassembled page of an account listing, delivered
// when the final part of the reply arrives.
type AccountListing struct {
	Header
	Index    int
	Accounts []types.UserAccount
}

// BanListing is the reassembled page of a ban listing.
type BanListing struct {
	Header
	Index int
	Bans  []types.BannedUser
}

// UserAccountCreated is delivered when an account is added on the server.
type UserAccountCreated struct {
	Header
	Account types.UserAccount
}

// UserAccountRemoved is delivered when an account is deleted on the server.
type UserAccountRemoved struct {
	Header
	Account types.UserAccount
}

// FileNew is delivered when a file appears in a channel.
type FileNew struct {
	Header
	File types.RemoteFile
}

// FileRemove is delivered when a file is deleted from a channel.
type FileRemove struct {
	Header
	File types.RemoteFile
}

// StreamStateChanged is delivered when a peer's stream starts or stops
// delivering data.
type StreamStateChanged struct {
	Header
	UserID     types.UserID
	StreamType types.StreamType
	StreamID   uint8
	Active     bool
}

// UserFirstVoiceStreamPacket is delivered for the first packet of a new
// voice stream.
type UserFirstVoiceStreamPacket struct {
	Header
	UserID   types.UserID
	StreamID uint8
}

// AudioBlock reports that an audio frame can be acquired.
type AudioBlock struct {
	Header
	UserID     types.UserID
	StreamType types.StreamType
}

// VideoCaptureFrame reports that a video capture frame can be acquired.
type VideoCaptureFrame struct {
	Header
	UserID   types.UserID
	StreamID uint8
}

// MediaFileVideo reports that a media file video frame can be acquired.
type MediaFileVideo struct {
	Header
	UserID   types.UserID
	StreamID uint8
}

// DesktopWindow reports that a desktop window frame can be acquired.
type DesktopWindow struct {
	Header
	UserID   types.UserID
	StreamID uint8
}

// InternalError reports a local pipeline failure. The session stays up.
type InternalError struct {
	Header
	Err *types.ClientError
}

func (ConnectSuccess) Kind() Kind { return KindConnectSuccess }
func (ConnectCryptError) Kind() Kind { return KindConnectCryptError }
func (ConnectFailed) Kind() Kind { return KindConnectFailed }
func (ConnectionLost) Kind() Kind { return KindConnectionLost }
func (ConnectMaxPayloadUpdated) Kind() Kind { return KindConnectMaxPayloadUpdated }
func (Reconnecting) Kind() Kind { return KindReconnecting }
func (CmdProcessing) Kind() Kind { return KindCmdProcessing }
func (CmdSuccess) Kind() Kind { return KindCmdSuccess }
func (CmdError) Kind() Kind { return KindCmdError }
func (MySelfLoggedIn) Kind() Kind { return KindMySelfLoggedIn }
func (MySelfLoggedOut) Kind() Kind { return KindMySelfLoggedOut }
func (MySelfKicked) Kind() Kind { return KindMySelfKicked }
func (UserLoggedIn) Kind() Kind { return KindUserLoggedIn }
func (UserLoggedOut) Kind() Kind { return KindUserLoggedOut }
func (UserUpdate) Kind() Kind { return KindUserUpdate }
func (UserJoined) Kind() Kind { return KindUserJoined }
func (UserLeft) Kind() Kind { return KindUserLeft }
func (UserStateChange) Kind() Kind { return KindUserStateChange }
func (TextMessage) Kind() Kind { return KindTextMessage }
func (ChannelCreated) Kind() Kind { return KindChannelCreated }
func (ChannelUpdated) Kind() Kind { return KindChannelUpdated }
func (ChannelRemoved) Kind() Kind { return KindChannelRemoved }
func (ServerUpdate) Kind() Kind { return KindServerUpdate }
func (ServerStatistics) Kind() Kind { return KindServerStatistics }
func (UserAccountReceived) Kind() Kind { return KindUserAccountReceived }
func (BannedUserReceived) Kind() Kind { return KindBannedUserReceived }
func (AccountListing) Kind() Kind { return KindAccountListing }
func (BanListing) Kind() Kind { return KindBanListing }
func (UserAccountCreated) Kind() Kind { return KindUserAccountCreated }
func (UserAccountRemoved) Kind() Kind { return KindUserAccountRemoved }
func (FileNew) Kind() Kind { return KindFileNew }
func (FileRemove) Kind() Kind { return KindFileRemove }
func (StreamStateChanged) Kind() Kind { return KindStreamStateChanged }
func (UserFirstVoiceStreamPacket) Kind() Kind { return KindUserFirstVoiceStreamPacket }
func (AudioBlock) Kind() Kind { return KindAudioBlock }
func (VideoCaptureFrame) Kind() Kind { return KindVideoCaptureFrame }
func (MediaFileVideo) Kind() Kind { return KindMediaFileVideo }
func (DesktopWindow) Kind() Kind { return KindDesktopWindow }
func (InternalError) Kind() Kind { return KindInternalError }

// IsTerminal reports whether ev is the final outcome of the command it
// answers.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case CmdSuccess, CmdError:
		return ev.Source() != 0
	}
	return false
}
