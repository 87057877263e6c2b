package types

import (
	"math/bits"
	"strings"
)

// UserID identifies a user on the server. Zero is the local client before
// the server has assigned an id.
type UserID uint16

// ChannelID identifies a channel. Zero means "no channel" and is the parent id
// of the root channel.
type ChannelID uint16

// StreamType is a bit set of real-time payload categories.
type StreamType uint32

const (
	StreamNone                    StreamType = 0x0000
	StreamVoice                   StreamType = 0x0001
	StreamVideoCapture            StreamType = 0x0002
	StreamMediaFileAudio          StreamType = 0x0004
	StreamMediaFileVideo          StreamType = 0x0008
	StreamDesktop                 StreamType = 0x0010
	StreamDesktopInput            StreamType = 0x0020
	StreamChannelMsg              StreamType = 0x0040
	StreamLocalMediaPlaybackAudio StreamType = 0x0080

	// StreamMediaFile covers both media file payloads.
	StreamMediaFile = StreamMediaFileAudio | StreamMediaFileVideo
)

var streamTypeNames = []struct {
	st   StreamType
	name string
}{
	{StreamVoice, "voice"},
	{StreamVideoCapture, "videocapture"},
	{StreamMediaFileAudio, "mediafile-audio"},
	{StreamMediaFileVideo, "mediafile-video"},
	{StreamDesktop, "desktop"},
	{StreamDesktopInput, "desktopinput"},
	{StreamChannelMsg, "channelmsg"},
	{StreamLocalMediaPlaybackAudio, "localplayback-audio"},
}

func (s StreamType) String() string {
	if s == StreamNone {
		return "none"
	}
	var parts []string
	for _, n := range streamTypeNames {
		if s&n.st != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Single reports whether exactly one stream type bit is set.
func (s StreamType) Single() bool {
	return s != 0 && s&(s-1) == 0
}

// Index returns the bit position of a single stream type. It is used as the
// payload type of media records.
func (s StreamType) Index() uint8 {
	return uint8(bits.TrailingZeros32(uint32(s)))
}

// StreamTypeFromIndex is the inverse of Index.
func StreamTypeFromIndex(i uint8) StreamType {
	if i >= 32 {
		return StreamNone
	}
	return StreamType(1) << i
}

// Subscription is a bit set of what a user receives from a peer.
type Subscription uint32

const (
	SubscribeNone                Subscription = 0x00000000
	SubscribeUserMsg             Subscription = 0x00000001
	SubscribeChannelMsg          Subscription = 0x00000002
	SubscribeBroadcastMsg        Subscription = 0x00000004
	SubscribeCustomMsg           Subscription = 0x00000008
	SubscribeVoice               Subscription = 0x00000010
	SubscribeVideoCapture        Subscription = 0x00000020
	SubscribeDesktop             Subscription = 0x00000040
	SubscribeDesktopInput        Subscription = 0x00000080
	SubscribeMediaFile           Subscription = 0x00000100
	SubscribeInterceptUserMsg    Subscription = 0x00010000
	SubscribeInterceptChannelMsg Subscription = 0x00020000
	SubscribeInterceptCustomMsg  Subscription = 0x00080000
	SubscribeInterceptVoice      Subscription = 0x00100000
	SubscribeInterceptVideo      Subscription = 0x00200000
	SubscribeInterceptDesktop    Subscription = 0x00400000
	SubscribeInterceptMediaFile  Subscription = 0x01000000

	// SubscribeDefault is what a server grants a new peer.
	SubscribeDefault = SubscribeUserMsg | SubscribeChannelMsg | SubscribeBroadcastMsg |
		SubscribeCustomMsg | SubscribeVoice | SubscribeVideoCapture |
		SubscribeDesktop | SubscribeMediaFile

	subscribeIntercepts = SubscribeInterceptUserMsg | SubscribeInterceptChannelMsg |
		SubscribeInterceptCustomMsg | SubscribeInterceptVoice | SubscribeInterceptVideo |
		SubscribeInterceptDesktop | SubscribeInterceptMediaFile

	// SubscribeAll is the union of every known subscription bit.
	SubscribeAll = SubscribeDefault | SubscribeDesktopInput | subscribeIntercepts
)

// Has reports whether all bits of o are set in s.
func (s Subscription) Has(o Subscription) bool {
	return s&o == o
}

// Known reports whether s contains only defined bits.
func (s Subscription) Known() bool {
	return s&^SubscribeAll == 0
}

// SubscriptionFor returns the subscription bits that make a stream type
// eligible for delivery, including the intercept variant.
func SubscriptionFor(st StreamType) Subscription {
	var s Subscription
	if st&StreamVoice != 0 {
		s |= SubscribeVoice | SubscribeInterceptVoice
	}
	if st&StreamVideoCapture != 0 {
		s |= SubscribeVideoCapture | SubscribeInterceptVideo
	}
	if st&StreamMediaFile != 0 {
		s |= SubscribeMediaFile | SubscribeInterceptMediaFile
	}
	if st&StreamDesktop != 0 {
		s |= SubscribeDesktop | SubscribeInterceptDesktop
	}
	if st&StreamDesktopInput != 0 {
		s |= SubscribeDesktopInput
	}
	if st&StreamChannelMsg != 0 {
		s |= SubscribeChannelMsg | SubscribeInterceptChannelMsg
	}
	return s
}

// UserState is a bit set of a user's live media state.
type UserState uint32

const (
	UserStateNone           UserState = 0x00
	UserStateVoice          UserState = 0x01
	UserStateMuteVoice      UserState = 0x02
	UserStateMuteMediaFile  UserState = 0x04
	UserStateDesktop        UserState = 0x08
	UserStateVideoCapture   UserState = 0x10
	UserStateMediaFileAudio UserState = 0x20
	UserStateMediaFileVideo UserState = 0x40
)

// StateFor maps an active stream type to the user state bit it raises.
func StateFor(st StreamType) UserState {
	switch st {
	case StreamVoice:
		return UserStateVoice
	case StreamVideoCapture:
		return UserStateVideoCapture
	case StreamDesktop:
		return UserStateDesktop
	case StreamMediaFileAudio:
		return UserStateMediaFileAudio
	case StreamMediaFileVideo:
		return UserStateMediaFileVideo
	}
	return UserStateNone
}

// ChannelType is a bit set of channel properties.
type ChannelType uint32

const (
	ChannelDefault           ChannelType = 0x00
	ChannelPermanent         ChannelType = 0x01
	ChannelSoloTransmit      ChannelType = 0x02
	ChannelClassroom         ChannelType = 0x04
	ChannelOperatorRecvOnly  ChannelType = 0x08
	ChannelNoVoiceActivation ChannelType = 0x10
	ChannelNoRecording       ChannelType = 0x20
	ChannelHidden            ChannelType = 0x40
)

// UserType distinguishes default users from administrators.
type UserType uint32

const (
	UserTypeNone    UserType = 0
	UserTypeDefault UserType = 1
	UserTypeAdmin   UserType = 2
)

// UserRight is a bit set of account permissions.
type UserRight uint32

const (
	RightNone                   UserRight = 0x00000000
	RightMultiLogin             UserRight = 0x00000001
	RightViewAllUsers           UserRight = 0x00000002
	RightCreateTemporaryChannel UserRight = 0x00000004
	RightModifyChannels         UserRight = 0x00000008
	RightTextMessageBroadcast   UserRight = 0x00000010
	RightKickUsers              UserRight = 0x00000020
	RightBanUsers               UserRight = 0x00000040
	RightMoveUsers              UserRight = 0x00000080
	RightOperatorEnable         UserRight = 0x00000100
	RightUploadFiles            UserRight = 0x00000200
	RightDownloadFiles          UserRight = 0x00000400
	RightUpdateServerProperties UserRight = 0x00000800
	RightTransmitVoice          UserRight = 0x00001000
	RightTransmitVideoCapture   UserRight = 0x00002000
	RightTransmitDesktop        UserRight = 0x00004000
	RightTransmitDesktopInput   UserRight = 0x00008000
	RightTransmitMediaFileAudio UserRight = 0x00010000
	RightTransmitMediaFileVideo UserRight = 0x00020000
	RightLockedNickname         UserRight = 0x00040000
	RightLockedStatus           UserRight = 0x00080000
	RightRecordVoice            UserRight = 0x00100000
	RightViewHiddenChannels     UserRight = 0x00200000
	RightTextMessageUser        UserRight = 0x00400000
	RightTextMessageChannel     UserRight = 0x00800000

	// RightAll is granted to administrators.
	RightAll UserRight = 0x00FFFFFF
)

// Has reports whether all bits of o are set in r.
func (r UserRight) Has(o UserRight) bool {
	return r&o == o
}

// TransmitRight returns the right needed to transmit a stream type.
func TransmitRight(st StreamType) UserRight {
	switch st {
	case StreamVoice:
		return RightTransmitVoice
	case StreamVideoCapture:
		return RightTransmitVideoCapture
	case StreamDesktop:
		return RightTransmitDesktop
	case StreamDesktopInput:
		return RightTransmitDesktopInput
	case StreamMediaFileAudio:
		return RightTransmitMediaFileAudio
	case StreamMediaFileVideo:
		return RightTransmitMediaFileVideo
	}
	return RightNone
}

// BanType selects what a ban matches.
type BanType uint32

const (
	BanNone     BanType = 0x00
	BanChannel  BanType = 0x01
	BanIPAddr   BanType = 0x02
	BanUsername BanType = 0x04
)

// TextMessageType selects the audience of a text message.
type TextMessageType uint32

const (
	MsgNone      TextMessageType = 0
	MsgUser      TextMessageType = 1
	MsgChannel   TextMessageType = 2
	MsgBroadcast TextMessageType = 3
	MsgCustom    TextMessageType = 4
)
