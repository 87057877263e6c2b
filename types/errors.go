package types

import "fmt"

// ErrorCode is a protocol error number. Command errors (CMDERR) are returned
// by the server in reply to a command; internal errors (INTERR) are raised by
// the client's own pipeline.
type ErrorCode int

// Command errors caused by the request itself.
const (
	ErrSuccess              ErrorCode = 0
	ErrSyntax               ErrorCode = 1000
	ErrUnknownCommand       ErrorCode = 1001
	ErrMissingParameter     ErrorCode = 1002
	ErrIncompatibleProtocol ErrorCode = 1003
	ErrUnknownAudioCodec    ErrorCode = 1004
	ErrInvalidUsername      ErrorCode = 1005
)

// Command errors caused by authorization or resource limits.
const (
	ErrIncorrectChannelPassword ErrorCode = 2001
	ErrInvalidAccount           ErrorCode = 2002
	ErrMaxServerUsers           ErrorCode = 2003
	ErrMaxChannelUsers          ErrorCode = 2004
	ErrServerBanned             ErrorCode = 2005
	ErrNotAuthorized            ErrorCode = 2006
	ErrMaxDiskUsage             ErrorCode = 2008
	ErrIncorrectOpPassword      ErrorCode = 2010
	ErrBitrateLimit             ErrorCode = 2011
	ErrMaxLoginsPerIP           ErrorCode = 2012
	ErrMaxChannels              ErrorCode = 2013
	ErrCommandFlood             ErrorCode = 2014
	ErrChannelBanned            ErrorCode = 2015
	ErrMaxFileTransfers         ErrorCode = 2016
)

// Command errors caused by conflicting state.
const (
	ErrNotLoggedIn             ErrorCode = 3000
	ErrAlreadyLoggedIn         ErrorCode = 3001
	ErrNotInChannel            ErrorCode = 3002
	ErrAlreadyInChannel        ErrorCode = 3003
	ErrChannelAlreadyExists    ErrorCode = 3004
	ErrChannelNotFound         ErrorCode = 3005
	ErrUserNotFound            ErrorCode = 3006
	ErrBanNotFound             ErrorCode = 3007
	ErrFileTransferNotFound    ErrorCode = 3008
	ErrOpenFileFailed          ErrorCode = 3009
	ErrAccountNotFound         ErrorCode = 3010
	ErrFileNotFound            ErrorCode = 3011
	ErrFileAlreadyExists       ErrorCode = 3012
	ErrFileSharingDisabled     ErrorCode = 3013
	ErrChannelHasUsers         ErrorCode = 3015
	ErrLoginServiceUnavailable ErrorCode = 3016
	ErrChannelCannotBeHidden   ErrorCode = 3017
)

// Internal errors raised by the client.
const (
	ErrSoundInput           ErrorCode = 10000
	ErrSoundOutput          ErrorCode = 10001
	ErrAudioCodecInit       ErrorCode = 10002
	ErrAudioPreprocessor    ErrorCode = 10003
	ErrMessageQueueOverflow ErrorCode = 10004
	ErrSoundEffect          ErrorCode = 10005
)

// Synthetic command failures produced by the client on teardown.
const (
	// ErrConnectionClosed resolves commands pending at an explicit disconnect.
	ErrConnectionClosed ErrorCode = 4000
	// ErrConnectionLost resolves commands pending when the connection is lost.
	ErrConnectionLost ErrorCode = 4001
)

var errorCodeText = map[ErrorCode]string{
	ErrSuccess:                  "success",
	ErrSyntax:                   "syntax error",
	ErrUnknownCommand:           "unknown command",
	ErrMissingParameter:         "missing parameter",
	ErrIncompatibleProtocol:     "incompatible protocols",
	ErrUnknownAudioCodec:        "unknown audio codec",
	ErrInvalidUsername:          "invalid username",
	ErrIncorrectChannelPassword: "incorrect channel password",
	ErrInvalidAccount:           "invalid account",
	ErrMaxServerUsers:           "max server users exceeded",
	ErrMaxChannelUsers:          "max channel users exceeded",
	ErrServerBanned:             "banned from server",
	ErrNotAuthorized:            "not authorized",
	ErrMaxDiskUsage:             "max disk usage exceeded",
	ErrIncorrectOpPassword:      "incorrect operator password",
	ErrBitrateLimit:             "audio codec bitrate limit exceeded",
	ErrMaxLoginsPerIP:           "max logins per IP exceeded",
	ErrMaxChannels:              "max channels exceeded",
	ErrCommandFlood:             "command flood",
	ErrChannelBanned:            "banned from channel",
	ErrMaxFileTransfers:         "max file transfers exceeded",
	ErrNotLoggedIn:              "not logged in",
	ErrAlreadyLoggedIn:          "already logged in",
	ErrNotInChannel:             "not in channel",
	ErrAlreadyInChannel:         "already in channel",
	ErrChannelAlreadyExists:     "channel already exists",
	ErrChannelNotFound:          "channel not found",
	ErrUserNotFound:             "user not found",
	ErrBanNotFound:              "ban not found",
	ErrFileTransferNotFound:     "file transfer not found",
	ErrOpenFileFailed:           "open file failed",
	ErrAccountNotFound:          "account not found",
	ErrFileNotFound:             "file not found",
	ErrFileAlreadyExists:        "file already exists",
	ErrFileSharingDisabled:      "file sharing disabled",
	ErrChannelHasUsers:          "channel has users",
	ErrLoginServiceUnavailable:  "login service unavailable",
	ErrChannelCannotBeHidden:    "channel cannot be hidden",
	ErrConnectionClosed:         "connection closed",
	ErrConnectionLost:           "connection lost",
	ErrSoundInput:               "sound input failure",
	ErrSoundOutput:              "sound output failure",
	ErrAudioCodecInit:           "audio codec initialization failed",
	ErrAudioPreprocessor:        "audio preprocessor failure",
	ErrMessageQueueOverflow:     "event queue overflow",
	ErrSoundEffect:              "sound effect failure",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeText[c]; ok {
		return s
	}
	return fmt.Sprintf("error %d", int(c))
}

// ErrorClass groups error codes by who caused them.
type ErrorClass uint8

const (
	// ClassNone is the class of ErrSuccess.
	ClassNone ErrorClass = iota
	// ClassLocal covers malformed requests: syntax, missing parameters,
	// unsupported protocol versions.
	ClassLocal
	// ClassServer covers semantic rejections by the server.
	ClassServer
	// ClassInternal covers failures of the client's own pipeline.
	ClassInternal
	// ClassConnection covers synthetic failures from connection teardown.
	ClassConnection
)

func (c ErrorClass) String() string {
	switch c {
	case ClassLocal:
		return "local"
	case ClassServer:
		return "server"
	case ClassInternal:
		return "internal"
	case ClassConnection:
		return "connection"
	}
	return "none"
}

// Class classifies the code.
func (c ErrorCode) Class() ErrorClass {
	switch {
	case c == ErrSuccess:
		return ClassNone
	case c >= 1000 && c < 2000:
		return ClassLocal
	case c >= 2000 && c < 4000:
		return ClassServer
	case c >= 4000 && c < 5000:
		return ClassConnection
	case c >= 10000:
		return ClassInternal
	}
	return ClassServer
}

// ClientError is a protocol error delivered in an event.
type ClientError struct {
	Code    ErrorCode
	Message string
}

func (e *ClientError) Error() string {
	if e.Message != "" && e.Message != e.Code.String() {
		return fmt.Sprintf("%s (%d): %s", e.Code, int(e.Code), e.Message)
	}
	return fmt.Sprintf("%s (%d)", e.Code, int(e.Code))
}

// Is matches another ClientError by code, so errors.Is works against
// a template such as &ClientError{Code: ErrChannelNotFound}.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewClientError builds a ClientError with the code's default text.
func NewClientError(code ErrorCode) *ClientError {
	return &ClientError{Code: code, Message: code.String()}
}
