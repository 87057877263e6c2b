package protocol

// Client to server verbs.
const (
	VerbLogin         = "login"
	VerbLogout        = "logout"
	VerbJoin          = "join"
	VerbLeave         = "leave"
	VerbMakeChannel   = "makechannel"
	VerbUpdateChannel = "updatechannel"
	VerbRemoveChannel = "removechannel"
	VerbMoveUser      = "moveuser"
	VerbKick          = "kick"
	VerbBan           = "ban"
	VerbUnban         = "unban"
	VerbMessage       = "message"
	VerbListAccounts  = "listaccounts"
	VerbNewAccount    = "newaccount"
	VerbDeleteAccount = "delaccount"
	VerbListBans      = "listbans"
	VerbSubscribe     = "subscribe"
	VerbOp            = "op"
	VerbChangeNick    = "changenick"
	VerbChangeStatus  = "changestatus"
	VerbQueryStats    = "querystats"
	VerbUpdateServer  = "updateserver"
	VerbSaveConfig    = "saveconfig"
	VerbDeleteFile    = "deletefile"
	VerbPing          = "ping"
)

// Server to client verbs. Channel and account notifications reuse the
// command verbs addchannel, updatechannel, removechannel, newaccount and
// delaccount.
const (
	VerbWelcome        = "teamtalk"
	VerbBegin          = "begin"
	VerbEnd            = "end"
	VerbOK             = "ok"
	VerbError          = "error"
	VerbAccepted       = "accepted"
	VerbLoggedIn       = "loggedin"
	VerbLoggedOut      = "loggedout"
	VerbKicked         = "kicked"
	VerbAddUser        = "adduser"
	VerbUpdateUser     = "updateuser"
	VerbRemoveUser     = "removeuser"
	VerbAddChannel     = "addchannel"
	VerbServerUpdate   = "serverupdate"
	VerbStats          = "stats"
	VerbMessageDeliver = "messagedeliver"
	VerbUserAccount    = "useraccount"
	VerbBannedUser     = "banneduser"
	VerbPong           = "pong"
	VerbMaxPayload     = "maxpayload"
	VerbAddFile        = "addfile"
	VerbRemoveFile     = "removefile"
)

// Field names shared by several records.
const (
	FieldID         = "id"
	FieldMore       = "more"
	FieldNumber     = "number"
	FieldMessage    = "message"
	FieldProtocol   = "protocol"
	FieldUserID     = "userid"
	FieldChannelID  = "chanid"
	FieldServerName = "servername"
	FieldMaxPayload = "maxpayload"
	FieldCookie     = "cookie"
	FieldIndex      = "index"
	FieldCount      = "count"
	FieldFileID     = "fileid"
	FieldSize       = "size"
	FieldPassword   = "password"
)

// ProtocolVersion is the control protocol version spoken by this package.
// Only the major component has to match the server.
const ProtocolVersion = "5.6"

// CommandID returns the correlation id of a reply, 0 if it has none.
func CommandID(r *Record) uint32 {
	return uint32(r.Int(FieldID))
}

// More reports whether a listing reply continues.
func More(r *Record) bool {
	return r.Bool(FieldMore)
}
