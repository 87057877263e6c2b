package protocol

import (
	"time"

	"github.com/opd-ai/ttclient/types"
)

// EncodeUser writes the server-owned fields of u.
func EncodeUser(r *Record, u types.User) *Record {
	return r.SetInt("userid", int64(u.ID)).
		SetString("username", u.Username).
		SetString("nickname", u.Nickname).
		SetInt("userdata", int64(u.UserData)).
		SetInt("usertype", int64(u.Type)).
		SetInt("userrights", int64(u.Rights)).
		SetString("ipaddr", u.IPAddress).
		SetString("clientname", u.ClientName).
		SetString("version", u.ClientVersion).
		SetInt("chanid", int64(u.ChannelID)).
		SetInt("statusmode", int64(u.StatusMode)).
		SetString("statusmsg", u.StatusMessage).
		SetInt("sublocal", int64(u.LocalSubscriptions)).
		SetInt("subpeer", int64(u.PeerSubscriptions))
}

// DecodeUser reads a full user. Absent fields keep the defaults of
// types.NewUser.
func DecodeUser(r *Record) (types.User, error) {
	if err := r.Require("userid"); err != nil {
		return types.User{}, err
	}
	u := types.NewUser(types.UserID(r.Int("userid")))
	DecodeUserPatch(r).Apply(&u)
	return u, nil
}

// DecodeUserPatch reads only the user fields present in r.
func DecodeUserPatch(r *Record) types.UserPatch {
	var p types.UserPatch
	if s, ok := r.LookupText("username"); ok {
		p.Username = &s
	}
	if s, ok := r.LookupText("nickname"); ok {
		p.Nickname = &s
	}
	if n, ok := r.LookupInt("userdata"); ok {
		p.UserData = types.Ptr(int32(n))
	}
	if n, ok := r.LookupInt("usertype"); ok {
		p.Type = types.Ptr(types.UserType(n))
	}
	if n, ok := r.LookupInt("userrights"); ok {
		p.Rights = types.Ptr(types.UserRight(n))
	}
	if s, ok := r.LookupText("ipaddr"); ok {
		p.IPAddress = &s
	}
	if s, ok := r.LookupText("clientname"); ok {
		p.ClientName = &s
	}
	if s, ok := r.LookupText("version"); ok {
		p.ClientVersion = &s
	}
	if n, ok := r.LookupInt("chanid"); ok {
		p.ChannelID = types.Ptr(types.ChannelID(n))
	}
	if n, ok := r.LookupInt("statusmode"); ok {
		p.StatusMode = types.Ptr(uint32(n))
	}
	if s, ok := r.LookupText("statusmsg"); ok {
		p.StatusMessage = &s
	}
	if n, ok := r.LookupInt("sublocal"); ok {
		p.LocalSubscriptions = types.Ptr(types.Subscription(n))
	}
	if n, ok := r.LookupInt("subpeer"); ok {
		p.PeerSubscriptions = types.Ptr(types.Subscription(n))
	}
	return p
}

// EncodeChannel writes every field of c. The password itself never leaves
// the server; only its presence is announced.
func EncodeChannel(r *Record, c types.Channel) *Record {
	transmit := make([]int64, 0, 2*len(c.TransmitUsers))
	for _, tu := range c.TransmitUsers {
		transmit = append(transmit, int64(tu.UserID), int64(tu.Streams))
	}
	return r.SetInt("chanid", int64(c.ID)).
		SetInt("parentid", int64(c.ParentID)).
		SetString("name", c.Name).
		SetString("topic", c.Topic).
		SetBool("protected", c.HasPassword).
		SetInt("type", int64(c.Type)).
		SetInt("userdata", int64(c.UserData)).
		SetInt("diskquota", c.DiskQuota).
		SetInt("maxusers", int64(c.MaxUsers)).
		SetList("transmitusers", transmit).
		SetList("transmitqueue", userIDsToList(c.TransmitQueue)).
		SetInt("transmitqueuedelay", c.TransmitQueueDelay.Milliseconds()).
		SetInt("voicetimeout", c.VoiceTimeout.Milliseconds()).
		SetInt("mediafiletimeout", c.MediaFileTimeout.Milliseconds()).
		SetList("operators", userIDsToList(c.Operators))
}

// DecodeChannel reads a full channel.
func DecodeChannel(r *Record) (types.Channel, error) {
	if err := r.Require("chanid"); err != nil {
		return types.Channel{}, err
	}
	c := types.Channel{ID: types.ChannelID(r.Int("chanid"))}
	DecodeChannelPatch(r).Apply(&c)
	return c, nil
}

// DecodeChannelPatch reads only the channel fields present in r.
func DecodeChannelPatch(r *Record) types.ChannelPatch {
	var p types.ChannelPatch
	if n, ok := r.LookupInt("parentid"); ok {
		p.ParentID = types.Ptr(types.ChannelID(n))
	}
	if s, ok := r.LookupText("name"); ok {
		p.Name = &s
	}
	if s, ok := r.LookupText("topic"); ok {
		p.Topic = &s
	}
	if n, ok := r.LookupInt("protected"); ok {
		p.HasPassword = types.Ptr(n != 0)
	}
	if n, ok := r.LookupInt("type"); ok {
		p.Type = types.Ptr(types.ChannelType(n))
	}
	if n, ok := r.LookupInt("userdata"); ok {
		p.UserData = types.Ptr(int32(n))
	}
	if n, ok := r.LookupInt("diskquota"); ok {
		p.DiskQuota = &n
	}
	if n, ok := r.LookupInt("maxusers"); ok {
		p.MaxUsers = types.Ptr(int(n))
	}
	if l, ok := r.LookupList("transmitusers"); ok {
		tus := make([]types.TransmitUser, 0, len(l)/2)
		for i := 0; i+1 < len(l); i += 2 {
			tus = append(tus, types.TransmitUser{UserID: types.UserID(l[i]), Streams: types.StreamType(l[i+1])})
		}
		p.TransmitUsers = &tus
	}
	if l, ok := r.LookupList("transmitqueue"); ok {
		p.TransmitQueue = types.Ptr(listToUserIDs(l))
	}
	if n, ok := r.LookupInt("transmitqueuedelay"); ok {
		p.TransmitQueueDelay = types.Ptr(time.Duration(n) * time.Millisecond)
	}
	if n, ok := r.LookupInt("voicetimeout"); ok {
		p.VoiceTimeout = types.Ptr(time.Duration(n) * time.Millisecond)
	}
	if n, ok := r.LookupInt("mediafiletimeout"); ok {
		p.MediaFileTimeout = types.Ptr(time.Duration(n) * time.Millisecond)
	}
	if l, ok := r.LookupList("operators"); ok {
		p.Operators = types.Ptr(listToUserIDs(l))
	}
	return p
}

// EncodeAccount writes an account, including its password when set.
func EncodeAccount(r *Record, a types.UserAccount) *Record {
	opChannels := make([]int64, 0, len(a.AutoOperatorChannels))
	for _, id := range a.AutoOperatorChannels {
		opChannels = append(opChannels, int64(id))
	}
	r.SetString("username", a.Username)
	if a.Password != "" {
		r.SetString("password", a.Password)
	}
	return r.SetInt("usertype", int64(a.Type)).
		SetInt("userrights", int64(a.Rights)).
		SetInt("userdata", int64(a.UserData)).
		SetString("note", a.Note).
		SetString("initchan", a.InitChannel).
		SetList("opchannels", opChannels).
		SetInt("audiobpslimit", int64(a.AudioBpsLimit)).
		SetList("cmdflood", []int64{int64(a.AbusePrevention.CommandsLimit), a.AbusePrevention.CommandsInterval.Milliseconds()})
}

// DecodeAccount reads an account.
func DecodeAccount(r *Record) (types.UserAccount, error) {
	if err := r.Require("username"); err != nil {
		return types.UserAccount{}, err
	}
	a := types.UserAccount{
		Username:      r.Text("username"),
		Password:      r.Text("password"),
		Type:          types.UserType(r.Int("usertype")),
		Rights:        types.UserRight(r.Int("userrights")),
		UserData:      int32(r.Int("userdata")),
		Note:          r.Text("note"),
		InitChannel:   r.Text("initchan"),
		AudioBpsLimit: int(r.Int("audiobpslimit")),
	}
	for _, id := range r.List("opchannels") {
		a.AutoOperatorChannels = append(a.AutoOperatorChannels, types.ChannelID(id))
	}
	if flood := r.List("cmdflood"); len(flood) == 2 {
		a.AbusePrevention = types.AbusePrevention{
			CommandsLimit:    int(flood[0]),
			CommandsInterval: time.Duration(flood[1]) * time.Millisecond,
		}
	}
	return a, nil
}

// EncodeBan writes a ban entry.
func EncodeBan(r *Record, b types.BannedUser) *Record {
	var banTime int64
	if !b.BanTime.IsZero() {
		banTime = b.BanTime.Unix()
	}
	return r.SetString("ipaddr", b.IPAddress).
		SetString("chanpath", b.ChannelPath).
		SetString("nickname", b.Nickname).
		SetString("username", b.Username).
		SetInt("bantime", banTime).
		SetInt("type", int64(b.Types)).
		SetString("owner", b.Owner)
}

// DecodeBan reads a ban entry.
func DecodeBan(r *Record) types.BannedUser {
	b := types.BannedUser{
		IPAddress:   r.Text("ipaddr"),
		ChannelPath: r.Text("chanpath"),
		Nickname:    r.Text("nickname"),
		Username:    r.Text("username"),
		Types:       types.BanType(r.Int("type")),
		Owner:       r.Text("owner"),
	}
	if t := r.Int("bantime"); t > 0 {
		b.BanTime = time.Unix(t, 0).UTC()
	}
	return b
}

// EncodeFile writes a channel file entry.
func EncodeFile(r *Record, f types.RemoteFile) *Record {
	var uploaded int64
	if !f.UploadTime.IsZero() {
		uploaded = f.UploadTime.Unix()
	}
	return r.SetInt(FieldChannelID, int64(f.ChannelID)).
		SetInt(FieldFileID, int64(f.ID)).
		SetString("filename", f.Name).
		SetInt("filesize", f.Size).
		SetString("owner", f.Owner).
		SetInt("uploadtime", uploaded)
}

// DecodeFile reads a channel file entry.
func DecodeFile(r *Record) (types.RemoteFile, error) {
	if err := r.Require(FieldChannelID, FieldFileID); err != nil {
		return types.RemoteFile{}, err
	}
	f := types.RemoteFile{
		ChannelID: types.ChannelID(r.Int(FieldChannelID)),
		ID:        types.FileID(r.Int(FieldFileID)),
		Name:      r.Text("filename"),
		Size:      r.Int("filesize"),
		Owner:     r.Text("owner"),
	}
	if t := r.Int("uploadtime"); t > 0 {
		f.UploadTime = time.Unix(t, 0).UTC()
	}
	return f, nil
}

// EncodeServerProperties writes the server properties.
func EncodeServerProperties(r *Record, p types.ServerProperties) *Record {
	return r.SetString("servername", p.Name).
		SetString("motd", p.MOTD).
		SetInt("maxusers", int64(p.MaxUsers)).
		SetInt("maxloginattempts", int64(p.MaxLoginAttempts)).
		SetInt("maxiplogins", int64(p.MaxLoginsPerIP)).
		SetInt("logindelay", p.LoginDelay.Milliseconds()).
		SetInt("usertimeout", int64(p.UserTimeout/time.Second)).
		SetBool("autosave", p.AutoSave).
		SetInt("tcpport", int64(p.TCPPort)).
		SetInt("udpport", int64(p.UDPPort)).
		SetString("version", p.Version).
		SetString("protocol", p.ProtocolVersion)
}

// DecodeServerProperties reads the server properties.
func DecodeServerProperties(r *Record) types.ServerProperties {
	return types.ServerProperties{
		Name:             r.Text("servername"),
		MOTD:             r.Text("motd"),
		MaxUsers:         int(r.Int("maxusers")),
		MaxLoginAttempts: int(r.Int("maxloginattempts")),
		MaxLoginsPerIP:   int(r.Int("maxiplogins")),
		LoginDelay:       time.Duration(r.Int("logindelay")) * time.Millisecond,
		UserTimeout:      time.Duration(r.Int("usertimeout")) * time.Second,
		AutoSave:         r.Bool("autosave"),
		TCPPort:          int(r.Int("tcpport")),
		UDPPort:          int(r.Int("udpport")),
		Version:          r.Text("version"),
		ProtocolVersion:  r.Text("protocol"),
	}
}

// EncodeServerStatistics writes a statistics reply.
func EncodeServerStatistics(r *Record, s types.ServerStatistics) *Record {
	return r.SetInt("totaltx", s.TotalBytesTX).
		SetInt("totalrx", s.TotalBytesRX).
		SetInt("voicetx", s.VoiceBytesTX).
		SetInt("voicerx", s.VoiceBytesRX).
		SetInt("vidcaptx", s.VideoCaptureBytesTX).
		SetInt("vidcaprx", s.VideoCaptureBytesRX).
		SetInt("mediafiletx", s.MediaFileBytesTX).
		SetInt("mediafilerx", s.MediaFileBytesRX).
		SetInt("desktoptx", s.DesktopBytesTX).
		SetInt("desktoprx", s.DesktopBytesRX).
		SetInt("usersserved", int64(s.UsersServed)).
		SetInt("userspeak", int64(s.UsersPeak)).
		SetInt("uptime", s.Uptime.Milliseconds())
}

// DecodeServerStatistics reads a statistics reply.
func DecodeServerStatistics(r *Record) types.ServerStatistics {
	return types.ServerStatistics{
		TotalBytesTX:        r.Int("totaltx"),
		TotalBytesRX:        r.Int("totalrx"),
		VoiceBytesTX:        r.Int("voicetx"),
		VoiceBytesRX:        r.Int("voicerx"),
		VideoCaptureBytesTX: r.Int("vidcaptx"),
		VideoCaptureBytesRX: r.Int("vidcaprx"),
		MediaFileBytesTX:    r.Int("mediafiletx"),
		MediaFileBytesRX:    r.Int("mediafilerx"),
		DesktopBytesTX:      r.Int("desktoptx"),
		DesktopBytesRX:      r.Int("desktoprx"),
		UsersServed:         int(r.Int("usersserved")),
		UsersPeak:           int(r.Int("userspeak")),
		Uptime:              time.Duration(r.Int("uptime")) * time.Millisecond,
	}
}

// EncodeTextMessage writes a text message.
func EncodeTextMessage(r *Record, m types.TextMessage) *Record {
	r.SetInt("type", int64(m.Type)).
		SetInt("srcuserid", int64(m.FromUserID)).
		SetInt("destuserid", int64(m.ToUserID)).
		SetInt("chanid", int64(m.ChannelID)).
		SetString("content", m.Content)
	if m.FromUsername != "" {
		r.SetString("srcusername", m.FromUsername)
	}
	if m.More {
		r.SetBool("more", true)
	}
	return r
}

// DecodeTextMessage reads a text message.
func DecodeTextMessage(r *Record) types.TextMessage {
	return types.TextMessage{
		Type:         types.TextMessageType(r.Int("type")),
		FromUserID:   types.UserID(r.Int("srcuserid")),
		FromUsername: r.Text("srcusername"),
		ToUserID:     types.UserID(r.Int("destuserid")),
		ChannelID:    types.ChannelID(r.Int("chanid")),
		Content:      r.Text("content"),
		More:         r.Bool("more"),
	}
}

// EncodeClientError writes an error reply.
func EncodeClientError(r *Record, e *types.ClientError) *Record {
	return r.SetInt(FieldNumber, int64(e.Code)).SetString(FieldMessage, e.Message)
}

// DecodeClientError reads an error reply.
func DecodeClientError(r *Record) *types.ClientError {
	code := types.ErrorCode(r.Int(FieldNumber))
	msg := r.Text(FieldMessage)
	if msg == "" {
		msg = code.String()
	}
	return &types.ClientError{Code: code, Message: msg}
}

func userIDsToList(ids []types.UserID) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}

func listToUserIDs(l []int64) []types.UserID {
	out := make([]types.UserID, 0, len(l))
	for _, n := range l {
		out = append(out, types.UserID(n))
	}
	return out
}
