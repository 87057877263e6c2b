package ttclient

import (
	"fmt"
	"math"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/connection"
	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/protocol"
	"github.com/opd-ai/ttclient/types"
)

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
}

// submit sends rec as a new command and returns its id. onTrack runs after
// the command is tracked and before it is written, so bookkeeping keyed by
// the id is in place before the server can answer.
func (c *Client) submit(rec *protocol.Record, index int, onTrack func(id uint32)) (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	if c.sess == nil {
		return 0, ErrNotConnected
	}
	return c.submitOn(c.sess, rec, index, onTrack)
}

// submitOn sends a command on a specific session. The network loop uses it
// directly since it must not take c.mu.
func (c *Client) submitOn(sess *session, rec *protocol.Record, index int, onTrack func(id uint32)) (uint32, error) {
	if rec.Verb != protocol.VerbLogin && c.fsm.State() != connection.StateAuthorized {
		return 0, ErrNotAuthorized
	}

	// Size the record with the widest id so a rejected command keeps its id
	// unallocated.
	rec.SetInt(protocol.FieldID, math.MaxUint32)
	if err := limits.ValidateControlFrame(rec.Encode()); err != nil {
		return 0, invalid(err)
	}

	id := c.disp.NextID()
	rec.SetInt(protocol.FieldID, int64(id))
	if err := c.disp.Track(id, rec.Verb, index); err != nil {
		return 0, err
	}
	if onTrack != nil {
		onTrack(id)
	}
	frame := rec.Encode()
	if err := sess.link.Control.WriteFrame(frame); err != nil {
		c.disp.Untrack(id)
		c.memory.failed(id)
		sess.logger("submitOn").WithFields(logrus.Fields{
			"verb":   rec.Verb,
			"cmd_id": id,
			"error":  err.Error(),
		}).Warn("Command not sent")
		return 0, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	sess.logger("submitOn").WithFields(logrus.Fields{
		"verb":   rec.Verb,
		"cmd_id": id,
	}).Debug("Command sent")
	return id, nil
}

// Submit sends a prepared command record. The id field is assigned by the
// client. The index field, if present, positions a listing reply.
func (c *Client) Submit(rec *protocol.Record) (uint32, error) {
	if rec == nil || rec.Verb == "" {
		return 0, invalid(fmt.Errorf("empty command"))
	}
	if rec.Verb == protocol.VerbPing {
		return 0, invalid(fmt.Errorf("ping is sent by the keepalive"))
	}
	return c.submit(rec, int(rec.Int(protocol.FieldIndex)), nil)
}

// Login authenticates with the server. The credentials are kept for
// automatic reconnects once the login succeeds.
func (c *Client) Login(username, password, nickname string) (uint32, error) {
	for field, v := range map[string]string{"username": username, "password": password, "nickname": nickname} {
		if err := limits.ValidateString(field, v); err != nil {
			return 0, invalid(err)
		}
	}
	rec := protocol.NewRecord(protocol.VerbLogin).
		SetString("username", username).
		SetString(protocol.FieldPassword, password).
		SetString("nickname", nickname).
		SetString("clientname", c.opts.Process.ClientName).
		SetString("version", c.opts.Process.ClientVersion)
	creds := credentials{Username: username, Password: password, Nickname: nickname}
	return c.submit(rec, 0, func(id uint32) { c.memory.pendingLogin(id, creds) })
}

// Logout ends the login without closing the connection.
func (c *Client) Logout() (uint32, error) {
	return c.submit(protocol.NewRecord(protocol.VerbLogout), 0, nil)
}

// JoinChannel enters a channel. The channel is rejoined after an automatic
// reconnect once the join succeeds.
func (c *Client) JoinChannel(id types.ChannelID, password string) (uint32, error) {
	if err := limits.ValidateChannelID(uint16(id)); err != nil {
		return 0, invalid(err)
	}
	if err := limits.ValidateString("password", password); err != nil {
		return 0, invalid(err)
	}
	j := channelJoin{ChannelID: id, Password: password}
	return c.submit(joinRecord(j), 0, func(cmd uint32) { c.memory.pendingJoin(cmd, j) })
}

func joinRecord(j channelJoin) *protocol.Record {
	rec := protocol.NewRecord(protocol.VerbJoin).SetInt(protocol.FieldChannelID, int64(j.ChannelID))
	if j.Password != "" {
		rec.SetString(protocol.FieldPassword, j.Password)
	}
	return rec
}

// LeaveChannel leaves the current channel.
func (c *Client) LeaveChannel() (uint32, error) {
	return c.submit(protocol.NewRecord(protocol.VerbLeave), 0, nil)
}

// MakeChannel creates a channel below ch.ParentID. ch.ID is ignored.
func (c *Client) MakeChannel(ch types.Channel, password string) (uint32, error) {
	if ch.Name == "" {
		return 0, invalid(fmt.Errorf("channel name is empty"))
	}
	if err := validateChannelStrings(ch); err != nil {
		return 0, err
	}
	if err := limits.ValidateChannelID(uint16(ch.ParentID)); err != nil {
		return 0, invalid(err)
	}
	if err := limits.ValidateString("password", password); err != nil {
		return 0, invalid(err)
	}
	ch.ID = 0
	rec := protocol.EncodeChannel(protocol.NewRecord(protocol.VerbMakeChannel), ch)
	if password != "" {
		rec.SetString(protocol.FieldPassword, password)
	}
	return c.submit(rec, 0, nil)
}

// UpdateChannel replaces the properties of an existing channel.
func (c *Client) UpdateChannel(ch types.Channel) (uint32, error) {
	if err := limits.ValidateChannelID(uint16(ch.ID)); err != nil {
		return 0, invalid(err)
	}
	if err := validateChannelStrings(ch); err != nil {
		return 0, err
	}
	return c.submit(protocol.EncodeChannel(protocol.NewRecord(protocol.VerbUpdateChannel), ch), 0, nil)
}

// SetChannelPassword changes the password of a channel. An empty password
// removes it.
func (c *Client) SetChannelPassword(id types.ChannelID, password string) (uint32, error) {
	if err := limits.ValidateChannelID(uint16(id)); err != nil {
		return 0, invalid(err)
	}
	if err := limits.ValidateString("password", password); err != nil {
		return 0, invalid(err)
	}
	rec := protocol.NewRecord(protocol.VerbUpdateChannel).
		SetInt(protocol.FieldChannelID, int64(id)).
		SetString(protocol.FieldPassword, password)
	return c.submit(rec, 0, nil)
}

func validateChannelStrings(ch types.Channel) error {
	if err := limits.ValidateString("name", ch.Name); err != nil {
		return invalid(err)
	}
	if err := limits.ValidateString("topic", ch.Topic); err != nil {
		return invalid(err)
	}
	return nil
}

// RemoveChannel deletes a channel and its sub-channels.
func (c *Client) RemoveChannel(id types.ChannelID) (uint32, error) {
	if err := limits.ValidateChannelID(uint16(id)); err != nil {
		return 0, invalid(err)
	}
	return c.submit(protocol.NewRecord(protocol.VerbRemoveChannel).SetInt(protocol.FieldChannelID, int64(id)), 0, nil)
}

// MoveUser moves another user into a channel.
func (c *Client) MoveUser(user types.UserID, ch types.ChannelID) (uint32, error) {
	if err := limits.ValidateUserID(uint16(user)); err != nil {
		return 0, invalid(err)
	}
	if err := limits.ValidateChannelID(uint16(ch)); err != nil {
		return 0, invalid(err)
	}
	rec := protocol.NewRecord(protocol.VerbMoveUser).
		SetInt(protocol.FieldUserID, int64(user)).
		SetInt(protocol.FieldChannelID, int64(ch))
	return c.submit(rec, 0, nil)
}

// KickUser kicks a user from a channel, or from the server when ch is 0.
func (c *Client) KickUser(user types.UserID, ch types.ChannelID) (uint32, error) {
	if err := limits.ValidateUserID(uint16(user)); err != nil {
		return 0, invalid(err)
	}
	if ch != 0 {
		if err := limits.ValidateChannelID(uint16(ch)); err != nil {
			return 0, invalid(err)
		}
	}
	rec := protocol.NewRecord(protocol.VerbKick).
		SetInt(protocol.FieldUserID, int64(user)).
		SetInt(protocol.FieldChannelID, int64(ch))
	return c.submit(rec, 0, nil)
}

// BanUser bans a logged in user by the properties selected in bt.
func (c *Client) BanUser(user types.UserID, bt types.BanType) (uint32, error) {
	if err := limits.ValidateUserID(uint16(user)); err != nil {
		return 0, invalid(err)
	}
	if bt == types.BanNone {
		return 0, invalid(fmt.Errorf("ban type is empty"))
	}
	rec := protocol.NewRecord(protocol.VerbBan).
		SetInt(protocol.FieldUserID, int64(user)).
		SetInt("type", int64(bt))
	return c.submit(rec, 0, nil)
}

// Ban adds a ban entry that need not match a logged in user.
func (c *Client) Ban(b types.BannedUser) (uint32, error) {
	if b.Types == types.BanNone {
		return 0, invalid(fmt.Errorf("ban type is empty"))
	}
	if b.Types&types.BanIPAddr != 0 && net.ParseIP(b.IPAddress) == nil {
		return 0, invalid(fmt.Errorf("ip address %q", b.IPAddress))
	}
	if b.Types&types.BanUsername != 0 && b.Username == "" {
		return 0, invalid(fmt.Errorf("username is empty"))
	}
	return c.submit(protocol.EncodeBan(protocol.NewRecord(protocol.VerbBan), b), 0, nil)
}

// Unban removes the bans matching an address or a username.
func (c *Client) Unban(ipAddress, username string) (uint32, error) {
	if ipAddress == "" && username == "" {
		return 0, invalid(fmt.Errorf("address and username are empty"))
	}
	if ipAddress != "" && net.ParseIP(ipAddress) == nil {
		return 0, invalid(fmt.Errorf("ip address %q", ipAddress))
	}
	rec := protocol.NewRecord(protocol.VerbUnban).
		SetString("ipaddr", ipAddress).
		SetString("username", username)
	return c.submit(rec, 0, func(id uint32) {
		c.memory.pendingUnban(id, banFilter{IPAddress: ipAddress, Username: username})
	})
}

// SendTextMessage sends a message. A channel message with ChannelID 0 goes
// to the current channel.
func (c *Client) SendTextMessage(m types.TextMessage) (uint32, error) {
	if err := limits.ValidateMessageSize([]byte(m.Content), limits.MaxTextMessage); err != nil {
		return 0, invalid(err)
	}
	if err := limits.ValidateString("content", m.Content); err != nil {
		return 0, invalid(err)
	}
	switch m.Type {
	case types.MsgUser, types.MsgCustom:
		if err := limits.ValidateUserID(uint16(m.ToUserID)); err != nil {
			return 0, invalid(err)
		}
	case types.MsgChannel:
		if m.ChannelID == 0 {
			m.ChannelID = c.replica.MyChannelID()
		}
		if m.ChannelID == 0 {
			return 0, ErrNotInChannel
		}
	case types.MsgBroadcast:
	default:
		return 0, invalid(fmt.Errorf("message type %d", m.Type))
	}
	m.FromUserID = c.replica.MyUserID()
	return c.submit(protocol.EncodeTextMessage(protocol.NewRecord(protocol.VerbMessage), m), 0, nil)
}

func validatePage(index, count int) error {
	if index < 0 || count <= 0 {
		return invalid(fmt.Errorf("page %d+%d", index, count))
	}
	return nil
}

// ListUserAccounts requests count accounts starting at index. The page is
// merged into UserAccounts when the listing succeeds.
func (c *Client) ListUserAccounts(index, count int) (uint32, error) {
	if err := validatePage(index, count); err != nil {
		return 0, err
	}
	rec := protocol.NewRecord(protocol.VerbListAccounts).
		SetInt(protocol.FieldIndex, int64(index)).
		SetInt(protocol.FieldCount, int64(count))
	return c.submit(rec, index, nil)
}

// NewUserAccount creates or replaces an account.
func (c *Client) NewUserAccount(a types.UserAccount) (uint32, error) {
	if a.Username == "" {
		return 0, invalid(fmt.Errorf("username is empty"))
	}
	for field, v := range map[string]string{"username": a.Username, "password": a.Password, "note": a.Note} {
		if err := limits.ValidateString(field, v); err != nil {
			return 0, invalid(err)
		}
	}
	return c.submit(protocol.EncodeAccount(protocol.NewRecord(protocol.VerbNewAccount), a), 0, nil)
}

// DeleteUserAccount removes an account.
func (c *Client) DeleteUserAccount(username string) (uint32, error) {
	if username == "" {
		return 0, invalid(fmt.Errorf("username is empty"))
	}
	return c.submit(protocol.NewRecord(protocol.VerbDeleteAccount).SetString("username", username), 0, nil)
}

// DeleteFile removes a file from a channel. The replica drops it when the
// server announces the removal.
func (c *Client) DeleteFile(ch types.ChannelID, id types.FileID) (uint32, error) {
	if err := limits.ValidateChannelID(uint16(ch)); err != nil {
		return 0, invalid(err)
	}
	if id == 0 {
		return 0, invalid(fmt.Errorf("file id is 0"))
	}
	rec := protocol.NewRecord(protocol.VerbDeleteFile).
		SetInt(protocol.FieldChannelID, int64(ch)).
		SetInt(protocol.FieldFileID, int64(id))
	return c.submit(rec, 0, nil)
}

// ListBans requests count bans starting at index.
func (c *Client) ListBans(index, count int) (uint32, error) {
	if err := validatePage(index, count); err != nil {
		return 0, err
	}
	rec := protocol.NewRecord(protocol.VerbListBans).
		SetInt(protocol.FieldIndex, int64(index)).
		SetInt(protocol.FieldCount, int64(count))
	return c.submit(rec, index, nil)
}

// SetSubscription selects the stream types received from a user. The local
// table changes at once, so frames the new mask excludes are discarded
// before the server confirms.
func (c *Client) SetSubscription(user types.UserID, mask types.Subscription) (uint32, error) {
	if err := limits.ValidateUserID(uint16(user)); err != nil {
		return 0, invalid(err)
	}
	if !mask.Known() {
		return 0, invalid(fmt.Errorf("unknown subscription bits %#x", uint32(mask)))
	}
	rec := protocol.NewRecord(protocol.VerbSubscribe).
		SetInt(protocol.FieldUserID, int64(user)).
		SetInt("sublocal", int64(mask))

	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	return c.submit(rec, 0, func(uint32) {
		changed, err := c.subs.SetLocal(user, mask)
		if err == nil && changed && sess != nil {
			sess.pipeline.Refresh(user)
		}
	})
}

// ChannelOp grants or revokes operator status in a channel.
func (c *Client) ChannelOp(user types.UserID, ch types.ChannelID, enable bool) (uint32, error) {
	if err := limits.ValidateUserID(uint16(user)); err != nil {
		return 0, invalid(err)
	}
	if err := limits.ValidateChannelID(uint16(ch)); err != nil {
		return 0, invalid(err)
	}
	rec := protocol.NewRecord(protocol.VerbOp).
		SetInt(protocol.FieldUserID, int64(user)).
		SetInt(protocol.FieldChannelID, int64(ch)).
		SetBool("opstatus", enable)
	return c.submit(rec, 0, nil)
}

// ChangeNickname changes the nickname shown to other users.
func (c *Client) ChangeNickname(nickname string) (uint32, error) {
	if err := limits.ValidateString("nickname", nickname); err != nil {
		return 0, invalid(err)
	}
	if login, ok := c.memory.lastLogin(); ok {
		login.Nickname = nickname
		c.memory.setLogin(login)
	}
	return c.submit(protocol.NewRecord(protocol.VerbChangeNick).SetString("nickname", nickname), 0, nil)
}

// ChangeStatus changes the status mode and message.
func (c *Client) ChangeStatus(mode uint32, message string) (uint32, error) {
	if err := limits.ValidateString("statusmsg", message); err != nil {
		return 0, invalid(err)
	}
	rec := protocol.NewRecord(protocol.VerbChangeStatus).
		SetInt("statusmode", int64(mode)).
		SetString("statusmsg", message)
	return c.submit(rec, 0, nil)
}

// QueryServerStats requests the server statistics, delivered as a
// ServerStatistics event before the command succeeds.
func (c *Client) QueryServerStats() (uint32, error) {
	return c.submit(protocol.NewRecord(protocol.VerbQueryStats), 0, nil)
}

// UpdateServer changes the server properties.
func (c *Client) UpdateServer(p types.ServerProperties) (uint32, error) {
	for field, v := range map[string]string{"servername": p.Name, "motd": p.MOTD} {
		if err := limits.ValidateString(field, v); err != nil {
			return 0, invalid(err)
		}
	}
	return c.submit(protocol.EncodeServerProperties(protocol.NewRecord(protocol.VerbUpdateServer), p), 0, nil)
}

// SaveConfig asks the server to persist its configuration.
func (c *Client) SaveConfig() (uint32, error) {
	return c.submit(protocol.NewRecord(protocol.VerbSaveConfig), 0, nil)
}
