package ttclient

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/connection"
	"github.com/opd-ai/ttclient/events"
	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/protocol"
	"github.com/opd-ai/ttclient/subscription"
	"github.com/opd-ai/ttclient/types"
)

// handle applies one server record. It runs on the network loop only.
// Records that contradict the replica are logged by the replica and
// otherwise discarded.
func (c *Client) handle(sess *session, rec *protocol.Record) {
	switch rec.Verb {
	case protocol.VerbBegin:
		c.begin(sess, protocol.CommandID(rec))
	case protocol.VerbEnd:
		c.end(sess, protocol.CommandID(rec))
	case protocol.VerbOK:
		c.succeed(sess, protocol.CommandID(rec))
	case protocol.VerbError:
		c.fail(sess, protocol.CommandID(rec), protocol.DecodeClientError(rec))
	case protocol.VerbUserAccount:
		c.accountPart(sess, rec)
	case protocol.VerbBannedUser:
		c.banPart(sess, rec)

	case protocol.VerbAccepted:
		c.accepted(sess, rec)
	case protocol.VerbLoggedIn:
		c.userLoggedIn(sess, rec)
	case protocol.VerbLoggedOut:
		c.userLoggedOut(sess, rec)
	case protocol.VerbKicked:
		c.kicked(sess, rec)
	case protocol.VerbAddUser:
		c.userJoined(sess, rec)
	case protocol.VerbUpdateUser:
		c.userUpdated(sess, rec)
	case protocol.VerbRemoveUser:
		c.userLeft(sess, rec)

	case protocol.VerbAddChannel:
		c.channelAdded(sess, rec)
	case protocol.VerbUpdateChannel:
		c.channelUpdated(sess, rec)
	case protocol.VerbRemoveChannel:
		c.channelRemoved(sess, rec)
	case protocol.VerbAddFile:
		c.fileAdded(sess, rec)
	case protocol.VerbRemoveFile:
		c.fileRemoved(rec)

	case protocol.VerbServerUpdate:
		if props := protocol.DecodeServerProperties(rec); c.replica.SetServerProperties(props) {
			c.emit(events.ServerUpdate{Properties: props})
		}
	case protocol.VerbStats:
		stats := protocol.DecodeServerStatistics(rec)
		c.replica.SetServerStatistics(stats)
		c.emit(events.ServerStatistics{
			Header:     events.Header{CmdID: protocol.CommandID(rec)},
			Statistics: stats,
		})
	case protocol.VerbMessageDeliver:
		c.emit(events.TextMessage{Message: protocol.DecodeTextMessage(rec)})
	case protocol.VerbNewAccount:
		c.accountCreated(sess, rec)
	case protocol.VerbDeleteAccount:
		c.accountRemoved(rec)

	case protocol.VerbPong:
		sess.ka.Pong(c.clock.Now())
	case protocol.VerbMaxPayload:
		c.maxPayload(sess, int(rec.Int(protocol.FieldSize)))

	default:
		sess.logger("handle").WithField("verb", rec.Verb).Debug("Ignoring unknown record")
	}
}

func (c *Client) begin(sess *session, id uint32) {
	if c.disp.Processing(id, true) {
		c.emit(events.CmdProcessing{Header: events.Header{CmdID: id}})
	}
}

// end closes the processing bracket. The outcome usually precedes it, in
// which case the command is no longer pending.
func (c *Client) end(sess *session, id uint32) {
	if _, ok := sess.closing[id]; ok {
		delete(sess.closing, id)
		c.emit(events.CmdProcessing{Header: events.Header{CmdID: id}, Complete: true})
		return
	}
	if _, ok := c.disp.Get(id); !ok {
		return
	}
	if c.disp.Processing(id, false) {
		c.emit(events.CmdProcessing{Header: events.Header{CmdID: id}, Complete: true})
	}
}

func (c *Client) succeed(sess *session, id uint32) {
	p, ok := c.disp.Resolve(id)
	if !ok {
		return
	}
	if p.Processing {
		sess.closing[id] = struct{}{}
	}

	header := events.Header{CmdID: id}
	switch p.Verb {
	case protocol.VerbListAccounts:
		page := p.Accumulator().Accounts()
		if _, err := c.replica.ApplyAccountPage(p.Index, page); err != nil {
			sess.logger("succeed").WithError(err).Warn("Account page not applied")
		}
		c.emit(events.AccountListing{Header: header, Index: p.Index, Accounts: page})
	case protocol.VerbListBans:
		page := p.Accumulator().Bans()
		if _, err := c.replica.ApplyBanPage(p.Index, page); err != nil {
			sess.logger("succeed").WithError(err).Warn("Ban page not applied")
		}
		c.emit(events.BanListing{Header: header, Index: p.Index, Bans: page})
	case protocol.VerbUnban:
		if f, ok := c.memory.takeUnban(id); ok {
			c.replica.RemoveBans(f.IPAddress, f.Username)
		}
	}
	c.memory.succeeded(p)
	c.emit(events.CmdSuccess{Header: header})
}

func (c *Client) fail(sess *session, id uint32, cerr *types.ClientError) {
	p, ok := c.disp.Resolve(id)
	if !ok {
		sess.logger("fail").WithFields(logrus.Fields{
			"cmd_id": id,
			"code":   int(cerr.Code),
			"error":  cerr.Message,
		}).Warn("Server error for no pending command")
		return
	}
	if p.Processing {
		sess.closing[id] = struct{}{}
	}
	c.memory.failed(id)
	c.emit(events.CmdError{Header: events.Header{CmdID: id}, Err: cerr})
}

func (c *Client) accountPart(sess *session, rec *protocol.Record) {
	id := protocol.CommandID(rec)
	acc, ok := c.disp.Accumulate(id)
	if !ok {
		return
	}
	a, err := protocol.DecodeAccount(rec)
	if err != nil {
		sess.logger("accountPart").WithError(err).Warn("Dropping malformed account")
		return
	}
	index := acc.AddAccount(a)
	c.emit(events.UserAccountReceived{
		Header:  events.Header{CmdID: id, Continues: protocol.More(rec)},
		Index:   index,
		Account: a,
	})
}

func (c *Client) banPart(sess *session, rec *protocol.Record) {
	id := protocol.CommandID(rec)
	acc, ok := c.disp.Accumulate(id)
	if !ok {
		return
	}
	ban := protocol.DecodeBan(rec)
	index := acc.AddBan(ban)
	c.emit(events.BannedUserReceived{
		Header: events.Header{CmdID: id, Continues: protocol.More(rec)},
		Index:  index,
		Ban:    ban,
	})
}

func (c *Client) accepted(sess *session, rec *protocol.Record) {
	u, err := protocol.DecodeUser(rec)
	if err != nil {
		sess.logger("accepted").WithError(err).Warn("Dropping malformed login reply")
		return
	}
	account, err := protocol.DecodeAccount(rec)
	if err != nil {
		account = types.UserAccount{Username: u.Username, Type: u.Type, Rights: u.Rights}
	}

	c.replica.SetMyUserID(u.ID)
	if _, _, err := c.replica.LoginUser(u); err != nil {
		return
	}
	c.fsm.TransitionFrom(connection.StateAuthorized, connection.StateConnected)
	sess.logger("accepted").WithFields(logrus.Fields{
		"user_id":  u.ID,
		"username": u.Username,
	}).Info("Logged in")
	c.emit(events.MySelfLoggedIn{UserID: u.ID, Account: account})

	if j := sess.rejoin; j != nil {
		sess.rejoin = nil
		c.rejoin(sess, *j)
	}
}

// mirrorSubscriptions copies the subscription fields of a user record into
// the table and restarts the user's streams when what we receive changed.
func (c *Client) mirrorSubscriptions(sess *session, id types.UserID, p types.UserPatch) {
	if p.LocalSubscriptions != nil {
		changed, err := c.subs.SetLocal(id, *p.LocalSubscriptions)
		if err != nil {
			sess.logger("mirrorSubscriptions").WithError(err).Warn("Ignoring subscription mask")
		} else if changed {
			sess.pipeline.Refresh(id)
		}
	}
	if p.PeerSubscriptions != nil {
		c.subs.SetPeer(id, *p.PeerSubscriptions)
	}
}

func (c *Client) userLoggedIn(sess *session, rec *protocol.Record) {
	u, err := protocol.DecodeUser(rec)
	if err != nil {
		sess.logger("userLoggedIn").WithError(err).Warn("Dropping malformed user")
		return
	}
	user, changed, err := c.replica.LoginUser(u)
	if err != nil {
		return
	}
	c.mirrorSubscriptions(sess, u.ID, protocol.DecodeUserPatch(rec))
	if changed {
		c.emit(events.UserLoggedIn{User: user})
	}
}

func (c *Client) userLoggedOut(sess *session, rec *protocol.Record) {
	me := c.replica.MyUserID()
	id, ok := rec.LookupInt(protocol.FieldUserID)
	if !ok || types.UserID(id) == me {
		for _, u := range c.replica.Users() {
			sess.pipeline.RemoveUser(u.ID)
		}
		c.replica.Reset()
		c.replica.SetMyUserID(me)
		c.subs.Reset()
		sess.arbiter.SetPolicy(subscription.FreeForAll, c.opts.Transmit.PromotionDelay.Duration)
		c.fsm.TransitionFrom(connection.StateConnected, connection.StateAuthorized)
		sess.logger("userLoggedOut").Info("Logged out")
		c.emit(events.MySelfLoggedOut{})
		return
	}

	user, err := c.replica.LogoutUser(types.UserID(id))
	if err != nil {
		return
	}
	c.subs.Remove(user.ID)
	sess.pipeline.RemoveUser(user.ID)
	sess.arbiter.Release(user.ID, types.StreamVoice, c.clock.Now())
	c.emit(events.UserLoggedOut{User: user})
}

func (c *Client) kicked(sess *session, rec *protocol.Record) {
	ev := events.MySelfKicked{
		KickerID:  types.UserID(rec.Int("kickerid")),
		ChannelID: types.ChannelID(rec.Int(protocol.FieldChannelID)),
	}
	if ev.ChannelID == 0 {
		sess.kicked = true
	}
	sess.logger("kicked").WithFields(logrus.Fields{
		"kicker_id":  ev.KickerID,
		"channel_id": ev.ChannelID,
	}).Warn("Kicked")
	c.emit(ev)
}

func (c *Client) userJoined(sess *session, rec *protocol.Record) {
	u, err := protocol.DecodeUser(rec)
	if err != nil {
		sess.logger("userJoined").WithError(err).Warn("Dropping malformed user")
		return
	}
	before, known := c.replica.User(u.ID)
	user, changed, err := c.replica.JoinUser(u)
	if err != nil {
		return
	}
	c.mirrorSubscriptions(sess, u.ID, protocol.DecodeUserPatch(rec))
	if u.ID == c.replica.MyUserID() {
		c.applyChannelPolicy(sess, user.ChannelID)
	}

	switch {
	case !known || before.ChannelID != user.ChannelID:
		c.emit(events.UserJoined{User: user})
	case changed:
		c.emit(events.UserUpdate{User: user})
	}
}

func (c *Client) userUpdated(sess *session, rec *protocol.Record) {
	id := types.UserID(rec.Int(protocol.FieldUserID))
	before, ok := c.replica.User(id)
	if !ok {
		sess.logger("userUpdated").WithField("user_id", id).Warn("Update for unknown user discarded")
		return
	}
	patch := protocol.DecodeUserPatch(rec)
	user, changed, err := c.replica.UpdateUser(id, patch)
	if err != nil {
		return
	}
	c.mirrorSubscriptions(sess, id, patch)

	switch {
	case !changed:
	case before.State != user.State:
		c.emit(events.UserStateChange{User: user})
	default:
		c.emit(events.UserUpdate{User: user})
	}
}

func (c *Client) userLeft(sess *session, rec *protocol.Record) {
	id := types.UserID(rec.Int(protocol.FieldUserID))
	user, left, err := c.replica.LeaveUser(id)
	if err != nil || left == 0 {
		return
	}
	if id == c.replica.MyUserID() {
		sess.arbiter.SetPolicy(subscription.FreeForAll, c.opts.Transmit.PromotionDelay.Duration)
	} else {
		sess.pipeline.RemoveUser(id)
		sess.arbiter.Release(id, types.StreamVoice, c.clock.Now())
	}
	c.emit(events.UserLeft{User: user, ChannelID: left})
}

// maxPayload applies a new media datagram size. Sizes below
// limits.MinMediaPacket are refused; zero restores the default.
func (c *Client) maxPayload(sess *session, size int) {
	if size < 0 || size > 0 && size < limits.MinMediaPacket {
		sess.logger("maxPayload").WithFields(logrus.Fields{
			"size":    size,
			"minimum": limits.MinMediaPacket,
			"current": sess.link.Media.MaxPayload(),
		}).Warn("Ignoring max payload below minimum")
		return
	}
	sess.link.Media.SetMaxPayload(size)
	c.emit(events.ConnectMaxPayloadUpdated{MaxPayload: sess.link.Media.MaxPayload()})
}

// applyChannelPolicy configures the transmit arbiter for the channel we
// are in.
func (c *Client) applyChannelPolicy(sess *session, id types.ChannelID) {
	ch, ok := c.replica.Channel(id)
	if !ok {
		sess.arbiter.SetPolicy(subscription.FreeForAll, c.opts.Transmit.PromotionDelay.Duration)
		return
	}
	delay := ch.TransmitQueueDelay
	if delay <= 0 {
		delay = c.opts.Transmit.PromotionDelay.Duration
	}
	sess.arbiter.SetPolicy(subscription.PolicyFor(ch.Type), delay)
	if sess.arbiter.Policy() == subscription.SoloTransmit {
		sess.arbiter.Mirror(types.StreamVoice, ch.TransmitQueue)
	}
}

func (c *Client) channelAdded(sess *session, rec *protocol.Record) {
	ch, err := protocol.DecodeChannel(rec)
	if err != nil {
		sess.logger("channelAdded").WithError(err).Warn("Dropping malformed channel")
		return
	}
	_, known := c.replica.Channel(ch.ID)
	changed, err := c.replica.AddChannel(ch)
	if err != nil || !changed {
		return
	}
	stored, _ := c.replica.Channel(ch.ID)
	if known {
		c.emit(events.ChannelUpdated{Channel: stored})
		return
	}
	c.emit(events.ChannelCreated{Channel: stored})
}

func (c *Client) channelUpdated(sess *session, rec *protocol.Record) {
	id := types.ChannelID(rec.Int(protocol.FieldChannelID))
	ch, changed, err := c.replica.UpdateChannel(id, protocol.DecodeChannelPatch(rec))
	if err != nil || !changed {
		return
	}
	if id == c.replica.MyChannelID() {
		c.applyChannelPolicy(sess, id)
	}
	c.emit(events.ChannelUpdated{Channel: ch})
}

func (c *Client) channelRemoved(sess *session, rec *protocol.Record) {
	ch, err := c.replica.RemoveChannel(types.ChannelID(rec.Int(protocol.FieldChannelID)))
	if err != nil {
		return
	}
	c.emit(events.ChannelRemoved{Channel: ch})
}

func (c *Client) fileAdded(sess *session, rec *protocol.Record) {
	f, err := protocol.DecodeFile(rec)
	if err != nil {
		sess.logger("fileAdded").WithError(err).Warn("Dropping malformed file")
		return
	}
	if changed, err := c.replica.AddFile(f); err != nil || !changed {
		return
	}
	c.emit(events.FileNew{File: f})
}

func (c *Client) fileRemoved(rec *protocol.Record) {
	f, err := c.replica.RemoveFile(types.ChannelID(rec.Int(protocol.FieldChannelID)),
		types.FileID(rec.Int(protocol.FieldFileID)))
	if err != nil {
		return
	}
	c.emit(events.FileRemove{File: f})
}

func (c *Client) accountCreated(sess *session, rec *protocol.Record) {
	a, err := protocol.DecodeAccount(rec)
	if err != nil {
		sess.logger("accountCreated").WithError(err).Warn("Dropping malformed account")
		return
	}
	c.replica.AddUserAccount(a)
	c.emit(events.UserAccountCreated{Account: a})
}

func (c *Client) accountRemoved(rec *protocol.Record) {
	username := rec.Text("username")
	a, ok := c.replica.RemoveUserAccount(username)
	if !ok {
		a = types.UserAccount{Username: username}
	}
	c.emit(events.UserAccountRemoved{Account: a})
}
