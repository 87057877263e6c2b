package testnet

import (
	"crypto/rand"
	"fmt"
	"maps"
	"net"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/noise"
	"github.com/opd-ai/ttclient/protocol"
	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

type session struct {
	conn     transport.ControlConn
	user     types.User
	account  types.UserAccount
	loggedIn bool
	cookie   []byte
	token    [noise.TokenSize]byte
	udpAddr *net.UDPAddr
	// subs is what this user receives from each peer.
	subs map[types.UserID]types.Subscription
}

func (sess *session) send(rec *protocol.Record) error {
	return sess.conn.WriteFrame(rec.Encode())
}

func (sess *session) mask(from types.UserID) types.Subscription {
	if mask, ok := sess.subs[from]; ok {
		return mask
	}
	return types.SubscribeDefault
}

func (sess *session) receives(from types.UserID, st types.StreamType) bool {
	return sess.mask(from)&types.SubscriptionFor(st) != 0
}

// viewOf fills in the subscriptions between viewer and u as the viewer
// sees them.
func (s *Server) viewOf(viewer *session, u types.User) types.User {
	u.LocalSubscriptions = viewer.mask(u.ID)
	if other, ok := s.sessions[u.ID]; ok {
		u.PeerSubscriptions = other.mask(viewer.user.ID)
	}
	return u
}

// broadcastUserLocked sends a user record to every logged in session, each
// with its own view of the subscriptions.
func (s *Server) broadcastUserLocked(verb string, u types.User, except types.UserID) {
	for id, sess := range s.sessions {
		if id != except && sess.loggedIn {
			sess.send(protocol.EncodeUser(protocol.NewRecord(verb), s.viewOf(sess, u)))
		}
	}
}

func (s *Server) open(conn transport.ControlConn, binding []byte) (*session, error) {
	cookie := make([]byte, 16)
	if _, err := rand.Read(cookie); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, ErrServerClosed
	}
	id := s.nextUser
	for _, taken := s.sessions[id]; taken; _, taken = s.sessions[id] {
		id++
	}
	if err := limits.ValidateUserID(uint16(id)); err != nil {
		return nil, err
	}
	s.nextUser = id + 1

	sess := &session{
		conn:   conn,
		user:   types.NewUser(id),
		cookie: cookie,
		token:  noise.MediaToken(cookie, binding, uint16(id)),
		subs:   make(map[types.UserID]types.Subscription),
	}
	sess.user.IPAddress = hostOf(conn.RemoteAddr())
	s.sessions[id] = sess
	return sess, nil
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// drop removes a disconnected session and tells the others.
func (s *Server) drop(sess *session) {
	sess.conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.user.ID)
	if sess.loggedIn {
		s.logoutLocked(sess)
	}
	for _, other := range s.sessions {
		delete(other.subs, sess.user.ID)
	}
}

func (s *Server) logoutLocked(sess *session) {
	if sess.user.ChannelID != 0 {
		s.leaveLocked(sess)
	}
	sess.loggedIn = false
	s.broadcastLocked(protocol.NewRecord(protocol.VerbLoggedOut).SetInt(protocol.FieldUserID, int64(sess.user.ID)), sess.user.ID)
}

type reply struct {
	code types.ErrorCode
	msg  string
}

func fail(code types.ErrorCode, format string, args ...any) *reply {
	return &reply{code: code, msg: fmt.Sprintf(format, args...)}
}

// handle runs one command. Every command is bracketed by begin and end and
// answered with ok or error.
func (s *Server) handle(sess *session, rec *protocol.Record) {
	id := protocol.CommandID(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Verb == protocol.VerbPing {
		sess.send(protocol.NewRecord(protocol.VerbPong).SetInt(protocol.FieldID, int64(id)))
		return
	}

	sess.send(protocol.NewRecord(protocol.VerbBegin).SetInt(protocol.FieldID, int64(id)))
	defer sess.send(protocol.NewRecord(protocol.VerbEnd).SetInt(protocol.FieldID, int64(id)))

	var r *reply
	if !sess.loggedIn && rec.Verb != protocol.VerbLogin {
		r = fail(types.ErrNotLoggedIn, "login first")
	} else {
		r = s.dispatchLocked(sess, rec, id)
	}

	if r != nil {
		s.logger.WithFields(logrus.Fields{
			"function": "handle",
			"verb":     rec.Verb,
			"id":       id,
			"code":     int(r.code),
		}).Debug("Command rejected")
		sess.send(protocol.EncodeClientError(protocol.NewRecord(protocol.VerbError), &types.ClientError{Code: r.code, Message: r.msg}).
			SetInt(protocol.FieldID, int64(id)))
		return
	}
	sess.send(protocol.NewRecord(protocol.VerbOK).SetInt(protocol.FieldID, int64(id)))
}

func (s *Server) dispatchLocked(sess *session, rec *protocol.Record, id uint32) *reply {
	switch rec.Verb {
	case protocol.VerbLogin:
		return s.login(sess, rec)
	case protocol.VerbLogout:
		s.logoutLocked(sess)
		sess.send(protocol.NewRecord(protocol.VerbLoggedOut))
		return nil
	case protocol.VerbJoin:
		return s.join(sess, rec)
	case protocol.VerbLeave:
		if sess.user.ChannelID == 0 {
			return fail(types.ErrNotInChannel, "not in a channel")
		}
		s.leaveLocked(sess)
		return nil
	case protocol.VerbMakeChannel:
		return s.makeChannel(sess, rec)
	case protocol.VerbUpdateChannel:
		return s.updateChannel(sess, rec)
	case protocol.VerbRemoveChannel:
		return s.removeChannel(sess, rec)
	case protocol.VerbDeleteFile:
		return s.deleteFile(sess, rec)
	case protocol.VerbMoveUser:
		return s.moveUser(sess, rec)
	case protocol.VerbKick:
		return s.kick(sess, rec)
	case protocol.VerbBan:
		return s.ban(sess, rec)
	case protocol.VerbUnban:
		return s.unban(sess, rec)
	case protocol.VerbMessage:
		return s.message(sess, rec)
	case protocol.VerbListAccounts:
		return s.listAccounts(sess, rec, id)
	case protocol.VerbNewAccount:
		return s.newAccount(sess, rec)
	case protocol.VerbDeleteAccount:
		return s.deleteAccount(sess, rec)
	case protocol.VerbListBans:
		return s.listBans(sess, rec, id)
	case protocol.VerbSubscribe:
		return s.subscribe(sess, rec)
	case protocol.VerbOp:
		return s.op(sess, rec)
	case protocol.VerbChangeNick:
		return s.changeNick(sess, rec)
	case protocol.VerbChangeStatus:
		return s.changeStatus(sess, rec)
	case protocol.VerbQueryStats:
		stats := s.stats
		stats.UsersServed = int(s.connectionsServed.Load())
		stats.UsersPeak = len(s.sessions)
		sess.send(protocol.EncodeServerStatistics(protocol.NewRecord(protocol.VerbStats), stats).SetInt(protocol.FieldID, int64(id)))
		return nil
	case protocol.VerbUpdateServer:
		if !sess.account.Rights.Has(types.RightUpdateServerProperties) {
			return fail(types.ErrNotAuthorized, "cannot update server")
		}
		s.applyServerLocked(rec)
		s.broadcastLocked(protocol.EncodeServerProperties(protocol.NewRecord(protocol.VerbServerUpdate), s.props), 0)
		return nil
	case protocol.VerbSaveConfig:
		if sess.account.Type != types.UserTypeAdmin {
			return fail(types.ErrNotAuthorized, "administrators only")
		}
		return nil
	}
	return fail(types.ErrUnknownCommand, "unknown command %q", rec.Verb)
}

func (s *Server) login(sess *session, rec *protocol.Record) *reply {
	if sess.loggedIn {
		return fail(types.ErrAlreadyLoggedIn, "already logged in")
	}
	username, password := rec.Text("username"), rec.Text(protocol.FieldPassword)
	idx := slices.IndexFunc(s.accounts, func(a types.UserAccount) bool { return a.Username == username })
	if idx < 0 || s.accounts[idx].Password != password {
		return fail(types.ErrInvalidAccount, "invalid username or password")
	}
	for _, b := range s.bans {
		if b.Types&types.BanUsername != 0 && b.Username == username ||
			b.Types&types.BanIPAddr != 0 && b.IPAddress == sess.user.IPAddress {
			return fail(types.ErrServerBanned, "banned")
		}
	}

	acc := s.accounts[idx].Clone()
	sess.account = acc
	sess.loggedIn = true
	u := &sess.user
	u.Username = acc.Username
	u.Nickname = rec.Text("nickname")
	u.ClientName = rec.Text("clientname")
	u.ClientVersion = rec.Text("version")
	u.Type = acc.Type
	u.Rights = acc.Rights
	u.UserData = acc.UserData

	accepted := protocol.EncodeUser(protocol.NewRecord(protocol.VerbAccepted), *u)
	public := acc.Clone()
	public.Password = ""
	protocol.EncodeAccount(accepted, public)
	sess.send(accepted)
	sess.send(protocol.EncodeServerProperties(protocol.NewRecord(protocol.VerbServerUpdate), s.props))

	ids := make([]types.ChannelID, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		sess.send(protocol.EncodeChannel(protocol.NewRecord(protocol.VerbAddChannel), s.channels[id].Channel))
	}
	for _, fid := range slices.Sorted(maps.Keys(s.files)) {
		sess.send(protocol.EncodeFile(protocol.NewRecord(protocol.VerbAddFile), s.files[fid]))
	}

	users := make([]types.UserID, 0, len(s.sessions))
	for id, other := range s.sessions {
		if other.loggedIn && id != u.ID {
			users = append(users, id)
		}
	}
	slices.Sort(users)
	for _, id := range users {
		other := s.sessions[id]
		view := s.viewOf(sess, other.user)
		sess.send(protocol.EncodeUser(protocol.NewRecord(protocol.VerbLoggedIn), view))
		if view.ChannelID != 0 {
			sess.send(protocol.EncodeUser(protocol.NewRecord(protocol.VerbAddUser), view))
		}
	}
	s.broadcastUserLocked(protocol.VerbLoggedIn, *u, u.ID)

	s.logger.WithFields(logrus.Fields{
		"function": "login",
		"user_id":  u.ID,
		"username": u.Username,
	}).Info("User logged in")
	return nil
}

func (s *Server) join(sess *session, rec *protocol.Record) *reply {
	chid := types.ChannelID(rec.Int(protocol.FieldChannelID))
	ch, ok := s.channels[chid]
	if !ok {
		return fail(types.ErrChannelNotFound, "channel %d not found", chid)
	}
	if ch.password != "" && rec.Text(protocol.FieldPassword) != ch.password {
		return fail(types.ErrIncorrectChannelPassword, "incorrect channel password")
	}
	if sess.user.ChannelID == chid {
		return fail(types.ErrAlreadyInChannel, "already in channel %d", chid)
	}
	if ch.MaxUsers > 0 && len(s.sessionsIn(chid)) >= ch.MaxUsers {
		return fail(types.ErrMaxChannelUsers, "channel is full")
	}
	for _, b := range s.bans {
		if b.Types&types.BanChannel != 0 && b.Username == sess.user.Username && b.ChannelPath == s.pathLocked(chid) {
			return fail(types.ErrChannelBanned, "banned from channel")
		}
	}
	s.moveLocked(sess, chid)
	return nil
}

func (s *Server) moveLocked(sess *session, chid types.ChannelID) {
	if sess.user.ChannelID != 0 {
		s.leaveLocked(sess)
	}
	sess.user.ChannelID = chid
	s.broadcastUserLocked(protocol.VerbAddUser, sess.user, 0)
}

func (s *Server) leaveLocked(sess *session) {
	from := sess.user.ChannelID
	if ch, ok := s.channels[from]; ok {
		if i := slices.Index(ch.TransmitQueue, sess.user.ID); i >= 0 {
			ch.TransmitQueue = slices.Delete(ch.TransmitQueue, i, i+1)
			s.broadcastChannelLocked(ch)
		}
	}
	sess.user.ChannelID = 0
	s.broadcastLocked(protocol.NewRecord(protocol.VerbRemoveUser).
		SetInt(protocol.FieldUserID, int64(sess.user.ID)).
		SetInt(protocol.FieldChannelID, int64(from)), 0)
}

func (s *Server) pathLocked(id types.ChannelID) string {
	path := "/"
	for id != 0 {
		ch, ok := s.channels[id]
		if !ok || ch.ParentID == 0 {
			break
		}
		path = "/" + ch.Name + path
		id = ch.ParentID
	}
	return path
}

func (s *Server) broadcastChannelLocked(ch *channel) {
	s.broadcastLocked(protocol.EncodeChannel(protocol.NewRecord(protocol.VerbUpdateChannel), ch.Channel), 0)
}

func (s *Server) canModifyChannels(sess *session) bool {
	return sess.account.Rights.Has(types.RightModifyChannels)
}

func (s *Server) makeChannel(sess *session, rec *protocol.Record) *reply {
	if !s.canModifyChannels(sess) && !sess.account.Rights.Has(types.RightCreateTemporaryChannel) {
		return fail(types.ErrNotAuthorized, "cannot create channels")
	}
	c, err := protocol.DecodeChannel(rec.SetInt("chanid", 0))
	if err != nil {
		return fail(types.ErrMissingParameter, "%v", err)
	}
	if _, ok := s.channels[c.ParentID]; !ok {
		return fail(types.ErrChannelNotFound, "parent %d not found", c.ParentID)
	}
	if c.Name == "" {
		return fail(types.ErrMissingParameter, "channel name")
	}
	for _, other := range s.channels {
		if other.ParentID == c.ParentID && other.Name == c.Name {
			return fail(types.ErrChannelAlreadyExists, "channel %q exists", c.Name)
		}
	}
	c.ID = s.nextChannel
	s.nextChannel++
	password := rec.Text(protocol.FieldPassword)
	c.HasPassword = password != ""
	ch := &channel{Channel: c, password: password}
	s.channels[c.ID] = ch
	s.broadcastLocked(protocol.EncodeChannel(protocol.NewRecord(protocol.VerbAddChannel), ch.Channel), 0)
	return nil
}

func (s *Server) updateChannel(sess *session, rec *protocol.Record) *reply {
	chid := types.ChannelID(rec.Int(protocol.FieldChannelID))
	ch, ok := s.channels[chid]
	if !ok {
		return fail(types.ErrChannelNotFound, "channel %d not found", chid)
	}
	if !s.canModifyChannels(sess) && !slices.Contains(ch.Operators, sess.user.ID) {
		return fail(types.ErrNotAuthorized, "cannot modify channel")
	}
	patch := protocol.DecodeChannelPatch(rec)
	patch.ParentID = nil
	patch.HasPassword = nil
	patch.Apply(&ch.Channel)
	if rec.Has(protocol.FieldPassword) {
		ch.password = rec.Text(protocol.FieldPassword)
		ch.HasPassword = ch.password != ""
	}
	s.broadcastChannelLocked(ch)
	return nil
}

func (s *Server) removeChannel(sess *session, rec *protocol.Record) *reply {
	if !s.canModifyChannels(sess) {
		return fail(types.ErrNotAuthorized, "cannot remove channels")
	}
	chid := types.ChannelID(rec.Int(protocol.FieldChannelID))
	if _, ok := s.channels[chid]; !ok || chid == 1 {
		return fail(types.ErrChannelNotFound, "channel %d not found", chid)
	}
	subtree := s.subtreeLocked(chid)
	for _, id := range subtree {
		if len(s.sessionsIn(id)) > 0 {
			return fail(types.ErrChannelHasUsers, "channel %d has users", id)
		}
	}
	// Children first, so every notification leaves a consistent tree.
	for i := len(subtree) - 1; i >= 0; i-- {
		ch := s.channels[subtree[i]]
		for fid, f := range s.files {
			if f.ChannelID == ch.ID {
				delete(s.files, fid)
			}
		}
		delete(s.channels, ch.ID)
		s.broadcastLocked(protocol.EncodeChannel(protocol.NewRecord(protocol.VerbRemoveChannel), ch.Channel), 0)
	}
	return nil
}

func (s *Server) deleteFile(sess *session, rec *protocol.Record) *reply {
	f, ok := s.files[types.FileID(rec.Int(protocol.FieldFileID))]
	if !ok || f.ChannelID != types.ChannelID(rec.Int(protocol.FieldChannelID)) {
		return fail(types.ErrFileNotFound, "file not found")
	}
	if f.Owner != sess.account.Username && sess.account.Type != types.UserTypeAdmin {
		return fail(types.ErrNotAuthorized, "cannot delete file %q", f.Name)
	}
	delete(s.files, f.ID)
	s.broadcastLocked(protocol.EncodeFile(protocol.NewRecord(protocol.VerbRemoveFile), f), 0)
	return nil
}

// subtreeLocked lists id and its descendants, parents before children.
func (s *Server) subtreeLocked(id types.ChannelID) []types.ChannelID {
	out := []types.ChannelID{id}
	for i := 0; i < len(out); i++ {
		var children []types.ChannelID
		for cid, ch := range s.channels {
			if ch.ParentID == out[i] && cid != out[i] {
				children = append(children, cid)
			}
		}
		slices.Sort(children)
		out = append(out, children...)
	}
	return out
}

func (s *Server) target(rec *protocol.Record) (*session, *reply) {
	uid := types.UserID(rec.Int(protocol.FieldUserID))
	t, ok := s.sessions[uid]
	if !ok || !t.loggedIn {
		return nil, fail(types.ErrUserNotFound, "user %d not found", uid)
	}
	return t, nil
}

func (s *Server) moveUser(sess *session, rec *protocol.Record) *reply {
	if !sess.account.Rights.Has(types.RightMoveUsers) {
		return fail(types.ErrNotAuthorized, "cannot move users")
	}
	t, r := s.target(rec)
	if r != nil {
		return r
	}
	chid := types.ChannelID(rec.Int(protocol.FieldChannelID))
	if _, ok := s.channels[chid]; !ok {
		return fail(types.ErrChannelNotFound, "channel %d not found", chid)
	}
	if t.user.ChannelID != chid {
		s.moveLocked(t, chid)
	}
	return nil
}

func (s *Server) kick(sess *session, rec *protocol.Record) *reply {
	t, r := s.target(rec)
	if r != nil {
		return r
	}
	chid := types.ChannelID(rec.Int(protocol.FieldChannelID))
	isOp := chid != 0 && s.channels[chid] != nil && slices.Contains(s.channels[chid].Operators, sess.user.ID)
	if !sess.account.Rights.Has(types.RightKickUsers) && !isOp {
		return fail(types.ErrNotAuthorized, "cannot kick users")
	}
	kicked := protocol.NewRecord(protocol.VerbKicked).
		SetInt("kickerid", int64(sess.user.ID)).
		SetInt(protocol.FieldChannelID, int64(chid))
	if chid != 0 {
		if t.user.ChannelID != chid {
			return fail(types.ErrNotInChannel, "user %d is not in channel %d", t.user.ID, chid)
		}
		t.send(kicked)
		s.leaveLocked(t)
		return nil
	}
	t.send(kicked)
	s.logoutLocked(t)
	t.conn.Close()
	return nil
}

func (s *Server) ban(sess *session, rec *protocol.Record) *reply {
	if !sess.account.Rights.Has(types.RightBanUsers) {
		return fail(types.ErrNotAuthorized, "cannot ban users")
	}
	b := protocol.DecodeBan(rec)
	if rec.Has(protocol.FieldUserID) {
		t, r := s.target(rec)
		if r != nil {
			return r
		}
		b.IPAddress = t.user.IPAddress
		b.Username = t.user.Username
		b.Nickname = t.user.Nickname
	}
	if b.IPAddress == "" && b.Username == "" {
		return fail(types.ErrMissingParameter, "ban needs an address or username")
	}
	if b.Types == types.BanNone {
		b.Types = types.BanIPAddr
	}
	b.Owner = sess.user.Username
	s.bans = append(s.bans, b)
	return nil
}

func (s *Server) unban(sess *session, rec *protocol.Record) *reply {
	if !sess.account.Rights.Has(types.RightBanUsers) {
		return fail(types.ErrNotAuthorized, "cannot unban users")
	}
	ip, username := rec.Text("ipaddr"), rec.Text("username")
	before := len(s.bans)
	s.bans = slices.DeleteFunc(s.bans, func(b types.BannedUser) bool {
		return (ip != "" && b.IPAddress == ip) || (username != "" && b.Username == username)
	})
	if len(s.bans) == before {
		return fail(types.ErrBanNotFound, "no matching ban")
	}
	return nil
}

func (s *Server) message(sess *session, rec *protocol.Record) *reply {
	m := protocol.DecodeTextMessage(rec)
	if err := limits.ValidateMessageSize([]byte(m.Content), limits.MaxTextMessage); err != nil {
		return fail(types.ErrSyntax, "%v", err)
	}
	m.FromUserID = sess.user.ID
	m.FromUsername = sess.user.Username
	out := protocol.EncodeTextMessage(protocol.NewRecord(protocol.VerbMessageDeliver), m)

	switch m.Type {
	case types.MsgUser, types.MsgCustom:
		t, ok := s.sessions[m.ToUserID]
		if !ok || !t.loggedIn {
			return fail(types.ErrUserNotFound, "user %d not found", m.ToUserID)
		}
		t.send(out)
	case types.MsgChannel:
		if m.ChannelID == 0 {
			m.ChannelID = sess.user.ChannelID
			out = protocol.EncodeTextMessage(protocol.NewRecord(protocol.VerbMessageDeliver), m)
		}
		if _, ok := s.channels[m.ChannelID]; !ok {
			return fail(types.ErrChannelNotFound, "channel %d not found", m.ChannelID)
		}
		for _, t := range s.sessionsIn(m.ChannelID) {
			t.send(out)
		}
	case types.MsgBroadcast:
		if !sess.account.Rights.Has(types.RightTextMessageBroadcast) {
			return fail(types.ErrNotAuthorized, "cannot broadcast")
		}
		s.broadcastLocked(out, 0)
	default:
		return fail(types.ErrMissingParameter, "message type %d", m.Type)
	}
	return nil
}

func (s *Server) listAccounts(sess *session, rec *protocol.Record, id uint32) *reply {
	if sess.account.Type != types.UserTypeAdmin {
		return fail(types.ErrNotAuthorized, "administrators only")
	}
	index, count := int(rec.Int(protocol.FieldIndex)), int(rec.Int(protocol.FieldCount))
	if index < 0 || count < 0 {
		return fail(types.ErrMissingParameter, "index and count must not be negative")
	}
	for i := index; i < len(s.accounts) && i < index+count; i++ {
		part := protocol.EncodeAccount(protocol.NewRecord(protocol.VerbUserAccount), s.accounts[i]).
			SetInt(protocol.FieldID, int64(id)).
			SetBool(protocol.FieldMore, true)
		sess.send(part)
	}
	return nil
}

func (s *Server) newAccount(sess *session, rec *protocol.Record) *reply {
	if sess.account.Type != types.UserTypeAdmin {
		return fail(types.ErrNotAuthorized, "administrators only")
	}
	a, err := protocol.DecodeAccount(rec)
	if err != nil || a.Username == "" {
		return fail(types.ErrInvalidUsername, "username required")
	}
	s.putAccountLocked(a)
	public := a.Clone()
	public.Password = ""
	notice := protocol.EncodeAccount(protocol.NewRecord(protocol.VerbNewAccount), public)
	s.notifyAdminsLocked(notice)
	return nil
}

func (s *Server) deleteAccount(sess *session, rec *protocol.Record) *reply {
	if sess.account.Type != types.UserTypeAdmin {
		return fail(types.ErrNotAuthorized, "administrators only")
	}
	username := rec.Text("username")
	i := slices.IndexFunc(s.accounts, func(a types.UserAccount) bool { return a.Username == username })
	if i < 0 {
		return fail(types.ErrAccountNotFound, "account %q not found", username)
	}
	s.accounts = slices.Delete(s.accounts, i, i+1)
	s.notifyAdminsLocked(protocol.NewRecord(protocol.VerbDeleteAccount).SetString("username", username))
	return nil
}

func (s *Server) notifyAdminsLocked(rec *protocol.Record) {
	for _, other := range s.sessions {
		if other.loggedIn && other.account.Type == types.UserTypeAdmin {
			other.send(rec)
		}
	}
}

func (s *Server) listBans(sess *session, rec *protocol.Record, id uint32) *reply {
	if !sess.account.Rights.Has(types.RightBanUsers) {
		return fail(types.ErrNotAuthorized, "cannot list bans")
	}
	index, count := int(rec.Int(protocol.FieldIndex)), int(rec.Int(protocol.FieldCount))
	for i := index; i >= 0 && i < len(s.bans) && i < index+count; i++ {
		sess.send(protocol.EncodeBan(protocol.NewRecord(protocol.VerbBannedUser), s.bans[i]).
			SetInt(protocol.FieldID, int64(id)).
			SetBool(protocol.FieldMore, true))
	}
	return nil
}

func (s *Server) subscribe(sess *session, rec *protocol.Record) *reply {
	t, r := s.target(rec)
	if r != nil {
		return r
	}
	mask := types.Subscription(rec.Int("sublocal"))
	if !mask.Known() {
		return fail(types.ErrSyntax, "unknown subscription bits %#x", uint32(mask))
	}
	sess.subs[t.user.ID] = mask
	sess.send(protocol.NewRecord(protocol.VerbUpdateUser).
		SetInt(protocol.FieldUserID, int64(t.user.ID)).
		SetInt("sublocal", int64(mask)))
	t.send(protocol.NewRecord(protocol.VerbUpdateUser).
		SetInt(protocol.FieldUserID, int64(sess.user.ID)).
		SetInt("subpeer", int64(mask)))
	return nil
}

func (s *Server) op(sess *session, rec *protocol.Record) *reply {
	t, r := s.target(rec)
	if r != nil {
		return r
	}
	chid := types.ChannelID(rec.Int(protocol.FieldChannelID))
	ch, ok := s.channels[chid]
	if !ok {
		return fail(types.ErrChannelNotFound, "channel %d not found", chid)
	}
	if !s.canModifyChannels(sess) && !slices.Contains(ch.Operators, sess.user.ID) {
		return fail(types.ErrNotAuthorized, "cannot change operators")
	}
	i := slices.Index(ch.Operators, t.user.ID)
	switch enable := rec.Bool("opstatus"); {
	case enable && i < 0:
		ch.Operators = append(ch.Operators, t.user.ID)
	case !enable && i >= 0:
		ch.Operators = slices.Delete(ch.Operators, i, i+1)
	default:
		return nil
	}
	s.broadcastChannelLocked(ch)
	return nil
}

func (s *Server) changeNick(sess *session, rec *protocol.Record) *reply {
	if sess.account.Rights.Has(types.RightLockedNickname) {
		return fail(types.ErrNotAuthorized, "nickname is locked")
	}
	sess.user.Nickname = rec.Text("nickname")
	s.broadcastLocked(protocol.NewRecord(protocol.VerbUpdateUser).
		SetInt(protocol.FieldUserID, int64(sess.user.ID)).
		SetString("nickname", sess.user.Nickname), 0)
	return nil
}

func (s *Server) changeStatus(sess *session, rec *protocol.Record) *reply {
	if sess.account.Rights.Has(types.RightLockedStatus) {
		return fail(types.ErrNotAuthorized, "status is locked")
	}
	sess.user.StatusMode = uint32(rec.Int("statusmode"))
	sess.user.StatusMessage = rec.Text("statusmsg")
	s.broadcastLocked(protocol.NewRecord(protocol.VerbUpdateUser).
		SetInt(protocol.FieldUserID, int64(sess.user.ID)).
		SetInt("statusmode", int64(sess.user.StatusMode)).
		SetString("statusmsg", sess.user.StatusMessage), 0)
	return nil
}

func (s *Server) applyServerLocked(rec *protocol.Record) {
	p := protocol.DecodeServerProperties(rec)
	if rec.Has("servername") {
		s.props.Name = p.Name
	}
	if rec.Has("motd") {
		s.props.MOTD = p.MOTD
	}
	if rec.Has("maxusers") {
		s.props.MaxUsers = p.MaxUsers
	}
	if rec.Has("autosave") {
		s.props.AutoSave = p.AutoSave
	}
	if rec.Has("usertimeout") {
		s.props.UserTimeout = p.UserTimeout
	}
}
