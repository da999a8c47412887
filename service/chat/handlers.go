package chat

import (
	"context"

	"relaychat/logger"
	"relaychat/module/chat/model"
	"relaychat/module/chat/store"
	"relaychat/service/bridge"
	"relaychat/service/storage"
	"relaychat/tools/errs"

	"go.uber.org/zap"
)

// handleAuth validates the first frame's token and promotes the socket
// to an authenticated session.
func (s *Server) handleAuth(ctx *Ctx, data map[string]any) error {
	if ctx.Conn.UserID() != "" {
		return errs.ErrInvalidInput.WrapMsg("already authenticated")
	}
	p, err := DecodePayload[AuthPayload](data)
	if err != nil {
		return errs.ErrInvalidInput.WrapMsg("bad auth payload")
	}
	authCtx, cancel := context.WithTimeout(context.Background(), s.opts.AuthTimeout)
	defer cancel()
	ident, err := s.resolver.Resolve(authCtx, p.Token)
	if err != nil {
		return err
	}

	sess := ctx.Conn.SessionID
	s.ConnMgr.BindUser(ctx.Conn, ident.UserID)
	s.bridge.Register(sess, ctx.Conn)
	s.bridge.JoinRoom(sess, bridge.UserRoom(ident.UserID))
	s.bridge.JoinRoom(sess, storage.PresenceRoom)
	if s.presence != nil {
		if err := s.presence.SetOnline(ctx.Context, ident.UserID); err != nil {
			logger.Error("presence online failed",
				zap.String("user", ident.UserID), zap.Error(err))
		}
	}

	ctx.Conn.SendEvent(EvConnected, ConnectedPayload{
		UserID:    ident.UserID,
		SessionID: sess,
	})
	logger.Info("session authenticated",
		zap.String("session", sess), zap.String("user", ident.UserID))
	return nil
}

// handleJoin moves the socket's single active conversation room and
// implicitly marks the conversation read.
func (s *Server) handleJoin(ctx *Ctx, data map[string]any) error {
	p, err := DecodePayload[JoinPayload](data)
	if err != nil || p.ConversationID == "" {
		return errs.ErrInvalidInput.WrapMsg("conversationId required")
	}
	uid := ctx.Conn.UserID()
	ok, err := s.store.VerifyAccess(ctx.Context, uid, p.ConversationID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotFound.WrapMsg("conversation")
	}

	sess := ctx.Conn.SessionID
	if prev := ctx.Conn.ActiveConv(); prev != "" && prev != p.ConversationID {
		s.bridge.LeaveRoom(sess, bridge.ConvRoom(prev))
	}
	s.bridge.JoinRoom(sess, bridge.ConvRoom(p.ConversationID))
	ctx.Conn.setActiveConv(p.ConversationID)

	// Opening a conversation counts as reading it.
	seq, err := s.store.MarkRead(ctx.Context, p.ConversationID, uid)
	if err != nil {
		logger.Warn("implicit mark read failed",
			zap.String("conv", p.ConversationID), zap.Error(err))
		return nil
	}
	s.emitRead(p.ConversationID, uid, seq)
	return nil
}

// handleSend appends a message, directly or through the write buffer,
// then fans it out and acks the sender.
func (s *Server) handleSend(ctx *Ctx, data map[string]any) error {
	p, err := DecodePayload[SendPayload](data)
	if err != nil {
		return errs.ErrInvalidInput.WrapMsg("bad send payload")
	}
	uid := ctx.Conn.UserID()

	convID := p.ConversationID
	if convID == "" {
		if p.PeerID == "" {
			return errs.ErrInvalidInput.WrapMsg("conversationId or peerId required")
		}
		conv, err := s.store.GetOrCreateDirect(ctx.Context, uid, p.PeerID)
		if err != nil {
			return err
		}
		convID = conv.ConversationID
	}

	req := store.AppendReq{
		ConversationID: convID,
		SenderID:       uid,
		Content:        p.Content,
		ContentType:    p.Type,
		ReplyToID:      p.ReplyToID,
		ClientMsgID:    p.TempID,
	}

	if s.opts.BatchingEnabled && s.buffer != nil {
		conn, tempID := ctx.Conn, p.TempID
		return s.buffer.Enqueue(req, func(msg *model.Message, err error) {
			if err != nil {
				code := errs.Code(err)
				conn.SendEvent(EvError, ErrorPayload{Code: code, Message: errMsg(err, code)})
				return
			}
			s.settleSend(conn, tempID, msg)
		})
	}

	msg, err := s.store.Append(ctx.Context, req)
	if err != nil {
		return err
	}
	s.settleSend(ctx.Conn, p.TempID, msg)
	return nil
}

// settleSend acks the sender and fans the stored message out to every
// participant's personal room, local or remote.
func (s *Server) settleSend(sender *Conn, tempID string, msg *model.Message) {
	sender.SendEvent(EvAck, AckPayload{TempID: tempID, Message: msg})

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
	defer cancel()
	parts, err := s.store.Participants(ctx, msg.ConversationID)
	if err != nil {
		logger.Error("participant lookup failed",
			zap.String("conv", msg.ConversationID), zap.Error(err))
		return
	}
	for _, p := range parts {
		if err := s.bridge.EmitUser(p, EvNewMessage, msg); err != nil {
			logger.Warn("message fanout failed",
				zap.String("user", p), zap.Error(err))
		}
		if p == msg.SenderID || s.presence == nil {
			continue
		}
		if st := s.presence.GetStatus(ctx, p); st.Status == model.StatusOffline {
			s.notifier.Notify("message.offline", map[string]any{
				"userId":         p,
				"conversationId": msg.ConversationID,
				"senderId":       msg.SenderID,
				"serverMsgId":    msg.ServerMsgID,
				"preview":        msg.Content,
			})
		}
	}
}

// handleTyping relays an ephemeral typing indicator to the viewers of
// the conversation. Nothing is persisted.
func (s *Server) handleTyping(ctx *Ctx, data map[string]any) error {
	p, err := DecodePayload[TypingPayload](data)
	if err != nil || p.ConversationID == "" {
		return errs.ErrInvalidInput.WrapMsg("conversationId required")
	}
	uid := ctx.Conn.UserID()
	ok, err := s.store.VerifyAccess(ctx.Context, uid, p.ConversationID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotFound.WrapMsg("conversation")
	}

	ev := TypingEvent{
		ConversationID: p.ConversationID,
		UserID:         uid,
		IsTyping:       p.IsTyping,
	}
	if s.users != nil {
		if u, err := s.users.GetByID(ctx.Context, uid); err == nil && u != nil {
			ev.UserName = u.Nickname
		}
	}
	if err := s.bridge.EmitRoom(bridge.ConvRoom(p.ConversationID), EvUserTyping, ev); err != nil {
		logger.Debug("typing relay failed", zap.Error(err))
	}
	return nil
}

func (s *Server) handleMarkRead(ctx *Ctx, data map[string]any) error {
	p, err := DecodePayload[MarkReadPayload](data)
	if err != nil || p.ConversationID == "" {
		return errs.ErrInvalidInput.WrapMsg("conversationId required")
	}
	uid := ctx.Conn.UserID()
	seq, err := s.store.MarkRead(ctx.Context, p.ConversationID, uid)
	if err != nil {
		return err
	}
	s.emitRead(p.ConversationID, uid, seq)
	return nil
}

// handleEdit rewrites the sender's own message; the original content is
// kept, readers render the edited body.
func (s *Server) handleEdit(ctx *Ctx, data map[string]any) error {
	p, err := DecodePayload[EditPayload](data)
	if err != nil || p.ConversationID == "" || p.MessageID == "" {
		return errs.ErrInvalidInput.WrapMsg("conversationId and messageId required")
	}
	msg, err := s.store.EditMessage(ctx.Context, p.ConversationID, ctx.Conn.UserID(), p.MessageID, p.Content)
	if err != nil {
		return err
	}
	s.fanoutUpdate(EvMessageEdited, msg)
	return nil
}

func (s *Server) handleDelete(ctx *Ctx, data map[string]any) error {
	p, err := DecodePayload[DeletePayload](data)
	if err != nil || p.ConversationID == "" || p.MessageID == "" {
		return errs.ErrInvalidInput.WrapMsg("conversationId and messageId required")
	}
	msg, err := s.store.DeleteMessage(ctx.Context, p.ConversationID, ctx.Conn.UserID(), p.MessageID)
	if err != nil {
		return err
	}
	s.fanoutUpdate(EvMessageDeleted, msg)
	return nil
}

// fanoutUpdate pushes an edit/delete transition to every participant,
// same personal-room path a new message takes.
func (s *Server) fanoutUpdate(event string, msg *model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
	defer cancel()
	parts, err := s.store.Participants(ctx, msg.ConversationID)
	if err != nil {
		logger.Error("participant lookup failed",
			zap.String("conv", msg.ConversationID), zap.Error(err))
		return
	}
	for _, p := range parts {
		if err := s.bridge.EmitUser(p, event, msg); err != nil {
			logger.Warn("update fanout failed", zap.String("user", p), zap.Error(err))
		}
	}
}

func (s *Server) emitRead(convID, userID string, seq int64) {
	err := s.bridge.EmitRoom(bridge.ConvRoom(convID), EvMessagesRead, MessagesReadEvent{
		ConversationID: convID,
		ReadBy:         userID,
		ReadIndex:      seq,
	})
	if err != nil {
		logger.Warn("read receipt fanout failed",
			zap.String("conv", convID), zap.Error(err))
	}
}
