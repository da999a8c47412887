package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"relaychat/module/chat/model"
	"relaychat/tools/errs"
	"relaychat/tools/ids"

	"github.com/google/uuid"
)

// MemStore is the in-process Store used by tests and single-node dev
// runs. Same semantics as MongoStore, mutex in place of server-side
// atomics.
type MemStore struct {
	mu sync.RWMutex

	convs      map[string]*model.Conversation      // conv id -> conversation
	directIdx  map[[2]string]string                // canonical pair -> conv id
	members    map[string]map[string]*model.GroupMember // conv id -> user id -> member
	msgs       map[string][]*model.Message         // conv id -> messages in seq order
	msgByID    map[string]*model.Message           // server msg id -> message
	lastSeenMS map[string]int64                    // user id -> unix ms
	users      map[string]struct{}                 // known user ids, for AddMember

	maxContentRunes int
}

func NewMemStore(maxContentRunes int) *MemStore {
	return &MemStore{
		convs:           make(map[string]*model.Conversation),
		directIdx:       make(map[[2]string]string),
		members:         make(map[string]map[string]*model.GroupMember),
		msgs:            make(map[string][]*model.Message),
		msgByID:         make(map[string]*model.Message),
		lastSeenMS:      make(map[string]int64),
		users:           make(map[string]struct{}),
		maxContentRunes: maxContentRunes,
	}
}

// SeedUser registers a user id so AddMember can resolve it.
func (s *MemStore) SeedUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
}

// ===== registry =====

func (s *MemStore) GetOrCreateDirect(_ context.Context, userA, userB string) (*model.Conversation, error) {
	if userA == "" || userB == "" {
		return nil, errs.ErrInvalidInput.WrapMsg("empty user id")
	}
	if userA == userB {
		return nil, errs.ErrInvalidInput.WrapMsg("direct conversation with self")
	}
	a, b := canonPair(userA, userB)

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.directIdx[[2]string{a, b}]; ok {
		return cloneConv(s.convs[id]), nil
	}
	now := time.Now().UnixMilli()
	conv := &model.Conversation{
		ConversationID: uuid.NewString(),
		Type:           model.ConvTypeDirect,
		UserA:          a,
		UserB:          b,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.convs[conv.ConversationID] = conv
	s.directIdx[[2]string{a, b}] = conv.ConversationID
	return cloneConv(conv), nil
}

func (s *MemStore) GetConversation(_ context.Context, convID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[convID]
	if !ok {
		return nil, errs.ErrNotFound.Wrap()
	}
	return cloneConv(conv), nil
}

func (s *MemStore) VerifyAccess(_ context.Context, userID, convID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasAccessLocked(userID, convID), nil
}

func (s *MemStore) hasAccessLocked(userID, convID string) bool {
	conv, ok := s.convs[convID]
	if !ok {
		return false
	}
	switch conv.Type {
	case model.ConvTypeDirect:
		return conv.IsParticipantDirect(userID)
	case model.ConvTypeGroup:
		_, ok := s.members[convID][userID]
		return ok
	}
	return false
}

func (s *MemStore) CreateGroup(_ context.Context, ownerID, name string) (*model.Conversation, error) {
	if ownerID == "" || name == "" {
		return nil, errs.ErrInvalidInput.WrapMsg("owner and name required")
	}
	now := time.Now().UnixMilli()
	conv := &model.Conversation{
		ConversationID: uuid.NewString(),
		Type:           model.ConvTypeGroup,
		Name:           name,
		OwnerID:        ownerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ConversationID] = conv
	s.members[conv.ConversationID] = map[string]*model.GroupMember{
		ownerID: {ConversationID: conv.ConversationID, UserID: ownerID, Role: model.RoleOwner, CreatedAt: now},
	}
	s.users[ownerID] = struct{}{}
	return cloneConv(conv), nil
}

func (s *MemStore) AddMember(_ context.Context, requesterID, convID, targetUserID string) (*model.GroupMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok || conv.Type != model.ConvTypeGroup {
		return nil, errs.ErrNotFound.Wrap()
	}
	req, ok := s.members[convID][requesterID]
	if !ok || !req.CanManage() {
		return nil, errs.ErrForbidden.Wrap()
	}
	if _, ok := s.users[targetUserID]; !ok {
		return nil, errs.ErrNotFound.WrapMsg("target user absent")
	}
	if _, ok := s.members[convID][targetUserID]; ok {
		return nil, errs.ErrConflict.WrapMsg("already a member")
	}
	m := &model.GroupMember{
		ConversationID: convID,
		UserID:         targetUserID,
		Role:           model.RoleMember,
		CreatedAt:      time.Now().UnixMilli(),
	}
	s.members[convID][targetUserID] = m
	cp := *m
	return &cp, nil
}

func (s *MemStore) Participants(_ context.Context, convID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[convID]
	if !ok {
		return nil, errs.ErrNotFound.Wrap()
	}
	if conv.Type == model.ConvTypeDirect {
		return []string{conv.UserA, conv.UserB}, nil
	}
	var out []string
	for id := range s.members[convID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// ===== message log =====

func (s *MemStore) Append(_ context.Context, req AppendReq) (*model.Message, error) {
	if err := validateContent(req.Content, s.maxContentRunes); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[req.ConversationID]
	if !ok {
		return nil, errs.ErrNotFound.Wrap()
	}
	if !s.hasAccessLocked(req.SenderID, req.ConversationID) {
		return nil, errs.ErrNotFound.Wrap()
	}
	if req.ReplyToID != "" {
		ref, ok := s.msgByID[req.ReplyToID]
		if !ok || ref.ConversationID != req.ConversationID {
			return nil, errs.ErrInvalidReference.WrapMsg("reply target not in conversation")
		}
	}

	now := time.Now().UnixMilli()
	conv.MaxSeq++
	conv.LastMsgPreview = preview(req.Content)
	conv.LastMsgAt = now
	conv.UpdatedAt = now

	msg := &model.Message{
		ServerMsgID:    ids.GenerateString(),
		ClientMsgID:    req.ClientMsgID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		ContentType:    normContentType(req.ContentType),
		ReplyToID:      req.ReplyToID,
		Seq:            conv.MaxSeq,
		CreatedAt:      now,
	}
	s.msgs[req.ConversationID] = append(s.msgs[req.ConversationID], msg)
	s.msgByID[msg.ServerMsgID] = msg
	cp := *msg
	return &cp, nil
}

func (s *MemStore) MarkRead(_ context.Context, convID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[convID]
	if !ok {
		return 0, errs.ErrNotFound.Wrap()
	}
	switch conv.Type {
	case model.ConvTypeDirect:
		switch userID {
		case conv.UserA:
			if conv.MaxSeq > conv.ReadSeqA {
				conv.ReadSeqA = conv.MaxSeq
			}
			return conv.MaxSeq, nil
		case conv.UserB:
			if conv.MaxSeq > conv.ReadSeqB {
				conv.ReadSeqB = conv.MaxSeq
			}
			return conv.MaxSeq, nil
		}
		return 0, errs.ErrNotFound.Wrap()
	case model.ConvTypeGroup:
		m, ok := s.members[convID][userID]
		if !ok {
			return 0, errs.ErrNotFound.Wrap()
		}
		if conv.MaxSeq > m.ReadSeq {
			m.ReadSeq = conv.MaxSeq
		}
		return conv.MaxSeq, nil
	}
	return 0, errs.ErrNotFound.Wrap()
}

func (s *MemStore) GetPage(_ context.Context, callerID, convID string, req PageReq) (*Page, error) {
	req.norm()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[convID]; !ok {
		return nil, errs.ErrNotFound.Wrap()
	}
	if !s.hasAccessLocked(callerID, convID) {
		return nil, errs.ErrNotFound.Wrap()
	}

	all := s.msgs[convID]
	var window []*model.Message
	if req.Cursor != "" {
		boundary, ok := s.msgByID[req.Cursor]
		if !ok || boundary.ConversationID != convID {
			return nil, errs.ErrInvalidInput.WrapMsg("unknown cursor")
		}
		idx := sort.Search(len(all), func(i int) bool { return all[i].Seq >= boundary.Seq })
		if req.Direction == DirAfter {
			window = all[idx+1:]
		} else {
			window = all[:idx]
		}
	} else {
		window = all
	}

	var items []*model.Message
	hasMore := false
	if req.Direction == DirAfter {
		if len(window) > req.Limit {
			hasMore = true
			window = window[:req.Limit]
		}
		items = window
	} else {
		if len(window) > req.Limit {
			hasMore = true
			window = window[len(window)-req.Limit:]
		}
		items = window
	}

	out := make([]*model.Message, len(items))
	for i, m := range items {
		cp := *m
		out[i] = &cp
	}
	next := ""
	if hasMore && len(out) > 0 {
		if req.Direction == DirAfter {
			next = out[len(out)-1].ServerMsgID
		} else {
			next = out[0].ServerMsgID
		}
	}
	return &Page{Items: out, NextCursor: next, HasMore: hasMore}, nil
}

func (s *MemStore) EditMessage(_ context.Context, convID, userID, msgID, content string) (*model.Message, error) {
	if err := validateContent(content, s.maxContentRunes); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.getOwnMessageLocked(convID, userID, msgID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, errs.ErrInvalidInput.WrapMsg("message deleted")
	}
	msg.Edited = true
	msg.EditedContent = content
	msg.EditedAt = time.Now().UnixMilli()
	cp := *msg
	return &cp, nil
}

func (s *MemStore) DeleteMessage(_ context.Context, convID, userID, msgID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, err := s.getOwnMessageLocked(convID, userID, msgID)
	if err != nil {
		return nil, err
	}
	if !msg.Deleted {
		msg.Deleted = true
		msg.DeletedAt = time.Now().UnixMilli()
	}
	cp := *msg
	return &cp, nil
}

func (s *MemStore) getOwnMessageLocked(convID, userID, msgID string) (*model.Message, error) {
	msg, ok := s.msgByID[msgID]
	if !ok || msg.ConversationID != convID {
		return nil, errs.ErrNotFound.Wrap()
	}
	if msg.SenderID != userID {
		return nil, errs.ErrForbidden.Wrap()
	}
	return msg, nil
}

// ===== presence mirror =====

func (s *MemStore) TouchLastSeen(_ context.Context, userID string, atMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if atMS > s.lastSeenMS[userID] {
		s.lastSeenMS[userID] = atMS
	}
	return nil
}

func (s *MemStore) GetLastSeen(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeenMS[userID], nil
}

func cloneConv(c *model.Conversation) *model.Conversation {
	cp := *c
	return &cp
}
