package store

import (
	"context"
	"time"

	"relaychat/module/chat/model"
	usermodel "relaychat/module/user/model"
	"relaychat/tools/errs"
	"relaychat/tools/ids"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the durable Store. Conversation counters only ever move
// through server-side $inc/$max, never read-modify-write from here.
type MongoStore struct {
	convs    *mongo.Collection
	members  *mongo.Collection
	msgs     *mongo.Collection
	lastSeen *mongo.Collection
	users    *mongo.Collection

	maxContentRunes int
}

func NewMongoStore(db *mongo.Database, maxContentRunes int) *MongoStore {
	return &MongoStore{
		convs:           db.Collection(model.ConversationTableName),
		members:         db.Collection(model.GroupMemberTableName),
		msgs:            db.Collection(model.MsgTableName),
		lastSeen:        db.Collection(model.LastSeenTableName),
		users:           db.Collection(usermodel.UserTableName),
		maxContentRunes: maxContentRunes,
	}
}

// EnsureIndexes creates the unique indexes the atomicity story relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.convs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: model.ConvFieldID, Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys: bson.D{{Key: model.ConvFieldType, Value: 1}, {Key: model.ConvFieldUserA, Value: 1}, {Key: model.ConvFieldUserB, Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{model.ConvFieldType: model.ConvTypeDirect}),
		},
	})
	if err != nil {
		return errs.WrapMsg(err, "conversation indexes")
	}
	_, err = s.members.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: model.MemberFieldConvID, Value: 1}, {Key: model.MemberFieldUserID, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errs.WrapMsg(err, "member index")
	}
	_, err = s.msgs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: model.MsgFieldServerID, Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys:    bson.D{{Key: model.MsgFieldConvID, Value: 1}, {Key: model.MsgFieldSeq, Value: -1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return errs.WrapMsg(err, "message indexes")
	}
	_, err = s.lastSeen.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errs.Wrap(err)
}

// ===== registry =====

func (s *MongoStore) GetOrCreateDirect(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	if userA == "" || userB == "" {
		return nil, errs.ErrInvalidInput.WrapMsg("empty user id")
	}
	if userA == userB {
		return nil, errs.ErrInvalidInput.WrapMsg("direct conversation with self")
	}
	a, b := canonPair(userA, userB)
	now := time.Now().UnixMilli()

	filter := bson.M{
		model.ConvFieldType:  model.ConvTypeDirect,
		model.ConvFieldUserA: a,
		model.ConvFieldUserB: b,
	}
	update := bson.M{"$setOnInsert": bson.M{
		model.ConvFieldID:    uuid.NewString(),
		model.ConvFieldType:  model.ConvTypeDirect,
		model.ConvFieldUserA: a,
		model.ConvFieldUserB: b,
		model.ConvFieldReadA: int64(0),
		model.ConvFieldReadB: int64(0),
		model.ConvFieldMaxSeq: int64(0),
		"created_at":          now,
		model.ConvFieldUpdated: now,
	}}

	var conv model.Conversation
	err := s.convs.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&conv)
	if mongo.IsDuplicateKeyError(err) {
		// two creators raced the upsert; the canonical row exists now
		err = s.convs.FindOne(ctx, filter).Decode(&conv)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "get-or-create direct", "a", a, "b", b)
	}
	return &conv, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, convID string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.convs.FindOne(ctx, bson.M{model.ConvFieldID: convID}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.Wrap()
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &conv, nil
}

func (s *MongoStore) VerifyAccess(ctx context.Context, userID, convID string) (bool, error) {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		if errs.Code(err) == errs.NotFoundError {
			return false, nil
		}
		return false, err
	}
	return s.hasAccess(ctx, userID, conv)
}

func (s *MongoStore) hasAccess(ctx context.Context, userID string, conv *model.Conversation) (bool, error) {
	switch conv.Type {
	case model.ConvTypeDirect:
		return conv.IsParticipantDirect(userID), nil
	case model.ConvTypeGroup:
		n, err := s.members.CountDocuments(ctx, bson.M{
			model.MemberFieldConvID: conv.ConversationID,
			model.MemberFieldUserID: userID,
		})
		if err != nil {
			return false, errs.Wrap(err)
		}
		return n > 0, nil
	}
	return false, nil
}

func (s *MongoStore) CreateGroup(ctx context.Context, ownerID, name string) (*model.Conversation, error) {
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
	member := &model.GroupMember{
		ConversationID: conv.ConversationID,
		UserID:         ownerID,
		Role:           model.RoleOwner,
		CreatedAt:      now,
	}

	// conversation + owner member commit together or not at all
	sess, err := s.convs.Database().Client().StartSession()
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("start session", "err", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		if _, err := s.convs.InsertOne(sc, conv); err != nil {
			return nil, err
		}
		if _, err := s.members.InsertOne(sc, member); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "create group", "owner", ownerID)
	}
	return conv, nil
}

func (s *MongoStore) AddMember(ctx context.Context, requesterID, convID, targetUserID string) (*model.GroupMember, error) {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.Type != model.ConvTypeGroup {
		return nil, errs.ErrNotFound.Wrap()
	}

	var req model.GroupMember
	err = s.members.FindOne(ctx, bson.M{
		model.MemberFieldConvID: convID,
		model.MemberFieldUserID: requesterID,
	}).Decode(&req)
	if err == mongo.ErrNoDocuments || (err == nil && !req.CanManage()) {
		return nil, errs.ErrForbidden.Wrap()
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}

	n, err := s.users.CountDocuments(ctx, bson.M{"user_id": targetUserID})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if n == 0 {
		return nil, errs.ErrNotFound.WrapMsg("target user absent")
	}

	member := &model.GroupMember{
		ConversationID: convID,
		UserID:         targetUserID,
		Role:           model.RoleMember,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if _, err := s.members.InsertOne(ctx, member); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errs.ErrConflict.WrapMsg("already a member")
		}
		return nil, errs.Wrap(err)
	}
	return member, nil
}

func (s *MongoStore) Participants(ctx context.Context, convID string) ([]string, error) {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.Type == model.ConvTypeDirect {
		return []string{conv.UserA, conv.UserB}, nil
	}
	raw, err := s.members.Distinct(ctx, model.MemberFieldUserID, bson.M{model.MemberFieldConvID: convID})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// ===== message log =====

func (s *MongoStore) Append(ctx context.Context, req AppendReq) (*model.Message, error) {
	if err := validateContent(req.Content, s.maxContentRunes); err != nil {
		return nil, err
	}
	conv, err := s.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	ok, err := s.hasAccess(ctx, req.SenderID, conv)
	if err != nil {
		return nil, err
	}
	if !ok {
		// indistinguishable from an absent conversation
		return nil, errs.ErrNotFound.Wrap()
	}
	if req.ReplyToID != "" {
		n, err := s.msgs.CountDocuments(ctx, bson.M{
			model.MsgFieldServerID: req.ReplyToID,
			model.MsgFieldConvID:   req.ConversationID,
		})
		if err != nil {
			return nil, errs.Wrap(err)
		}
		if n == 0 {
			return nil, errs.ErrInvalidReference.WrapMsg("reply target not in conversation")
		}
	}

	now := time.Now().UnixMilli()

	// single atomic increment-and-fetch; the post-increment max_seq is
	// this message's index
	var bumped model.Conversation
	err = s.convs.FindOneAndUpdate(ctx,
		bson.M{model.ConvFieldID: req.ConversationID},
		bson.M{
			"$inc": bson.M{model.ConvFieldMaxSeq: int64(1)},
			"$set": bson.M{
				model.ConvFieldPreview: preview(req.Content),
				model.ConvFieldLastAt:  now,
				model.ConvFieldUpdated: now,
			},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&bumped)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.Wrap()
	}
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("seq bump", "err", err)
	}

	msg := &model.Message{
		ServerMsgID:    ids.GenerateString(),
		ClientMsgID:    req.ClientMsgID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		ContentType:    normContentType(req.ContentType),
		ReplyToID:      req.ReplyToID,
		Seq:            bumped.MaxSeq,
		CreatedAt:      now,
	}
	if _, err := s.msgs.InsertOne(ctx, msg); err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("insert message", "err", err)
	}
	return msg, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, convID, userID string) (int64, error) {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return 0, err
	}
	switch conv.Type {
	case model.ConvTypeDirect:
		var field string
		switch userID {
		case conv.UserA:
			field = model.ConvFieldReadA
		case conv.UserB:
			field = model.ConvFieldReadB
		default:
			return 0, errs.ErrNotFound.Wrap()
		}
		// $max keeps this monotonic under concurrent appends; a stale
		// MaxSeq read just under-counts until the next call
		_, err := s.convs.UpdateOne(ctx,
			bson.M{model.ConvFieldID: convID},
			bson.M{"$max": bson.M{field: conv.MaxSeq}},
		)
		if err != nil {
			return 0, errs.Wrap(err)
		}
		return conv.MaxSeq, nil
	case model.ConvTypeGroup:
		res, err := s.members.UpdateOne(ctx,
			bson.M{model.MemberFieldConvID: convID, model.MemberFieldUserID: userID},
			bson.M{"$max": bson.M{model.MemberFieldReadSeq: conv.MaxSeq}},
		)
		if err != nil {
			return 0, errs.Wrap(err)
		}
		if res.MatchedCount == 0 {
			return 0, errs.ErrNotFound.Wrap()
		}
		return conv.MaxSeq, nil
	}
	return 0, errs.ErrNotFound.Wrap()
}

func (s *MongoStore) GetPage(ctx context.Context, callerID, convID string, req PageReq) (*Page, error) {
	req.norm()
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	ok, err := s.hasAccess(ctx, callerID, conv)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrNotFound.Wrap()
	}

	filter := bson.M{model.MsgFieldConvID: convID}
	if req.Cursor != "" {
		var boundary model.Message
		err := s.msgs.FindOne(ctx, bson.M{
			model.MsgFieldServerID: req.Cursor,
			model.MsgFieldConvID:   convID,
		}).Decode(&boundary)
		if err == mongo.ErrNoDocuments {
			return nil, errs.ErrInvalidInput.WrapMsg("unknown cursor")
		}
		if err != nil {
			return nil, errs.Wrap(err)
		}
		if req.Direction == DirAfter {
			filter[model.MsgFieldSeq] = bson.M{"$gt": boundary.Seq}
		} else {
			filter[model.MsgFieldSeq] = bson.M{"$lt": boundary.Seq}
		}
	}

	sortOrder := -1 // newest first for "before" windows
	if req.Direction == DirAfter {
		sortOrder = 1
	}
	cur, err := s.msgs.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: model.MsgFieldSeq, Value: sortOrder}}).
		SetLimit(int64(req.Limit+1)),
	)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	var items []*model.Message
	if err := cur.All(ctx, &items); err != nil {
		return nil, errs.Wrap(err)
	}

	hasMore := len(items) > req.Limit
	if hasMore {
		items = items[:req.Limit]
	}
	if req.Direction != DirAfter {
		// page materializes oldest-first
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	next := ""
	if hasMore && len(items) > 0 {
		if req.Direction == DirAfter {
			next = items[len(items)-1].ServerMsgID
		} else {
			next = items[0].ServerMsgID
		}
	}
	return &Page{Items: items, NextCursor: next, HasMore: hasMore}, nil
}

func (s *MongoStore) EditMessage(ctx context.Context, convID, userID, msgID, content string) (*model.Message, error) {
	if err := validateContent(content, s.maxContentRunes); err != nil {
		return nil, err
	}
	msg, err := s.getOwnMessage(ctx, convID, userID, msgID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, errs.ErrInvalidInput.WrapMsg("message deleted")
	}
	now := time.Now().UnixMilli()
	_, err = s.msgs.UpdateOne(ctx,
		bson.M{model.MsgFieldServerID: msgID},
		bson.M{"$set": bson.M{"edited": true, "edited_content": content, "edited_at": now}},
	)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	msg.Edited, msg.EditedContent, msg.EditedAt = true, content, now
	return msg, nil
}

func (s *MongoStore) DeleteMessage(ctx context.Context, convID, userID, msgID string) (*model.Message, error) {
	msg, err := s.getOwnMessage(ctx, convID, userID, msgID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return msg, nil
	}
	now := time.Now().UnixMilli()
	_, err = s.msgs.UpdateOne(ctx,
		bson.M{model.MsgFieldServerID: msgID},
		bson.M{"$set": bson.M{model.MsgFieldDeleted: true, "deleted_at": now}},
	)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	msg.Deleted, msg.DeletedAt = true, now
	return msg, nil
}

func (s *MongoStore) getOwnMessage(ctx context.Context, convID, userID, msgID string) (*model.Message, error) {
	var msg model.Message
	err := s.msgs.FindOne(ctx, bson.M{
		model.MsgFieldServerID: msgID,
		model.MsgFieldConvID:   convID,
	}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.Wrap()
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if msg.SenderID != userID {
		return nil, errs.ErrForbidden.Wrap()
	}
	return &msg, nil
}

// ===== presence mirror =====

func (s *MongoStore) TouchLastSeen(ctx context.Context, userID string, atMS int64) error {
	_, err := s.lastSeen.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{"$max": bson.M{"last_seen": atMS}},
		options.Update().SetUpsert(true),
	)
	return errs.Wrap(err)
}

func (s *MongoStore) GetLastSeen(ctx context.Context, userID string) (int64, error) {
	var rec model.LastSeen
	err := s.lastSeen.FindOne(ctx, bson.M{"user_id": userID}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return rec.LastSeen, nil
}
