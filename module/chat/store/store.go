package store

import (
	"context"
	"unicode/utf8"

	"relaychat/module/chat/model"
	"relaychat/tools/errs"
)

// Direction values for Page.
const (
	DirBefore = "before" // older than cursor
	DirAfter  = "after"  // newer than cursor
)

const DefaultPageLimit = 50
const MaxPageLimit = 200

// AppendReq is one message-create request.
type AppendReq struct {
	ConversationID string
	SenderID       string
	Content        string
	ContentType    string
	ReplyToID      string
	ClientMsgID    string
}

// PageReq selects a history window. Cursor is the boundary message's
// server id, exclusive; empty means "from the newest end".
type PageReq struct {
	Cursor    string
	Limit     int
	Direction string
}

func (r *PageReq) norm() {
	if r.Limit <= 0 {
		r.Limit = DefaultPageLimit
	}
	if r.Limit > MaxPageLimit {
		r.Limit = MaxPageLimit
	}
	if r.Direction == "" {
		r.Direction = DirBefore
	}
}

// Page is a materialized history window in chronological order.
type Page struct {
	Items      []*model.Message
	NextCursor string
	HasMore    bool
}

// Store is the conversation registry plus the durable message log.
// Absent conversations and access the caller does not have are both
// reported as not-found, so existence never leaks to non-participants.
type Store interface {
	// registry
	GetOrCreateDirect(ctx context.Context, userA, userB string) (*model.Conversation, error)
	GetConversation(ctx context.Context, convID string) (*model.Conversation, error)
	VerifyAccess(ctx context.Context, userID, convID string) (bool, error)
	CreateGroup(ctx context.Context, ownerID, name string) (*model.Conversation, error)
	AddMember(ctx context.Context, requesterID, convID, targetUserID string) (*model.GroupMember, error)
	Participants(ctx context.Context, convID string) ([]string, error)

	// message log
	Append(ctx context.Context, req AppendReq) (*model.Message, error)
	MarkRead(ctx context.Context, convID, userID string) (int64, error)
	GetPage(ctx context.Context, callerID, convID string, req PageReq) (*Page, error)
	EditMessage(ctx context.Context, convID, userID, msgID, content string) (*model.Message, error)
	DeleteMessage(ctx context.Context, convID, userID, msgID string) (*model.Message, error)

	// presence mirror
	TouchLastSeen(ctx context.Context, userID string, atMS int64) error
	GetLastSeen(ctx context.Context, userID string) (int64, error)
}

// canonPair orders a direct pair so (A,B) and (B,A) hit the same row.
func canonPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func validateContent(content string, maxRunes int) error {
	if content == "" {
		return errs.ErrInvalidInput.WrapMsg("empty content")
	}
	if maxRunes > 0 && utf8.RuneCountInString(content) > maxRunes {
		return errs.ErrPayloadTooLarge.WrapMsg("content too long", "max", maxRunes)
	}
	return nil
}

func normContentType(t string) string {
	if t == "" {
		return model.ContentTypeText
	}
	return t
}

func preview(content string) string {
	const n = 120
	if utf8.RuneCountInString(content) <= n {
		return content
	}
	runes := []rune(content)
	return string(runes[:n])
}
