package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"relaychat/module/chat/model"
	"relaychat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDirect(t *testing.T, s *MemStore, a, b string) *model.Conversation {
	t.Helper()
	conv, err := s.GetOrCreateDirect(context.Background(), a, b)
	require.NoError(t, err)
	return conv
}

func mustAppend(t *testing.T, s *MemStore, convID, sender, content string) *model.Message {
	t.Helper()
	msg, err := s.Append(context.Background(), AppendReq{
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
	})
	require.NoError(t, err)
	return msg
}

func TestDirectPairCanonical(t *testing.T) {
	s := NewMemStore(0)
	ctx := context.Background()

	c1 := newDirect(t, s, "alice", "bob")
	c2 := newDirect(t, s, "bob", "alice")
	assert.Equal(t, c1.ConversationID, c2.ConversationID)
	assert.Equal(t, "alice", c1.UserA)
	assert.Equal(t, "bob", c1.UserB)

	_, err := s.GetOrCreateDirect(ctx, "alice", "alice")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestDirectPairCanonicalConcurrent(t *testing.T) {
	s := NewMemStore(0)
	const n = 64
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := s.GetOrCreateDirect(context.Background(), a, b)
			if err == nil {
				ids[i] = conv.ConversationID
			}
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i], "every racer must land on one conversation")
	}
}

func TestAppendSeqGapFreeUnderConcurrency(t *testing.T) {
	s := NewMemStore(0)
	conv := newDirect(t, s, "alice", "bob")

	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "alice"
			if i%2 == 1 {
				sender = "bob"
			}
			_, err := s.Append(context.Background(), AppendReq{
				ConversationID: conv.ConversationID,
				SenderID:       sender,
				Content:        fmt.Sprintf("m%d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	page, err := s.GetPage(context.Background(), "alice", conv.ConversationID, PageReq{Limit: MaxPageLimit})
	require.NoError(t, err)
	// Walk the full log backwards and check 1..n with no gap and no dup.
	seen := make(map[int64]bool, n)
	for p := page; ; {
		for _, m := range p.Items {
			assert.False(t, seen[m.Seq], "duplicate seq %d", m.Seq)
			seen[m.Seq] = true
		}
		if !p.HasMore {
			break
		}
		p, err = s.GetPage(context.Background(), "alice", conv.ConversationID, PageReq{
			Cursor: p.NextCursor, Limit: MaxPageLimit, Direction: DirBefore,
		})
		require.NoError(t, err)
	}
	require.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing seq %d", i)
	}
}

func TestUnreadArithmetic(t *testing.T) {
	s := NewMemStore(0)
	ctx := context.Background()
	conv := newDirect(t, s, "alice", "bob")
	id := conv.ConversationID

	for i := 0; i < 3; i++ {
		mustAppend(t, s, id, "alice", "hi")
	}
	got, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.UnreadOf("bob"))
	assert.Equal(t, int64(3), got.UnreadOf("alice"), "sender read index only moves on markRead")

	seq, err := s.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)

	got, _ = s.GetConversation(ctx, id)
	assert.Equal(t, int64(0), got.UnreadOf("bob"))

	mustAppend(t, s, id, "alice", "again")
	got, _ = s.GetConversation(ctx, id)
	assert.Equal(t, int64(1), got.UnreadOf("bob"))

	// Marking read twice stays monotonic.
	_, err = s.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	_, err = s.MarkRead(ctx, id, "bob")
	require.NoError(t, err)
	got, _ = s.GetConversation(ctx, id)
	assert.Equal(t, int64(0), got.UnreadOf("bob"))
}

func TestMarkReadStranger(t *testing.T) {
	s := NewMemStore(0)
	conv := newDirect(t, s, "alice", "bob")
	_, err := s.MarkRead(context.Background(), conv.ConversationID, "mallory")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestPaginationRoundTrip(t *testing.T) {
	s := NewMemStore(0)
	conv := newDirect(t, s, "alice", "bob")
	id := conv.ConversationID

	const total = 95
	for i := 1; i <= total; i++ {
		mustAppend(t, s, id, "alice", fmt.Sprintf("m%d", i))
	}

	// Page backwards from the newest end; each page must itself be
	// chronological, and the concatenation must rebuild the full log.
	var rebuilt []*model.Message
	req := PageReq{Limit: 20}
	for {
		p, err := s.GetPage(context.Background(), "bob", id, req)
		require.NoError(t, err)
		for i := 1; i < len(p.Items); i++ {
			assert.Equal(t, p.Items[i-1].Seq+1, p.Items[i].Seq, "page must be chronological and dense")
		}
		rebuilt = append(p.Items, rebuilt...)
		if !p.HasMore {
			break
		}
		req = PageReq{Cursor: p.NextCursor, Limit: 20, Direction: DirBefore}
	}
	require.Len(t, rebuilt, total)
	for i, m := range rebuilt {
		assert.Equal(t, int64(i+1), m.Seq)
		assert.Equal(t, fmt.Sprintf("m%d", i+1), m.Content)
	}

	// Forward from a mid cursor.
	mid := rebuilt[49]
	p, err := s.GetPage(context.Background(), "bob", id, PageReq{
		Cursor: mid.ServerMsgID, Limit: 10, Direction: DirAfter,
	})
	require.NoError(t, err)
	require.Len(t, p.Items, 10)
	assert.Equal(t, int64(51), p.Items[0].Seq, "cursor is exclusive")
	assert.True(t, p.HasMore)
}

func TestAbsentAndForbiddenLookAlike(t *testing.T) {
	s := NewMemStore(0)
	ctx := context.Background()
	conv := newDirect(t, s, "alice", "bob")

	_, errAbsent := s.GetPage(ctx, "alice", "no-such-conv", PageReq{})
	_, errForbidden := s.GetPage(ctx, "mallory", conv.ConversationID, PageReq{})
	assert.True(t, errors.Is(errAbsent, errs.ErrNotFound))
	assert.True(t, errors.Is(errForbidden, errs.ErrNotFound))
	assert.Equal(t, errs.Code(errAbsent), errs.Code(errForbidden))

	_, errAppend := s.Append(ctx, AppendReq{
		ConversationID: conv.ConversationID, SenderID: "mallory", Content: "hi",
	})
	assert.True(t, errors.Is(errAppend, errs.ErrNotFound))
}

func TestAppendValidation(t *testing.T) {
	s := NewMemStore(10)
	ctx := context.Background()
	conv := newDirect(t, s, "alice", "bob")
	id := conv.ConversationID

	_, err := s.Append(ctx, AppendReq{ConversationID: id, SenderID: "alice"})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	_, err = s.Append(ctx, AppendReq{
		ConversationID: id, SenderID: "alice", Content: strings.Repeat("x", 11),
	})
	assert.True(t, errors.Is(err, errs.ErrPayloadTooLarge))

	msg := mustAppend(t, s, id, "alice", "root")
	reply, err := s.Append(ctx, AppendReq{
		ConversationID: id, SenderID: "bob", Content: "re", ReplyToID: msg.ServerMsgID,
	})
	require.NoError(t, err)
	assert.Equal(t, msg.ServerMsgID, reply.ReplyToID)

	// Reply target must live in the same conversation.
	other := newDirect(t, s, "alice", "carol")
	_, err = s.Append(ctx, AppendReq{
		ConversationID: other.ConversationID, SenderID: "alice", Content: "re", ReplyToID: msg.ServerMsgID,
	})
	assert.True(t, errors.Is(err, errs.ErrInvalidReference))
}

func TestGroupMembership(t *testing.T) {
	s := NewMemStore(0)
	ctx := context.Background()
	s.SeedUser("bob")
	s.SeedUser("carol")

	conv, err := s.CreateGroup(ctx, "alice", "backend team")
	require.NoError(t, err)
	id := conv.ConversationID

	_, err = s.AddMember(ctx, "alice", id, "bob")
	require.NoError(t, err)

	// Plain members cannot invite.
	_, err = s.AddMember(ctx, "bob", id, "carol")
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	_, err = s.AddMember(ctx, "alice", id, "bob")
	assert.True(t, errors.Is(err, errs.ErrConflict))

	_, err = s.AddMember(ctx, "alice", id, "nobody")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	parts, err := s.Participants(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, parts)

	ok, err := s.VerifyAccess(ctx, "bob", id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.VerifyAccess(ctx, "carol", id)
	assert.False(t, ok)
}

func TestEditDeleteOwnership(t *testing.T) {
	s := NewMemStore(0)
	ctx := context.Background()
	conv := newDirect(t, s, "alice", "bob")
	id := conv.ConversationID
	msg := mustAppend(t, s, id, "alice", "draft")

	_, err := s.EditMessage(ctx, id, "bob", msg.ServerMsgID, "hijack")
	assert.True(t, errors.Is(err, errs.ErrForbidden))

	edited, err := s.EditMessage(ctx, id, "alice", msg.ServerMsgID, "final")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, "final", edited.EditedContent)
	assert.Equal(t, "draft", edited.Content, "original body is kept")

	deleted, err := s.DeleteMessage(ctx, id, "alice", msg.ServerMsgID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	_, err = s.EditMessage(ctx, id, "alice", msg.ServerMsgID, "revive")
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))

	// The tombstone still occupies its seq slot.
	page, err := s.GetPage(ctx, "bob", id, PageReq{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.True(t, page.Items[0].Deleted)
}

func TestLastSeenMonotonic(t *testing.T) {
	s := NewMemStore(0)
	ctx := context.Background()
	require.NoError(t, s.TouchLastSeen(ctx, "alice", 2000))
	require.NoError(t, s.TouchLastSeen(ctx, "alice", 1000))
	at, err := s.GetLastSeen(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), at)
}
