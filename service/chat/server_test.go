package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"relaychat/module/chat/batch"
	"relaychat/module/chat/model"
	"relaychat/module/chat/store"
	"relaychat/service/bridge"
	"relaychat/service/user"
	"relaychat/tools/errs"
	"relaychat/tools/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTransport struct{}

func (nopTransport) Publish(string, []byte) error                            { return nil }
func (nopTransport) Subscribe(string, string, func(string, []byte)) error    { return nil }
func (nopTransport) Flush() error                                            { return nil }

// fakePresence records transitions without redis.
type fakePresence struct {
	mu      sync.Mutex
	online  map[string]int
	offline map[string]int
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: map[string]int{}, offline: map[string]int{}}
}

func (p *fakePresence) SetOnline(_ context.Context, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[uid]++
	return nil
}

func (p *fakePresence) SetOffline(_ context.Context, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline[uid]++
	return nil
}

func (p *fakePresence) Heartbeat(context.Context, string) {}

func (p *fakePresence) GetStatus(_ context.Context, uid string) model.PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online[uid] > p.offline[uid] {
		return model.PresenceStatus{UserID: uid, Status: model.StatusOnline}
	}
	return model.PresenceStatus{UserID: uid, Status: model.StatusOffline}
}

var testJWT = security.DefaultOptions([]byte("test-secret"))

type fixture struct {
	srv      *Server
	store    *store.MemStore
	bridge   *bridge.Bridge
	presence *fakePresence
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ms := store.NewMemStore(0)
	br := bridge.New("test-node", "t.broadcast", nopTransport{})
	require.NoError(t, br.Start())
	pr := newFakePresence()
	var buf *batch.Buffer
	if opts.BatchingEnabled {
		buf = batch.NewBuffer(ms, batch.Config{FlushEvery: 10 * time.Millisecond, MaxBatch: 64})
		t.Cleanup(buf.Close)
	}
	srv := NewServer(ms, br, pr, user.NewJWTResolver(testJWT), nil, nil, buf, opts)
	return &fixture{srv: srv, store: ms, bridge: br, presence: pr}
}

func (f *fixture) dispatch(t *testing.T, c *Conn, event string, data map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.srv.disp.Dispatch(&Ctx{Context: ctx, Srv: f.srv, Conn: c}, &Frame{Event: event, Data: data})
}

// connect runs the auth handshake for a fresh socket.
func (f *fixture) connect(t *testing.T, userID string) *Conn {
	t.Helper()
	c := newConn(nil, "sess-"+userID+"-"+time.Now().Format("150405.000000000"))
	f.srv.ConnMgr.Add(c)
	token, _, err := security.Generate(testJWT, userID, "", nil)
	require.NoError(t, err)
	f.dispatch(t, c, EvAuth, map[string]any{"token": token})
	require.Equal(t, userID, c.UserID(), "handshake must bind the user")
	drain(c)
	return c
}

// recv pops the next outbound frame from the socket's send queue.
func recv(t *testing.T, c *Conn) *Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		f, err := ParseFrame(raw)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("expected an outbound frame")
		return nil
	}
}

func drain(c *Conn) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func payloadOf[T any](t *testing.T, f *Frame) *T {
	t.Helper()
	out, err := DecodePayload[T](f.Data)
	require.NoError(t, err)
	return out
}

func TestAuthHandshake(t *testing.T) {
	f := newFixture(t, Options{})
	c := newConn(nil, "sess-1")
	f.srv.ConnMgr.Add(c)

	token, _, err := security.Generate(testJWT, "alice", "a@x.io", nil)
	require.NoError(t, err)
	f.dispatch(t, c, EvAuth, map[string]any{"token": token})

	frame := recv(t, c)
	require.Equal(t, EvConnected, frame.Event)
	p := payloadOf[ConnectedPayload](t, frame)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "sess-1", p.SessionID)

	assert.Contains(t, f.bridge.RoomsOf("sess-1"), bridge.UserRoom("alice"))
	assert.Equal(t, 1, f.presence.online["alice"])
}

func TestAuthRejectsBadToken(t *testing.T) {
	f := newFixture(t, Options{})
	c := newConn(nil, "sess-1")
	f.srv.ConnMgr.Add(c)

	f.dispatch(t, c, EvAuth, map[string]any{"token": "garbage"})

	frame := recv(t, c)
	require.Equal(t, EvError, frame.Event)
	p := payloadOf[ErrorPayload](t, frame)
	assert.Equal(t, errs.UnauthorizedError, p.Code)
	assert.Empty(t, c.UserID())
	assert.Empty(t, f.bridge.RoomsOf("sess-1"))
}

func TestUnknownEventIsScopedError(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.connect(t, "alice")
	f.dispatch(t, c, "selfDestruct", nil)
	frame := recv(t, c)
	require.Equal(t, EvError, frame.Event)
	assert.Equal(t, errs.InvalidInputError, payloadOf[ErrorPayload](t, frame).Code)
}

func TestSendDeliversAckAndFanout(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	conv, err := f.store.GetOrCreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	f.dispatch(t, alice, EvSend, map[string]any{
		"conversationId": conv.ConversationID,
		"content":        "hello bob",
		"tempId":         "tmp-1",
	})

	ack := recv(t, alice)
	require.Equal(t, EvAck, ack.Event)
	ap := payloadOf[AckPayload](t, ack)
	assert.Equal(t, "tmp-1", ap.TempID)
	require.NotNil(t, ap.Message)
	assert.Equal(t, int64(1), ap.Message.Seq)
	assert.NotEmpty(t, ap.Message.ServerMsgID)

	// Both participants get the message on their personal rooms, the
	// sender included for its other tabs.
	fan := recv(t, alice)
	assert.Equal(t, EvNewMessage, fan.Event)
	got := recv(t, bob)
	require.Equal(t, EvNewMessage, got.Event)
	assert.Equal(t, "hello bob", payloadOf[model.Message](t, got).Content)
}

func TestSendOpensDirectByPeer(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	f.connect(t, "bob")

	f.dispatch(t, alice, EvSend, map[string]any{"peerId": "bob", "content": "first contact"})

	ack := recv(t, alice)
	require.Equal(t, EvAck, ack.Event)
	convID := payloadOf[AckPayload](t, ack).Message.ConversationID
	require.NotEmpty(t, convID)

	conv, err := f.store.GetOrCreateDirect(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, conv.ConversationID, convID, "send by peer reuses the canonical pair")
}

func TestSendDeniedWritesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	conv, err := f.store.GetOrCreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)
	mallory := f.connect(t, "mallory")

	f.dispatch(t, mallory, EvSend, map[string]any{
		"conversationId": conv.ConversationID,
		"content":        "let me in",
	})

	frame := recv(t, mallory)
	require.Equal(t, EvError, frame.Event)
	assert.Equal(t, errs.NotFoundError, payloadOf[ErrorPayload](t, frame).Code)

	page, err := f.store.GetPage(context.Background(), "alice", conv.ConversationID, store.PageReq{})
	require.NoError(t, err)
	assert.Empty(t, page.Items, "denied send must not reach the log")
}

func TestSendThroughBatchBuffer(t *testing.T) {
	f := newFixture(t, Options{BatchingEnabled: true})
	alice := f.connect(t, "alice")
	f.connect(t, "bob")
	conv, err := f.store.GetOrCreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	f.dispatch(t, alice, EvSend, map[string]any{
		"conversationId": conv.ConversationID,
		"content":        "buffered",
		"tempId":         "tmp-9",
	})

	// The ack arrives after the flusher ticks, not synchronously.
	ack := recv(t, alice)
	require.Equal(t, EvAck, ack.Event)
	ap := payloadOf[AckPayload](t, ack)
	assert.Equal(t, "tmp-9", ap.TempID)
	assert.Equal(t, int64(1), ap.Message.Seq)
}

func TestJoinSwitchesActiveRoomAndMarksRead(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	conv, err := f.store.GetOrCreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)
	other, err := f.store.GetOrCreateDirect(context.Background(), "alice", "carol")
	require.NoError(t, err)

	f.dispatch(t, alice, EvSend, map[string]any{"conversationId": conv.ConversationID, "content": "unread"})
	drain(alice)
	drain(bob)

	// Bob opens the conversation; that is his read receipt.
	f.dispatch(t, bob, EvJoin, map[string]any{"conversationId": conv.ConversationID})
	assert.Contains(t, f.bridge.RoomsOf(bob.SessionID), bridge.ConvRoom(conv.ConversationID))

	read := recv(t, bob)
	require.Equal(t, EvMessagesRead, read.Event)
	rp := payloadOf[MessagesReadEvent](t, read)
	assert.Equal(t, "bob", rp.ReadBy)
	assert.Equal(t, int64(1), rp.ReadIndex)

	got, err := f.store.GetConversation(context.Background(), conv.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.UnreadOf("bob"))

	// One active conversation room per socket.
	f.dispatch(t, alice, EvJoin, map[string]any{"conversationId": conv.ConversationID})
	f.dispatch(t, alice, EvJoin, map[string]any{"conversationId": other.ConversationID})
	rooms := f.bridge.RoomsOf(alice.SessionID)
	assert.Contains(t, rooms, bridge.ConvRoom(other.ConversationID))
	assert.NotContains(t, rooms, bridge.ConvRoom(conv.ConversationID))
}

func TestJoinDeniedForStranger(t *testing.T) {
	f := newFixture(t, Options{})
	conv, err := f.store.GetOrCreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)
	mallory := f.connect(t, "mallory")

	f.dispatch(t, mallory, EvJoin, map[string]any{"conversationId": conv.ConversationID})
	frame := recv(t, mallory)
	require.Equal(t, EvError, frame.Event)
	assert.Equal(t, errs.NotFoundError, payloadOf[ErrorPayload](t, frame).Code)
	assert.NotContains(t, f.bridge.RoomsOf(mallory.SessionID), bridge.ConvRoom(conv.ConversationID))
}

func TestTypingIsEphemeral(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	conv, err := f.store.GetOrCreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	f.dispatch(t, bob, EvJoin, map[string]any{"conversationId": conv.ConversationID})
	drain(bob)

	f.dispatch(t, alice, EvTyping, map[string]any{"conversationId": conv.ConversationID, "isTyping": true})

	frame := recv(t, bob)
	require.Equal(t, EvUserTyping, frame.Event)
	tp := payloadOf[TypingEvent](t, frame)
	assert.Equal(t, "alice", tp.UserID)
	assert.True(t, tp.IsTyping)

	page, err := f.store.GetPage(context.Background(), "alice", conv.ConversationID, store.PageReq{})
	require.NoError(t, err)
	assert.Empty(t, page.Items, "typing must never hit the log")
}

func TestMarkReadBroadcastsToViewers(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	conv, err := f.store.GetOrCreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	f.dispatch(t, alice, EvJoin, map[string]any{"conversationId": conv.ConversationID})
	drain(alice)
	f.dispatch(t, alice, EvSend, map[string]any{"conversationId": conv.ConversationID, "content": "one"})
	f.dispatch(t, alice, EvSend, map[string]any{"conversationId": conv.ConversationID, "content": "two"})
	drain(alice)
	drain(bob)

	f.dispatch(t, bob, EvMarkRead, map[string]any{"conversationId": conv.ConversationID})
	frame := recv(t, alice)
	require.Equal(t, EvMessagesRead, frame.Event)
	rp := payloadOf[MessagesReadEvent](t, frame)
	assert.Equal(t, "bob", rp.ReadBy)
	assert.Equal(t, int64(2), rp.ReadIndex)
}

func TestEditAndDeleteFanOut(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	conv, err := f.store.GetOrCreateDirect(context.Background(), "alice", "bob")
	require.NoError(t, err)

	f.dispatch(t, alice, EvSend, map[string]any{"conversationId": conv.ConversationID, "content": "tpyo"})
	ack := recv(t, alice)
	require.Equal(t, EvAck, ack.Event)
	msgID := payloadOf[AckPayload](t, ack).Message.ServerMsgID
	drain(alice)
	drain(bob)

	// Only the author may edit.
	f.dispatch(t, bob, EvEdit, map[string]any{
		"conversationId": conv.ConversationID, "messageId": msgID, "content": "mine now",
	})
	frame := recv(t, bob)
	require.Equal(t, EvError, frame.Event)
	assert.Equal(t, errs.ForbiddenError, payloadOf[ErrorPayload](t, frame).Code)

	f.dispatch(t, alice, EvEdit, map[string]any{
		"conversationId": conv.ConversationID, "messageId": msgID, "content": "typo",
	})
	edited := recv(t, bob)
	require.Equal(t, EvMessageEdited, edited.Event)
	em := payloadOf[model.Message](t, edited)
	assert.True(t, em.Edited)
	assert.Equal(t, "typo", em.EditedContent)
	drain(alice)

	f.dispatch(t, alice, EvDelete, map[string]any{
		"conversationId": conv.ConversationID, "messageId": msgID,
	})
	deleted := recv(t, bob)
	require.Equal(t, EvMessageDeleted, deleted.Event)
	assert.True(t, payloadOf[model.Message](t, deleted).Deleted)
}

func TestTeardownReleasesSession(t *testing.T) {
	f := newFixture(t, Options{})
	alice := f.connect(t, "alice")
	require.Equal(t, 1, f.srv.ConnMgr.Count())

	// teardown would close the websocket; there is none in this test
	alice.closeOnce.Do(func() { close(alice.closed) })
	f.srv.ConnMgr.Remove(alice)
	f.bridge.Unregister(alice.SessionID)
	require.NoError(t, f.presence.SetOffline(context.Background(), "alice"))

	assert.Equal(t, 0, f.srv.ConnMgr.Count())
	assert.Empty(t, f.bridge.RoomsOf(alice.SessionID))
	assert.Equal(t, model.StatusOffline, f.presence.GetStatus(context.Background(), "alice").Status)
}

func TestSlowClientFramesDropNotBlock(t *testing.T) {
	c := newConn(nil, "sess-slow")
	for i := 0; i < sendBuf; i++ {
		require.True(t, c.enqueue([]byte(`{"event":"x"}`)))
	}
	done := make(chan bool, 1)
	go func() { done <- c.enqueue([]byte(`{"event":"overflow"}`)) }()
	select {
	case ok := <-done:
		assert.False(t, ok, "full queue must drop, not block")
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a slow client")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	raw := EncodeFrame(EvAck, json.RawMessage(`{"tempId":"t1"}`))
	f, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, EvAck, f.Event)
	assert.Equal(t, "t1", f.Data["tempId"])

	_, err = ParseFrame([]byte(`{"data":{}}`))
	assert.Error(t, err, "event is mandatory")
	_, err = ParseFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodePayloadWeakTyping(t *testing.T) {
	p, err := DecodePayload[SendPayload](map[string]any{
		"conversationId": "c1",
		"content":        "hi",
		"tempId":         12345, // clients send numbers where strings belong
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", p.ConversationID)
	assert.Equal(t, "12345", p.TempID)
}
