package chat

import (
	"context"
	"net/http"
	"time"

	"relaychat/logger"
	"relaychat/module/chat/batch"
	"relaychat/module/chat/model"
	"relaychat/module/chat/store"
	usermodel "relaychat/module/user/model"
	"relaychat/service/bridge"
	"relaychat/service/notify"
	"relaychat/service/user"
	"relaychat/tools/errs"
	"relaychat/tools/ids"
	"relaychat/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Broadcaster is the room fanout surface the gateway needs from the
// bridge layer.
type Broadcaster interface {
	Register(socketID string, sink bridge.Sink)
	Unregister(socketID string)
	JoinRoom(socketID, room string)
	LeaveRoom(socketID, room string)
	EmitRoom(room, event string, payload any) error
	EmitUser(userID, event string, payload any) error
	EmitSocket(socketID, event string, payload any)
}

// PresenceTracker tracks online refcounts across a user's sessions.
type PresenceTracker interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string)
	GetStatus(ctx context.Context, userID string) model.PresenceStatus
}

// UserDirectory resolves display info for event enrichment.
type UserDirectory interface {
	GetByID(ctx context.Context, userID string) (*usermodel.UserSummary, error)
}

type Options struct {
	AuthTimeout     time.Duration
	StoreTimeout    time.Duration
	BatchingEnabled bool
}

func (o *Options) norm() {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
}

// Server is the websocket gateway. It owns the socket lifecycle and
// wires frames through the dispatcher into the store and the bridge.
type Server struct {
	opts     Options
	store    store.Store
	bridge   Broadcaster
	presence PresenceTracker
	resolver user.Resolver
	users    UserDirectory
	notifier notify.Sender
	buffer   *batch.Buffer

	ConnMgr *ConnManager
	disp    *Dispatcher
}

func NewServer(
	st store.Store,
	bc Broadcaster,
	pr PresenceTracker,
	res user.Resolver,
	users UserDirectory,
	sender notify.Sender,
	buf *batch.Buffer,
	opts Options,
) *Server {
	opts.norm()
	if sender == nil {
		sender = notify.Nop{}
	}
	s := &Server{
		opts:     opts,
		store:    st,
		bridge:   bc,
		presence: pr,
		resolver: res,
		users:    users,
		notifier: sender,
		buffer:   buf,
		ConnMgr:  NewConnManager(),
		disp:     NewDispatcher(),
	}
	s.disp.Register(EvAuth, s.handleAuth)
	s.disp.Register(EvJoin, s.handleJoin)
	s.disp.Register(EvSend, s.handleSend)
	s.disp.Register(EvTyping, s.handleTyping)
	s.disp.Register(EvMarkRead, s.handleMarkRead)
	s.disp.Register(EvEdit, s.handleEdit)
	s.disp.Register(EvDelete, s.handleDelete)
	return s
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleWS upgrades the request and runs the session until the socket
// drops. The first frame must authenticate within AuthTimeout.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newConn(ws, ids.GenerateString())
	s.ConnMgr.Add(conn)
	safe.Go(conn.writeLoop)
	s.readLoop(conn)
}

func (s *Server) readLoop(conn *Conn) {
	defer s.teardown(conn)

	ws := conn.ws
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if uid := conn.UserID(); uid != "" && s.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
			s.presence.Heartbeat(ctx, uid)
			cancel()
		}
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := ParseFrame(raw)
		if err != nil {
			conn.SendEvent(EvError, ErrorPayload{
				Code: errs.InvalidInputError, Message: err.Error(),
			})
			continue
		}
		if conn.UserID() == "" && frame.Event != EvAuth {
			conn.SendEvent(EvError, ErrorPayload{
				Code: errs.UnauthorizedError, Message: "authenticate first",
			})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
		s.disp.Dispatch(&Ctx{Context: ctx, Srv: s, Conn: conn}, frame)
		cancel()
		if frame.Event == EvAuth {
			if conn.UserID() == "" {
				// Rejected handshake, drop the socket.
				return
			}
			_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

// teardown unwinds one session: indexes, rooms and presence refcount.
func (s *Server) teardown(conn *Conn) {
	conn.close()
	uid := conn.UserID()
	s.ConnMgr.Remove(conn)
	s.bridge.Unregister(conn.SessionID)
	if uid != "" && s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StoreTimeout)
		if err := s.presence.SetOffline(ctx, uid); err != nil {
			logger.Error("presence offline failed",
				zap.String("user", uid), zap.Error(err))
		}
		cancel()
	}
	logger.Info("session closed",
		zap.String("session", conn.SessionID), zap.String("user", uid))
}

// Shutdown settles the batch buffer so queued sends are not lost
// silently on process exit.
func (s *Server) Shutdown() {
	if s.buffer != nil {
		s.buffer.Close()
	}
}
