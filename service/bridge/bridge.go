package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"relaychat/logger"
	"relaychat/tools/errs"
)

// Transport is the pub/sub channel shared by all instances. Satisfied
// by natsx.Client; tests plug an in-memory one.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject, queue string, h func(subject string, data []byte)) error
	Flush() error
}

// Sink receives events destined for one locally-connected socket.
type Sink interface {
	Deliver(event string, payload json.RawMessage)
}

// envelope is the cross-instance wire format. Origin carries the
// publishing node id so the publisher's own subscription skips it:
// local delivery and cross-instance delivery are disjoint paths.
type envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

// Bridge mirrors socket-room membership and event delivery across
// server instances. Explicitly constructed and injected; Start
// subscribes, Close drains pending publishes.
type Bridge struct {
	nodeID    string
	subject   string
	transport Transport

	mu      sync.RWMutex
	rooms   map[string]map[string]struct{} // room -> socket ids
	joined  map[string]map[string]struct{} // socket id -> rooms
	sinks   map[string]Sink                // socket id -> sink
	started bool
}

func New(nodeID, subject string, transport Transport) *Bridge {
	return &Bridge{
		nodeID:    nodeID,
		subject:   subject,
		transport: transport,
		rooms:     make(map[string]map[string]struct{}),
		joined:    make(map[string]map[string]struct{}),
		sinks:     make(map[string]Sink),
	}
}

// UserRoom is the personal notification channel every authenticated
// socket is auto-joined to.
func UserRoom(userID string) string { return "user:" + userID }

// ConvRoom names a conversation's broadcast room.
func ConvRoom(convID string) string { return "conv:" + convID }

// Start subscribes to the shared channel. No queue group: every
// instance must see every envelope.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()
	return b.transport.Subscribe(b.subject, "", b.onRemote)
}

// Close flushes whatever is still queued on the transport.
func (b *Bridge) Close() error {
	return b.transport.Flush()
}

// ===== membership =====

func (b *Bridge) Register(socketID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks[socketID] = sink
}

// Unregister drops the socket from every room and removes its sink.
func (b *Bridge) Unregister(socketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for room := range b.joined[socketID] {
		b.leaveLocked(socketID, room)
	}
	delete(b.joined, socketID)
	delete(b.sinks, socketID)
}

func (b *Bridge) JoinRoom(socketID, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[string]struct{})
	}
	b.rooms[room][socketID] = struct{}{}
	if b.joined[socketID] == nil {
		b.joined[socketID] = make(map[string]struct{})
	}
	b.joined[socketID][room] = struct{}{}
}

func (b *Bridge) LeaveRoom(socketID, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(socketID, room)
	delete(b.joined[socketID], room)
}

func (b *Bridge) leaveLocked(socketID, room string) {
	if members := b.rooms[room]; members != nil {
		delete(members, socketID)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
}

// RoomsOf returns the rooms the socket currently sits in.
func (b *Bridge) RoomsOf(socketID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.joined[socketID]))
	for room := range b.joined[socketID] {
		out = append(out, room)
	}
	return out
}

// ===== delivery =====

// EmitRoom delivers to local room members and publishes for the other
// instances. Local failures never block the publish.
func (b *Bridge) EmitRoom(room, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.ErrInvalidInput.WrapMsg("marshal payload", "event", event)
	}
	b.deliverLocal(room, event, raw)

	env := envelope{
		Origin:  b.nodeID,
		Room:    room,
		Event:   event,
		Payload: raw,
		TS:      time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(env)
	if err := b.transport.Publish(b.subject, data); err != nil {
		// persistence is the source of truth; a missed broadcast is
		// recovered via history pagination on reconnect
		logger.Errorf("[bridge] publish failed room=%s event=%s err=%v", room, event, err)
		return errs.ErrUnavailable.WrapMsg("bridge publish")
	}
	return nil
}

// EmitUser targets every connection of one user, on every instance.
func (b *Bridge) EmitUser(userID, event string, payload any) error {
	return b.EmitRoom(UserRoom(userID), event, payload)
}

// EmitSocket delivers to one local socket only; used for scoped error
// events and acks.
func (b *Bridge) EmitSocket(socketID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("[bridge] marshal payload socket=%s event=%s err=%v", socketID, event, err)
		return
	}
	b.mu.RLock()
	sink := b.sinks[socketID]
	b.mu.RUnlock()
	if sink != nil {
		sink.Deliver(event, raw)
	}
}

func (b *Bridge) deliverLocal(room, event string, raw json.RawMessage) {
	b.mu.RLock()
	members := b.rooms[room]
	sinks := make([]Sink, 0, len(members))
	for id := range members {
		if sink := b.sinks[id]; sink != nil {
			sinks = append(sinks, sink)
		}
	}
	b.mu.RUnlock()
	for _, sink := range sinks {
		sink.Deliver(event, raw)
	}
}

func (b *Bridge) onRemote(_ string, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warnf("[bridge] bad envelope: %v", err)
		return
	}
	if env.Origin == b.nodeID {
		// already delivered through the local path
		return
	}
	b.deliverLocal(env.Room, env.Event, env.Payload)
}
