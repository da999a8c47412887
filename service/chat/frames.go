package chat

import (
	"encoding/json"
	"fmt"

	"relaychat/module/chat/model"

	"github.com/mitchellh/mapstructure"
)

// Client -> server events.
const (
	EvAuth     = "auth"
	EvJoin     = "joinConversation"
	EvSend     = "sendMessage"
	EvTyping   = "typing"
	EvMarkRead = "markRead"
	EvEdit     = "editMessage"
	EvDelete   = "deleteMessage"
)

// Server -> client events.
const (
	EvConnected      = "connected"
	EvAck            = "ack"
	EvNewMessage     = "newMessage"
	EvUserTyping     = "userTyping"
	EvMessagesRead   = "messagesRead"
	EvStatusChanged  = "userStatusChanged"
	EvMessageEdited  = "messageEdited"
	EvMessageDeleted = "messageDeleted"
	EvError          = "error"
)

// Frame is the socket envelope in both directions.
type Frame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("frame missing event")
	}
	return &f, nil
}

// EncodeFrame builds an outbound envelope with a pre-marshaled payload.
func EncodeFrame(event string, payload json.RawMessage) []byte {
	out := struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data,omitempty"`
	}{Event: event, Data: payload}
	data, _ := json.Marshal(out)
	return data
}

// DecodePayload maps a frame's loose data object onto a typed payload,
// weakly typed so "1"/1/1.0 all satisfy an int field.
func DecodePayload[T any](data map[string]any) (*T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(data); err != nil {
		return nil, err
	}
	return &out, nil
}

// ===== inbound payloads =====

type AuthPayload struct {
	Token string `json:"token"`
}

type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

type SendPayload struct {
	ConversationID string `json:"conversationId"`
	// PeerID opens (or reuses) a direct conversation when no
	// conversation id is supplied yet.
	PeerID    string `json:"peerId,omitempty"`
	Content   string `json:"content"`
	Type      string `json:"type,omitempty"`
	ReplyToID string `json:"replyToId,omitempty"`
	// TempID is the client's optimistic local id; it rides back on the
	// ack so the client can swap it for the durable id.
	TempID string `json:"tempId,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type MarkReadPayload struct {
	ConversationID string `json:"conversationId"`
}

type EditPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
}

type DeletePayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ===== outbound payloads =====

type ConnectedPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

type AckPayload struct {
	TempID  string         `json:"tempId,omitempty"`
	Message *model.Message `json:"message"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

type MessagesReadEvent struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
	ReadIndex      int64  `json:"readIndex"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
