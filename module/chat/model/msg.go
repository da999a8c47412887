package model

const (
	MsgTableName = "message"

	ContentTypeText   = "text"
	ContentTypeMedia  = "media"
	ContentTypeSystem = "system"
)

const (
	MsgFieldServerID = "server_msg_id"
	MsgFieldConvID   = "conversation_id"
	MsgFieldSeq      = "seq"
	MsgFieldDeleted  = "deleted"
)

// Message is one persisted chat message. Seq is the per-conversation
// ordinal assigned at append time from the conversation counter; it is
// never reused or skipped. Edits and deletes are append-only state
// transitions, the original content survives for audit.
type Message struct {
	ServerMsgID    string `bson:"server_msg_id" json:"id"`
	ClientMsgID    string `bson:"client_msg_id,omitempty" json:"clientMsgId,omitempty"`
	ConversationID string `bson:"conversation_id" json:"conversationId"`
	SenderID       string `bson:"sender_id" json:"senderId"`
	Content        string `bson:"content" json:"content"`
	ContentType    string `bson:"content_type" json:"type"`
	ReplyToID      string `bson:"reply_to_id,omitempty" json:"replyToId,omitempty"`

	Seq       int64 `bson:"seq" json:"seq"`
	CreatedAt int64 `bson:"created_at" json:"createdAt"` // unix ms

	Edited        bool   `bson:"edited,omitempty" json:"edited,omitempty"`
	EditedContent string `bson:"edited_content,omitempty" json:"editedContent,omitempty"`
	EditedAt      int64  `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	Deleted       bool   `bson:"deleted,omitempty" json:"deleted,omitempty"`
	DeletedAt     int64  `bson:"deleted_at,omitempty" json:"deletedAt,omitempty"`
}

func (Message) TableName() string { return MsgTableName }

// Visible returns the content the reader should see after edit/delete
// transitions.
func (m *Message) Visible() string {
	if m.Deleted {
		return ""
	}
	if m.Edited {
		return m.EditedContent
	}
	return m.Content
}
