package model

const (
	ConversationTableName = "conversation"

	ConvTypeDirect = "direct"
	ConvTypeGroup  = "group"
)

// bson field names used in store queries.
const (
	ConvFieldID      = "conversation_id"
	ConvFieldType    = "type"
	ConvFieldUserA   = "user_a"
	ConvFieldUserB   = "user_b"
	ConvFieldMaxSeq  = "max_seq"
	ConvFieldReadA   = "read_seq_a"
	ConvFieldReadB   = "read_seq_b"
	ConvFieldPreview = "last_msg_preview"
	ConvFieldLastAt  = "last_msg_at"
	ConvFieldUpdated = "updated_at"
)

// Conversation covers both variants. For direct conversations UserA/UserB
// hold the canonicalized pair (UserA < UserB) and ReadSeqA/ReadSeqB the two
// last-read indices. Group membership lives in group_member documents.
type Conversation struct {
	ConversationID string `bson:"conversation_id" json:"conversationId"`
	Type           string `bson:"type" json:"type"`

	UserA    string `bson:"user_a,omitempty" json:"userA,omitempty"`
	UserB    string `bson:"user_b,omitempty" json:"userB,omitempty"`
	ReadSeqA int64  `bson:"read_seq_a" json:"readSeqA"`
	ReadSeqB int64  `bson:"read_seq_b" json:"readSeqB"`

	Name    string `bson:"name,omitempty" json:"name,omitempty"`
	OwnerID string `bson:"owner_id,omitempty" json:"ownerId,omitempty"`

	// MaxSeq is the conversation's total message count; it only moves
	// forward, via $inc at append time.
	MaxSeq int64 `bson:"max_seq" json:"maxSeq"`

	LastMsgPreview string `bson:"last_msg_preview,omitempty" json:"lastMsgPreview,omitempty"`
	LastMsgAt      int64  `bson:"last_msg_at,omitempty" json:"lastMsgAt,omitempty"` // unix ms

	CreatedAt int64 `bson:"created_at" json:"createdAt"` // unix ms
	UpdatedAt int64 `bson:"updated_at" json:"updatedAt"` // unix ms
}

func (Conversation) TableName() string { return ConversationTableName }

// IsParticipantDirect reports whether user is one of the direct pair.
func (c *Conversation) IsParticipantDirect(user string) bool {
	return c.Type == ConvTypeDirect && (c.UserA == user || c.UserB == user)
}

// ReadSeqOf returns the direct-pair last-read index of the given side.
func (c *Conversation) ReadSeqOf(user string) int64 {
	switch user {
	case c.UserA:
		return c.ReadSeqA
	case c.UserB:
		return c.ReadSeqB
	}
	return 0
}

// UnreadOf derives the unread count; never negative.
func (c *Conversation) UnreadOf(user string) int64 {
	n := c.MaxSeq - c.ReadSeqOf(user)
	if n < 0 {
		return 0
	}
	return n
}
