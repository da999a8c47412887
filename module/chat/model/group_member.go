package model

const (
	GroupMemberTableName = "group_member"

	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

const (
	MemberFieldConvID  = "conversation_id"
	MemberFieldUserID  = "user_id"
	MemberFieldRole    = "role"
	MemberFieldReadSeq = "read_seq"
)

// GroupMember is one user's membership in a group conversation, with the
// member's own last-read index.
type GroupMember struct {
	ConversationID string `bson:"conversation_id" json:"conversationId"`
	UserID         string `bson:"user_id" json:"userId"`
	Role           string `bson:"role" json:"role"`
	ReadSeq        int64  `bson:"read_seq" json:"readSeq"`
	CreatedAt      int64  `bson:"created_at" json:"createdAt"` // unix ms
}

func (GroupMember) TableName() string { return GroupMemberTableName }

// CanManage reports whether the role may add/remove members.
func (m *GroupMember) CanManage() bool {
	return m.Role == RoleOwner || m.Role == RoleAdmin
}
