package model

const UserTableName = "user"

// User status
const (
	UserNormal int32 = 0
	UserBanned int32 = 1
	UserClosed int32 = 2
)

// User is the account master record. Owned by the identity subsystem;
// the messaging core reads it only for member resolution.
type User struct {
	UserID   string `bson:"user_id" json:"userId"`
	Nickname string `bson:"nickname" json:"nickname"`
	FaceURL  string `bson:"face_url,omitempty" json:"faceUrl,omitempty"`
	Email    string `bson:"email,omitempty" json:"email,omitempty"`
	Status   int32  `bson:"status,omitempty" json:"-"`

	CreatedAt int64 `bson:"created_at" json:"-"` // unix ms
}

func (User) TableName() string { return UserTableName }

// UserSummary is the read-only projection handed to the messaging core.
type UserSummary struct {
	UserID   string `json:"userId"`
	Nickname string `json:"nickname"`
	FaceURL  string `json:"faceUrl,omitempty"`
}

func (u *User) Summary() *UserSummary {
	return &UserSummary{UserID: u.UserID, Nickname: u.Nickname, FaceURL: u.FaceURL}
}
