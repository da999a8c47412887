package user

import (
	"context"
	"time"

	usermodel "relaychat/module/user/model"
	"relaychat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Users is the read-mostly boundary with the account subsystem.
type Users struct {
	coll *mongo.Collection
}

func NewUsers(db *mongo.Database) *Users {
	return &Users{coll: db.Collection(usermodel.UserTableName)}
}

func (u *Users) EnsureIndexes(ctx context.Context) error {
	_, err := u.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errs.Wrap(err)
}

// GetByID returns nil (no error) for an absent user.
func (u *Users) GetByID(ctx context.Context, userID string) (*usermodel.UserSummary, error) {
	var rec usermodel.User
	err := u.coll.FindOne(ctx, bson.M{"user_id": userID}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return rec.Summary(), nil
}

// Ensure upserts the account master record. Used by the dev token
// endpoint so a token subject always resolves.
func (u *Users) Ensure(ctx context.Context, userID, nickname, email string) error {
	_, err := u.coll.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set":         bson.M{"nickname": nickname, "email": email},
			"$setOnInsert": bson.M{"user_id": userID, "created_at": time.Now().UnixMilli()},
		},
		options.Update().SetUpsert(true),
	)
	return errs.Wrap(err)
}
