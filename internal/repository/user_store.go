package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/eaglebank/user-accounts/shared/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const usersCollection = "users"

// UserStore is the document-store contract over User records. Filters and
// updates use MongoDB query syntax; every method acts on a single document
// atomically, except Find.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	// FindOne returns the first match in _id order, or nil.
	FindOne(ctx context.Context, filter bson.M) (*models.User, error)
	Find(ctx context.Context, filter bson.M) ([]models.User, error)
	Exists(ctx context.Context, filter bson.M) (bool, error)
	// UpdateOne returns the number of matched documents.
	UpdateOne(ctx context.Context, filter, update bson.M) (int64, error)
	// FindOneAndUpdate returns nil when nothing matched the filter.
	FindOneAndUpdate(ctx context.Context, filter, update bson.M, returnUpdated bool) (*models.User, error)
}

// MongoUserStore implements UserStore against a MongoDB collection.
type MongoUserStore struct {
	coll *mongo.Collection
}

func NewMongoUserStore(db *mongo.Database) *MongoUserStore {
	return &MongoUserStore{coll: db.Collection(usersCollection)}
}

// EnsureIndexes creates the unique indexes backing email and phone number
// uniqueness, plus the lookup index for KYC notifications.
func (s *MongoUserStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetName("uniq_email").SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "phoneNumber", Value: 1}},
			Options: options.Index().SetName("uniq_phone_number").SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "kyc.identityAccessKey", Value: 1}},
			Options: options.Index().SetName("kyc_identity_access_key").SetSparse(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}

func (s *MongoUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	return s.FindOne(ctx, bson.M{"_id": id})
}

func (s *MongoUserStore) FindOne(ctx context.Context, filter bson.M) (*models.User, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})
	var user models.User
	err := s.coll.FindOne(ctx, filter, opts).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

func (s *MongoUserStore) Find(ctx context.Context, filter bson.M) ([]models.User, error) {
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find users: %w", err)
	}
	var users []models.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	return users, nil
}

func (s *MongoUserStore) Exists(ctx context.Context, filter bson.M) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return n > 0, nil
}

func (s *MongoUserStore) UpdateOne(ctx context.Context, filter, update bson.M) (int64, error) {
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to update user: %w", err)
	}
	return res.MatchedCount, nil
}

func (s *MongoUserStore) FindOneAndUpdate(ctx context.Context, filter, update bson.M, returnUpdated bool) (*models.User, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	if returnUpdated {
		opts.SetReturnDocument(options.After)
	}
	var user models.User
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return &user, nil
}
