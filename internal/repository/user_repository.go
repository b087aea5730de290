package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eaglebank/user-accounts/shared/apperr"
	"github.com/eaglebank/user-accounts/shared/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// UserRepository is the set of atomic user operations the account services
// are built on. Implemented by UserWriteRepository (MongoDB) and
// MemoryUserRepository.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.User, error)
	IsTakenByOther(ctx context.Context, userID, field, value string) (bool, error)
	UpdateProfile(ctx context.Context, id string, patch models.ProfilePatch) (*models.User, error)
	PushPhoneNumber(ctx context.Context, id string, phone models.PhoneNumber, limit int) (*models.User, error)
	PullPhoneNumber(ctx context.Context, id, phoneNumberID string) (*models.User, error)
	SaveVerification(ctx context.Context, id string, v models.Verification) (*models.User, error)
	FindByIdentityAccessKey(ctx context.Context, key string) (*models.User, error)
	SetKYCStatus(ctx context.Context, id, status string) (*models.User, error)
	SetPasswordHash(ctx context.Context, id, hash string) error
}

var (
	_ UserRepository = (*UserWriteRepository)(nil)
	_ UserRepository = (*MemoryUserRepository)(nil)
)

// uniqueFields maps the unique index names to the user field they guard.
var uniqueFields = map[string]string{
	"uniq_email":        "email",
	"uniq_phone_number": "phoneNumber",
}

// UserWriteRepository expresses every user mutation as a single conditional
// operation on the UserStore. Nothing here reads a document, modifies it in
// memory and writes it back.
type UserWriteRepository struct {
	store UserStore
	now   func() time.Time
}

func NewUserWriteRepository(store UserStore) *UserWriteRepository {
	return &UserWriteRepository{store: store, now: time.Now}
}

// GetByID fetches the full write model, including the password hash.
func (r *UserWriteRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user, err := r.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.ErrUserNotFound
	}
	return user, nil
}

// FindByIDs resolves a set of users in a single $in query.
func (r *UserWriteRepository) FindByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.store.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
}

// IsTakenByOther reports whether a user other than userID has field == value.
func (r *UserWriteRepository) IsTakenByOther(ctx context.Context, userID, field, value string) (bool, error) {
	return r.store.Exists(ctx, takenByOtherFilter(userID, field, value))
}

// UpdateProfile applies the patch in one $set. A unique index violation is
// reported as a validation conflict on the offending field.
func (r *UserWriteRepository) UpdateProfile(ctx context.Context, id string, patch models.ProfilePatch) (*models.User, error) {
	user, err := r.store.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": profileSet(patch, r.now())}, true)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, duplicateKeyConflict(err)
		}
		return nil, err
	}
	if user == nil {
		return nil, apperr.ErrUserNotFound
	}
	return user, nil
}

// PushPhoneNumber appends phone only if the value is not already saved and
// the set holds fewer than limit entries. It returns nil when the condition
// did not hold (or the user does not exist).
func (r *UserWriteRepository) PushPhoneNumber(ctx context.Context, id string, phone models.PhoneNumber, limit int) (*models.User, error) {
	update := bson.M{
		"$push": bson.M{"savedPhoneNumbers": phone},
		"$set":  bson.M{"updatedAt": r.now().UTC()},
	}
	return r.store.FindOneAndUpdate(ctx, pushPhoneNumberFilter(id, phone.PhoneNumber, limit), update, true)
}

// PullPhoneNumber removes the entry with the given ID. Matching and removal
// happen in the same operation; nil means no such entry (or no such user).
func (r *UserWriteRepository) PullPhoneNumber(ctx context.Context, id, phoneNumberID string) (*models.User, error) {
	update := bson.M{
		"$pull": bson.M{"savedPhoneNumbers": bson.M{"_id": phoneNumberID}},
		"$set":  bson.M{"updatedAt": r.now().UTC()},
	}
	return r.store.FindOneAndUpdate(ctx, pullPhoneNumberFilter(id, phoneNumberID), update, true)
}

func (r *UserWriteRepository) SaveVerification(ctx context.Context, id string, v models.Verification) (*models.User, error) {
	update := bson.M{"$set": bson.M{
		"firstName": v.FirstName,
		"lastName":  v.LastName,
		"country":   v.Country,
		"birthDate": v.BirthDate,
		"kyc": bson.M{
			"status":            v.Status,
			"identityAccessKey": v.IdentityAccessKey,
		},
		"updatedAt": r.now().UTC(),
	}}
	user, err := r.store.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, true)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.ErrUserNotFound
	}
	return user, nil
}

// FindByIdentityAccessKey returns the first user (in _id order) whose KYC
// block carries key, or nil.
func (r *UserWriteRepository) FindByIdentityAccessKey(ctx context.Context, key string) (*models.User, error) {
	if key == "" {
		return nil, nil
	}
	return r.store.FindOne(ctx, bson.M{"kyc.identityAccessKey": key})
}

// SetKYCStatus sets kyc.status only; the identity access key is left untouched.
func (r *UserWriteRepository) SetKYCStatus(ctx context.Context, id, status string) (*models.User, error) {
	update := bson.M{"$set": bson.M{"kyc.status": status, "updatedAt": r.now().UTC()}}
	user, err := r.store.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, true)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.ErrUserNotFound
	}
	return user, nil
}

func (r *UserWriteRepository) SetPasswordHash(ctx context.Context, id, hash string) error {
	return r.setFields(ctx, id, bson.M{"password": hash})
}

func (r *UserWriteRepository) setFields(ctx context.Context, id string, fields bson.M) error {
	fields["updatedAt"] = r.now().UTC()
	matched, err := r.store.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return err
	}
	if matched == 0 {
		return apperr.ErrUserNotFound
	}
	return nil
}

func takenByOtherFilter(userID, field, value string) bson.M {
	return bson.M{"$and": bson.A{
		bson.M{"_id": bson.M{"$ne": userID}},
		bson.M{field: value},
	}}
}

// pushPhoneNumberFilter matches the user only while value is absent from the
// saved set and index limit-1 does not exist, i.e. len < limit.
func pushPhoneNumberFilter(userID, value string, limit int) bson.M {
	return bson.M{
		"_id":                           userID,
		"savedPhoneNumbers.phoneNumber": bson.M{"$ne": value},
		fmt.Sprintf("savedPhoneNumbers.%d", limit-1): bson.M{"$exists": false},
	}
}

func pullPhoneNumberFilter(userID, phoneNumberID string) bson.M {
	return bson.M{
		"_id": userID,
		"savedPhoneNumbers": bson.M{
			"$elemMatch": bson.M{"_id": phoneNumberID},
		},
	}
}

func profileSet(p models.ProfilePatch, now time.Time) bson.M {
	set := bson.M{"updatedAt": now.UTC()}
	if p.Email != nil {
		set["email"] = *p.Email
	}
	if p.PhoneNumber != nil {
		set["phoneNumber"] = *p.PhoneNumber
	}
	if p.FirstName != nil {
		set["firstName"] = *p.FirstName
	}
	if p.LastName != nil {
		set["lastName"] = *p.LastName
	}
	if p.Country != nil {
		set["country"] = *p.Country
	}
	if p.BirthDate != nil {
		set["birthDate"] = *p.BirthDate
	}
	return set
}

func duplicateKeyConflict(err error) error {
	conflict := apperr.NewValidationConflict()
	for index, field := range uniqueFields {
		if strings.Contains(err.Error(), index) {
			conflict.Add(field, conflictReason(field))
		}
	}
	if conflict.Empty() {
		return fmt.Errorf("unexpected duplicate key: %w", err)
	}
	return conflict
}

func conflictReason(field string) string {
	if field == "email" {
		return "User with this email is already registered"
	}
	return "User with this phone number is already registered"
}
