package repository

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/eaglebank/user-accounts/shared/apperr"
	"github.com/eaglebank/user-accounts/shared/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type storeCall struct {
	Method string
	Filter bson.M
	Update bson.M
}

// recordingStore captures every filter and update sent to it.
type recordingStore struct {
	calls []storeCall

	findOneFn          func(filter bson.M) (*models.User, error)
	findFn             func(filter bson.M) ([]models.User, error)
	existsFn           func(filter bson.M) (bool, error)
	updateOneFn        func(filter, update bson.M) (int64, error)
	findOneAndUpdateFn func(filter, update bson.M) (*models.User, error)
}

func (s *recordingStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	return s.FindOne(ctx, bson.M{"_id": id})
}

func (s *recordingStore) FindOne(_ context.Context, filter bson.M) (*models.User, error) {
	s.calls = append(s.calls, storeCall{Method: "FindOne", Filter: filter})
	if s.findOneFn != nil {
		return s.findOneFn(filter)
	}
	return nil, nil
}

func (s *recordingStore) Find(_ context.Context, filter bson.M) ([]models.User, error) {
	s.calls = append(s.calls, storeCall{Method: "Find", Filter: filter})
	if s.findFn != nil {
		return s.findFn(filter)
	}
	return nil, nil
}

func (s *recordingStore) Exists(_ context.Context, filter bson.M) (bool, error) {
	s.calls = append(s.calls, storeCall{Method: "Exists", Filter: filter})
	if s.existsFn != nil {
		return s.existsFn(filter)
	}
	return false, nil
}

func (s *recordingStore) UpdateOne(_ context.Context, filter, update bson.M) (int64, error) {
	s.calls = append(s.calls, storeCall{Method: "UpdateOne", Filter: filter, Update: update})
	if s.updateOneFn != nil {
		return s.updateOneFn(filter, update)
	}
	return 1, nil
}

func (s *recordingStore) FindOneAndUpdate(_ context.Context, filter, update bson.M, _ bool) (*models.User, error) {
	s.calls = append(s.calls, storeCall{Method: "FindOneAndUpdate", Filter: filter, Update: update})
	if s.findOneAndUpdateFn != nil {
		return s.findOneAndUpdateFn(filter, update)
	}
	return nil, nil
}

func (s *recordingStore) lastCall(t *testing.T) storeCall {
	t.Helper()
	if len(s.calls) == 0 {
		t.Fatal("expected a store call")
	}
	return s.calls[len(s.calls)-1]
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestWriteRepository(store UserStore) *UserWriteRepository {
	r := NewUserWriteRepository(store)
	r.now = func() time.Time { return fixedNow }
	return r
}

func TestUserWriteRepository_PushPhoneNumberIsConditional(t *testing.T) {
	store := &recordingStore{}
	repo := newTestWriteRepository(store)
	phone := models.PhoneNumber{ID: "phn-1", PhoneNumber: "0700000001", PhoneOperator: "orange"}

	user, err := repo.PushPhoneNumber(context.Background(), "usr-1", phone, models.MaxSavedPhoneNumbers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != nil {
		t.Errorf("expected nil user when nothing matched, got %+v", user)
	}

	call := store.lastCall(t)
	wantFilter := bson.M{
		"_id":                           "usr-1",
		"savedPhoneNumbers.phoneNumber": bson.M{"$ne": "0700000001"},
		"savedPhoneNumbers.2":           bson.M{"$exists": false},
	}
	if !reflect.DeepEqual(call.Filter, wantFilter) {
		t.Errorf("filter = %v, want %v", call.Filter, wantFilter)
	}
	wantUpdate := bson.M{
		"$push": bson.M{"savedPhoneNumbers": phone},
		"$set":  bson.M{"updatedAt": fixedNow},
	}
	if !reflect.DeepEqual(call.Update, wantUpdate) {
		t.Errorf("update = %v, want %v", call.Update, wantUpdate)
	}
}

func TestUserWriteRepository_PullPhoneNumberMatchesEntryInSameOperation(t *testing.T) {
	store := &recordingStore{}
	repo := newTestWriteRepository(store)

	if _, err := repo.PullPhoneNumber(context.Background(), "usr-1", "phn-9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.calls) != 1 {
		t.Fatalf("expected exactly one store call, got %d", len(store.calls))
	}
	call := store.calls[0]
	wantFilter := bson.M{
		"_id":               "usr-1",
		"savedPhoneNumbers": bson.M{"$elemMatch": bson.M{"_id": "phn-9"}},
	}
	if !reflect.DeepEqual(call.Filter, wantFilter) {
		t.Errorf("filter = %v, want %v", call.Filter, wantFilter)
	}
	wantPull := bson.M{"savedPhoneNumbers": bson.M{"_id": "phn-9"}}
	if !reflect.DeepEqual(call.Update["$pull"], wantPull) {
		t.Errorf("$pull = %v, want %v", call.Update["$pull"], wantPull)
	}
}

func TestUserWriteRepository_IsTakenByOtherExcludesCaller(t *testing.T) {
	store := &recordingStore{existsFn: func(bson.M) (bool, error) { return true, nil }}
	repo := newTestWriteRepository(store)

	taken, err := repo.IsTakenByOther(context.Background(), "usr-1", "email", "a@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !taken {
		t.Error("expected taken to be true")
	}
	want := bson.M{"$and": bson.A{
		bson.M{"_id": bson.M{"$ne": "usr-1"}},
		bson.M{"email": "a@example.com"},
	}}
	if got := store.lastCall(t).Filter; !reflect.DeepEqual(got, want) {
		t.Errorf("filter = %v, want %v", got, want)
	}
}

func TestUserWriteRepository_UpdateProfileSetsOnlyProvidedFields(t *testing.T) {
	email := "new@example.com"
	store := &recordingStore{
		findOneAndUpdateFn: func(bson.M, bson.M) (*models.User, error) {
			return &models.User{ID: "usr-1", Email: email}, nil
		},
	}
	repo := newTestWriteRepository(store)

	user, err := repo.UpdateProfile(context.Background(), "usr-1", models.ProfilePatch{Email: &email})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Email != email {
		t.Errorf("Email = %q, want %q", user.Email, email)
	}
	want := bson.M{"$set": bson.M{"email": email, "updatedAt": fixedNow}}
	if got := store.lastCall(t).Update; !reflect.DeepEqual(got, want) {
		t.Errorf("update = %v, want %v", got, want)
	}
}

func TestUserWriteRepository_UpdateProfileMapsDuplicateKey(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{
		Code:    11000,
		Message: `E11000 duplicate key error collection: eagle_users.users index: uniq_phone_number dup key: { phoneNumber: "0700000001" }`,
	}}}
	store := &recordingStore{
		findOneAndUpdateFn: func(bson.M, bson.M) (*models.User, error) { return nil, dup },
	}
	repo := newTestWriteRepository(store)
	phone := "0700000001"

	_, err := repo.UpdateProfile(context.Background(), "usr-1", models.ProfilePatch{PhoneNumber: &phone})

	var conflict *apperr.ValidationConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ValidationConflictError, got %v", err)
	}
	if _, ok := conflict.Fields["phoneNumber"]; !ok {
		t.Errorf("expected phoneNumber conflict, got %v", conflict.Fields)
	}
	if _, ok := conflict.Fields["email"]; ok {
		t.Errorf("unexpected email conflict: %v", conflict.Fields)
	}
}

func TestUserWriteRepository_NotFound(t *testing.T) {
	store := &recordingStore{updateOneFn: func(bson.M, bson.M) (int64, error) { return 0, nil }}
	repo := newTestWriteRepository(store)
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, apperr.ErrUserNotFound) {
		t.Errorf("GetByID: expected ErrUserNotFound, got %v", err)
	}
	if _, err := repo.UpdateProfile(ctx, "missing", models.ProfilePatch{}); !errors.Is(err, apperr.ErrUserNotFound) {
		t.Errorf("UpdateProfile: expected ErrUserNotFound, got %v", err)
	}
	if _, err := repo.SaveVerification(ctx, "missing", models.Verification{}); !errors.Is(err, apperr.ErrUserNotFound) {
		t.Errorf("SaveVerification: expected ErrUserNotFound, got %v", err)
	}
	if _, err := repo.SetKYCStatus(ctx, "missing", "verified"); !errors.Is(err, apperr.ErrUserNotFound) {
		t.Errorf("SetKYCStatus: expected ErrUserNotFound, got %v", err)
	}
}

func TestUserWriteRepository_SetKYCStatusLeavesAccessKey(t *testing.T) {
	store := &recordingStore{findOneAndUpdateFn: func(bson.M, bson.M) (*models.User, error) {
		return &models.User{ID: "usr-1", KYC: models.KYC{Status: "verified", IdentityAccessKey: "iak-1"}}, nil
	}}
	repo := newTestWriteRepository(store)

	user, err := repo.SetKYCStatus(context.Background(), "usr-1", "verified")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.KYC.Status != "verified" {
		t.Errorf("returned kyc = %+v", user.KYC)
	}
	want := bson.M{"$set": bson.M{"kyc.status": "verified", "updatedAt": fixedNow}}
	if got := store.lastCall(t).Update; !reflect.DeepEqual(got, want) {
		t.Errorf("update = %v, want %v", got, want)
	}
}

func TestUserWriteRepository_FindByIdentityAccessKey(t *testing.T) {
	store := &recordingStore{}
	repo := newTestWriteRepository(store)
	ctx := context.Background()

	if u, err := repo.FindByIdentityAccessKey(ctx, ""); err != nil || u != nil {
		t.Errorf("empty key: got (%v, %v), want (nil, nil)", u, err)
	}
	if len(store.calls) != 0 {
		t.Errorf("empty key should not query the store, got %d calls", len(store.calls))
	}

	if _, err := repo.FindByIdentityAccessKey(ctx, "iak-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := bson.M{"kyc.identityAccessKey": "iak-1"}
	if got := store.lastCall(t).Filter; !reflect.DeepEqual(got, want) {
		t.Errorf("filter = %v, want %v", got, want)
	}
}

func TestUserWriteRepository_FindByIDsUsesSingleQuery(t *testing.T) {
	store := &recordingStore{}
	repo := newTestWriteRepository(store)
	ctx := context.Background()

	if _, err := repo.FindByIDs(ctx, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.calls) != 0 {
		t.Fatalf("empty id set should not query the store")
	}

	if _, err := repo.FindByIDs(ctx, []string{"usr-2", "usr-3"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.calls) != 1 {
		t.Fatalf("expected one query, got %d", len(store.calls))
	}
	want := bson.M{"_id": bson.M{"$in": []string{"usr-2", "usr-3"}}}
	if got := store.calls[0].Filter; !reflect.DeepEqual(got, want) {
		t.Errorf("filter = %v, want %v", got, want)
	}
}
