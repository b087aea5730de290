package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eaglebank/user-accounts/internal/ledger"
	"github.com/eaglebank/user-accounts/internal/repository"
	"github.com/eaglebank/user-accounts/shared/apperr"
	"github.com/eaglebank/user-accounts/shared/cqrs"
	"github.com/eaglebank/user-accounts/shared/events"
	"github.com/eaglebank/user-accounts/shared/models"
)

type fakeViews struct {
	mu     sync.Mutex
	cached map[string]*models.UserView
}

func newFakeViews() *fakeViews {
	return &fakeViews{cached: map[string]*models.UserView{}}
}

func (v *fakeViews) CacheUserView(_ context.Context, view *models.UserView) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cached[view.ID] = view
}

type fakeKYC struct {
	mu     sync.Mutex
	synced []string
	syncFn func(userID, status string) (*ledger.KYCStatus, error)
}

func (k *fakeKYC) ComputeStatus(raw string) string { return ledger.ComputeStatus(raw) }

func (k *fakeKYC) SyncKYCStatus(_ context.Context, userID, status string) (*ledger.KYCStatus, error) {
	k.mu.Lock()
	k.synced = append(k.synced, status)
	k.mu.Unlock()
	if k.syncFn != nil {
		return k.syncFn(userID, status)
	}
	return &ledger.KYCStatus{Status: status}, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, stream, eventType string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stream != events.UserEventsStream {
		return fmt.Errorf("unexpected stream %s", stream)
	}
	p.types = append(p.types, eventType)
	return p.err
}

// plainHasher keeps tests fast; bcrypt itself is covered in shared/utils.
type plainHasher struct{}

func (plainHasher) Hash(p string) (string, error) { return "hashed:" + p, nil }
func (plainHasher) Verify(p, hash string) bool   { return hash == "hashed:"+p }

type testDeps struct {
	users     *repository.MemoryUserRepository
	views     *fakeViews
	kyc       *fakeKYC
	publisher *recordingPublisher
}

func newTestService(users ...models.User) (*UserCommandService, *testDeps) {
	d := &testDeps{
		users:     repository.NewMemoryUserRepository(users...),
		views:     newFakeViews(),
		kyc:       &fakeKYC{},
		publisher: &recordingPublisher{},
	}
	return NewUserCommandService(d.users, d.views, d.kyc, plainHasher{}, d.publisher, nil), d
}

func strPtr(s string) *string { return &s }

func TestUpdateProfile(t *testing.T) {
	svc, d := newTestService(models.User{ID: "usr-1", Email: "old@example.com", PhoneNumber: "0700000001"})

	view, err := svc.UpdateProfile(context.Background(), cqrs.UpdateProfileCommand{
		UserID:    "usr-1",
		Email:     strPtr("new@example.com"),
		FirstName: strPtr("Awa"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Email != "new@example.com" || view.FirstName != "Awa" || view.PhoneNumber != "0700000001" {
		t.Errorf("unexpected view: %+v", view)
	}
	if _, ok := d.views.cached["usr-1"]; !ok {
		t.Error("expected view to be cached")
	}
	if len(d.publisher.types) != 1 || d.publisher.types[0] != events.UserUpdated {
		t.Errorf("published %v", d.publisher.types)
	}
}

func TestUpdateProfileReportsAllConflicts(t *testing.T) {
	svc, d := newTestService(
		models.User{ID: "usr-1", Email: "me@example.com", PhoneNumber: "0700000001"},
		models.User{ID: "usr-2", Email: "taken@example.com"},
		models.User{ID: "usr-3", PhoneNumber: "0700000099"},
	)

	_, err := svc.UpdateProfile(context.Background(), cqrs.UpdateProfileCommand{
		UserID:      "usr-1",
		Email:       strPtr("taken@example.com"),
		PhoneNumber: strPtr("0700000099"),
		FirstName:   strPtr("Changed"),
	})

	var conflict *apperr.ValidationConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ValidationConflictError, got %v", err)
	}
	if len(conflict.Fields) != 2 {
		t.Errorf("expected both fields reported, got %v", conflict.Fields)
	}

	user, _ := d.users.GetByID(context.Background(), "usr-1")
	if user.FirstName == "Changed" || user.Email != "me@example.com" {
		t.Errorf("no field should be written on conflict: %+v", user)
	}
}

func TestUpdateProfileKeepingOwnValuesIsNotAConflict(t *testing.T) {
	svc, _ := newTestService(models.User{ID: "usr-1", Email: "me@example.com", PhoneNumber: "0700000001"})

	_, err := svc.UpdateProfile(context.Background(), cqrs.UpdateProfileCommand{
		UserID:      "usr-1",
		Email:       strPtr("me@example.com"),
		PhoneNumber: strPtr("0700000001"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// barrierUsers lets IsTakenByOther return only once both checks are in flight.
type barrierUsers struct {
	*repository.MemoryUserRepository
	mu      sync.Mutex
	started int
	both    chan struct{}
}

func (b *barrierUsers) IsTakenByOther(ctx context.Context, userID, field, value string) (bool, error) {
	b.mu.Lock()
	b.started++
	if b.started == 2 {
		close(b.both)
	}
	b.mu.Unlock()

	select {
	case <-b.both:
	case <-time.After(time.Second):
		return false, errors.New("uniqueness checks did not run concurrently")
	}
	return b.MemoryUserRepository.IsTakenByOther(ctx, userID, field, value)
}

func TestUpdateProfileRunsChecksConcurrently(t *testing.T) {
	users := &barrierUsers{
		MemoryUserRepository: repository.NewMemoryUserRepository(models.User{ID: "usr-1"}),
		both:                 make(chan struct{}),
	}
	svc := NewUserCommandService(users, newFakeViews(), &fakeKYC{}, plainHasher{}, &recordingPublisher{}, nil)

	_, err := svc.UpdateProfile(context.Background(), cqrs.UpdateProfileCommand{
		UserID:      "usr-1",
		Email:       strPtr("a@example.com"),
		PhoneNumber: strPtr("0700000001"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateProfileUserNotFound(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.UpdateProfile(context.Background(), cqrs.UpdateProfileCommand{UserID: "missing", FirstName: strPtr("X")})
	if !errors.Is(err, apperr.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func savedNumbers(values ...string) []models.PhoneNumber {
	out := make([]models.PhoneNumber, len(values))
	for i, v := range values {
		out[i] = models.PhoneNumber{ID: fmt.Sprintf("phn-%d", i), PhoneNumber: v, PhoneOperator: "orange"}
	}
	return out
}

func TestAddPhoneNumber(t *testing.T) {
	tests := []struct {
		name    string
		user    *models.User
		number  string
		wantErr error
	}{
		{
			name:   "first number",
			user:   &models.User{ID: "usr-1"},
			number: "0700000001",
		},
		{
			name:    "duplicate",
			user:    &models.User{ID: "usr-1", SavedPhoneNumbers: savedNumbers("0700000001")},
			number:  "0700000001",
			wantErr: apperr.ErrDuplicatePhoneNumber,
		},
		{
			name:    "limit reached",
			user:    &models.User{ID: "usr-1", SavedPhoneNumbers: savedNumbers("0700000001", "0700000002", "0700000003")},
			number:  "0700000004",
			wantErr: apperr.ErrPhoneNumberLimitExceeded,
		},
		{
			name:    "duplicate reported before limit",
			user:    &models.User{ID: "usr-1", SavedPhoneNumbers: savedNumbers("0700000001", "0700000002", "0700000003")},
			number:  "0700000002",
			wantErr: apperr.ErrDuplicatePhoneNumber,
		},
		{
			name:    "unknown user",
			number:  "0700000001",
			wantErr: apperr.ErrUserNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seed []models.User
			if tt.user != nil {
				seed = append(seed, *tt.user)
			}
			svc, d := newTestService(seed...)

			phone, err := svc.AddPhoneNumber(context.Background(), cqrs.AddPhoneNumberCommand{
				UserID:        "usr-1",
				PhoneNumber:   tt.number,
				PhoneOperator: "orange",
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if len(d.publisher.types) != 0 {
					t.Errorf("no event expected on failure, got %v", d.publisher.types)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.HasPrefix(phone.ID, "phn-") || phone.PhoneNumber != tt.number || phone.PhoneOperator != "orange" {
				t.Errorf("unexpected phone: %+v", phone)
			}
			user, _ := d.users.GetByID(context.Background(), "usr-1")
			if _, ok := user.FindSavedPhoneNumber(phone.ID); !ok {
				t.Error("returned phone number is not stored")
			}
		})
	}
}

func TestAddPhoneNumberConcurrentNeverExceedsLimit(t *testing.T) {
	svc, d := newTestService(models.User{ID: "usr-1", SavedPhoneNumbers: savedNumbers("0700000001")})
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		limited   int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.AddPhoneNumber(ctx, cqrs.AddPhoneNumberCommand{
				UserID:      "usr-1",
				PhoneNumber: fmt.Sprintf("07100000%02d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, apperr.ErrPhoneNumberLimitExceeded):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 2 || limited != 4 {
		t.Errorf("succeeded=%d limited=%d, want 2 and 4", succeeded, limited)
	}
	user, _ := d.users.GetByID(ctx, "usr-1")
	if len(user.SavedPhoneNumbers) != models.MaxSavedPhoneNumbers {
		t.Errorf("stored %d numbers", len(user.SavedPhoneNumbers))
	}
}

func TestAddPhoneNumberConcurrentSameValueStoredOnce(t *testing.T) {
	svc, d := newTestService(models.User{ID: "usr-1"})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddPhoneNumber(ctx, cqrs.AddPhoneNumberCommand{UserID: "usr-1", PhoneNumber: "0700000001"})
			if err != nil && !errors.Is(err, apperr.ErrDuplicatePhoneNumber) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	user, _ := d.users.GetByID(ctx, "usr-1")
	if len(user.SavedPhoneNumbers) != 1 {
		t.Errorf("stored %d copies, want 1", len(user.SavedPhoneNumbers))
	}
}

func TestRemovePhoneNumber(t *testing.T) {
	svc, d := newTestService(models.User{ID: "usr-1", SavedPhoneNumbers: savedNumbers("0700000001", "0700000002")})
	ctx := context.Background()

	if err := svc.RemovePhoneNumber(ctx, cqrs.RemovePhoneNumberCommand{UserID: "usr-1", PhoneNumberID: "phn-0"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user, _ := d.users.GetByID(ctx, "usr-1")
	if len(user.SavedPhoneNumbers) != 1 || user.SavedPhoneNumbers[0].ID != "phn-1" {
		t.Errorf("unexpected saved numbers: %+v", user.SavedPhoneNumbers)
	}

	err := svc.RemovePhoneNumber(ctx, cqrs.RemovePhoneNumberCommand{UserID: "usr-1", PhoneNumberID: "phn-0"})
	if !errors.Is(err, apperr.ErrPhoneNumberNotFound) {
		t.Errorf("expected ErrPhoneNumberNotFound, got %v", err)
	}

	err = svc.RemovePhoneNumber(ctx, cqrs.RemovePhoneNumberCommand{UserID: "missing", PhoneNumberID: "phn-1"})
	if !errors.Is(err, apperr.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestVerifyUser(t *testing.T) {
	svc, d := newTestService(models.User{ID: "usr-1"})
	birth := time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)

	view, err := svc.VerifyUser(context.Background(), cqrs.VerifyUserCommand{
		UserID:            "usr-1",
		IdentityAccessKey: "iak-1",
		FirstName:         "Awa",
		LastName:          "Diallo",
		Country:           "SN",
		BirthDate:         birth,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.kyc.synced) != 1 || d.kyc.synced[0] != ledger.StatusPending {
		t.Errorf("ledger synced %v, want [pending]", d.kyc.synced)
	}
	if view.KYCStatus != ledger.StatusPending || view.Country != "SN" {
		t.Errorf("unexpected view: %+v", view)
	}
	user, _ := d.users.GetByID(context.Background(), "usr-1")
	if user.KYC.IdentityAccessKey != "iak-1" || !user.BirthDate.Equal(birth) {
		t.Errorf("verification not stored: %+v", user)
	}
}

func TestVerifyUserLedgerFailureWritesNothing(t *testing.T) {
	svc, d := newTestService(models.User{ID: "usr-1"})
	d.kyc.syncFn = func(string, string) (*ledger.KYCStatus, error) {
		return nil, &apperr.UpstreamError{StatusCode: 500, Payload: []byte(`{"status":"error"}`)}
	}

	_, err := svc.VerifyUser(context.Background(), cqrs.VerifyUserCommand{
		UserID:            "usr-1",
		IdentityAccessKey: "iak-1",
		FirstName:         "Awa",
	})
	var upstream *apperr.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	user, _ := d.users.GetByID(context.Background(), "usr-1")
	if user.FirstName != "" || user.KYC.IdentityAccessKey != "" {
		t.Errorf("nothing should be written when the ledger fails: %+v", user)
	}
}

func TestVerifyUserUnknownUserSkipsLedger(t *testing.T) {
	svc, d := newTestService()

	_, err := svc.VerifyUser(context.Background(), cqrs.VerifyUserCommand{UserID: "missing"})
	if !errors.Is(err, apperr.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if len(d.kyc.synced) != 0 {
		t.Error("ledger should not be called for an unknown user")
	}
}

func TestApplyExternalKYCUpdate(t *testing.T) {
	svc, d := newTestService(models.User{
		ID:  "usr-1",
		KYC: models.KYC{Status: ledger.StatusPending, IdentityAccessKey: "iak-1"},
	})
	ctx := context.Background()
	cmd := cqrs.ApplyKYCUpdateCommand{IdentityAccessKey: "iak-1", Status: "approved"}

	for i := 0; i < 2; i++ {
		res, err := svc.ApplyExternalKYCUpdate(ctx, cmd)
		if err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i, err)
		}
		if !res.Applied {
			t.Errorf("attempt %d: expected applied", i)
		}
		user, _ := d.users.GetByID(ctx, "usr-1")
		if user.KYC.Status != ledger.StatusVerified || user.KYC.IdentityAccessKey != "iak-1" {
			t.Errorf("attempt %d: unexpected kyc %+v", i, user.KYC)
		}
	}
	if view := d.views.cached["usr-1"]; view == nil || view.KYCStatus != ledger.StatusVerified {
		t.Errorf("expected the cached view to carry the new status, got %+v", view)
	}
}

func TestApplyExternalKYCUpdateUnknownKey(t *testing.T) {
	svc, d := newTestService(models.User{ID: "usr-1", KYC: models.KYC{IdentityAccessKey: "iak-1"}})

	res, err := svc.ApplyExternalKYCUpdate(context.Background(), cqrs.ApplyKYCUpdateCommand{
		IdentityAccessKey: "iak-unknown",
		Status:            "approved",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Applied {
		t.Error("expected not applied")
	}
	if len(d.kyc.synced) != 0 || len(d.publisher.types) != 0 {
		t.Error("an unmatched notification must not reach the ledger or publish")
	}
}

func TestHandleKYCEvent(t *testing.T) {
	svc, d := newTestService(models.User{ID: "usr-1", KYC: models.KYC{IdentityAccessKey: "iak-1"}})
	ctx := context.Background()

	if err := svc.HandleKYCEvent(ctx, events.Event{Type: "kyc.other"}); err != nil {
		t.Fatalf("unrelated events should be ignored, got %v", err)
	}

	err := svc.HandleKYCEvent(ctx, events.Event{
		Type: events.ExternalKYCStatusEvent,
		Data: map[string]any{"identityAccessKey": "iak-1", "status": "rejected"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user, _ := d.users.GetByID(ctx, "usr-1")
	if user.KYC.Status != ledger.StatusDeclined {
		t.Errorf("KYC.Status = %q, want declined", user.KYC.Status)
	}
}

func TestResetPassword(t *testing.T) {
	svc, d := newTestService(models.User{ID: "usr-1", PasswordHash: "hashed:old-secret"})
	ctx := context.Background()

	err := svc.ResetPassword(ctx, cqrs.ResetPasswordCommand{UserID: "usr-1", CurrentPassword: "wrong", NewPassword: "new-secret"})
	if !errors.Is(err, apperr.ErrIncorrectCurrentPassword) {
		t.Fatalf("expected ErrIncorrectCurrentPassword, got %v", err)
	}
	user, _ := d.users.GetByID(ctx, "usr-1")
	if user.PasswordHash != "hashed:old-secret" {
		t.Error("hash must not change on a wrong current password")
	}

	if err := svc.ResetPassword(ctx, cqrs.ResetPasswordCommand{UserID: "usr-1", CurrentPassword: "old-secret", NewPassword: "new-secret"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user, _ = d.users.GetByID(ctx, "usr-1")
	if user.PasswordHash != "hashed:new-secret" {
		t.Errorf("PasswordHash = %q", user.PasswordHash)
	}
	if len(d.publisher.types) != 1 || d.publisher.types[0] != events.PasswordReset {
		t.Errorf("published %v", d.publisher.types)
	}
}

func TestPublishFailureDoesNotFailCommand(t *testing.T) {
	svc, d := newTestService(models.User{ID: "usr-1"})
	d.publisher.err = errors.New("redis down")

	if _, err := svc.AddPhoneNumber(context.Background(), cqrs.AddPhoneNumberCommand{UserID: "usr-1", PhoneNumber: "0700000001"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
