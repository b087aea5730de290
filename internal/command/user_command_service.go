package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eaglebank/user-accounts/internal/ledger"
	"github.com/eaglebank/user-accounts/shared/apperr"
	"github.com/eaglebank/user-accounts/shared/cqrs"
	"github.com/eaglebank/user-accounts/shared/events"
	"github.com/eaglebank/user-accounts/shared/models"
	"github.com/eaglebank/user-accounts/shared/utils"
	"golang.org/x/sync/errgroup"
)

// maxPushAttempts bounds how often AddPhoneNumber retries a conditional push
// whose precondition failed for a reason that vanished by the time it looked.
const maxPushAttempts = 3

// UserWriter is the storage the command service mutates. Every method is a
// single atomic operation on one user.
type UserWriter interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	IsTakenByOther(ctx context.Context, userID, field, value string) (bool, error)
	UpdateProfile(ctx context.Context, id string, patch models.ProfilePatch) (*models.User, error)
	PushPhoneNumber(ctx context.Context, id string, phone models.PhoneNumber, limit int) (*models.User, error)
	PullPhoneNumber(ctx context.Context, id, phoneNumberID string) (*models.User, error)
	SaveVerification(ctx context.Context, id string, v models.Verification) (*models.User, error)
	FindByIdentityAccessKey(ctx context.Context, key string) (*models.User, error)
	SetKYCStatus(ctx context.Context, id, status string) (*models.User, error)
	SetPasswordHash(ctx context.Context, id, hash string) error
}

// ViewStore keeps the read model in step with writes.
type ViewStore interface {
	CacheUserView(ctx context.Context, view *models.UserView)
}

// KYCProvider is the ledger side of KYC.
type KYCProvider interface {
	ComputeStatus(raw string) string
	SyncKYCStatus(ctx context.Context, userID, status string) (*ledger.KYCStatus, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, stream, eventType string, data any) error
}

// UserCommandService applies account mutations and keeps the Redis read model
// up to date.
type UserCommandService struct {
	users     UserWriter
	views     ViewStore
	kyc       KYCProvider
	hasher    utils.PasswordHasher
	publisher EventPublisher
	logger    *slog.Logger
}

func NewUserCommandService(
	users UserWriter,
	views ViewStore,
	kyc KYCProvider,
	hasher utils.PasswordHasher,
	publisher EventPublisher,
	logger *slog.Logger,
) *UserCommandService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserCommandService{
		users:     users,
		views:     views,
		kyc:       kyc,
		hasher:    hasher,
		publisher: publisher,
		logger:    logger.With("component", "user_command_service"),
	}
}

// UpdateProfile checks email and phone number uniqueness concurrently,
// reports every conflict at once and otherwise applies the patch in a single
// write. The unique indexes behind the store catch a conflict introduced
// between the checks and the write.
func (s *UserCommandService) UpdateProfile(ctx context.Context, cmd cqrs.UpdateProfileCommand) (*models.UserView, error) {
	if err := s.checkUniqueness(ctx, cmd.UserID, cmd.Email, cmd.PhoneNumber); err != nil {
		return nil, err
	}

	patch := models.ProfilePatch{
		Email:       cmd.Email,
		PhoneNumber: cmd.PhoneNumber,
		FirstName:   cmd.FirstName,
		LastName:    cmd.LastName,
		Country:     cmd.Country,
		BirthDate:   cmd.BirthDate,
	}
	user, err := s.users.UpdateProfile(ctx, cmd.UserID, patch)
	if err != nil {
		return nil, err
	}

	view := models.NewUserView(user)
	s.views.CacheUserView(ctx, view)
	s.publish(ctx, events.UserUpdated, events.UserUpdatedEvent{
		UserID: user.ID,
		Fields: patchedFields(patch),
	})
	return view, nil
}

func (s *UserCommandService) checkUniqueness(ctx context.Context, userID string, email, phoneNumber *string) error {
	var emailTaken, phoneTaken bool
	g, gctx := errgroup.WithContext(ctx)
	if email != nil {
		g.Go(func() error {
			var err error
			emailTaken, err = s.users.IsTakenByOther(gctx, userID, "email", *email)
			return err
		})
	}
	if phoneNumber != nil {
		g.Go(func() error {
			var err error
			phoneTaken, err = s.users.IsTakenByOther(gctx, userID, "phoneNumber", *phoneNumber)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to check profile uniqueness: %w", err)
	}

	conflict := apperr.NewValidationConflict()
	if emailTaken {
		conflict.Add("email", "User with this email is already registered")
	}
	if phoneTaken {
		conflict.Add("phoneNumber", "User with this phone number is already registered")
	}
	if !conflict.Empty() {
		return conflict
	}
	return nil
}

// AddPhoneNumber saves a phone number for the user. The duplicate check, the
// size check and the append are one conditional write; when it does not
// apply, the current document decides which rule rejected it.
func (s *UserCommandService) AddPhoneNumber(ctx context.Context, cmd cqrs.AddPhoneNumberCommand) (*models.PhoneNumber, error) {
	phone := models.PhoneNumber{
		ID:            utils.GenerateID("phn"),
		PhoneNumber:   cmd.PhoneNumber,
		PhoneOperator: cmd.PhoneOperator,
	}

	for attempt := 0; attempt < maxPushAttempts; attempt++ {
		user, err := s.users.PushPhoneNumber(ctx, cmd.UserID, phone, models.MaxSavedPhoneNumbers)
		if err != nil {
			return nil, err
		}
		if user != nil {
			s.views.CacheUserView(ctx, models.NewUserView(user))
			s.publish(ctx, events.PhoneNumberAdded, events.PhoneNumberAddedEvent{
				UserID:        user.ID,
				PhoneNumberID: phone.ID,
				PhoneNumber:   phone.PhoneNumber,
			})
			if saved, ok := user.FindSavedPhoneNumber(phone.ID); ok {
				return &saved, nil
			}
			return &phone, nil
		}

		current, err := s.users.GetByID(ctx, cmd.UserID)
		if err != nil {
			return nil, err
		}
		if current.HasSavedPhoneNumber(cmd.PhoneNumber) {
			return nil, apperr.ErrDuplicatePhoneNumber
		}
		if len(current.SavedPhoneNumbers) >= models.MaxSavedPhoneNumbers {
			return nil, apperr.ErrPhoneNumberLimitExceeded
		}
		s.logger.Debug("saved phone numbers changed during add, retrying",
			"user_id", cmd.UserID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("failed to add phone number after %d attempts", maxPushAttempts)
}

// RemovePhoneNumber deletes a saved phone number by its ID.
func (s *UserCommandService) RemovePhoneNumber(ctx context.Context, cmd cqrs.RemovePhoneNumberCommand) error {
	user, err := s.users.PullPhoneNumber(ctx, cmd.UserID, cmd.PhoneNumberID)
	if err != nil {
		return err
	}
	if user == nil {
		if _, err := s.users.GetByID(ctx, cmd.UserID); err != nil {
			return err
		}
		return apperr.ErrPhoneNumberNotFound
	}

	s.views.CacheUserView(ctx, models.NewUserView(user))
	s.publish(ctx, events.PhoneNumberRemoved, events.PhoneNumberRemovedEvent{
		UserID:        user.ID,
		PhoneNumberID: cmd.PhoneNumberID,
	})
	return nil
}

// VerifyUser records a KYC submission: the ledger is told the submission is
// pending, and the status it confirms is stored with the identity data.
func (s *UserCommandService) VerifyUser(ctx context.Context, cmd cqrs.VerifyUserCommand) (*models.UserView, error) {
	if _, err := s.users.GetByID(ctx, cmd.UserID); err != nil {
		return nil, err
	}

	synced, err := s.kyc.SyncKYCStatus(ctx, cmd.UserID, s.kyc.ComputeStatus(""))
	if err != nil {
		return nil, err
	}

	user, err := s.users.SaveVerification(ctx, cmd.UserID, models.Verification{
		FirstName:         cmd.FirstName,
		LastName:          cmd.LastName,
		Country:           cmd.Country,
		BirthDate:         cmd.BirthDate,
		Status:            synced.Status,
		IdentityAccessKey: cmd.IdentityAccessKey,
	})
	if err != nil {
		return nil, err
	}

	view := models.NewUserView(user)
	s.views.CacheUserView(ctx, view)
	s.publish(ctx, events.UserVerified, events.UserVerifiedEvent{
		UserID:    user.ID,
		KYCStatus: synced.Status,
	})
	return view, nil
}

// ApplyExternalKYCUpdate applies an identity provider notification. An
// unknown identity access key is not an error: the notification is reported
// as not applied. Re-delivering a notification stores the same status again.
func (s *UserCommandService) ApplyExternalKYCUpdate(ctx context.Context, cmd cqrs.ApplyKYCUpdateCommand) (*models.KYCUpdateResult, error) {
	user, err := s.users.FindByIdentityAccessKey(ctx, cmd.IdentityAccessKey)
	if err != nil {
		return nil, err
	}
	if user == nil {
		s.logger.Info("kyc notification matched no user", "status", cmd.Status)
		return &models.KYCUpdateResult{Applied: false}, nil
	}

	synced, err := s.kyc.SyncKYCStatus(ctx, user.ID, s.kyc.ComputeStatus(cmd.Status))
	if err != nil {
		return nil, err
	}
	updated, err := s.users.SetKYCStatus(ctx, user.ID, synced.Status)
	if err != nil {
		return nil, err
	}

	s.views.CacheUserView(ctx, models.NewUserView(updated))
	s.publish(ctx, events.KYCStatusUpdated, events.KYCStatusUpdatedEvent{
		UserID:    user.ID,
		KYCStatus: synced.Status,
	})
	s.logger.Info("kyc status updated", "user_id", user.ID, "kyc_status", synced.Status)
	return &models.KYCUpdateResult{Applied: true}, nil
}

// HandleKYCEvent consumes kyc.events. Other event types on the stream are
// acknowledged and ignored.
func (s *UserCommandService) HandleKYCEvent(ctx context.Context, event events.Event) error {
	if event.Type != events.ExternalKYCStatusEvent {
		return nil
	}
	var payload events.ExternalKYCStatusChangedEvent
	if err := event.Decode(&payload); err != nil {
		return err
	}
	_, err := s.ApplyExternalKYCUpdate(ctx, cqrs.ApplyKYCUpdateCommand{
		IdentityAccessKey: payload.IdentityAccessKey,
		Status:            payload.Status,
	})
	return err
}

// ResetPassword replaces the password hash once the current password checks out.
func (s *UserCommandService) ResetPassword(ctx context.Context, cmd cqrs.ResetPasswordCommand) error {
	user, err := s.users.GetByID(ctx, cmd.UserID)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(cmd.CurrentPassword, user.PasswordHash) {
		return apperr.ErrIncorrectCurrentPassword
	}

	hash, err := s.hasher.Hash(cmd.NewPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.SetPasswordHash(ctx, user.ID, hash); err != nil {
		return err
	}

	s.publish(ctx, events.PasswordReset, events.PasswordResetEvent{UserID: user.ID})
	return nil
}

// publish is best effort: the write has already happened.
func (s *UserCommandService) publish(ctx context.Context, eventType string, data any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.UserEventsStream, eventType, data); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}

func patchedFields(p models.ProfilePatch) []string {
	var fields []string
	if p.Email != nil {
		fields = append(fields, "email")
	}
	if p.PhoneNumber != nil {
		fields = append(fields, "phoneNumber")
	}
	if p.FirstName != nil {
		fields = append(fields, "firstName")
	}
	if p.LastName != nil {
		fields = append(fields, "lastName")
	}
	if p.Country != nil {
		fields = append(fields, "country")
	}
	if p.BirthDate != nil {
		fields = append(fields, "birthDate")
	}
	return fields
}
