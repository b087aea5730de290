package cqrs

import "time"

// UpdateProfileCommand patches a user's profile. Nil fields are left untouched.
type UpdateProfileCommand struct {
	UserID      string
	Email       *string
	PhoneNumber *string
	FirstName   *string
	LastName    *string
	Country     *string
	BirthDate   *time.Time
}

type AddPhoneNumberCommand struct {
	UserID        string
	PhoneNumber   string
	PhoneOperator string
}

type RemovePhoneNumberCommand struct {
	UserID        string
	PhoneNumberID string
}

type VerifyUserCommand struct {
	UserID            string
	IdentityAccessKey string
	FirstName         string
	LastName          string
	Country           string
	BirthDate         time.Time
}

// ApplyKYCUpdateCommand carries an asynchronous status-change notification
// from the identity provider.
type ApplyKYCUpdateCommand struct {
	IdentityAccessKey string
	Status            string
}

type ResetPasswordCommand struct {
	UserID          string
	CurrentPassword string
	NewPassword     string
}
