package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types
const (
	UserUpdated            = "user.updated"
	PhoneNumberAdded       = "user.phone_number.added"
	PhoneNumberRemoved     = "user.phone_number.removed"
	UserVerified           = "user.verified"
	KYCStatusUpdated       = "user.kyc_status.updated"
	PasswordReset          = "user.password.reset"
	ExternalKYCStatusEvent = "kyc.status_changed"
)

// Stream names
const (
	UserEventsStream = "user.events"
	KYCEventsStream  = "kyc.events"
)

// Base event structure
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Decode re-marshals the loosely typed Data payload into dst.
func (e Event) Decode(dst any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", e.Type, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// User events
type UserUpdatedEvent struct {
	UserID string   `json:"userId"`
	Fields []string `json:"fields"`
}

type PhoneNumberAddedEvent struct {
	UserID        string `json:"userId"`
	PhoneNumberID string `json:"phoneNumberId"`
	PhoneNumber   string `json:"phoneNumber"`
}

type PhoneNumberRemovedEvent struct {
	UserID        string `json:"userId"`
	PhoneNumberID string `json:"phoneNumberId"`
}

type UserVerifiedEvent struct {
	UserID    string `json:"userId"`
	KYCStatus string `json:"kycStatus"`
}

type KYCStatusUpdatedEvent struct {
	UserID    string `json:"userId"`
	KYCStatus string `json:"kycStatus"`
}

type PasswordResetEvent struct {
	UserID string `json:"userId"`
}

// ExternalKYCStatusChangedEvent is a status-change notification relayed from
// the identity provider onto the kyc.events stream.
type ExternalKYCStatusChangedEvent struct {
	IdentityAccessKey string `json:"identityAccessKey"`
	Status            string `json:"status"`
}
