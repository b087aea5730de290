package models

import "time"

// UserView is the read-optimised projection of a user.
// It never exposes the password hash, the ledger account reference or the identity access key.
type UserView struct {
	ID                string        `json:"id"`
	Email             string        `json:"email"`
	PhoneNumber       string        `json:"phoneNumber"`
	FirstName         string        `json:"firstName"`
	LastName          string        `json:"lastName"`
	Country           string        `json:"country"`
	BirthDate         *time.Time    `json:"birthDate,omitempty"`
	KYCStatus         string        `json:"kycStatus"`
	SavedPhoneNumbers []PhoneNumber `json:"savedPhoneNumbers"`
	CreatedAt         time.Time     `json:"createdTimestamp"`
	UpdatedAt         time.Time     `json:"updatedTimestamp"`
}

// PartnerView is the public summary of a transaction counterparty.
type PartnerView struct {
	ID          string `json:"id"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	PhoneNumber string `json:"phoneNumber"`
}

// TransactionView is a transaction joined with its counterparty. Partner is
// null when the transaction has no partner or the partner is unknown locally.
type TransactionView struct {
	Transaction
	Partner *PartnerView `json:"partner"`
}

// TransactionListView is the response of a transaction listing.
type TransactionListView struct {
	Count        int               `json:"count"`
	Transactions []TransactionView `json:"transactions"`
}

// KYCUpdateResult reports whether an external KYC notification matched a user.
type KYCUpdateResult struct {
	Applied bool `json:"success"`
}

func NewUserView(u *User) *UserView {
	phones := u.SavedPhoneNumbers
	if phones == nil {
		phones = []PhoneNumber{}
	}
	return &UserView{
		ID:                u.ID,
		Email:             u.Email,
		PhoneNumber:       u.PhoneNumber,
		FirstName:         u.FirstName,
		LastName:          u.LastName,
		Country:           u.Country,
		BirthDate:         u.BirthDate,
		KYCStatus:         u.KYC.Status,
		SavedPhoneNumbers: phones,
		CreatedAt:         u.CreatedAt,
		UpdatedAt:         u.UpdatedAt,
	}
}

func NewPartnerView(u *User) *PartnerView {
	return &PartnerView{
		ID:          u.ID,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		PhoneNumber: u.PhoneNumber,
	}
}
