package models

import "time"

const (
	// MaxSavedPhoneNumbers bounds User.SavedPhoneNumbers.
	MaxSavedPhoneNumbers = 3

	// TransactionPageSize is the fixed page size of transaction listings.
	TransactionPageSize = 20

	DefaultCurrency = "XOF"
)

type KYC struct {
	Status            string `bson:"status,omitempty" json:"status"`
	IdentityAccessKey string `bson:"identityAccessKey,omitempty" json:"-"`
}

// PhoneNumber is a saved phone number embedded in its owning User document.
type PhoneNumber struct {
	ID            string `bson:"_id" json:"id"`
	PhoneNumber   string `bson:"phoneNumber" json:"phoneNumber"`
	PhoneOperator string `bson:"phoneOperator" json:"phoneOperator"`
}

type User struct {
	ID                string        `bson:"_id" json:"id"`
	Email             string        `bson:"email,omitempty" json:"email"`
	PhoneNumber       string        `bson:"phoneNumber,omitempty" json:"phoneNumber"`
	FirstName         string        `bson:"firstName,omitempty" json:"firstName"`
	LastName          string        `bson:"lastName,omitempty" json:"lastName"`
	Country           string        `bson:"country,omitempty" json:"country"`
	BirthDate         *time.Time    `bson:"birthDate,omitempty" json:"birthDate,omitempty"`
	PasswordHash      string        `bson:"password" json:"-"`
	AccountReference  string        `bson:"account,omitempty" json:"-"`
	KYC               KYC           `bson:"kyc" json:"kyc"`
	SavedPhoneNumbers []PhoneNumber `bson:"savedPhoneNumbers,omitempty" json:"savedPhoneNumbers"`
	CreatedAt         time.Time     `bson:"createdAt" json:"createdTimestamp"`
	UpdatedAt         time.Time     `bson:"updatedAt" json:"updatedTimestamp"`
}

// HasSavedPhoneNumber reports whether value is already in the saved set.
func (u *User) HasSavedPhoneNumber(value string) bool {
	for _, p := range u.SavedPhoneNumbers {
		if p.PhoneNumber == value {
			return true
		}
	}
	return false
}

// FindSavedPhoneNumber returns the saved entry with the given ID, if any.
func (u *User) FindSavedPhoneNumber(id string) (PhoneNumber, bool) {
	for _, p := range u.SavedPhoneNumbers {
		if p.ID == id {
			return p, true
		}
	}
	return PhoneNumber{}, false
}

// ProfilePatch carries the optional fields of a profile update. Nil fields are left untouched.
type ProfilePatch struct {
	Email       *string
	PhoneNumber *string
	FirstName   *string
	LastName    *string
	Country     *string
	BirthDate   *time.Time
}

// Verification is the data persisted by a successful KYC submission.
type Verification struct {
	FirstName         string
	LastName          string
	Country           string
	BirthDate         time.Time
	Status            string
	IdentityAccessKey string
}

// Balance is the ledger's view of an account balance.
type Balance struct {
	AccountReference string  `json:"account"`
	Currency         string  `json:"currency"`
	Balance          float64 `json:"balance"`
	Available        float64 `json:"available"`
}

type Transaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	PartnerID *string   `json:"partnerId"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdTimestamp"`
}

// TransactionPage is one page of a user's transactions plus the total count.
type TransactionPage struct {
	Count        int           `json:"count"`
	Transactions []Transaction `json:"transactions"`
}

// TransactionTotals aggregates a user's transactions for a filter set.
type TransactionTotals struct {
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
	Count    int     `json:"count"`
	Debits   float64 `json:"debits"`
	Credits  float64 `json:"credits"`
}
