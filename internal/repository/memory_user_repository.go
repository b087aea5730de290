package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eaglebank/user-accounts/shared/apperr"
	"github.com/eaglebank/user-accounts/shared/models"
)

// MemoryUserRepository is an in-process UserRepository. Each operation runs
// under one lock, which gives it the same single-document atomicity as the
// MongoDB implementation. Used by tests and by local runs without MongoDB.
type MemoryUserRepository struct {
	mu    sync.Mutex
	users map[string]*models.User
	err   error
	now   func() time.Time
}

func NewMemoryUserRepository(users ...models.User) *MemoryUserRepository {
	m := &MemoryUserRepository{users: map[string]*models.User{}, now: time.Now}
	for _, u := range users {
		m.Put(u)
	}
	return m
}

// Put inserts or replaces a user.
func (m *MemoryUserRepository) Put(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = cloneUser(&u)
}

// WithError makes every subsequent call fail with err.
func (m *MemoryUserRepository) WithError(err error) *MemoryUserRepository {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

func (m *MemoryUserRepository) GetByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryUserRepository) FindByIDs(_ context.Context, ids []string) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []models.User
	seen := map[string]bool{}
	for _, id := range ids {
		if u, ok := m.users[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, *cloneUser(u))
		}
	}
	return out, nil
}

func (m *MemoryUserRepository) IsTakenByOther(_ context.Context, userID, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.takenByOther(userID, field, value), nil
}

func (m *MemoryUserRepository) UpdateProfile(_ context.Context, id string, patch models.ProfilePatch) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}

	conflict := apperr.NewValidationConflict()
	if patch.Email != nil && m.takenByOther(id, "email", *patch.Email) {
		conflict.Add("email", conflictReason("email"))
	}
	if patch.PhoneNumber != nil && m.takenByOther(id, "phoneNumber", *patch.PhoneNumber) {
		conflict.Add("phoneNumber", conflictReason("phoneNumber"))
	}
	if !conflict.Empty() {
		return nil, conflict
	}

	if patch.Email != nil {
		u.Email = *patch.Email
	}
	if patch.PhoneNumber != nil {
		u.PhoneNumber = *patch.PhoneNumber
	}
	if patch.FirstName != nil {
		u.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		u.LastName = *patch.LastName
	}
	if patch.Country != nil {
		u.Country = *patch.Country
	}
	if patch.BirthDate != nil {
		d := *patch.BirthDate
		u.BirthDate = &d
	}
	u.UpdatedAt = m.now().UTC()
	return cloneUser(u), nil
}

func (m *MemoryUserRepository) PushPhoneNumber(_ context.Context, id string, phone models.PhoneNumber, limit int) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok || u.HasSavedPhoneNumber(phone.PhoneNumber) || len(u.SavedPhoneNumbers) >= limit {
		return nil, nil
	}
	u.SavedPhoneNumbers = append(u.SavedPhoneNumbers, phone)
	u.UpdatedAt = m.now().UTC()
	return cloneUser(u), nil
}

func (m *MemoryUserRepository) PullPhoneNumber(_ context.Context, id, phoneNumberID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	if _, found := u.FindSavedPhoneNumber(phoneNumberID); !found {
		return nil, nil
	}
	kept := make([]models.PhoneNumber, 0, len(u.SavedPhoneNumbers))
	for _, p := range u.SavedPhoneNumbers {
		if p.ID != phoneNumberID {
			kept = append(kept, p)
		}
	}
	u.SavedPhoneNumbers = kept
	u.UpdatedAt = m.now().UTC()
	return cloneUser(u), nil
}

func (m *MemoryUserRepository) SaveVerification(_ context.Context, id string, v models.Verification) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	birth := v.BirthDate
	u.FirstName = v.FirstName
	u.LastName = v.LastName
	u.Country = v.Country
	u.BirthDate = &birth
	u.KYC = models.KYC{Status: v.Status, IdentityAccessKey: v.IdentityAccessKey}
	u.UpdatedAt = m.now().UTC()
	return cloneUser(u), nil
}

// FindByIdentityAccessKey picks the lowest ID among matches, as the MongoDB
// store does.
func (m *MemoryUserRepository) FindByIdentityAccessKey(_ context.Context, key string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if key == "" {
		return nil, nil
	}
	var ids []string
	for id, u := range m.users {
		if u.KYC.IdentityAccessKey == key {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	return cloneUser(m.users[ids[0]]), nil
}

func (m *MemoryUserRepository) SetKYCStatus(_ context.Context, id, status string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	u.KYC.Status = status
	u.UpdatedAt = m.now().UTC()
	return cloneUser(u), nil
}

func (m *MemoryUserRepository) SetPasswordHash(_ context.Context, id, hash string) error {
	return m.mutate(id, func(u *models.User) { u.PasswordHash = hash })
}

func (m *MemoryUserRepository) mutate(id string, fn func(*models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	u, ok := m.users[id]
	if !ok {
		return apperr.ErrUserNotFound
	}
	fn(u)
	u.UpdatedAt = m.now().UTC()
	return nil
}

// takenByOther must be called with mu held.
func (m *MemoryUserRepository) takenByOther(userID, field, value string) bool {
	for id, u := range m.users {
		if id == userID {
			continue
		}
		switch field {
		case "email":
			if u.Email == value {
				return true
			}
		case "phoneNumber":
			if u.PhoneNumber == value {
				return true
			}
		}
	}
	return false
}

func cloneUser(u *models.User) *models.User {
	c := *u
	if u.SavedPhoneNumbers != nil {
		c.SavedPhoneNumbers = append([]models.PhoneNumber(nil), u.SavedPhoneNumbers...)
	}
	if u.BirthDate != nil {
		d := *u.BirthDate
		c.BirthDate = &d
	}
	return &c
}
