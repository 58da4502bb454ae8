package fakeissuer

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var errAccountNotFound = errors.New("account not found")

const (
	maxFailedAttempts = 5
	lockoutDuration   = 15 * time.Minute
)

// Account is a backend user. An empty SecondFactorCode means the account
// signs in with a password alone.
type Account struct {
	ID               int64
	AccountNo        int64
	Email            string
	Name             string
	Surname          string
	Role             string
	PasswordHash     string
	SecondFactorCode string
	Blocked          bool
	LastLogin        *time.Time
	FailedAttempts   int
	LockedUntil      *time.Time
}

func (a *Account) RequiresSecondFactor() bool {
	return a.SecondFactorCode != ""
}

// Locked reports whether too many failed attempts have locked the account at now.
func (a *Account) Locked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

type accountStore struct {
	accounts map[int64]*Account
	emailIDs map[string]int64 // lower-cased email to account id
	nextID   int64
	lock     sync.RWMutex
}

func newAccountStore() *accountStore {
	return &accountStore{
		accounts: make(map[int64]*Account),
		emailIDs: make(map[string]int64),
		nextID:   1,
	}
}

func (s *accountStore) upsert(a *Account) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if a.ID == 0 {
		a.ID = s.nextID
	}
	if a.ID >= s.nextID {
		s.nextID = a.ID + 1
	}
	s.accounts[a.ID] = a
	s.emailIDs[strings.ToLower(a.Email)] = a.ID
}

func (s *accountStore) byEmail(email string) (Account, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	id, ok := s.emailIDs[strings.ToLower(email)]
	if !ok {
		return Account{}, errAccountNotFound
	}
	return *s.accounts[id], nil
}

func (s *accountStore) byID(id int64) (Account, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return Account{}, errAccountNotFound
	}
	return *a, nil
}

func (s *accountStore) touchLogin(id int64, at time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.LastLogin = &at
	}
}

// recordFailure counts a failed password attempt and locks the account once
// the limit is reached. It returns the attempts left before lockout.
func (s *accountStore) recordFailure(id int64, now time.Time) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return maxFailedAttempts
	}
	a.FailedAttempts++
	if a.FailedAttempts >= maxFailedAttempts {
		until := now.Add(lockoutDuration)
		a.LockedUntil = &until
		a.FailedAttempts = 0
		return 0
	}
	return maxFailedAttempts - a.FailedAttempts
}

func (s *accountStore) resetFailures(id int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.FailedAttempts = 0
		a.LockedUntil = nil
	}
}
