package devauth

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type user struct {
	id           string
	passwordHash []byte
	scopes       []string
}

// Users is an in-memory user directory with bcrypt-hashed passwords
type Users struct {
	// Cost is the bcrypt cost for new passwords. Defaults to bcrypt.DefaultCost.
	Cost int

	mu    sync.RWMutex
	users map[string]*user
}

func NewUsers() *Users {
	return &Users{users: make(map[string]*user)}
}

// Add registers username with password and returns the generated user ID.
// Scopes defaults to the full scope set when empty.
func (u *Users) Add(username, password string, scopes ...string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return "", errors.New("username and password are required")
	}

	cost := u.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.users[username]; exists {
		return "", errors.New("user already exists")
	}
	id := uuid.NewString()
	u.users[username] = &user{id: id, passwordHash: hash, scopes: scopes}
	return id, nil
}

// Authenticate checks username/password and returns the user's ID and allowed scopes
func (u *Users) Authenticate(username, password string) (string, []string, error) {
	u.mu.RLock()
	found, ok := u.users[strings.ToLower(strings.TrimSpace(username))]
	u.mu.RUnlock()
	if !ok {
		return "", nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(found.passwordHash, []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	return found.id, found.scopes, nil
}
