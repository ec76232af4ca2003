package authstub

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-session/pkg/domain"
)

var (
	errUserNotFound          = errors.New("user not found")
	errUserAlreadyExists     = errors.New("user already exists")
	errUsernameAlreadyExists = errors.New("username already taken")
	errInvalidCredentials    = errors.New("invalid credentials")
	errInvalidUsername       = errors.New("username is required")
)

type account struct {
	user         domain.User
	passwordHash string
}

// userDirectory is the in-memory user table.
type userDirectory struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*account
	byEmail    map[string]uuid.UUID
	byUsername map[string]uuid.UUID
}

func newUserDirectory() *userDirectory {
	return &userDirectory{
		byID:       make(map[uuid.UUID]*account),
		byEmail:    make(map[string]uuid.UUID),
		byUsername: make(map[string]uuid.UUID),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create adds a user. An empty password creates an account that can only
// sign in through Google. Users without a username must onboard first.
func (d *userDirectory) Create(email, password, name string, username *string) (domain.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return domain.User{}, errInvalidCredentials
	}

	var hash string
	if password != "" {
		var err error
		if hash, err = HashPassword(password); err != nil {
			return domain.User{}, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byEmail[email]; ok {
		return domain.User{}, errUserAlreadyExists
	}
	if username != nil && *username != "" {
		if _, ok := d.byUsername[*username]; ok {
			return domain.User{}, errUsernameAlreadyExists
		}
	} else {
		username = nil
	}

	user := domain.User{
		ID:                 uuid.New(),
		Email:              email,
		Username:           username,
		Role:               domain.RoleUser,
		OnboardingRequired: username == nil,
	}
	if name != "" {
		user.Name = &name
	}

	d.byID[user.ID] = &account{user: *user.Clone(), passwordHash: hash}
	d.byEmail[email] = user.ID
	if username != nil {
		d.byUsername[*username] = user.ID
	}
	return *user.Clone(), nil
}

// Authenticate checks an email or username against its password.
func (d *userDirectory) Authenticate(identifier, password string) (domain.User, error) {
	d.mu.RLock()
	id, ok := d.byEmail[normalizeEmail(identifier)]
	if !ok {
		id, ok = d.byUsername[identifier]
	}
	var hash string
	if acct, found := d.byID[id]; ok && found {
		hash = acct.passwordHash
	}
	d.mu.RUnlock()

	if hash == "" || !VerifyPassword(password, hash) {
		return domain.User{}, errInvalidCredentials
	}
	return d.Get(id)
}

// FindOrCreate returns the user with email, creating a passwordless account
// when none exists.
func (d *userDirectory) FindOrCreate(email, name string) (domain.User, error) {
	d.mu.RLock()
	id, ok := d.byEmail[normalizeEmail(email)]
	d.mu.RUnlock()
	if ok {
		return d.Get(id)
	}

	user, err := d.Create(email, "", name, nil)
	if errors.Is(err, errUserAlreadyExists) {
		return d.FindOrCreate(email, name)
	}
	return user, err
}

// Get returns a copy of the user.
func (d *userDirectory) Get(id uuid.UUID) (domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	acct, ok := d.byID[id]
	if !ok {
		return domain.User{}, errUserNotFound
	}
	return *acct.user.Clone(), nil
}

// CompleteOnboarding assigns a username and clears the onboarding flag.
func (d *userDirectory) CompleteOnboarding(id uuid.UUID, username string, name *string) (domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.User{}, errInvalidUsername
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	acct, ok := d.byID[id]
	if !ok {
		return domain.User{}, errUserNotFound
	}
	if owner, taken := d.byUsername[username]; taken && owner != id {
		return domain.User{}, errUsernameAlreadyExists
	}
	if acct.user.Username != nil {
		delete(d.byUsername, *acct.user.Username)
	}

	acct.user.Username = &username
	if name != nil {
		n := *name
		acct.user.Name = &n
	}
	acct.user.OnboardingRequired = false
	d.byUsername[username] = id
	return *acct.user.Clone(), nil
}

// ChangePassword replaces the password after checking the current one.
// Passwordless accounts may set a first password without one.
func (d *userDirectory) ChangePassword(id uuid.UUID, current, next string) error {
	if next == "" {
		return errInvalidCredentials
	}

	d.mu.RLock()
	acct, ok := d.byID[id]
	var hash string
	if ok {
		hash = acct.passwordHash
	}
	d.mu.RUnlock()

	if !ok {
		return errUserNotFound
	}
	if hash != "" && !VerifyPassword(current, hash) {
		return errInvalidCredentials
	}

	newHash, err := HashPassword(next)
	if err != nil {
		return err
	}

	d.mu.Lock()
	acct.passwordHash = newHash
	d.mu.Unlock()
	return nil
}
