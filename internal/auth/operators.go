package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Operator is a person allowed to sign in to the API.
type Operator struct {
	UserID string
	Role   string
	hash   []byte
}

func (o Operator) Identity() Identity { return Identity{UserID: o.UserID, Role: o.Role} }

// Directory is a static set of operators loaded from configuration.
type Directory struct {
	byID  map[string]Operator
	dummy []byte
}

// ParseOperators reads user:role:bcrypt-hash entries separated by commas.
// When roles is non-empty every entry must use one of them.
func ParseOperators(spec string, roles ...string) (*Directory, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("unused"), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	d := &Directory{byID: make(map[string]Operator), dummy: dummy}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("auth: operator entry %q must be user:role:hash", redact(entry))
		}
		user, role, hash := parts[0], parts[1], parts[2]
		if len(roles) > 0 && !slices.Contains(roles, role) {
			return nil, fmt.Errorf("auth: operator %q has unknown role %q", user, role)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("auth: operator %q: %w", user, err)
		}
		if _, dup := d.byID[user]; dup {
			return nil, fmt.Errorf("auth: operator %q listed twice", user)
		}
		d.byID[user] = Operator{UserID: user, Role: role, hash: []byte(hash)}
	}
	return d, nil
}

// Authenticate checks a password. Unknown users still pay for a bcrypt
// comparison so the response time does not reveal which names exist.
func (d *Directory) Authenticate(userID, password string) (Operator, error) {
	op, ok := d.byID[userID]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(d.dummy, []byte(password))
		return Operator{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(op.hash, []byte(password)); err != nil {
		return Operator{}, ErrInvalidCredentials
	}
	return op, nil
}

// Lookup returns the operator without checking a password.
func (d *Directory) Lookup(userID string) (Operator, bool) {
	op, ok := d.byID[userID]
	return op, ok
}

func (d *Directory) Len() int { return len(d.byID) }

// HashPassword produces an entry-ready bcrypt hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("auth: empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func redact(entry string) string {
	if i := strings.LastIndex(entry, ":"); i >= 0 {
		return entry[:i+1] + "***"
	}
	return entry
}
