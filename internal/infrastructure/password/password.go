// Package password provides the hash/verify capability used for credential checks.
package password

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownHashFormat = errors.New("unknown password hash format")

type Hasher interface {
	Hash(password string) (string, error)
	// Verify reports whether password matches hash. A false result with nil error
	// means a wrong password.
	Verify(password, hash string) (bool, error)
}

// Multi hashes with the configured scheme and verifies any supported format, so stored
// argon2id and bcrypt hashes keep working side by side.
type Multi struct {
	primary Hasher
	bcrypt  *Bcrypt
	argon2  *Argon2
}

func NewMulti(scheme string) (*Multi, error) {
	m := &Multi{
		bcrypt: NewBcrypt(0),
		argon2: NewArgon2(DefaultArgon2Params),
	}
	switch strings.ToLower(scheme) {
	case "bcrypt":
		m.primary = m.bcrypt
	case "argon2id", "":
		m.primary = m.argon2
	default:
		return nil, fmt.Errorf("unsupported password scheme: %q", scheme)
	}
	return m, nil
}

func (m *Multi) Hash(password string) (string, error) {
	return m.primary.Hash(password)
}

func (m *Multi) Verify(password, hash string) (bool, error) {
	switch {
	case strings.HasPrefix(hash, "$argon2id$"):
		return m.argon2.Verify(password, hash)
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		return m.bcrypt.Verify(password, hash)
	default:
		return false, ErrUnknownHashFormat
	}
}
