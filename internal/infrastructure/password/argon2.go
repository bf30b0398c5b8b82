package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

type Argon2Params struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params matches the parameters of the PHC strings already stored in the
// users table.
var DefaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 4,
	SaltLength:  16,
	KeyLength:   32,
}

var errInvalidPHC = errors.New("invalid argon2id hash")

type Argon2 struct {
	params Argon2Params
}

func NewArgon2(params Argon2Params) *Argon2 {
	return &Argon2{params: params}
}

func (a *Argon2) Hash(password string) (string, error) {
	salt := make([]byte, a.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, a.params.Time, a.params.Memory, a.params.Parallelism, a.params.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, a.params.Memory, a.params.Time, a.params.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

func (a *Argon2) Verify(password, hash string) (bool, error) {
	p, salt, key, err := parsePHC(hash)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1, nil
}

// parsePHC reads $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash> with unpadded base64.
func parsePHC(hash string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, errInvalidPHC
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, errInvalidPHC
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: unsupported version %d", errInvalidPHC, version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Parallelism); err != nil {
		return p, nil, nil, errInvalidPHC
	}
	if p.Memory == 0 || p.Time == 0 || p.Parallelism == 0 {
		return p, nil, nil, errInvalidPHC
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, errInvalidPHC
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, errInvalidPHC
	}
	return p, salt, key, nil
}
