package password

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordTooLong  = errors.New("password too long")
	ErrMalformedHash    = errors.New("malformed password hash")
	ErrUnsupportedHash  = errors.New("unsupported password hash")
)

// Hasher is one password hashing scheme.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsUpgrade(encodedHash string) (bool, error)
	// Handles reports whether encodedHash belongs to this scheme.
	Handles(encodedHash string) bool
}

// Bcrypt verifies legacy bcrypt hashes. New hashes are only produced if it is
// the primary hasher of a Chain, which it normally is not.
type Bcrypt struct {
	cost int
}

func NewBcrypt(cost int) (*Bcrypt, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be within [%d, %d]", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Bcrypt{cost: cost}, nil
}

func (b *Bcrypt) Hash(password string) (string, error) {
	if len(password) < minPassBytes {
		return "", ErrPasswordTooShort
	}
	// bcrypt silently truncates after 72 bytes.
	if len(password) > 72 {
		return "", ErrPasswordTooLong
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (b *Bcrypt) Verify(password, encodedHash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	case errors.Is(err, bcrypt.ErrPasswordTooLong):
		return false, ErrPasswordTooLong
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
}

func (b *Bcrypt) NeedsUpgrade(encodedHash string) (bool, error) {
	cost, err := bcrypt.Cost([]byte(encodedHash))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	return cost < b.cost, nil
}

func (b *Bcrypt) Handles(encodedHash string) bool {
	return strings.HasPrefix(encodedHash, "$2a$") ||
		strings.HasPrefix(encodedHash, "$2b$") ||
		strings.HasPrefix(encodedHash, "$2y$")
}

// Chain hashes with its primary scheme and verifies with whichever scheme
// produced the stored hash. Hashes from a legacy scheme always need an upgrade.
type Chain struct {
	primary Hasher
	legacy  []Hasher
}

func NewChain(primary Hasher, legacy ...Hasher) *Chain {
	return &Chain{primary: primary, legacy: legacy}
}

func (c *Chain) Hash(password string) (string, error) {
	return c.primary.Hash(password)
}

func (c *Chain) Verify(password, encodedHash string) (bool, error) {
	h, err := c.pick(encodedHash)
	if err != nil {
		return false, err
	}
	return h.Verify(password, encodedHash)
}

func (c *Chain) NeedsUpgrade(encodedHash string) (bool, error) {
	if c.primary.Handles(encodedHash) {
		return c.primary.NeedsUpgrade(encodedHash)
	}
	if _, err := c.pick(encodedHash); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Chain) Handles(encodedHash string) bool {
	_, err := c.pick(encodedHash)
	return err == nil
}

func (c *Chain) pick(encodedHash string) (Hasher, error) {
	if c.primary.Handles(encodedHash) {
		return c.primary, nil
	}
	for _, h := range c.legacy {
		if h.Handles(encodedHash) {
			return h, nil
		}
	}
	return nil, ErrUnsupportedHash
}
